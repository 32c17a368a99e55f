package objectstore_test

import (
	"context"
	"net/url"
	"testing"

	"github.com/book-expert/audio-service/internal/classify"
	"github.com/book-expert/audio-service/internal/core"
	"github.com/book-expert/audio-service/internal/objectstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const audioKey = "audios/document_doc-1/page_3/a-1_Joanna.mp3"

func TestS3Store_RoundTrip(t *testing.T) {
	t.Parallel()

	fake, server := startFakeS3(t)
	ctx := context.Background()

	store, err := objectstore.NewS3(ctx, objectstore.S3Config{
		Bucket:    "audio",
		Region:    "us-east-1",
		Endpoint:  server.URL,
		AccessKey: "test",
		SecretKey: "test-secret",
		PathStyle: true,
	})
	require.NoError(t, err)

	payload := []byte("ID3 fake mp3 payload")
	require.NoError(t, store.Upload(ctx, audioKey, payload))

	stored, ok := fake.object("audio", audioKey)
	require.True(t, ok)
	assert.Equal(t, payload, stored)

	downloaded, err := store.Download(ctx, audioKey)
	require.NoError(t, err)
	assert.Equal(t, payload, downloaded)

	require.NoError(t, store.Delete(ctx, audioKey))
	require.NoError(t, store.Delete(ctx, audioKey), "deleting a missing key succeeds")

	_, ok = fake.object("audio", audioKey)
	assert.False(t, ok)
}

func TestS3Store_ErrorsAreClassified(t *testing.T) {
	t.Parallel()

	_, server := startFakeS3(t)
	ctx := context.Background()

	store, err := objectstore.NewS3(ctx, objectstore.S3Config{
		Bucket:    "audio",
		Region:    "us-east-1",
		Endpoint:  server.URL,
		AccessKey: "test",
		SecretKey: "test-secret",
		PathStyle: true,
	})
	require.NoError(t, err)

	err = store.Upload(ctx, "throttled.mp3", []byte("x"))
	require.Error(t, err)
	assert.Equal(t, classify.KindThrottled, classify.Classify(err).Kind)

	_, err = store.Download(ctx, "missing.mp3")
	require.Error(t, err)
	assert.Equal(t, classify.KindInvalidInput, classify.Classify(err).Kind)
}

func TestMinioStore_RoundTrip(t *testing.T) {
	t.Parallel()

	fake, server := startFakeS3(t)
	ctx := context.Background()

	endpoint, err := url.Parse(server.URL)
	require.NoError(t, err)

	store, err := objectstore.NewMinio(ctx, objectstore.MinioConfig{
		Endpoint:  endpoint.Host,
		AccessKey: "minio",
		SecretKey: "minio-secret",
		Bucket:    "audio",
		Region:    "us-east-1",
		UseSSL:    false,
	})
	require.NoError(t, err)

	payload := []byte("ID3 another fake payload")
	require.NoError(t, store.Upload(ctx, audioKey, payload))

	stored, ok := fake.object("audio", audioKey)
	require.True(t, ok)
	assert.Equal(t, payload, stored)

	downloaded, err := store.Download(ctx, audioKey)
	require.NoError(t, err)
	assert.Equal(t, payload, downloaded)

	require.NoError(t, store.Delete(ctx, audioKey))

	_, err = store.Download(ctx, audioKey)
	require.Error(t, err)
}

func TestMemoryStore(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := objectstore.NewMemory()

	require.NoError(t, store.Upload(ctx, "b.mp3", []byte("b")))
	require.NoError(t, store.Upload(ctx, "a.mp3", []byte("a")))
	assert.Equal(t, []string{"a.mp3", "b.mp3"}, store.Keys())

	require.NoError(t, store.Delete(ctx, "a.mp3"))
	require.NoError(t, store.Delete(ctx, "a.mp3"))

	_, err := store.Download(ctx, "a.mp3")
	require.ErrorIs(t, err, core.ErrNotFound)
}

func TestContentType(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "audio/mpeg", objectstore.ContentType(audioKey))
	assert.Equal(t, "application/x-ndjson", objectstore.ContentType("audit-logs/2025/01/audit-logs-2025-01.jsonl"))
	assert.Equal(t, "application/octet-stream", objectstore.ContentType("blob"))
}
