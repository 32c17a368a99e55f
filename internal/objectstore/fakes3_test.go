package objectstore_test

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

const throttledKey = "throttled.mp3"

// fakeS3 is a minimal path-style S3 endpoint for exercising the SDK clients.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
}

func startFakeS3(t *testing.T) (*fakeS3, *httptest.Server) {
	t.Helper()

	fake := &fakeS3{objects: make(map[string][]byte), types: make(map[string]string)}
	server := httptest.NewServer(fake)
	t.Cleanup(server.Close)

	return fake, server
}

func (f *fakeS3) object(bucket, key string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, ok := f.objects[bucket+"/"+key]

	return data, ok
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	parts := strings.SplitN(strings.TrimPrefix(r.URL.Path, "/"), "/", 2)
	bucket := parts[0]

	key := ""
	if len(parts) == 2 {
		key = parts[1]
	}

	if key == "" {
		// Bucket level calls (exists, create) always succeed.
		w.WriteHeader(http.StatusOK)

		return
	}

	if key == throttledKey {
		writeS3Error(w, http.StatusServiceUnavailable, "SlowDown")

		return
	}

	id := bucket + "/" + key

	f.mu.Lock()
	defer f.mu.Unlock()

	switch r.Method {
	case http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		if strings.Contains(r.Header.Get("Content-Encoding"), "aws-chunked") ||
			strings.HasPrefix(r.Header.Get("X-Amz-Content-Sha256"), "STREAMING-") {
			body = decodeAWSChunked(body)
		}

		f.objects[id] = body
		f.types[id] = r.Header.Get("Content-Type")
		w.Header().Set("ETag", `"d41d8cd98f00b204e9800998ecf8427e"`)
		w.WriteHeader(http.StatusOK)
	case http.MethodGet, http.MethodHead:
		data, ok := f.objects[id]
		if !ok {
			writeS3Error(w, http.StatusNotFound, "NoSuchKey")

			return
		}

		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.Header().Set("Content-Type", f.types[id])
		w.Header().Set("ETag", `"d41d8cd98f00b204e9800998ecf8427e"`)
		w.Header().Set("Last-Modified", time.Now().UTC().Format(http.TimeFormat))
		w.WriteHeader(http.StatusOK)

		if r.Method == http.MethodGet {
			_, _ = w.Write(data)
		}
	case http.MethodDelete:
		delete(f.objects, id)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func writeS3Error(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	_, _ = fmt.Fprintf(w,
		`<?xml version="1.0" encoding="UTF-8"?><Error><Code>%s</Code><Message>%s</Message><RequestId>1</RequestId></Error>`,
		code, code)
}

// decodeAWSChunked strips aws-chunked framing and any trailers.
func decodeAWSChunked(body []byte) []byte {
	reader := bufio.NewReader(bytes.NewReader(body))

	var out bytes.Buffer

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			break
		}

		sizeHex := strings.SplitN(strings.TrimRight(line, "\r\n"), ";", 2)[0]

		size, err := strconv.ParseInt(sizeHex, 16, 64)
		if err != nil || size == 0 {
			break
		}

		chunk := make([]byte, size)

		_, err = io.ReadFull(reader, chunk)
		if err != nil {
			break
		}

		out.Write(chunk)

		_, _ = reader.ReadString('\n')
	}

	return out.Bytes()
}
