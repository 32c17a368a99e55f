// Package worker_test tests the generation job executors.
package worker_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/book-expert/audio-service/internal/worker"
	"github.com/book-expert/logger"
	"github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testSubject = "audio.generate"
	testQueue   = "audio-workers"
	waitFor     = 5 * time.Second
	tick        = 10 * time.Millisecond
)

var errMockGenerate = errors.New("mock generate error")

// recordingHandler is a core.JobHandler that records the audio it generated.
type recordingHandler struct {
	mu      sync.Mutex
	ids     []string
	fail    bool
	running atomic.Int32
	peak    atomic.Int32
	delay   time.Duration
}

func (h *recordingHandler) Generate(_ context.Context, audioID string) error {
	current := h.running.Add(1)
	defer h.running.Add(-1)

	for {
		peak := h.peak.Load()
		if current <= peak || h.peak.CompareAndSwap(peak, current) {
			break
		}
	}

	time.Sleep(h.delay)

	h.mu.Lock()
	h.ids = append(h.ids, audioID)
	h.mu.Unlock()

	if h.fail {
		return errMockGenerate
	}

	return nil
}

func (h *recordingHandler) IDs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	return append([]string(nil), h.ids...)
}

func newLogger(t *testing.T) *logger.Logger {
	t.Helper()

	log, err := logger.New(t.TempDir(), "worker-test.log")
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })

	return log
}

func createTestNatsClient(t *testing.T) *nats.Conn {
	t.Helper()

	opts := test.DefaultTestOptions
	opts.Port = -1 // Use a random port
	server := test.RunServer(&opts)

	natsConnection, err := nats.Connect(server.ClientURL())
	require.NoError(t, err, "Failed to connect to test NATS server")

	t.Cleanup(func() {
		natsConnection.Close()
		server.Shutdown()
	})

	return natsConnection
}

// startWorker runs a worker until the test ends and waits for its subscription.
func startWorker(t *testing.T, natsConnection *nats.Conn, handler *recordingHandler) {
	t.Helper()

	startWorkers(t, natsConnection, handler, 1)
}

func startWorkers(t *testing.T, natsConnection *nats.Conn, handler *recordingHandler, workers int) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	errChan := make(chan error, 1)
	subscriptions := natsConnection.NumSubscriptions()

	workerInstance := worker.NewNatsWorker(natsConnection, testSubject, testQueue, workers, time.Second,
		newLogger(t))

	go func() {
		errChan <- workerInstance.Run(ctx, handler)
	}()

	require.Eventually(t, func() bool {
		return natsConnection.NumSubscriptions() > subscriptions
	}, waitFor, tick)

	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-errChan, "worker.Run should not error on graceful shutdown")
	})
}

func TestNatsDispatcher_DeliversToWorker(t *testing.T) {
	t.Parallel()

	natsConnection := createTestNatsClient(t)
	handler := &recordingHandler{}
	startWorker(t, natsConnection, handler)

	dispatcher := worker.NewNatsDispatcher(natsConnection, testSubject)
	require.NoError(t, dispatcher.Dispatch(context.Background(), "audio-1"))

	require.Eventually(t, func() bool {
		return len(handler.IDs()) == 1
	}, waitFor, tick)
	assert.Equal(t, []string{"audio-1"}, handler.IDs())
}

func TestNatsDispatcher_RejectsEmptyID(t *testing.T) {
	t.Parallel()

	dispatcher := worker.NewNatsDispatcher(createTestNatsClient(t), testSubject)
	require.ErrorIs(t, dispatcher.Dispatch(context.Background(), ""), worker.ErrAudioIDEmpty)
}

func TestNatsDispatcher_ClosedConnection(t *testing.T) {
	t.Parallel()

	natsConnection := createTestNatsClient(t)
	natsConnection.Close()

	dispatcher := worker.NewNatsDispatcher(natsConnection, testSubject)
	require.ErrorIs(t, dispatcher.Dispatch(context.Background(), "audio-1"), nats.ErrConnectionClosed)
}

func TestNatsWorker_RepliesToRequests(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name      string
		fail      bool
		expectErr bool
	}{
		{name: "success", fail: false, expectErr: false},
		{name: "handler failure", fail: true, expectErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			natsConnection := createTestNatsClient(t)
			startWorker(t, natsConnection, &recordingHandler{fail: tc.fail})

			job := worker.NewGenerationJob("audio-7")
			jobData, err := json.Marshal(job)
			require.NoError(t, err)

			replyMsg, err := natsConnection.Request(testSubject, jobData, waitFor)
			require.NoError(t, err, "Request should succeed and receive a reply")

			var result worker.JobResult
			require.NoError(t, json.Unmarshal(replyMsg.Data, &result))

			assert.Equal(t, "audio-7", result.AudioID)
			assert.Equal(t, job.Header.WorkflowID, result.Header.WorkflowID)
			assert.NotEqual(t, job.Header.EventID, result.Header.EventID)
			assert.Equal(t, tc.expectErr, result.Error != "")
		})
	}
}

func TestNatsWorker_IgnoresMalformedJobs(t *testing.T) {
	t.Parallel()

	natsConnection := createTestNatsClient(t)
	handler := &recordingHandler{}
	startWorker(t, natsConnection, handler)

	require.NoError(t, natsConnection.Publish(testSubject, []byte("not json")))
	require.NoError(t, natsConnection.Publish(testSubject, []byte(`{"audio_id":""}`)))
	require.NoError(t, worker.NewNatsDispatcher(natsConnection, testSubject).Dispatch(context.Background(), "audio-ok"))

	require.Eventually(t, func() bool {
		return len(handler.IDs()) == 1
	}, waitFor, tick)
	assert.Equal(t, []string{"audio-ok"}, handler.IDs())
}

func TestNatsWorker_QueueGroupSplitsJobs(t *testing.T) {
	t.Parallel()

	natsConnection := createTestNatsClient(t)
	first, second := &recordingHandler{}, &recordingHandler{}
	startWorker(t, natsConnection, first)
	startWorker(t, natsConnection, second)

	dispatcher := worker.NewNatsDispatcher(natsConnection, testSubject)

	const jobs = 20
	for i := range jobs {
		require.NoError(t, dispatcher.Dispatch(context.Background(), "audio-"+string(rune('A'+i))))
	}

	require.Eventually(t, func() bool {
		return len(first.IDs())+len(second.IDs()) == jobs
	}, waitFor, tick)

	seen := map[string]bool{}
	for _, id := range append(first.IDs(), second.IDs()...) {
		assert.False(t, seen[id], "job %s ran twice", id)
		seen[id] = true
	}
}

func TestNatsWorker_RunsJobsConcurrently(t *testing.T) {
	t.Parallel()

	natsConnection := createTestNatsClient(t)
	handler := &recordingHandler{delay: 50 * time.Millisecond}
	startWorkers(t, natsConnection, handler, 2)

	dispatcher := worker.NewNatsDispatcher(natsConnection, testSubject)

	const jobs = 6
	for i := range jobs {
		require.NoError(t, dispatcher.Dispatch(context.Background(), "audio-"+string(rune('a'+i))))
	}

	require.Eventually(t, func() bool {
		return len(handler.IDs()) == jobs
	}, waitFor, tick)

	assert.Equal(t, int32(2), handler.peak.Load())
}

func TestNatsWorker_WaitsForInFlightJobsOnShutdown(t *testing.T) {
	t.Parallel()

	natsConnection := createTestNatsClient(t)
	handler := &recordingHandler{delay: 100 * time.Millisecond}
	workerInstance := worker.NewNatsWorker(natsConnection, testSubject, testQueue, 2, time.Second, newLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	subscriptions := natsConnection.NumSubscriptions()

	go func() {
		done <- workerInstance.Run(ctx, handler)
	}()

	require.Eventually(t, func() bool {
		return natsConnection.NumSubscriptions() > subscriptions
	}, waitFor, tick)

	dispatcher := worker.NewNatsDispatcher(natsConnection, testSubject)
	require.NoError(t, dispatcher.Dispatch(context.Background(), "audio-1"))

	require.Eventually(t, func() bool {
		return handler.running.Load() == 1
	}, waitFor, time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, []string{"audio-1"}, handler.IDs())
}

func TestPool_RunsJobsWithBoundedConcurrency(t *testing.T) {
	t.Parallel()

	handler := &recordingHandler{delay: 20 * time.Millisecond}
	pool := worker.NewPool(2, 16, time.Second, newLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() {
		done <- pool.Run(ctx, handler)
	}()

	const jobs = 8
	for i := range jobs {
		require.NoError(t, pool.Dispatch(context.Background(), "audio-"+string(rune('a'+i))))
	}

	require.Eventually(t, func() bool {
		return len(handler.IDs()) == jobs
	}, waitFor, tick)

	assert.LessOrEqual(t, handler.peak.Load(), int32(2))

	cancel()
	require.NoError(t, <-done)

	require.ErrorIs(t, pool.Dispatch(context.Background(), "late"), worker.ErrPoolClosed)
}

func TestPool_DispatchHonorsContext(t *testing.T) {
	t.Parallel()

	pool := worker.NewPool(1, 0, time.Second, newLogger(t))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	require.ErrorIs(t, pool.Dispatch(ctx, "audio-1"), context.DeadlineExceeded)
	require.ErrorIs(t, pool.Dispatch(context.Background(), ""), worker.ErrAudioIDEmpty)
}

func TestPool_HandlerErrorsDoNotStopThePool(t *testing.T) {
	t.Parallel()

	handler := &recordingHandler{fail: true}
	pool := worker.NewPool(1, 4, time.Second, newLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		_ = pool.Run(ctx, handler)
	}()

	require.NoError(t, pool.Dispatch(context.Background(), "audio-1"))
	require.NoError(t, pool.Dispatch(context.Background(), "audio-2"))

	require.Eventually(t, func() bool {
		return len(handler.IDs()) == 2
	}, waitFor, tick)
}
