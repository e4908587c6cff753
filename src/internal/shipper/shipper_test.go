// FILE: lokiship/src/internal/shipper/shipper_test.go
package shipper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"lokiship/src/internal/config"
	"lokiship/src/internal/core"

	"github.com/lixenwraith/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturedPush struct {
	Streams []struct {
		Stream map[string]string `json:"stream"`
		Values [][2]string       `json:"values"`
	} `json:"streams"`
}

// pushServer records every decoded push request it receives.
type pushServer struct {
	*httptest.Server

	mu     sync.Mutex
	pushes []capturedPush
	status func(n int) int
}

func newPushServer(t *testing.T) *pushServer {
	t.Helper()
	ps := &pushServer{}
	var calls int
	ps.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)

		ps.mu.Lock()
		calls++
		n := calls
		ps.mu.Unlock()

		if ps.status != nil {
			if code := ps.status(n); code != http.StatusNoContent {
				w.WriteHeader(code)
				return
			}
		}

		var push capturedPush
		require.NoError(t, json.Unmarshal(body, &push))
		ps.mu.Lock()
		ps.pushes = append(ps.pushes, push)
		ps.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(ps.Close)
	return ps
}

func (ps *pushServer) delivered() []capturedPush {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	out := make([]capturedPush, len(ps.pushes))
	copy(out, ps.pushes)
	return out
}

func (ps *pushServer) entryCount() int {
	total := 0
	for _, push := range ps.delivered() {
		for _, s := range push.Streams {
			total += len(s.Values)
		}
	}
	return total
}

func testConfig(url string) *config.Config {
	cfg := config.Defaults()
	cfg.URL = url
	cfg.Labels = map[string]string{"app": "api", "env": "test"}
	cfg.RetryDelayMS = 10
	cfg.TimeoutSec = 5
	return cfg
}

func startShipper(t *testing.T, cfg *config.Config, opts ...Option) *Shipper {
	t.Helper()
	opts = append(opts, WithLogger(log.NewLogger()))
	s, err := New(cfg, opts...)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	return s
}

func record(msg string) core.Record {
	return core.Record{Level: core.LevelInfo, Message: msg}
}

func TestNew_ConfigErrors(t *testing.T) {
	t.Run("MissingURL", func(t *testing.T) {
		cfg := config.Defaults()
		cfg.Labels = map[string]string{"app": "x"}
		_, err := New(cfg)
		var cerr *core.ConfigError
		require.True(t, errors.As(err, &cerr))
		assert.Equal(t, "url", cerr.Field)
	})

	t.Run("EmptyLabels", func(t *testing.T) {
		cfg := config.Defaults()
		cfg.URL = "http://localhost:3100/loki/api/v1/push"
		_, err := New(cfg)
		var cerr *core.ConfigError
		require.True(t, errors.As(err, &cerr))
		assert.Equal(t, "labels", cerr.Field)
	})

	t.Run("ContradictoryThresholds", func(t *testing.T) {
		cfg := config.Defaults()
		cfg.URL = "http://localhost:3100/loki/api/v1/push"
		cfg.Labels = map[string]string{"app": "x"}
		cfg.Capacity = cfg.MaxLogs - 1
		_, err := New(cfg)
		var cerr *core.ConfigError
		require.True(t, errors.As(err, &cerr))
	})

	t.Run("UnknownFormatter", func(t *testing.T) {
		cfg := config.Defaults()
		cfg.URL = "http://localhost:3100/loki/api/v1/push"
		cfg.Labels = map[string]string{"app": "x"}
		cfg.Formatter = "yaml"
		_, err := New(cfg)
		var cerr *core.ConfigError
		require.True(t, errors.As(err, &cerr))
	})
}

func TestShipper_NoPrematureFlush(t *testing.T) {
	srv := newPushServer(t)
	cfg := testConfig(srv.URL)
	cfg.MaxLogs = 100
	cfg.MaxLogLifetimeMS = (time.Hour).Milliseconds()

	s := startShipper(t, cfg)
	defer s.Shutdown(context.Background())

	for i := 0; i < 10; i++ {
		require.NoError(t, s.Accept(record(fmt.Sprintf("r%d", i))))
	}
	time.Sleep(300 * time.Millisecond)

	assert.Empty(t, srv.delivered(), "no automatic flush below both thresholds")
}

func TestShipper_CountTrigger(t *testing.T) {
	srv := newPushServer(t)
	cfg := testConfig(srv.URL)
	cfg.MaxLogs = 5
	cfg.MaxLogLifetimeMS = (time.Hour).Milliseconds()

	s := startShipper(t, cfg)
	defer s.Shutdown(context.Background())

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Accept(record(fmt.Sprintf("r%d", i))))
	}

	require.Eventually(t, func() bool {
		return len(srv.delivered()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, 5, srv.entryCount(), "flush holds exactly the 5 accepted entries")
	require.Eventually(t, func() bool {
		return s.GetStats().PendingEntries == 0
	}, time.Second, 5*time.Millisecond, "post-flush counter is zero")

	time.Sleep(100 * time.Millisecond)
	assert.Len(t, srv.delivered(), 1, "exactly one automatic flush")
}

func TestShipper_TimeTrigger(t *testing.T) {
	srv := newPushServer(t)
	cfg := testConfig(srv.URL)
	cfg.MaxLogs = 1000
	cfg.MaxLogLifetimeMS = 100

	s := startShipper(t, cfg)
	defer s.Shutdown(context.Background())

	start := time.Now()
	require.NoError(t, s.Accept(record("a")))
	require.NoError(t, s.Accept(record("b")))

	require.Eventually(t, func() bool {
		return len(srv.delivered()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
	assert.Equal(t, 2, srv.entryCount())
}

func TestShipper_FlushEmptyGeneration(t *testing.T) {
	srv := newPushServer(t)
	s := startShipper(t, testConfig(srv.URL))
	defer s.Shutdown(context.Background())

	start := time.Now()
	require.NoError(t, s.Flush(context.Background()))
	assert.Less(t, time.Since(start), 50*time.Millisecond, "empty flush returns immediately")
	assert.Empty(t, srv.delivered(), "zero HTTP requests")
}

func TestShipper_ExplicitFlush(t *testing.T) {
	srv := newPushServer(t)
	cfg := testConfig(srv.URL)

	s := startShipper(t, cfg)
	defer s.Shutdown(context.Background())

	require.NoError(t, s.Accept(record("hello")))
	require.NoError(t, s.Flush(context.Background()))

	pushes := srv.delivered()
	require.Len(t, pushes, 1)
	require.Len(t, pushes[0].Streams, 1)
	assert.Equal(t, map[string]string{"app": "api", "env": "test"}, pushes[0].Streams[0].Stream)
	require.Len(t, pushes[0].Streams[0].Values, 1)
	assert.Contains(t, pushes[0].Streams[0].Values[0][1], "message=hello")
}

func TestShipper_RetryThenSuccess(t *testing.T) {
	srv := newPushServer(t)
	srv.status = func(n int) int {
		if n <= 2 {
			return http.StatusInternalServerError
		}
		return http.StatusNoContent
	}

	s := startShipper(t, testConfig(srv.URL))
	defer s.Shutdown(context.Background())

	require.NoError(t, s.Accept(record("retry-me")))
	require.NoError(t, s.Flush(context.Background()), "no surfaced error after eventual success")

	require.Len(t, srv.delivered(), 1, "exactly one successfully delivered batch")
	assert.Equal(t, 1, srv.entryCount(), "no duplicate streams sent")
}

func TestShipper_PermanentFailureSurfaced(t *testing.T) {
	srv := newPushServer(t)
	srv.status = func(n int) int { return http.StatusBadRequest }

	var hookErrs []error
	var hookMu sync.Mutex
	s := startShipper(t, testConfig(srv.URL), WithErrorHook(func(err error) {
		hookMu.Lock()
		hookErrs = append(hookErrs, err)
		hookMu.Unlock()
	}))
	defer s.Shutdown(context.Background())

	require.NoError(t, s.Accept(record("rejected")), "accept never fails on backend errors")

	err := s.Flush(context.Background())
	var terr *core.TransportError
	require.True(t, errors.As(err, &terr))
	assert.False(t, terr.Retryable)

	hookMu.Lock()
	defer hookMu.Unlock()
	assert.NotEmpty(t, hookErrs, "error hook observed the failure")
}

func TestShipper_RetriesExhaustedDrops(t *testing.T) {
	srv := newPushServer(t)
	srv.status = func(n int) int { return http.StatusServiceUnavailable }

	cfg := testConfig(srv.URL)
	cfg.MaxRetries = 1
	s := startShipper(t, cfg)
	defer s.Shutdown(context.Background())

	require.NoError(t, s.Accept(record("doomed")))
	err := s.Flush(context.Background())
	var terr *core.TransportError
	require.True(t, errors.As(err, &terr))
	assert.True(t, terr.Retryable)

	// The batch is gone: a second flush has nothing to deliver.
	require.NoError(t, s.Flush(context.Background()))
	assert.Equal(t, uint64(1), s.GetStats().BatchesFailed)
}

func TestShipper_RequeuePolicy(t *testing.T) {
	srv := newPushServer(t)
	var failing atomic.Bool
	failing.Store(true)
	srv.status = func(n int) int {
		if failing.Load() {
			return http.StatusServiceUnavailable
		}
		return http.StatusNoContent
	}

	cfg := testConfig(srv.URL)
	cfg.MaxRetries = 3
	cfg.FailurePolicy = config.FailureRequeue
	s := startShipper(t, cfg)
	defer s.Shutdown(context.Background())

	require.NoError(t, s.Accept(record("survivor")))
	require.Error(t, s.Flush(context.Background()), "first flush fails while backend is down")

	failing.Store(false)
	require.NoError(t, s.Flush(context.Background()), "requeued batch ships once backend recovers")
	assert.Equal(t, 1, srv.entryCount())
}

func TestShipper_FlushTimeout(t *testing.T) {
	blocked := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-blocked
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()
	defer close(blocked)

	s := startShipper(t, testConfig(srv.URL))

	require.NoError(t, s.Accept(record("slow")))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := s.Flush(ctx)
	assert.ErrorIs(t, err, core.ErrFlushTimeout)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancelShutdown()
	s.Shutdown(shutdownCtx)
}

func TestShipper_Shutdown(t *testing.T) {
	srv := newPushServer(t)
	s := startShipper(t, testConfig(srv.URL))

	require.NoError(t, s.Accept(record("final")))
	require.NoError(t, s.Shutdown(context.Background()))

	assert.Equal(t, 1, srv.entryCount(), "shutdown performs a final flush")

	assert.ErrorIs(t, s.Accept(record("late")), core.ErrShipperClosed)
	assert.ErrorIs(t, s.Flush(context.Background()), core.ErrShipperClosed)
	assert.ErrorIs(t, s.Shutdown(context.Background()), core.ErrShipperClosed)
}

func TestShipper_LevelFilter(t *testing.T) {
	srv := newPushServer(t)
	cfg := testConfig(srv.URL)
	cfg.MinLevel = "warn"

	s := startShipper(t, cfg)
	defer s.Shutdown(context.Background())

	require.NoError(t, s.Accept(core.Record{Level: core.LevelDebug, Message: "noise"}))
	require.NoError(t, s.Accept(core.Record{Level: core.LevelError, Message: "signal"}))
	require.NoError(t, s.Flush(context.Background()))

	assert.Equal(t, 1, srv.entryCount())
	assert.Equal(t, uint64(1), s.GetStats().DroppedByLevel)
}

func TestShipper_FieldDoesNotChangeStreamIdentity(t *testing.T) {
	srv := newPushServer(t)
	cfg := testConfig(srv.URL)
	cfg.MergeRecordLabels = true

	s := startShipper(t, cfg)
	defer s.Shutdown(context.Background())

	require.NoError(t, s.Accept(core.Record{
		Level:   core.LevelInfo,
		Message: "override",
		Fields:  []core.Field{{Key: "app", Value: "sidecar"}},
	}))
	require.NoError(t, s.Flush(context.Background()))

	pushes := srv.delivered()
	require.Len(t, pushes, 1)
	require.Len(t, pushes[0].Streams, 1)

	stream := pushes[0].Streams[0]
	assert.Equal(t, "api", stream.Stream["app"], "stream identity keeps the global value")
	require.Len(t, stream.Values, 1)
	assert.Contains(t, stream.Values[0][1], "app=sidecar", "line text carries the record's value")
}

func TestShipper_RecordLabelsSplitStreams(t *testing.T) {
	srv := newPushServer(t)
	cfg := testConfig(srv.URL)
	cfg.MergeRecordLabels = true

	s := startShipper(t, cfg)
	defer s.Shutdown(context.Background())

	require.NoError(t, s.Accept(core.Record{Level: core.LevelInfo, Message: "a"}))
	require.NoError(t, s.Accept(core.Record{
		Level:   core.LevelInfo,
		Message: "b",
		Labels:  map[string]string{"app": "worker"},
	}))
	require.NoError(t, s.Flush(context.Background()))

	pushes := srv.delivered()
	require.Len(t, pushes, 1)
	require.Len(t, pushes[0].Streams, 2)
	assert.Equal(t, "api", pushes[0].Streams[0].Stream["app"])
	assert.Equal(t, "worker", pushes[0].Streams[1].Stream["app"])
}

type failingFormatter struct {
	failOn string
}

func (f *failingFormatter) Format(rec core.Record) ([]byte, error) {
	if rec.Message == f.failOn {
		return nil, fmt.Errorf("unrenderable record")
	}
	return []byte("message=" + rec.Message), nil
}

func (f *failingFormatter) Name() string { return "failing" }

func TestShipper_FormatErrorIsolatedToRecord(t *testing.T) {
	srv := newPushServer(t)
	s := startShipper(t, testConfig(srv.URL), WithFormatter(&failingFormatter{failOn: "bad"}))
	defer s.Shutdown(context.Background())

	require.NoError(t, s.Accept(record("good-1")))

	err := s.Accept(record("bad"))
	var ferr *core.FormatError
	require.True(t, errors.As(err, &ferr))

	require.NoError(t, s.Accept(record("good-2")))
	require.NoError(t, s.Flush(context.Background()))

	assert.Equal(t, 2, srv.entryCount(), "batch continues without the dropped record")
	assert.Equal(t, uint64(1), s.GetStats().FormatErrors)
}

func TestShipper_CapacityReject(t *testing.T) {
	blocked := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-blocked
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()
	defer close(blocked)

	cfg := testConfig(srv.URL)
	cfg.MaxLogs = 3
	cfg.Capacity = 3
	cfg.OverflowPolicy = config.OverflowReject
	s := startShipper(t, cfg)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.Accept(record(fmt.Sprintf("r%d", i))))
	}

	// The sealed generation is stuck in flight; the ceiling holds.
	require.Eventually(t, func() bool {
		err := s.Accept(record("overflow"))
		var cerr *core.CapacityError
		return errors.As(err, &cerr)
	}, 2*time.Second, 10*time.Millisecond)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	s.Shutdown(shutdownCtx)
}

func TestShipper_CompressedDelivery(t *testing.T) {
	var mu sync.Mutex
	var gotEncoding string
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		gotEncoding = r.Header.Get("Content-Encoding")
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.Compress = true
	s := startShipper(t, cfg)
	defer s.Shutdown(context.Background())

	require.NoError(t, s.Accept(record("zipped")))
	require.NoError(t, s.Flush(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "gzip", gotEncoding)
	require.True(t, len(body) > 2)
	assert.Equal(t, []byte{0x1f, 0x8b}, body[:2], "gzip magic bytes")
}

func TestShipper_SequentialGenerations(t *testing.T) {
	srv := newPushServer(t)
	cfg := testConfig(srv.URL)
	cfg.MaxLogs = 2

	s := startShipper(t, cfg)
	defer s.Shutdown(context.Background())

	for i := 0; i < 6; i++ {
		require.NoError(t, s.Accept(record(fmt.Sprintf("r%d", i))))
	}
	require.NoError(t, s.Flush(context.Background()))

	pushes := srv.delivered()
	require.Len(t, pushes, 3, "three generations delivered in order")

	var lines []string
	for _, push := range pushes {
		for _, stream := range push.Streams {
			for _, v := range stream.Values {
				lines = append(lines, v[1])
			}
		}
	}
	require.Len(t, lines, 6)
	for i, line := range lines {
		assert.Contains(t, line, fmt.Sprintf("message=r%d", i), "acceptance order preserved across generations")
	}
}
