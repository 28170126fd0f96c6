package trace

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Syncer batching defaults.
const (
	DefaultBatchSize     = 20
	DefaultFlushInterval = 5 * time.Second
	maxShipAttempts      = 3
)

// Syncer batches finalized traces and ships them to a remote endpoint. An
// empty endpoint makes every method a no-op, so callers never branch on
// whether tracing is configured.
type Syncer struct {
	endpoint      string
	apiKey        string
	batchSize     int
	flushInterval time.Duration
	client        *http.Client
	logger        *slog.Logger

	mu     sync.Mutex
	buf    []*Trace
	closed bool

	kick chan struct{}
	stop chan struct{}
	done chan struct{}
}

// SyncerOptions configures a Syncer.
type SyncerOptions struct {
	// Endpoint receives POSTed trace batches; empty disables shipping.
	Endpoint string
	// APIKey, when set, is sent as a bearer credential.
	APIKey        string
	BatchSize     int
	FlushInterval time.Duration
	Logger        *slog.Logger
}

// NewSyncer builds a Syncer and starts its flush loop (unless disabled).
func NewSyncer(opts SyncerOptions) *Syncer {
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	flushInterval := opts.FlushInterval
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Syncer{
		endpoint:      opts.Endpoint,
		apiKey:        opts.APIKey,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		client:        &http.Client{Timeout: 10 * time.Second},
		logger:        logger.With(slog.String("component", "trace")),
		kick:          make(chan struct{}, 1),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	if s.endpoint == "" {
		close(s.done)
		return s
	}

	go s.loop()
	return s
}

// Enabled reports whether traces actually ship anywhere.
func (s *Syncer) Enabled() bool {
	return s.endpoint != ""
}

// Add queues one trace and returns immediately. A full batch wakes the
// flush loop; shipping, with its retries, never runs on the caller's
// goroutine.
func (s *Syncer) Add(t *Trace) {
	if s.endpoint == "" || t == nil {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.buf = append(s.buf, t)
	full := len(s.buf) >= s.batchSize
	s.mu.Unlock()

	if full {
		select {
		case s.kick <- struct{}{}:
		default:
		}
	}
}

// Pending returns how many traces are queued.
func (s *Syncer) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buf)
}

// Flush ships everything queued, with bounded retries. Failed batches are
// dropped after the last attempt; tracing never blocks the runtime.
func (s *Syncer) Flush(ctx context.Context) {
	if s.endpoint == "" {
		return
	}
	s.mu.Lock()
	batch := s.buf
	s.buf = nil
	s.mu.Unlock()
	if len(batch) == 0 {
		return
	}

	var err error
	for attempt := 1; attempt <= maxShipAttempts; attempt++ {
		if err = s.ship(ctx, batch); err == nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(attempt) * 200 * time.Millisecond):
		}
	}
	s.logger.Warn("dropping trace batch after repeated failures",
		"traces", len(batch), "error", err)
}

func (s *Syncer) ship(ctx context.Context, batch []*Trace) error {
	body, err := json.Marshal(map[string]any{"traces": batch})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("trace endpoint returned %d", resp.StatusCode)
	}
	return nil
}

func (s *Syncer) loop() {
	defer close(s.done)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Flush(context.Background())
		case <-s.kick:
			s.Flush(context.Background())
		case <-s.stop:
			s.Flush(context.Background())
			return
		}
	}
}

// Close flushes the queue and stops the loop. Idempotent.
func (s *Syncer) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	if s.endpoint != "" {
		close(s.stop)
	}
	<-s.done
}
