// Package loki ships zerolog output to a Grafana Loki push endpoint.
package loki

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/gzip"
)

// Config holds configuration for the Loki writer.
type Config struct {
	URL           string            // Loki base URL, e.g. "http://loki:3100"
	Labels        map[string]string // stream labels; "job" defaults to "vaultmesh"
	BatchSize     int               // lines per push (default: 100)
	FlushInterval time.Duration     // default: 5s
	Timeout       time.Duration     // per push (default: 10s)
}

// Writer is an io.Writer that batches log lines and pushes them to Loki
// from Run. Write never fails, so an unreachable Loki never blocks logging.
type Writer struct {
	push     string
	labels   map[string]string
	client   *http.Client
	batch    int
	interval time.Duration

	mu      sync.Mutex
	pending [][2]string // [unix nanos, line]

	kick     chan struct{}
	failures atomic.Uint64
}

type pushRequest struct {
	Streams []stream `json:"streams"`
}

type stream struct {
	Stream map[string]string `json:"stream"`
	Values [][2]string       `json:"values"`
}

// New creates a writer. Nothing is sent until Run is called.
func New(cfg Config) *Writer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	labels := map[string]string{"job": "vaultmesh"}
	for k, v := range cfg.Labels {
		labels[k] = v
	}
	return &Writer{
		push:     cfg.URL + "/loki/api/v1/push",
		labels:   labels,
		client:   &http.Client{Timeout: cfg.Timeout},
		batch:    cfg.BatchSize,
		interval: cfg.FlushInterval,
		kick:     make(chan struct{}, 1),
	}
}

// Write buffers one log line.
func (w *Writer) Write(p []byte) (int, error) {
	line := string(bytes.TrimSpace(p))
	if line == "" {
		return len(p), nil
	}

	w.mu.Lock()
	w.pending = append(w.pending, [2]string{strconv.FormatInt(time.Now().UnixNano(), 10), line})
	full := len(w.pending) >= w.batch
	w.mu.Unlock()

	if full {
		select {
		case w.kick <- struct{}{}:
		default:
		}
	}
	return len(p), nil
}

// Run pushes batches until ctx is done, then pushes what is left.
func (w *Writer) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.Background(), w.client.Timeout)
			w.report(w.Flush(final))
			cancel()
			return
		case <-ticker.C:
			w.report(w.Flush(ctx))
		case <-w.kick:
			w.report(w.Flush(ctx))
		}
	}
}

// Flush pushes every buffered line. Lines are dropped when the push fails.
func (w *Writer) Flush(ctx context.Context) error {
	w.mu.Lock()
	values := w.pending
	w.pending = nil
	w.mu.Unlock()
	if len(values) == 0 {
		return nil
	}

	var body bytes.Buffer
	zw := gzip.NewWriter(&body)
	if err := json.NewEncoder(zw).Encode(pushRequest{
		Streams: []stream{{Stream: w.labels, Values: values}},
	}); err != nil {
		return fmt.Errorf("encode push: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("compress push: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.push, &body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Encoding", "gzip")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("push %d lines: %w", len(values), err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("push %d lines: loki returned %d", len(values), resp.StatusCode)
	}
	return nil
}

// report counts a failed push. Only the first few reach stderr.
func (w *Writer) report(err error) {
	if err == nil {
		return
	}
	if n := w.failures.Add(1); n <= 3 {
		fmt.Fprintf(os.Stderr, "loki: %v\n", err)
	}
}

// Failures returns the number of failed pushes.
func (w *Writer) Failures() uint64 {
	return w.failures.Load()
}
