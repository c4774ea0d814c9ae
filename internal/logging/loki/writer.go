// Package loki provides a zerolog writer that pushes logs to Grafana Loki.
package loki

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const pushPath = "/loki/api/v1/push"

// maxReportedErrors caps the flush failures echoed to stderr.
const maxReportedErrors = 3

// Config holds configuration for the Loki writer.
type Config struct {
	URL           string            // Loki base URL, e.g. "http://loki:3100"
	Labels        map[string]string // static stream labels; "job" defaults to "filehaven"
	BatchSize     int               // default 100
	FlushInterval time.Duration     // default 5s
	Timeout       time.Duration     // default 10s
}

// Writer is an io.Writer that batches log lines and pushes them to Loki
// in the background. Write never fails, so an unavailable Loki never
// blocks request handling.
type Writer struct {
	endpoint  string
	labels    map[string]string
	client    *http.Client
	batchSize int
	interval  time.Duration

	mu      sync.Mutex
	pending []entry

	flushing atomic.Bool
	trigger  chan struct{}
	done     chan struct{}
	wg       sync.WaitGroup

	failures atomic.Uint64
}

type entry struct {
	ts   time.Time
	line string
}

type pushRequest struct {
	Streams []stream `json:"streams"`
}

type stream struct {
	Stream map[string]string `json:"stream"`
	Values [][2]string       `json:"values"`
}

// NewWriter creates a writer. Call Start to begin flushing.
func NewWriter(cfg Config) *Writer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	labels := map[string]string{"job": "filehaven"}
	for k, v := range cfg.Labels {
		labels[k] = v
	}

	return &Writer{
		endpoint:  strings.TrimRight(cfg.URL, "/") + pushPath,
		labels:    labels,
		client:    &http.Client{Timeout: cfg.Timeout},
		batchSize: cfg.BatchSize,
		interval:  cfg.FlushInterval,
		pending:   make([]entry, 0, cfg.BatchSize),
		trigger:   make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// Write buffers one log line. zerolog reuses p, so the line is copied.
func (w *Writer) Write(p []byte) (int, error) {
	line := string(bytes.TrimSpace(p))
	if line == "" {
		return len(p), nil
	}

	w.mu.Lock()
	w.pending = append(w.pending, entry{ts: time.Now(), line: line})
	full := len(w.pending) >= w.batchSize
	w.mu.Unlock()

	if full {
		select {
		case w.trigger <- struct{}{}:
		default:
		}
	}
	return len(p), nil
}

// Start launches the background flush loop.
func (w *Writer) Start() {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		for {
			select {
			case <-w.done:
				return
			case <-ticker.C:
				w.flush()
			case <-w.trigger:
				w.flush()
			}
		}
	}()
}

// Stop ends the flush loop and pushes whatever is still buffered.
func (w *Writer) Stop() {
	close(w.done)
	w.wg.Wait()
	w.flush()
}

// Failures returns the number of failed pushes.
func (w *Writer) Failures() uint64 {
	return w.failures.Load()
}

func (w *Writer) flush() {
	if !w.flushing.CompareAndSwap(false, true) {
		return
	}
	defer w.flushing.Store(false)

	w.mu.Lock()
	if len(w.pending) == 0 {
		w.mu.Unlock()
		return
	}
	batch := w.pending
	w.pending = make([]entry, 0, w.batchSize)
	w.mu.Unlock()

	if err := w.push(batch); err != nil {
		// stderr, not the logger: logging here would feed back into Write.
		if n := w.failures.Add(1); n <= maxReportedErrors {
			fmt.Fprintf(os.Stderr, "loki: %v\n", err)
		}
	}
}

func (w *Writer) push(batch []entry) error {
	values := make([][2]string, len(batch))
	for i, e := range batch {
		values[i] = [2]string{strconv.FormatInt(e.ts.UnixNano(), 10), e.line}
	}
	body, err := json.Marshal(pushRequest{Streams: []stream{{Stream: w.labels, Values: values}}})
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), w.client.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("push logs: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("push logs: server returned status %d", resp.StatusCode)
	}
	return nil
}
