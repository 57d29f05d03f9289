package loki

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLoki struct {
	mu     sync.Mutex
	pushes []pushRequest
	status int
}

func (f *fakeLoki) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/loki/api/v1/push" || r.Header.Get("Content-Encoding") != "gzip" {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	zr, err := gzip.NewReader(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var req pushRequest
	if err := json.NewDecoder(zr).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushes = append(f.pushes, req)
	if f.status != 0 {
		w.WriteHeader(f.status)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (f *fakeLoki) lines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, p := range f.pushes {
		for _, s := range p.Streams {
			for _, v := range s.Values {
				out = append(out, v[1])
			}
		}
	}
	return out
}

func TestNewDefaults(t *testing.T) {
	w := New(Config{URL: "http://loki:3100", Labels: map[string]string{"node": "ab12"}})
	assert.Equal(t, 100, w.batch)
	assert.Equal(t, 5*time.Second, w.interval)
	assert.Equal(t, "vaultmesh", w.labels["job"])
	assert.Equal(t, "ab12", w.labels["node"])
	assert.Equal(t, "http://loki:3100/loki/api/v1/push", w.push)

	w = New(Config{URL: "http://loki:3100", Labels: map[string]string{"job": "vaults"}})
	assert.Equal(t, "vaults", w.labels["job"])
}

func TestFlushPushesLabelledLines(t *testing.T) {
	fake := &fakeLoki{}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	w := New(Config{URL: srv.URL, Labels: map[string]string{"node": "ab12"}})
	_, _ = w.Write([]byte(`{"level":"info","message":"one"}` + "\n"))
	_, _ = w.Write([]byte("   \n"))
	_, _ = w.Write([]byte(`{"level":"info","message":"two"}`))

	require.NoError(t, w.Flush(context.Background()))
	assert.Equal(t, []string{`{"level":"info","message":"one"}`, `{"level":"info","message":"two"}`}, fake.lines())
	assert.Equal(t, "ab12", fake.pushes[0].Streams[0].Stream["node"])

	require.NoError(t, w.Flush(context.Background()), "nothing pending is not an error")
	assert.Len(t, fake.pushes, 1)
}

func TestFlushReportsServerErrors(t *testing.T) {
	fake := &fakeLoki{status: http.StatusInternalServerError}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	w := New(Config{URL: srv.URL})
	_, _ = w.Write([]byte("line"))
	err := w.Flush(context.Background())
	assert.ErrorContains(t, err, "500")

	w.report(err)
	assert.Equal(t, uint64(1), w.Failures())
}

func TestRunFlushesFullBatchAndOnStop(t *testing.T) {
	fake := &fakeLoki{}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	w := New(Config{URL: srv.URL, BatchSize: 2, FlushInterval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	_, _ = w.Write([]byte("a"))
	_, _ = w.Write([]byte("b"))
	assert.Eventually(t, func() bool { return len(fake.lines()) == 2 }, 2*time.Second, 10*time.Millisecond)

	_, _ = w.Write([]byte("c"))
	cancel()
	<-done
	assert.Equal(t, []string{"a", "b", "c"}, fake.lines())
	assert.Zero(t, w.Failures())
}
