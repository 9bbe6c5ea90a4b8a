package tester

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"IP_Quality_Selector_Go/pkg/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func downloadServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n, err := strconv.Atoi(r.URL.Query().Get("bytes"))
		if err != nil {
			http.Error(w, "bad size", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(n))
		_, _ = w.Write(bytes.Repeat([]byte("x"), n))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func stallServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		select {
		case <-r.Context().Done():
		case <-time.After(3 * time.Second):
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestMbps(t *testing.T) {
	assert.Equal(t, 8.0, Mbps(1_000_000, time.Second))
	assert.Equal(t, 16.0, Mbps(1_000_000, 500*time.Millisecond))
	assert.Zero(t, Mbps(0, time.Second))
	assert.Zero(t, Mbps(100, 0))
}

func TestMeasureDownload(t *testing.T) {
	srv := downloadServer(t)
	st := NewSpeedTester(SpeedConfig{
		Endpoints: []string{srv.URL + "/down?bytes=" + SizePlaceholder},
		SizeBytes: 256 * 1024,
		Attempts:  2,
		Timeout:   2 * time.Second,
		FastMbps:  1e9,
	})

	res := st.Measure(context.Background(), "127.0.0.1")
	assert.Equal(t, model.Address("127.0.0.1"), res.Address)
	assert.False(t, res.Fast)
	assert.False(t, res.Fallback)
	assert.Greater(t, res.ThroughputMbps, 0.0)
	assert.GreaterOrEqual(t, res.LatencyMS, 0.0)
}

func TestMeasureStopsWhenFast(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		_, _ = w.Write(bytes.Repeat([]byte("x"), 64*1024))
	}))
	defer srv.Close()

	st := NewSpeedTester(SpeedConfig{
		Endpoints: []string{srv.URL + "/a", srv.URL + "/b"},
		SizeBytes: 64 * 1024,
		Attempts:  3,
		Timeout:   2 * time.Second,
		FastMbps:  0.001,
	})

	res := st.Measure(context.Background(), "127.0.0.1")
	assert.True(t, res.Fast)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestMeasureZeroBytesFallsBack(t *testing.T) {
	srv := stallServer(t)
	var fallbackCalls int
	st := NewSpeedTester(SpeedConfig{
		Endpoints: []string{srv.URL + "/stall?bytes=" + SizePlaceholder},
		SizeBytes: 1024,
		Attempts:  1,
		Timeout:   200 * time.Millisecond,
		FastMbps:  10,
	}, WithFallback(func(_ context.Context, a model.Address) (float64, bool) {
		fallbackCalls++
		return 42, true
	}))

	res := st.Measure(context.Background(), "127.0.0.1")
	assert.False(t, res.Fast)
	assert.Zero(t, res.ThroughputMbps)
	assert.True(t, res.Fallback)
	assert.Equal(t, 42.0, res.LatencyMS)
	assert.Equal(t, 1, fallbackCalls)
}

func TestMeasureEverythingFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	st := NewSpeedTester(SpeedConfig{
		Endpoints: []string{srv.URL},
		Timeout:   500 * time.Millisecond,
	}, WithFallback(func(context.Context, model.Address) (float64, bool) { return 0, false }))

	res := st.Measure(context.Background(), "127.0.0.1")
	assert.False(t, res.Fast)
	assert.Zero(t, res.ThroughputMbps)
	assert.Zero(t, res.LatencyMS)
}

func TestDownloadHandlerCapsBytes(t *testing.T) {
	srv := downloadServer(t)
	st := NewSpeedTester(SpeedConfig{SizeBytes: 1000, Timeout: time.Second, RateLimitMB: 10})

	sample, err := st.downloadHandler(context.Background(), "127.0.0.1", srv.URL+"/?bytes=50000")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), sample.bytes)
}

func TestDownloadHandlerBadStatus(t *testing.T) {
	srv := downloadServer(t)
	st := NewSpeedTester(SpeedConfig{Timeout: time.Second})

	_, err := st.downloadHandler(context.Background(), "127.0.0.1", srv.URL+"/?bytes=oops")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
}
