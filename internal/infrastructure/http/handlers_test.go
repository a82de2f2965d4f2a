// ABOUTME: Tests for HTTP handlers
// ABOUTME: Verifies routing, statistics JSON, and websocket frame streaming
package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	. "github.com/onsi/gomega"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harper/station-input-buffer/internal/application/config"
	"github.com/harper/station-input-buffer/internal/application/manager"
	"github.com/harper/station-input-buffer/internal/domain/timestamp"
	"github.com/harper/station-input-buffer/internal/infrastructure/frame"
	"github.com/harper/station-input-buffer/internal/infrastructure/source"
)

const (
	blockSize = 256
	nblocks   = 4
)

func sampleAt(i int, c int) complex64 {
	return complex(float32(i%1000), float32(c))
}

// newUpstream serves nblocks frames and then holds the connection open.
func newUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", source.ContentType)
		w.WriteHeader(http.StatusOK)

		for b := 0; b < nblocks; b++ {
			chans := make([][]complex64, 2)
			for c := range chans {
				chans[c] = make([]complex64, blockSize)
				for k := range chans[c] {
					chans[c][k] = sampleAt(b*blockSize+k, c)
				}
			}
			p, err := frame.Encode(frame.FromChannels(timestamp.Index(b*blockSize), chans, blockSize, nil))
			if err != nil {
				return
			}
			w.Write(p)
		}
		w.(http.Flusher).Flush()

		<-r.Context().Done()
	}))
	t.Cleanup(server.Close)
	return server
}

func newManager(t *testing.T, upstreamURL string) *manager.Manager {
	t.Helper()
	cfg := &config.Config{
		Stations: []config.StationConfig{
			{
				ID:      "cs002",
				ClockHz: 200_000_000,
				Source: config.SourceConfig{
					URL:              upstreamURL,
					ConnectTimeoutMs: 5000,
				},
				Buffer: config.BufferConfig{
					Capacity:     4096,
					Channels:     2,
					HistoryDepth: 64,
				},
				Stream: config.StreamConfig{
					BlockSize:     blockSize,
					ReadTimeoutMs: 1000,
				},
			},
		},
	}

	mgr, err := manager.NewFromConfig(cfg)
	require.NoError(t, err)
	return mgr
}

func startManager(t *testing.T, mgr *manager.Manager) {
	t.Helper()
	require.NoError(t, mgr.Start())
	t.Cleanup(func() { mgr.Shutdown() })
}

func TestStreamHandler_404(t *testing.T) {
	mgr, err := manager.NewFromConfig(&config.Config{})
	require.NoError(t, err)

	handler := NewStreamHandler(mgr)

	req := httptest.NewRequest("GET", "/nonexistent/stream", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStreamHandler_BadQuery(t *testing.T) {
	handler := NewStreamHandler(newManager(t, "http://example.com/cs002"))

	for _, query := range []string{"begin=abc", "count=0", "count=-3", "count=100000"} {
		req := httptest.NewRequest("GET", "/cs002/stream?"+query, nil)
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code, query)
	}
}

func TestStreamHandler_StreamsFrames(t *testing.T) {
	mgr := newManager(t, newUpstream(t).URL)
	startManager(t, mgr)

	server := httptest.NewServer(NewMux(mgr))
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/cs002/stream?begin=0"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	for b := 0; b < nblocks; b++ {
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		kind, p, err := conn.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, websocket.BinaryMessage, kind)

		block, err := frame.Decode(p)
		require.NoError(t, err)
		assert.Equal(t, timestamp.Index(b*blockSize), block.Begin)
		assert.Equal(t, blockSize, block.Count())
		assert.Equal(t, 2, block.Channels)
		assert.True(t, block.Flags.Empty(), "block %d flags %s", b, block.Flags)

		for c := 0; c < 2; c++ {
			ch := block.Channel(c)
			assert.Equal(t, sampleAt(b*blockSize, c), ch[0])
			assert.Equal(t, sampleAt(b*blockSize+blockSize-1, c), ch[blockSize-1])
		}
	}

	assert.Equal(t, 1, mgr.Get("cs002").ReaderCount())
}

func TestStreamHandler_CustomCount(t *testing.T) {
	mgr := newManager(t, newUpstream(t).URL)
	startManager(t, mgr)

	server := httptest.NewServer(NewMux(mgr))
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/cs002/stream?begin=100&count=50"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, p, err := conn.ReadMessage()
	require.NoError(t, err)

	block, err := frame.Decode(p)
	require.NoError(t, err)
	assert.Equal(t, timestamp.Index(100), block.Begin)
	assert.Equal(t, 50, block.Count())
	assert.Equal(t, sampleAt(100, 1), block.Channel(1)[0])
}

func TestStreamHandler_ReaderDetachesOnClose(t *testing.T) {
	g := NewWithT(t)

	mgr := newManager(t, newUpstream(t).URL)
	startManager(t, mgr)

	server := httptest.NewServer(NewMux(mgr))
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/cs002/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	st := mgr.Get("cs002")
	g.Eventually(st.ReaderCount).Should(Equal(1))

	conn.Close()
	g.Eventually(st.ReaderCount, 3*time.Second).Should(Equal(0))
}

func TestStatsHandler(t *testing.T) {
	g := NewWithT(t)

	mgr := newManager(t, newUpstream(t).URL)
	startManager(t, mgr)

	handler := NewStatsHandler(mgr)

	fetch := func() map[string]any {
		req := httptest.NewRequest("GET", "/cs002/stats", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		g.Expect(rec.Code).To(Equal(http.StatusOK))
		g.Expect(rec.Header().Get("Content-Type")).To(Equal("application/json"))

		var body map[string]any
		g.Expect(json.NewDecoder(rec.Body).Decode(&body)).To(Succeed())
		return body
	}

	g.Eventually(func() any { return fetch()["highest_written"] }).Should(BeNumerically("==", nblocks*blockSize))

	body := fetch()
	assert.Equal(t, "cs002", body["id"])
	assert.Equal(t, true, body["source_healthy"])
	assert.EqualValues(t, 0, body["dropped"])
	assert.EqualValues(t, 0, body["skipped"])
	assert.EqualValues(t, 0, body["missing"])
	assert.EqualValues(t, 0, body["readers"])
	assert.EqualValues(t, 0, body["read_start"])
}

func TestStatsHandler_NotStarted(t *testing.T) {
	mgr := newManager(t, "http://example.com/cs002")
	handler := NewStatsHandler(mgr)

	req := httptest.NewRequest("GET", "/cs002/stats", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.NotContains(t, body, "highest_written")
	assert.NotContains(t, body, "read_start")
	assert.Equal(t, false, body["source_healthy"])
}

func TestStatsHandler_404(t *testing.T) {
	handler := NewStatsHandler(newManager(t, "http://example.com/cs002"))

	for _, path := range []string{"/de601/stats", "/cs002/other", "/cs002/stats/extra"} {
		req := httptest.NewRequest("GET", path, nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusNotFound, rec.Code, path)
	}
}

func TestStationsHandler(t *testing.T) {
	mgr := newManager(t, "http://example.com/cs002")
	handler := NewStationsHandler(mgr)

	req := httptest.NewRequest("GET", "/stations", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var stations []map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&stations))
	require.Len(t, stations, 1)
	assert.Equal(t, "cs002", stations[0]["id"])
	assert.Equal(t, "/cs002/stream", stations[0]["stream_url"])
	assert.EqualValues(t, 2, stations[0]["channels"])
}

func TestHealthzHandler(t *testing.T) {
	req := httptest.NewRequest("GET", "/healthz", nil)
	rec := httptest.NewRecorder()

	HealthzHandler(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok":true}`, rec.Body.String())
}

func TestNewMux_Routes(t *testing.T) {
	mux := NewMux(newManager(t, "http://example.com/cs002"))

	for path, want := range map[string]int{
		"/healthz":     http.StatusOK,
		"/stations":    http.StatusOK,
		"/cs002/stats": http.StatusOK,
		"/cs002":       http.StatusNotFound,
		"/de601/stats": http.StatusNotFound,
	} {
		req := httptest.NewRequest("GET", path, nil)
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)

		assert.Equal(t, want, rec.Code, path)
	}
}

func TestStreamHandler_ShutdownClosesConnection(t *testing.T) {
	mgr := newManager(t, newUpstream(t).URL)
	require.NoError(t, mgr.Start())

	server := httptest.NewServer(NewMux(mgr))
	defer server.Close()

	// begin beyond the written data so the reader blocks
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/cs002/stream?begin=100000"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go func() {
		time.Sleep(100 * time.Millisecond)
		mgr.Shutdown()
	}()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for ctx.Err() == nil {
		_, _, err = conn.ReadMessage()
		if err != nil {
			break
		}
	}
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}
