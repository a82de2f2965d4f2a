// ABOUTME: HTTP handlers for station endpoints
// ABOUTME: Implements websocket sample streaming, statistics, and health routes
package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harper/station-input-buffer/internal/application/manager"
	"github.com/harper/station-input-buffer/internal/domain/station"
	"github.com/harper/station-input-buffer/internal/domain/timestamp"
	"github.com/harper/station-input-buffer/internal/infrastructure/frame"
	"github.com/harper/station-input-buffer/internal/logging"
)

const (
	writeWait          = 10 * time.Second
	defaultReadTimeout = 5 * time.Second
)

// stationFromPath resolves /{station}/{action}.
func stationFromPath(mgr *manager.Manager, path, action string) *station.Station {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != 2 || parts[1] != action {
		return nil
	}
	return mgr.Get(parts[0])
}

type StreamHandler struct {
	mgr      *manager.Manager
	upgrader websocket.Upgrader
	log      logging.Logger
}

func NewStreamHandler(mgr *manager.Manager) *StreamHandler {
	return &StreamHandler{
		mgr: mgr,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 64 * 1024,
		},
		log: logging.Log("http.stream"),
	}
}

// ServeHTTP attaches a reader to the station and sends every block it reads
// as one binary websocket message holding an encoded frame. Query
// parameters: begin (sample index, default oldest available) and count
// (samples per frame, default the station block size).
func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	st := stationFromPath(h.mgr, r.URL.Path, "stream")
	if st == nil {
		http.NotFound(w, r)
		return
	}

	begin := timestamp.Null
	if v := r.URL.Query().Get("begin"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			http.Error(w, "invalid begin", http.StatusBadRequest)
			return
		}
		begin = timestamp.Index(n)
	}

	count := st.BlockSize()
	if v := r.URL.Query().Get("count"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > st.Capacity()/2 || n > frame.MaxCount || n*st.Channels() > frame.MaxValues {
			http.Error(w, "invalid count", http.StatusBadRequest)
			return
		}
		count = n
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error("Failed to upgrade websocket: %v", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Drain client messages so close frames are seen.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	reader := st.NewReader(fmt.Sprintf("ws-%p", r), begin)
	defer reader.Close()

	h.log.Info("station %s: reader %s attached at %s", st.ID(), reader.ID, begin)
	defer func() {
		h.log.Info("station %s: reader %s detached at %s", st.ID(), reader.ID, reader.Position())
	}()

	timeout := st.ReadTimeout()
	if timeout <= 0 {
		timeout = defaultReadTimeout
	}

	for {
		readCtx, readCancel := context.WithTimeout(ctx, timeout)
		block, _, err := reader.Next(readCtx, count)
		readCancel()

		switch {
		case err == nil:
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			// no data yet; make sure the client is still there
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
			continue
		default:
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "station shut down"),
				time.Now().Add(writeWait))
			return
		}

		p, err := frame.Encode(block)
		if err != nil {
			h.log.Error("encode frame: %v", err)
			return
		}

		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
			return
		}
	}
}

type stationStats struct {
	ID                 string  `json:"id"`
	StreamURL          string  `json:"stream_url"`
	StatsURL           string  `json:"stats_url"`
	Channels           int     `json:"channels"`
	Readers            int     `json:"readers"`
	SourceHealthy      bool    `json:"source_healthy"`
	HighestWritten     *int64  `json:"highest_written,omitempty"`
	HighestWrittenTime *string `json:"highest_written_time,omitempty"`
	ReadStart          *int64  `json:"read_start,omitempty"`
	Dropped            int64   `json:"dropped"`
	Skipped            int64   `json:"skipped"`
	Missing            int64   `json:"missing"`
	Rejected           int64   `json:"rejected_frames"`
	LostSeconds        float64 `json:"lost_seconds"`
}

func statsOf(st *station.Station) stationStats {
	counters := st.Stats()
	s := stationStats{
		ID:            st.ID(),
		StreamURL:     fmt.Sprintf("/%s/stream", st.ID()),
		StatsURL:      fmt.Sprintf("/%s/stats", st.ID()),
		Channels:      st.Channels(),
		Readers:       st.ReaderCount(),
		SourceHealthy: st.SourceHealthy(),
		Dropped:       counters.Dropped,
		Skipped:       counters.Skipped,
		Missing:       counters.Missing,
		Rejected:      st.Rejected(),
		LostSeconds:   st.Clock().Duration(counters.Total()).Seconds(),
	}

	if hw := st.HighestWritten(); !hw.IsNull() {
		v := int64(hw)
		t := st.Clock().Time(hw).Format(time.RFC3339Nano)
		s.HighestWritten = &v
		s.HighestWrittenTime = &t
	}
	if rs := st.ReadStart(); !rs.IsNull() {
		v := int64(rs)
		s.ReadStart = &v
	}
	return s
}

type StatsHandler struct {
	mgr *manager.Manager
}

func NewStatsHandler(mgr *manager.Manager) *StatsHandler {
	return &StatsHandler{mgr: mgr}
}

func (h *StatsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	st := stationFromPath(h.mgr, r.URL.Path, "stats")
	if st == nil {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(statsOf(st))
}

type StationsHandler struct {
	mgr *manager.Manager
}

func NewStationsHandler(mgr *manager.Manager) *StationsHandler {
	return &StationsHandler{mgr: mgr}
}

func (h *StationsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	stations := h.mgr.List()
	result := make([]stationStats, 0, len(stations))

	for _, st := range stations {
		result = append(result, statsOf(st))
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

func HealthzHandler(w http.ResponseWriter, r *http.Request) {
	type response struct {
		OK bool `json:"ok"`
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response{OK: true})
}

// NewMux wires every station route.
func NewMux(mgr *manager.Manager) *http.ServeMux {
	streamHandler := NewStreamHandler(mgr)
	statsHandler := NewStatsHandler(mgr)

	mux := http.NewServeMux()
	mux.Handle("/stations", NewStationsHandler(mgr))
	mux.HandleFunc("/healthz", HealthzHandler)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/stream"):
			streamHandler.ServeHTTP(w, r)
		case strings.HasSuffix(r.URL.Path, "/stats"):
			statsHandler.ServeHTTP(w, r)
		default:
			http.NotFound(w, r)
		}
	})
	return mux
}
