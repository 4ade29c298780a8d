package stream

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/tonelab/tone/internal/observe"
	"github.com/tonelab/tone/pkg/provider/vad"
)

// Handler upgrades requests to WebSocket and runs one Session per
// connection.
type Handler struct {
	cfg        Config
	engine     vad.Engine
	dispatcher Dispatcher
	labels     func(int) string
	metrics    *observe.Metrics

	wg sync.WaitGroup
}

// NewHandler returns a Handler. labels maps class ids to names and may be
// nil.
func NewHandler(cfg Config, engine vad.Engine, d Dispatcher, labels func(int) string, m *observe.Metrics) *Handler {
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return &Handler{
		cfg:        cfg.withDefaults(),
		engine:     engine,
		dispatcher: d,
		labels:     labels,
		metrics:    m,
	}
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Counted before the upgrade: server.Shutdown stops tracking the
	// request once it is hijacked.
	h.wg.Add(1)
	defer h.wg.Done()

	log := observe.Logger(r.Context())

	vs, err := h.engine.NewSession(vad.Config{SampleRate: h.cfg.SampleRate, FrameSize: h.cfg.FrameSize})
	if err != nil {
		log.Error("creating vad session", "err", err)
		http.Error(w, "vad unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.cfg.OriginPatterns,
	})
	if err != nil {
		_ = vs.Close()
		log.Warn("websocket upgrade failed", "err", err)
		return
	}
	conn.SetReadLimit(h.cfg.MaxMessageBytes)

	id := uuid.NewString()
	sess := NewSession(id, h.cfg, conn, vs, h.dispatcher, h.labels, h.metrics)
	if err := sess.Run(r.Context()); err != nil {
		slog.Warn("stream session aborted", "session_id", id, "err", err)
		_ = conn.Close(websocket.StatusInternalError, "reply failed")
		return
	}
	// No-op when the session already closed the connection.
	_ = conn.CloseNow()
}

// Wait blocks until every running session has returned. Call it after
// http.Server.Shutdown so no new request can start counting.
func (h *Handler) Wait() { h.wg.Wait() }
