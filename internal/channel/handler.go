package channel

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

// Handler serves GET /ws/{channel}: every text message a connection sends is
// relayed to the other connections on the same channel.
type Handler struct {
	registry *Registry
	upgrader websocket.Upgrader
	log      *slog.Logger
}

// NewHandler returns a Handler. allowedOrigins follows CORS conventions: "*"
// accepts any origin, otherwise the Origin header must match one entry.
func NewHandler(registry *Registry, log *slog.Logger, allowedOrigins []string) *Handler {
	return &Handler{
		registry: registry,
		log:      log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

// ServeChannel handles GET /ws/{channel}.
func (h *Handler) ServeChannel(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(chi.URLParam(r, "channel"))
	if name == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an error response.
		h.log.Debug("websocket upgrade failed", slog.String("channel", name), slog.String("error", err.Error()))
		return
	}

	ws := newWSConn(conn)
	sub := h.registry.Subscribe(name, ws)
	h.log.Debug("subscriber joined", slog.String("channel", name))

	done := make(chan struct{})
	defer func() {
		close(done)
		h.registry.Unsubscribe(sub)
		ws.Close()
		h.log.Debug("subscriber left", slog.String("channel", name))
	}()

	go keepAlive(ws, done)

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	ctx := r.Context()
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				h.log.Info("subscriber connection lost", slog.String("channel", name), slog.String("error", err.Error()))
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		if messageType != websocket.TextMessage {
			continue
		}
		h.registry.BroadcastExcept(ctx, name, sub, data)
	}
}

func keepAlive(ws *wsConn, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := ws.ping(); err != nil {
				return
			}
		}
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, o := range allowed {
			if strings.EqualFold(o, origin) {
				return true
			}
		}
		return false
	}
}
