package chathttp

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/ephemeral-chat/chat"
	"github.com/ggoodman/ephemeral-chat/internal/logctx"
	"github.com/ggoodman/ephemeral-chat/rooms"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/invopop/jsonschema"
)

var jsonMediaType = contenttype.NewMediaType("application/json")

// RoomService is the part of rooms.Manager the HTTP layer uses.
type RoomService interface {
	CreateRoom(ctx context.Context, lifetimeMinutes *int) (rooms.Room, error)
	GetRoom(ctx context.Context, id string) (rooms.Room, error)
	Ping(ctx context.Context) error
}

var _ RoomService = (*rooms.Manager)(nil)

// writeJSONError emits the error body shared by every route.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Option configures the Handler.
type Option func(*Handler)

// WithLogger sets the logger. Logs are discarded by default.
func WithLogger(log *slog.Logger) Option {
	return func(h *Handler) { h.log = log }
}

// WithAllowedOrigins restricts CORS and WebSocket origins. "*" allows any.
func WithAllowedOrigins(origins ...string) Option {
	return func(h *Handler) { h.origins = origins }
}

// WithSendBuffer sets how many outbound frames each WebSocket may queue.
func WithSendBuffer(n int) Option {
	return func(h *Handler) { h.sendBuffer = n }
}

// WithPingInterval sets how often WebSockets are pinged. A peer that does not
// answer within a little more than one interval is dropped.
func WithPingInterval(d time.Duration) Option {
	return func(h *Handler) { h.pingInterval = d }
}

// WithClock overrides time.Now for remaining-time calculations.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) { h.now = now }
}

// Handler serves the room API and the chat WebSocket.
type Handler struct {
	rooms        RoomService
	engine       *chat.Engine
	log          *slog.Logger
	origins      []string
	sendBuffer   int
	pingInterval time.Duration
	now          func() time.Time

	mux      chi.Router
	upgrader websocket.Upgrader
	schema   []byte

	connsMu sync.Mutex
	conns   map[*wsConn]struct{}
	active  sync.WaitGroup
}

// NewHandler wires the routes.
func NewHandler(rms RoomService, engine *chat.Engine, opts ...Option) (*Handler, error) {
	if rms == nil || engine == nil {
		return nil, errors.New("chathttp: room service and engine are required")
	}
	h := &Handler{
		rooms:        rms,
		engine:       engine,
		log:          slog.New(slog.DiscardHandler),
		origins:      []string{"*"},
		sendBuffer:   256,
		pingInterval: 54 * time.Second,
		now:          time.Now,
		conns:        make(map[*wsConn]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.sendBuffer <= 0 {
		return nil, errors.New("chathttp: send buffer must be positive")
	}
	if h.pingInterval <= 0 {
		return nil, errors.New("chathttp: ping interval must be positive")
	}

	r := &jsonschema.Reflector{DoNotReference: true, ExpandedStruct: true}
	schema, err := json.Marshal(r.Reflect(new(chat.Message)))
	if err != nil {
		return nil, err
	}
	h.schema = schema

	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}

	mux := chi.NewRouter()
	mux.Use(cors.Handler(cors.Options{
		AllowedOrigins: h.origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))
	mux.Route("/api", func(r chi.Router) {
		r.Post("/rooms/create", h.handleCreateRoom)
		r.Post("/rooms", h.handleCreateRoom)
		r.Get("/rooms/{roomID}", h.handleGetRoom)
		r.Get("/schema/message", h.handleMessageSchema)
	})
	mux.Get("/ws", h.handleWebSocket)
	mux.Get("/healthz", h.handleHealth)
	mux.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSONError(w, http.StatusNotFound, "not found")
	})
	mux.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	h.mux = mux

	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

// CloseConnections closes every open WebSocket after flushing what is already
// queued for it, then waits for their disconnect handling to finish or ctx to
// end. http.Server.Shutdown does not track hijacked connections, so call this
// alongside it.
func (h *Handler) CloseConnections(ctx context.Context) error {
	h.connsMu.Lock()
	conns := make([]*wsConn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.connsMu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}

	done := make(chan struct{})
	go func() {
		h.active.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OpenConnections reports how many WebSockets are currently open.
func (h *Handler) OpenConnections() int {
	h.connsMu.Lock()
	defer h.connsMu.Unlock()
	return len(h.conns)
}

func (h *Handler) handleMessageSchema(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/schema+json")
	_, _ = w.Write(h.schema)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.rooms.Ping(ctx); err != nil {
		h.log.WarnContext(ctx, "health.store_unavailable", slog.Any("err", err))
		writeJSONError(w, http.StatusServiceUnavailable, "room store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "node": h.engine.NodeID()})
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range h.origins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}
