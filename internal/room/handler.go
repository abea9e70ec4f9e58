package room

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	myMiddleware "go-listen/internal/middleware"
	"go-listen/internal/protocol"
)

// HandlerOptions tunes the websocket endpoint. A zero RateLimit disables
// inbound rate limiting.
type HandlerOptions struct {
	MaxMessageSize int64
	RateLimit      float64 // frames per second
	RateBurst      int
}

type Handler struct {
	hub      *Hub
	log      *zap.Logger
	opts     HandlerOptions
	upgrader websocket.Upgrader
}

func NewHandler(hub *Hub, log *zap.Logger, opts HandlerOptions) *Handler {
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = 8192
	}
	// A zero burst would refuse every frame.
	if opts.RateLimit > 0 && opts.RateBurst < 1 {
		opts.RateBurst = 1
	}
	return &Handler{
		hub:  hub,
		log:  log,
		opts: opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Browsers and native players connect from anywhere.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Routes mounts the room endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/ws", h.ServeWs)
	r.Get("/api/rooms", h.ListRooms)
	r.Get("/api/rooms/{roomID}/members", h.RoomMembers)
}

// ServeWs upgrades the request and attaches the connection to the hub. An
// identity put in the context by the auth middleware is bound to the
// connection; otherwise it is a guest.
func (h *Handler) ServeWs(w http.ResponseWriter, r *http.Request) {
	var identity *Identity
	if userID, ok := r.Context().Value(myMiddleware.UserKey).(string); ok {
		username, _ := r.Context().Value(myMiddleware.UsernameKey).(string)
		avatar, _ := r.Context().Value(myMiddleware.AvatarKey).(string)
		identity = &Identity{UserID: userID, Name: username, Avatar: avatar}
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("WebSocket upgrade error", zap.Error(err))
		return
	}

	var limiter *rate.Limiter
	if h.opts.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(h.opts.RateLimit), h.opts.RateBurst)
	}

	client := newClient(h.hub, conn, uuid.New().String(), identity, limiter)
	h.hub.Register(client)

	go client.writePump()
	go client.readPump(h.opts.MaxMessageSize)
}

func (h *Handler) ListRooms(w http.ResponseWriter, r *http.Request) {
	rooms, err := h.hub.Rooms(r.Context())
	if err != nil {
		h.log.Error("List rooms failed", zap.Error(err))
		http.Error(w, "could not list rooms", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, rooms)
}

func (h *Handler) RoomMembers(w http.ResponseWriter, r *http.Request) {
	roomID, err := protocol.NormalizeRoomID(chi.URLParam(r, "roomID"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	members, err := h.hub.Members(r.Context(), roomID)
	if err != nil {
		h.log.Error("List members failed", zap.String("room", roomID), zap.Error(err))
		http.Error(w, "could not list members", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, protocol.MembershipPayload{Members: members})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
