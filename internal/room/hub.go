package room

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"go-listen/internal/protocol"
)

const (
	storeTimeout        = 5 * time.Second
	maintenanceInterval = 10 * time.Second
	maxNameLength = 50
	maxURLLength  = 1024
	guestName     = "Guest"
)

// inbound is either a frame to handle or, when reject is set, an error to
// send back in the same order the offending frame arrived.
type inbound struct {
	client *Client
	env    *protocol.Envelope
	reject *protocol.ErrorPayload
}

// orphan is a membership the store failed to remove. The hub retries it.
type orphan struct {
	room   string
	connID string
}

// Heartbeater is implemented by stores shared between instances. Heartbeat
// keeps this instance's members visible, Prune removes members of instances
// that stopped and returns the rooms it changed, Retire withdraws this
// instance on shutdown.
type Heartbeater interface {
	Heartbeat(ctx context.Context) error
	Prune(ctx context.Context) ([]string, error)
	Retire(ctx context.Context) error
}

// Options configures a Hub. Store defaults to a MemoryStore, Authorizer to
// AllowAll. A nil Bus fans deliveries out in-process.
type Options struct {
	Store      Store
	Bus        Bus
	Authorizer Authorizer
	Logger     *zap.Logger
	// MaintenanceInterval paces store heartbeats, pruning and retries of
	// failed removals. It must stay well below InstanceTTL.
	MaintenanceInterval time.Duration
}

// Hub owns the connection registry and relays room events.
// Register, unregister, inbound frames and bus deliveries are processed one
// at a time by Run.
type Hub struct {
	store Store
	bus   Bus
	authz Authorizer
	log   *zap.Logger
	every time.Duration

	// orphans is only touched from the hub goroutine.
	orphans map[orphan]struct{}

	mu      sync.RWMutex
	clients map[string]*Client            // connID -> client
	rooms   map[string]map[string]*Client // roomID -> connID -> local client

	register   chan *Client
	unregister chan *Client
	inbound    chan inbound
	deliveries chan Delivery
	done       chan struct{}
}

func NewHub(opts Options) *Hub {
	if opts.Store == nil {
		opts.Store = NewMemoryStore()
	}
	if opts.Authorizer == nil {
		opts.Authorizer = AllowAll
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.MaintenanceInterval <= 0 {
		opts.MaintenanceInterval = maintenanceInterval
	}
	return &Hub{
		store:      opts.Store,
		bus:        opts.Bus,
		authz:      opts.Authorizer,
		log:        opts.Logger,
		every:      opts.MaintenanceInterval,
		orphans:    make(map[orphan]struct{}),
		clients:    make(map[string]*Client),
		rooms:      make(map[string]map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		inbound:    make(chan inbound, sendBuffer),
		deliveries: make(chan Delivery, sendBuffer),
		done:       make(chan struct{}),
	}
}

// Run is the hub loop. It returns when ctx is cancelled, after every
// connection has been removed from its rooms and closed.
func (h *Hub) Run(ctx context.Context) {
	if h.bus != nil {
		go func() {
			err := h.bus.Run(ctx, func(d Delivery) {
				select {
				case h.deliveries <- d:
				case <-ctx.Done():
				}
			})
			if err != nil {
				h.log.Error("Relay bus stopped", zap.Error(err))
			}
		}()
	}

	h.heartbeat(ctx)
	ticker := time.NewTicker(h.every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			close(h.done)
			return
		case c := <-h.register:
			h.handleRegister(c)
		case c := <-h.unregister:
			h.handleUnregister(ctx, c)
		case in := <-h.inbound:
			if in.reject != nil {
				h.handleReject(in.client, in.reject)
				continue
			}
			h.handleInbound(ctx, in.client, in.env)
		case d := <-h.deliveries:
			h.deliver(d)
		case <-ticker.C:
			h.maintain(ctx)
		}
	}
}

// Done is closed when Run has returned.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
		c.close()
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Dispatch hands an inbound frame from c to the hub loop.
func (h *Hub) Dispatch(c *Client, env *protocol.Envelope) {
	select {
	case h.inbound <- inbound{client: c, env: env}:
	case <-h.done:
	}
}

// Reject queues an error reply for c behind the frames it already sent.
func (h *Hub) Reject(c *Client, code, message string) {
	select {
	case h.inbound <- inbound{client: c, reject: &protocol.ErrorPayload{Code: code, Message: message}}:
	case <-h.done:
	}
}

// ConnectionCount returns the number of connections on this instance.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) Members(ctx context.Context, roomID string) ([]protocol.Member, error) {
	return h.store.Members(ctx, roomID)
}

func (h *Hub) Rooms(ctx context.Context) ([]Info, error) {
	return h.store.Rooms(ctx)
}

func (h *Hub) handleRegister(c *Client) {
	h.mu.Lock()
	h.clients[c.ID] = c
	total := len(h.clients)
	h.mu.Unlock()

	h.log.Info("Client connected", zap.String("conn_id", c.ID), zap.Bool("authenticated", c.Identity != nil), zap.Int("total", total))
}

func (h *Hub) handleUnregister(ctx context.Context, c *Client) {
	h.mu.Lock()
	_, ok := h.clients[c.ID]
	delete(h.clients, c.ID)
	h.mu.Unlock()
	if !ok {
		return
	}

	for roomID := range c.rooms {
		if err := h.leave(ctx, c, roomID); err != nil {
			h.dropLocal(c, roomID)
			h.orphans[orphan{room: roomID, connID: c.ID}] = struct{}{}
		}
	}
	c.close()

	h.log.Info("Client disconnected", zap.String("conn_id", c.ID))
}

// shutdown removes every local connection from the shared table so other
// instances do not keep ghost members.
func (h *Hub) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		h.handleUnregister(ctx, c)
	}
	h.retryOrphans(ctx)

	if hb, ok := h.store.(Heartbeater); ok {
		if err := hb.Retire(ctx); err != nil {
			h.log.Warn("Store retire failed", zap.Error(err))
		}
	}
	h.log.Info("Hub stopped", zap.Int("closed", len(clients)), zap.Int("orphans", len(h.orphans)))
}

func (h *Hub) heartbeat(ctx context.Context) {
	hb, ok := h.store.(Heartbeater)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	if err := hb.Heartbeat(ctx); err != nil {
		h.log.Error("Store heartbeat failed", zap.Error(err))
	}
}

// maintain keeps this instance alive in a shared store, retries removals
// that failed and clears members left behind by stopped instances.
func (h *Hub) maintain(ctx context.Context) {
	h.heartbeat(ctx)

	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	h.retryOrphans(ctx)

	hb, ok := h.store.(Heartbeater)
	if !ok {
		return
	}
	rooms, err := hb.Prune(ctx)
	if err != nil {
		h.log.Error("Store prune failed", zap.Error(err))
	}
	for _, roomID := range rooms {
		h.log.Info("Pruned stale members", zap.String("room", roomID))
		h.broadcastMembers(ctx, roomID)
	}
}

func (h *Hub) retryOrphans(ctx context.Context) {
	for o := range h.orphans {
		removed, err := h.store.Leave(ctx, o.room, o.connID)
		if err != nil {
			h.log.Warn("Store leave retry failed", zap.String("conn_id", o.connID), zap.String("room", o.room), zap.Error(err))
			continue
		}
		delete(h.orphans, o)
		if removed {
			h.log.Info("Member left room", zap.String("conn_id", o.connID), zap.String("room", o.room))
			h.broadcastMembers(ctx, o.room)
		}
	}
}

func (h *Hub) handleReject(c *Client, p *protocol.ErrorPayload) {
	h.mu.RLock()
	_, registered := h.clients[c.ID]
	h.mu.RUnlock()
	if registered {
		c.sendError(p.Code, p.Message)
	}
}

func (h *Hub) handleInbound(ctx context.Context, c *Client, env *protocol.Envelope) {
	h.mu.RLock()
	_, registered := h.clients[c.ID]
	h.mu.RUnlock()
	if !registered {
		return
	}

	if env.Type == protocol.TypePing {
		if frame, err := protocol.Encode(protocol.TypePong, "", nil); err == nil {
			c.Send(frame)
		}
		return
	}

	roomID, err := protocol.NormalizeRoomID(env.Room)
	if err != nil {
		c.sendError(protocol.CodeInvalidRoom, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	switch env.Type {
	case protocol.TypeJoinRoom:
		h.join(ctx, c, roomID, env)
	case protocol.TypeLeaveRoom:
		if _, ok := c.rooms[roomID]; ok {
			if err := h.leave(ctx, c, roomID); err != nil {
				c.sendError(protocol.CodeInternal, "could not leave room")
			}
		}
	case protocol.TypeSongChange:
		var p protocol.SongChangePayload
		if err := env.DecodePayload(&p); err != nil {
			c.sendError(protocol.CodeInvalidMessage, err.Error())
			return
		}
		h.relay(ctx, c, roomID, env)
	case protocol.TypeSyncAction:
		var p protocol.SyncActionPayload
		if err := env.DecodePayload(&p); err != nil {
			c.sendError(protocol.CodeInvalidMessage, err.Error())
			return
		}
		if err := p.Validate(); err != nil {
			c.sendError(protocol.CodeInvalidMessage, err.Error())
			return
		}
		h.relay(ctx, c, roomID, env)
	case protocol.TypeChatMessage:
		var p protocol.ChatPayload
		if err := env.DecodePayload(&p); err != nil {
			c.sendError(protocol.CodeInvalidMessage, err.Error())
			return
		}
		h.relay(ctx, c, roomID, env)
	default:
		c.sendError(protocol.CodeUnknownType, "unknown message type: "+env.Type)
	}
}

func (h *Hub) join(ctx context.Context, c *Client, roomID string, env *protocol.Envelope) {
	var p protocol.JoinPayload
	if len(env.Payload) > 0 {
		if err := env.DecodePayload(&p); err != nil {
			c.sendError(protocol.CodeInvalidMessage, err.Error())
			return
		}
	}

	if err := h.authz.AuthorizeJoin(ctx, roomID, c.Identity); err != nil {
		code := protocol.CodeInternal
		if errors.Is(err, ErrForbidden) {
			code = protocol.CodeForbidden
		}
		c.sendError(code, err.Error())
		h.log.Info("Join refused", zap.String("conn_id", c.ID), zap.String("room", roomID), zap.Error(err))
		return
	}

	added, err := h.store.Join(ctx, roomID, h.memberFor(c, p.Member))
	if err != nil {
		h.log.Error("Store join failed", zap.String("room", roomID), zap.Error(err))
		c.sendError(protocol.CodeInternal, "could not join room")
		return
	}
	if !added {
		h.log.Debug("Duplicate join ignored", zap.String("conn_id", c.ID), zap.String("room", roomID))
		return
	}

	h.mu.Lock()
	local, ok := h.rooms[roomID]
	if !ok {
		local = make(map[string]*Client)
		h.rooms[roomID] = local
	}
	local[c.ID] = c
	h.mu.Unlock()
	c.rooms[roomID] = struct{}{}

	h.log.Info("Member joined room", zap.String("conn_id", c.ID), zap.String("room", roomID))
	h.broadcastMembers(ctx, roomID)
}

// leave removes c from roomID in the store, then locally, then tells the
// remaining members. If the store fails, local state is left as it was.
func (h *Hub) leave(ctx context.Context, c *Client, roomID string) error {
	removed, err := h.store.Leave(ctx, roomID, c.ID)
	if err != nil {
		h.log.Error("Store leave failed", zap.String("conn_id", c.ID), zap.String("room", roomID), zap.Error(err))
		return err
	}
	h.dropLocal(c, roomID)
	if !removed {
		return nil
	}

	h.log.Info("Member left room", zap.String("conn_id", c.ID), zap.String("room", roomID))
	h.broadcastMembers(ctx, roomID)
	return nil
}

func (h *Hub) dropLocal(c *Client, roomID string) {
	h.mu.Lock()
	if local, ok := h.rooms[roomID]; ok {
		delete(local, c.ID)
		if len(local) == 0 {
			delete(h.rooms, roomID)
		}
	}
	h.mu.Unlock()
	delete(c.rooms, roomID)
}

func (h *Hub) memberFor(c *Client, info protocol.MemberInfo) protocol.Member {
	m := protocol.Member{
		ConnID:   c.ID,
		UserID:   protocol.Sanitize(info.UserID, maxNameLength),
		Name:     protocol.Sanitize(info.Name, maxNameLength),
		Avatar:   protocol.Sanitize(info.Avatar, maxURLLength),
		JoinedAt: time.Now().UnixMilli(),
	}
	if id := c.Identity; id != nil {
		m.UserID = id.UserID
		m.Name = id.Name
		if id.Avatar != "" {
			m.Avatar = id.Avatar
		}
	}
	if m.Name == "" {
		m.Name = guestName
	}
	return m
}

// broadcastMembers sends the full member list to everyone in the room.
func (h *Hub) broadcastMembers(ctx context.Context, roomID string) {
	members, err := h.store.Members(ctx, roomID)
	if err != nil {
		h.log.Error("Store members failed", zap.String("room", roomID), zap.Error(err))
		return
	}
	frame, err := protocol.Encode(protocol.TypeMembershipUpdate, roomID, protocol.MembershipPayload{Members: members})
	if err != nil {
		h.log.Error("Encode membership update", zap.Error(err))
		return
	}
	h.publish(ctx, Delivery{Room: roomID, Frame: frame})
}

// relay forwards env verbatim to every other member of roomID.
func (h *Hub) relay(ctx context.Context, c *Client, roomID string, env *protocol.Envelope) {
	frame, err := protocol.Encode(env.Type, roomID, env.Payload)
	if err != nil {
		c.sendError(protocol.CodeInvalidMessage, err.Error())
		return
	}
	h.publish(ctx, Delivery{Room: roomID, Exclude: c.ID, Frame: frame})
}

func (h *Hub) publish(ctx context.Context, d Delivery) {
	if h.bus == nil {
		h.deliver(d)
		return
	}
	if err := h.bus.Publish(ctx, d); err != nil {
		// Local members still get it.
		h.log.Warn("Relay publish failed, delivering locally", zap.String("room", d.Room), zap.Error(err))
		h.deliver(d)
	}
}

// deliver fans a frame out to this instance's members of the room.
func (h *Hub) deliver(d Delivery) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	sent := 0
	for connID, c := range h.rooms[d.Room] {
		if connID == d.Exclude {
			continue
		}
		if !c.Send(d.Frame) {
			h.log.Debug("Dropped frame for client", zap.String("conn_id", connID), zap.String("room", d.Room))
			continue
		}
		sent++
	}
	h.log.Debug("Delivered frame", zap.String("room", d.Room), zap.Int("recipients", sent), zap.String("excluded", d.Exclude))
}
