package roomclient

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"go-listen/internal/player"
	"go-listen/internal/protocol"
	"go-listen/internal/transcript"
)

// ConnectionLostMessage is shown when the server connection drops.
const ConnectionLostMessage = "Connection to the room was lost"

type SessionOptions struct {
	Media    player.MediaElement
	Notifier player.Notifier
	Logger   *zap.Logger
}

// Session is one listener in one room: it owns the player, the chat
// transcript and the latest member list, and routes room events to them.
type Session struct {
	Player *player.Reconciler
	Chat   *transcript.Transcript

	member   protocol.MemberInfo
	notifier player.Notifier
	log      *zap.Logger

	mu        sync.Mutex
	conn      *Conn
	room      string
	members   []protocol.Member
	memberSub []chan []protocol.Member
}

func NewSession(member protocol.MemberInfo, opts SessionOptions) *Session {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	s := &Session{
		member:   member,
		notifier: opts.Notifier,
		log:      opts.Logger,
	}
	s.Player = player.NewReconciler(player.Options{
		Media:    opts.Media,
		Notifier: opts.Notifier,
		Emitter:  s,
		Logger:   opts.Logger,
	})
	s.Chat = transcript.New(member, s)
	return s
}

// Connect dials the server, replacing any previous connection. If a room
// was joined before, the join is sent again on the new connection; playback
// state is not recovered until the next event from the room. Losing the
// connection is reported through the session's notifier.
func (s *Session) Connect(ctx context.Context, rawURL string, opts Options) error {
	if opts.Logger == nil {
		opts.Logger = s.log
	}
	onError := opts.OnError
	opts.OnError = func(err error) {
		if onError != nil {
			onError(err)
		}
		if s.notifier != nil {
			s.notifier.Warn(ConnectionLostMessage)
		}
	}
	conn, err := Dial(ctx, rawURL, s.handle, opts)
	if err != nil {
		return err
	}

	s.mu.Lock()
	old := s.conn
	s.conn = conn
	room := s.room
	s.mu.Unlock()

	if old != nil {
		old.Close()
	}
	if room != "" {
		conn.Emit(protocol.TypeJoinRoom, room, protocol.JoinPayload{Member: s.member})
	}
	return nil
}

// Join enters roomID, leaving the current room first.
func (s *Session) Join(roomID string) error {
	roomID, err := protocol.NormalizeRoomID(roomID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	prev := s.room
	s.mu.Unlock()
	if prev == roomID {
		return nil
	}
	if prev != "" {
		s.Leave()
	}

	s.mu.Lock()
	s.room = roomID
	conn := s.conn
	s.mu.Unlock()

	if conn != nil {
		conn.Emit(protocol.TypeJoinRoom, roomID, protocol.JoinPayload{Member: s.member})
	}
	s.log.Info("Joined room", zap.String("room", roomID))
	return nil
}

// Leave exits the current room, if any.
func (s *Session) Leave() {
	s.mu.Lock()
	room, conn := s.room, s.conn
	s.room = ""
	s.setMembers(nil)
	s.mu.Unlock()

	if room != "" && conn != nil {
		conn.Emit(protocol.TypeLeaveRoom, room, nil)
	}
}

func (s *Session) Room() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room
}

// Members returns the last member list the server sent for the room.
func (s *Session) Members() []protocol.Member {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.Member(nil), s.members...)
}

// SubscribeMembers returns a channel holding the latest member list.
func (s *Session) SubscribeMembers() <-chan []protocol.Member {
	ch := make(chan []protocol.Member, 1)
	s.mu.Lock()
	s.memberSub = append(s.memberSub, ch)
	s.mu.Unlock()
	return ch
}

// Emit sends an event to the current room. Without a room or a live
// connection it does nothing.
func (s *Session) Emit(msgType string, payload any) {
	s.mu.Lock()
	room, conn := s.room, s.conn
	s.mu.Unlock()

	if room == "" || conn == nil {
		return
	}
	conn.Emit(msgType, room, payload)
}

// Close leaves the room and closes the connection.
func (s *Session) Close() error {
	s.Leave()

	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if conn == nil {
		return nil
	}
	return conn.Close()
}

func (s *Session) handle(env *protocol.Envelope) {
	switch env.Type {
	case protocol.TypePong:
		return
	case protocol.TypeError:
		var p protocol.ErrorPayload
		if err := env.DecodePayload(&p); err != nil {
			s.log.Warn("Malformed error frame", zap.Error(err))
			return
		}
		s.log.Warn("Server rejected a message", zap.String("code", p.Code), zap.String("message", p.Message))
		if s.notifier != nil {
			s.notifier.Warn(p.Message)
		}
		return
	}

	if env.Room != s.Room() {
		s.log.Debug("Ignoring event for another room", zap.String("type", env.Type), zap.String("room", env.Room))
		return
	}

	switch env.Type {
	case protocol.TypeMembershipUpdate:
		var p protocol.MembershipPayload
		if err := env.DecodePayload(&p); err != nil {
			s.log.Warn("Malformed membership update", zap.Error(err))
			return
		}
		s.mu.Lock()
		s.setMembers(p.Members)
		s.mu.Unlock()

	case protocol.TypeSongChange:
		var p protocol.SongChangePayload
		if err := env.DecodePayload(&p); err != nil {
			s.log.Warn("Malformed song change", zap.Error(err))
			return
		}
		s.Player.ApplySongChange(p)

	case protocol.TypeSyncAction:
		var p protocol.SyncActionPayload
		if err := env.DecodePayload(&p); err != nil {
			s.log.Warn("Malformed sync action", zap.Error(err))
			return
		}
		s.Player.ApplySyncAction(p)

	case protocol.TypeChatMessage:
		var p protocol.ChatPayload
		if err := env.DecodePayload(&p); err != nil {
			s.log.Warn("Malformed chat message", zap.Error(err))
			return
		}
		s.Chat.Receive(p)

	default:
		s.log.Debug("Ignoring unknown event", zap.String("type", env.Type))
	}
}

// setMembers must be called with mu held.
func (s *Session) setMembers(members []protocol.Member) {
	s.members = members
	for _, ch := range s.memberSub {
		select {
		case <-ch:
		default:
		}
		ch <- append([]protocol.Member(nil), members...)
	}
}
