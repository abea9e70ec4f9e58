// Package protocol defines the JSON frames exchanged between listen-together
// clients and the room relay.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Event types carried in Envelope.Type.
const (
	TypeJoinRoom         = "join-room"
	TypeLeaveRoom        = "leave-room"
	TypeMembershipUpdate = "membership-update"
	TypeSongChange       = "song-change"
	TypeSyncAction       = "sync-action"
	TypeChatMessage      = "chat-message"
	TypePing             = "ping"
	TypePong             = "pong"
	TypeError            = "error"
)

// Sync actions.
const (
	ActionPlay  = "play"
	ActionPause = "pause"
	ActionSeek  = "seek"
)

// Error codes sent in ErrorPayload.Code.
const (
	CodeInvalidMessage = "invalid_message"
	CodeUnknownType    = "unknown_message_type"
	CodeInvalidRoom    = "invalid_room"
	CodeForbidden      = "forbidden"
	CodeRateLimited    = "rate_limited"
	CodeInternal       = "internal"
)

// MaxRoomIDLength bounds room identifiers after trimming.
const MaxRoomIDLength = 64

var (
	ErrInvalidRoom   = errors.New("invalid room id")
	ErrMissingURL    = errors.New("song has no playable url")
	ErrMissingSong   = errors.New("song is required")
	ErrInvalidAction = errors.New("invalid sync action")
)

// Envelope is the frame on the wire. Payload is relayed verbatim by the server.
type Envelope struct {
	Type    string          `json:"type"`
	Room    string          `json:"room,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// MemberInfo is what a client announces about itself when joining.
type MemberInfo struct {
	UserID string `json:"userId,omitempty"`
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
}

// Member is a MemberInfo bound to a live connection.
type Member struct {
	ConnID   string `json:"connId"`
	UserID   string `json:"userId,omitempty"`
	Name     string `json:"name"`
	Avatar   string `json:"avatar,omitempty"`
	JoinedAt int64  `json:"joinedAt"` // unix millis
}

// Song describes a playable track. Only URL is required to play it.
type Song struct {
	ID       string  `json:"id"`
	Title    string  `json:"title,omitempty"`
	Artist   string  `json:"artist,omitempty"`
	URL      string  `json:"url"`
	Image    string  `json:"image,omitempty"`
	Duration float64 `json:"duration,omitempty"` // seconds
}

// Validate reports whether the song can be handed to a media element.
func (s *Song) Validate() error {
	if s == nil {
		return ErrMissingSong
	}
	if strings.TrimSpace(s.URL) == "" {
		return ErrMissingURL
	}
	return nil
}

// SameAs compares songs by identity, falling back to URL when ids are absent.
func (s *Song) SameAs(o *Song) bool {
	if s == nil || o == nil {
		return s == o
	}
	if s.ID != "" || o.ID != "" {
		return s.ID == o.ID
	}
	return s.URL == o.URL
}

type JoinPayload struct {
	Member MemberInfo `json:"member"`
}

type MembershipPayload struct {
	Members []Member `json:"members"`
}

type SongChangePayload struct {
	Song *Song `json:"song"`
}

type SyncActionPayload struct {
	Action string  `json:"action"`
	Song   *Song   `json:"song,omitempty"`
	Time   float64 `json:"time,omitempty"` // seconds
}

// Validate checks the action kind. Song validity is the receiver's concern.
func (p *SyncActionPayload) Validate() error {
	switch p.Action {
	case ActionPlay, ActionPause, ActionSeek:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrInvalidAction, p.Action)
	}
}

type ChatPayload struct {
	Author string `json:"author"`
	UserID string `json:"userId,omitempty"`
	Avatar string `json:"avatar,omitempty"`
	Text   string `json:"text"`
	Time   string `json:"time"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Encode builds a wire frame. A nil payload produces a frame without payload.
func Encode(msgType, room string, payload any) ([]byte, error) {
	env := Envelope{Type: msgType, Room: room}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", msgType, err)
		}
		env.Payload = data
	}
	return json.Marshal(env)
}

// Decode parses a wire frame and requires a type.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return nil, errors.New("decode envelope: type is required")
	}
	return &env, nil
}

// DecodePayload unmarshals the envelope payload into v.
func (e *Envelope) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s: payload is required", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%s payload: %w", e.Type, err)
	}
	return nil
}

// NormalizeRoomID trims the id and enforces the length bound.
func NormalizeRoomID(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" || len(id) > MaxRoomIDLength || !utf8.ValidString(id) {
		return "", ErrInvalidRoom
	}
	return id, nil
}

// Sanitize strips control characters, trims and caps s at maxLen bytes
// without splitting a rune.
func Sanitize(s string, maxLen int) string {
	s = strings.Map(func(r rune) rune {
		if r == 0 || (r < 32 && r != '\t' && r != '\n' && r != '\r') {
			return -1
		}
		return r
	}, s)
	s = strings.TrimSpace(strings.ToValidUTF8(s, ""))
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
