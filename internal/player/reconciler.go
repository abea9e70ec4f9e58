// Package player keeps a client's local playback state in step with the
// playback events of the room it listens in.
package player

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"go-listen/internal/protocol"
)

type State int

const (
	Idle State = iota
	LoadedPaused
	LoadedPlaying
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case LoadedPaused:
		return "loaded-paused"
	case LoadedPlaying:
		return "loaded-playing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	ErrNoSong     = errors.New("no song loaded")
	ErrEmptyQueue = errors.New("queue is empty")
)

// MediaElement is the local audio output.
type MediaElement interface {
	Load(url string) error
	Play() error
	Pause() error
	SetCurrentTime(seconds float64) error
}

// Notifier surfaces non-fatal problems to the user.
type Notifier interface {
	Warn(message string)
}

// Emitter sends an event to the room the player is synced with.
type Emitter interface {
	Emit(msgType string, payload any)
}

// Snapshot is a copy of the player state.
type Snapshot struct {
	State    State
	Song     *protocol.Song
	Position float64
	Queue    []protocol.Song
	Index    int // position of Song in Queue, -1 when it is not queued
}

func (s Snapshot) Playing() bool { return s.State == LoadedPlaying }

type Options struct {
	Media    MediaElement
	Notifier Notifier
	Emitter  Emitter
	Logger   *zap.Logger
}

// Reconciler applies local user actions and remote room events to one
// player. Local actions are emitted to the room; remote events never are.
type Reconciler struct {
	media    MediaElement
	notifier Notifier
	emitter  Emitter
	log      *zap.Logger

	mu       sync.Mutex
	state    State
	song     *protocol.Song
	position float64
	queue    []protocol.Song
	index    int
	subs     []chan Snapshot
}

func NewReconciler(opts Options) *Reconciler {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Reconciler{
		media:    opts.Media,
		notifier: opts.Notifier,
		emitter:  opts.Emitter,
		log:      opts.Logger,
		index:    -1,
	}
}

// SetEmitter replaces the room emitter. A nil emitter keeps actions local.
func (r *Reconciler) SetEmitter(e Emitter) {
	r.mu.Lock()
	r.emitter = e
	r.mu.Unlock()
}

func (r *Reconciler) State() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshot()
}

// Subscribe returns a channel that always holds the latest snapshot after a
// change. Intermediate snapshots may be skipped by slow readers.
func (r *Reconciler) Subscribe() <-chan Snapshot {
	ch := make(chan Snapshot, 1)
	r.mu.Lock()
	r.subs = append(r.subs, ch)
	r.mu.Unlock()
	return ch
}

// SelectSong loads song, starts it and tells the room.
func (r *Reconciler) SelectSong(song *protocol.Song) error {
	if err := song.Validate(); err != nil {
		r.warn("Cannot play this song", err)
		return err
	}

	r.mu.Lock()
	r.load(song)
	r.index = r.queueIndex(song)
	r.setPlaying(true)
	emitter := r.emitter
	r.changed()
	r.mu.Unlock()

	emit(emitter, protocol.TypeSongChange, protocol.SongChangePayload{Song: song})
	return nil
}

// TogglePlay flips between paused and playing and tells the room.
func (r *Reconciler) TogglePlay() error {
	r.mu.Lock()
	if r.state == Idle {
		r.mu.Unlock()
		r.warn("Select a song first", ErrNoSong)
		return ErrNoSong
	}
	playing := r.state != LoadedPlaying
	r.setPlaying(playing)
	song := *r.song
	emitter := r.emitter
	r.changed()
	r.mu.Unlock()

	action := protocol.ActionPause
	if playing {
		action = protocol.ActionPlay
	}
	emit(emitter, protocol.TypeSyncAction, protocol.SyncActionPayload{Action: action, Song: &song})
	return nil
}

// Seek moves the local playhead and tells the room.
func (r *Reconciler) Seek(seconds float64) error {
	if seconds < 0 {
		seconds = 0
	}

	r.mu.Lock()
	if r.state == Idle {
		r.mu.Unlock()
		return ErrNoSong
	}
	r.seek(seconds)
	emitter := r.emitter
	r.changed()
	r.mu.Unlock()

	emit(emitter, protocol.TypeSyncAction, protocol.SyncActionPayload{Action: protocol.ActionSeek, Time: seconds})
	return nil
}

// ApplySongChange adopts a song another member selected and plays it.
func (r *Reconciler) ApplySongChange(p protocol.SongChangePayload) error {
	if err := p.Song.Validate(); err != nil {
		r.warn("Ignored a song change from the room", err)
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.load(p.Song)
	r.index = r.queueIndex(p.Song)
	r.setPlaying(true)
	r.changed()
	return nil
}

// ApplySyncAction applies a play, pause or seek from another member. A
// play or pause naming a different song adopts that song first.
func (r *Reconciler) ApplySyncAction(p protocol.SyncActionPayload) error {
	if err := p.Validate(); err != nil {
		r.warn("Ignored a playback action from the room", err)
		return err
	}
	if p.Song != nil {
		if err := p.Song.Validate(); err != nil {
			r.warn("Ignored a playback action from the room", err)
			return err
		}
	}

	r.mu.Lock()
	if p.Action != protocol.ActionSeek && p.Song == nil && r.state == Idle {
		r.mu.Unlock()
		r.warn("Ignored a playback action from the room", ErrNoSong)
		return ErrNoSong
	}
	defer r.mu.Unlock()

	if p.Action == protocol.ActionSeek {
		if r.state == Idle {
			r.log.Debug("Seek ignored while idle", zap.Float64("time", p.Time))
			return nil
		}
		r.seek(p.Time)
		r.changed()
		return nil
	}

	if p.Song != nil && !p.Song.SameAs(r.song) {
		r.load(p.Song)
		r.index = r.queueIndex(p.Song)
	}
	r.setPlaying(p.Action == protocol.ActionPlay)
	r.changed()
	return nil
}

// SetQueue replaces the local queue. The queue is never shared with the room.
func (r *Reconciler) SetQueue(songs []protocol.Song) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.queue = append([]protocol.Song(nil), songs...)
	r.index = r.queueIndex(r.song)
	r.changed()
}

// Next selects the song after the current one, wrapping to the start.
func (r *Reconciler) Next() error {
	return r.step(1)
}

// Previous selects the song before the current one, wrapping to the end.
func (r *Reconciler) Previous() error {
	return r.step(-1)
}

func (r *Reconciler) step(delta int) error {
	r.mu.Lock()
	n := len(r.queue)
	if n == 0 {
		r.mu.Unlock()
		return ErrEmptyQueue
	}
	i := 0
	if r.index >= 0 {
		i = ((r.index+delta)%n + n) % n
	}
	song := r.queue[i]
	r.mu.Unlock()

	return r.SelectSong(&song)
}

// load must be called with mu held.
func (r *Reconciler) load(song *protocol.Song) {
	s := *song
	r.song = &s
	r.position = 0
	if r.state == Idle {
		r.state = LoadedPaused
	}
	if r.media != nil {
		if err := r.media.Load(s.URL); err != nil {
			r.log.Warn("Media load failed", zap.String("url", s.URL), zap.Error(err))
		}
	}
}

// setPlaying must be called with mu held and a song loaded.
func (r *Reconciler) setPlaying(playing bool) {
	if playing {
		r.state = LoadedPlaying
	} else {
		r.state = LoadedPaused
	}
	if r.media == nil {
		return
	}
	var err error
	if playing {
		err = r.media.Play()
	} else {
		err = r.media.Pause()
	}
	if err != nil {
		r.log.Warn("Media playback call failed", zap.Bool("playing", playing), zap.Error(err))
	}
}

func (r *Reconciler) seek(seconds float64) {
	r.position = seconds
	if r.media != nil {
		if err := r.media.SetCurrentTime(seconds); err != nil {
			r.log.Warn("Media seek failed", zap.Float64("time", seconds), zap.Error(err))
		}
	}
}

func (r *Reconciler) queueIndex(song *protocol.Song) int {
	for i := range r.queue {
		if r.queue[i].SameAs(song) {
			return i
		}
	}
	return -1
}

func (r *Reconciler) snapshot() Snapshot {
	s := Snapshot{
		State:    r.state,
		Position: r.position,
		Queue:    append([]protocol.Song(nil), r.queue...),
		Index:    r.index,
	}
	if r.song != nil {
		song := *r.song
		s.Song = &song
	}
	return s
}

// changed publishes the current snapshot; mu must be held.
func (r *Reconciler) changed() {
	snap := r.snapshot()
	for _, ch := range r.subs {
		select {
		case <-ch:
		default:
		}
		ch <- snap
	}
}

func (r *Reconciler) warn(message string, err error) {
	r.log.Warn(message, zap.Error(err))
	if r.notifier != nil {
		r.notifier.Warn(message + ": " + err.Error())
	}
}

func emit(e Emitter, msgType string, payload any) {
	if e != nil {
		e.Emit(msgType, payload)
	}
}
