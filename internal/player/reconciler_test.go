package player

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-listen/internal/protocol"
)

type fakeMedia struct {
	mu    sync.Mutex
	calls []string
	url   string
	time  float64
}

func (m *fakeMedia) record(call string) {
	m.mu.Lock()
	m.calls = append(m.calls, call)
	m.mu.Unlock()
}

func (m *fakeMedia) Load(url string) error { m.url = url; m.record("load " + url); return nil }
func (m *fakeMedia) Play() error           { m.record("play"); return nil }
func (m *fakeMedia) Pause() error          { m.record("pause"); return nil }
func (m *fakeMedia) SetCurrentTime(s float64) error {
	m.time = s
	m.record("seek")
	return nil
}

type fakeNotifier struct{ warnings []string }

func (n *fakeNotifier) Warn(message string) { n.warnings = append(n.warnings, message) }

type emitted struct {
	msgType string
	payload any
}

type fakeEmitter struct{ events []emitted }

func (e *fakeEmitter) Emit(msgType string, payload any) {
	e.events = append(e.events, emitted{msgType, payload})
}

type fixture struct {
	r        *Reconciler
	media    *fakeMedia
	notifier *fakeNotifier
	emitter  *fakeEmitter
}

func newFixture() *fixture {
	f := &fixture{media: &fakeMedia{}, notifier: &fakeNotifier{}, emitter: &fakeEmitter{}}
	f.r = NewReconciler(Options{Media: f.media, Notifier: f.notifier, Emitter: f.emitter})
	return f
}

var (
	s1 = &protocol.Song{ID: "s1", URL: "a.mp3"}
	s2 = &protocol.Song{ID: "s2", Title: "Second", URL: "b.mp3"}
)

func TestReconciler_RemoteSongChangeThenPause(t *testing.T) {
	f := newFixture()
	require.Equal(t, Idle, f.r.State().State)

	require.NoError(t, f.r.ApplySongChange(protocol.SongChangePayload{Song: s1}))
	snap := f.r.State()
	assert.Equal(t, LoadedPlaying, snap.State)
	assert.Equal(t, "s1", snap.Song.ID)

	require.NoError(t, f.r.ApplySyncAction(protocol.SyncActionPayload{Action: protocol.ActionPause}))
	snap = f.r.State()
	assert.Equal(t, LoadedPaused, snap.State)
	assert.Equal(t, "s1", snap.Song.ID)

	assert.Equal(t, []string{"load a.mp3", "play", "pause"}, f.media.calls)
	assert.Empty(t, f.emitter.events, "remote events are never re-emitted")
}

func TestReconciler_MalformedSongChangeIsRejected(t *testing.T) {
	f := newFixture()
	require.NoError(t, f.r.ApplySongChange(protocol.SongChangePayload{Song: s1}))
	before := f.r.State()

	err := f.r.ApplySongChange(protocol.SongChangePayload{Song: &protocol.Song{ID: "s9", Title: "No URL"}})
	require.ErrorIs(t, err, protocol.ErrMissingURL)

	assert.Equal(t, before, f.r.State())
	require.Len(t, f.notifier.warnings, 1)
	assert.Contains(t, f.notifier.warnings[0], "no playable url")

	err = f.r.ApplySongChange(protocol.SongChangePayload{})
	require.ErrorIs(t, err, protocol.ErrMissingSong)
	assert.Equal(t, before, f.r.State())
}

func TestReconciler_ApplySyncAction(t *testing.T) {
	tests := []struct {
		name      string
		setup     func(r *Reconciler)
		action    protocol.SyncActionPayload
		wantErr   error
		wantState State
		wantSong  string
		wantPos   float64
	}{
		{
			name:      "play adopts a different song",
			setup:     func(r *Reconciler) { r.ApplySongChange(protocol.SongChangePayload{Song: s1}) },
			action:    protocol.SyncActionPayload{Action: protocol.ActionPlay, Song: s2},
			wantState: LoadedPlaying,
			wantSong:  "s2",
		},
		{
			name: "pause with the same song keeps it",
			setup: func(r *Reconciler) {
				r.ApplySongChange(protocol.SongChangePayload{Song: s1})
				r.ApplySyncAction(protocol.SyncActionPayload{Action: protocol.ActionSeek, Time: 30})
			},
			action:    protocol.SyncActionPayload{Action: protocol.ActionPause, Song: s1},
			wantState: LoadedPaused,
			wantSong:  "s1",
			wantPos:   30,
		},
		{
			name:      "play from idle with a song",
			setup:     func(r *Reconciler) {},
			action:    protocol.SyncActionPayload{Action: protocol.ActionPlay, Song: s2},
			wantState: LoadedPlaying,
			wantSong:  "s2",
		},
		{
			name:      "play from idle without a song",
			setup:     func(r *Reconciler) {},
			action:    protocol.SyncActionPayload{Action: protocol.ActionPlay},
			wantErr:   ErrNoSong,
			wantState: Idle,
		},
		{
			name:      "seek keeps the state",
			setup:     func(r *Reconciler) { r.ApplySongChange(protocol.SongChangePayload{Song: s1}) },
			action:    protocol.SyncActionPayload{Action: protocol.ActionSeek, Time: 42.5},
			wantState: LoadedPlaying,
			wantSong:  "s1",
			wantPos:   42.5,
		},
		{
			name:      "seek while idle is ignored",
			setup:     func(r *Reconciler) {},
			action:    protocol.SyncActionPayload{Action: protocol.ActionSeek, Time: 10},
			wantState: Idle,
		},
		{
			name:      "song without url",
			setup:     func(r *Reconciler) { r.ApplySongChange(protocol.SongChangePayload{Song: s1}) },
			action:    protocol.SyncActionPayload{Action: protocol.ActionPause, Song: &protocol.Song{ID: "bad"}},
			wantErr:   protocol.ErrMissingURL,
			wantState: LoadedPlaying,
			wantSong:  "s1",
		},
		{
			name:      "unknown action",
			setup:     func(r *Reconciler) { r.ApplySongChange(protocol.SongChangePayload{Song: s1}) },
			action:    protocol.SyncActionPayload{Action: "rewind"},
			wantErr:   protocol.ErrInvalidAction,
			wantState: LoadedPlaying,
			wantSong:  "s1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			tt.setup(f.r)

			err := f.r.ApplySyncAction(tt.action)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				assert.NotEmpty(t, f.notifier.warnings)
			} else {
				require.NoError(t, err)
			}

			snap := f.r.State()
			assert.Equal(t, tt.wantState, snap.State)
			assert.Equal(t, tt.wantPos, snap.Position)
			if tt.wantSong == "" {
				assert.Nil(t, snap.Song)
			} else {
				require.NotNil(t, snap.Song)
				assert.Equal(t, tt.wantSong, snap.Song.ID)
			}
			assert.Empty(t, f.emitter.events)
		})
	}
}

func TestReconciler_LocalActionsEmit(t *testing.T) {
	f := newFixture()

	require.ErrorIs(t, f.r.TogglePlay(), ErrNoSong)
	require.ErrorIs(t, f.r.Seek(5), ErrNoSong)
	assert.Empty(t, f.emitter.events)

	require.NoError(t, f.r.SelectSong(s1))
	assert.Equal(t, LoadedPlaying, f.r.State().State)

	require.NoError(t, f.r.TogglePlay())
	assert.Equal(t, LoadedPaused, f.r.State().State)
	require.NoError(t, f.r.TogglePlay())
	assert.Equal(t, LoadedPlaying, f.r.State().State)

	require.NoError(t, f.r.Seek(-3))
	assert.Equal(t, 0.0, f.media.time)

	require.Len(t, f.emitter.events, 4)
	assert.Equal(t, emitted{protocol.TypeSongChange, protocol.SongChangePayload{Song: s1}}, f.emitter.events[0])

	pause := f.emitter.events[1].payload.(protocol.SyncActionPayload)
	assert.Equal(t, protocol.ActionPause, pause.Action)
	assert.Equal(t, "s1", pause.Song.ID)

	play := f.emitter.events[2].payload.(protocol.SyncActionPayload)
	assert.Equal(t, protocol.ActionPlay, play.Action)

	seek := f.emitter.events[3].payload.(protocol.SyncActionPayload)
	assert.Equal(t, protocol.SyncActionPayload{Action: protocol.ActionSeek}, seek)

	err := f.r.SelectSong(&protocol.Song{ID: "x"})
	require.ErrorIs(t, err, protocol.ErrMissingURL)
	assert.Len(t, f.emitter.events, 4)
	assert.Equal(t, "s1", f.r.State().Song.ID)
}

func TestReconciler_Queue(t *testing.T) {
	f := newFixture()
	s3 := protocol.Song{ID: "s3", URL: "c.mp3"}

	require.ErrorIs(t, f.r.Next(), ErrEmptyQueue)

	f.r.SetQueue([]protocol.Song{*s1, *s2, s3})
	require.NoError(t, f.r.Next())
	assert.Equal(t, "s1", f.r.State().Song.ID)

	require.NoError(t, f.r.Next())
	require.NoError(t, f.r.Next())
	assert.Equal(t, "s3", f.r.State().Song.ID)
	assert.Equal(t, 2, f.r.State().Index)

	require.NoError(t, f.r.Next())
	assert.Equal(t, "s1", f.r.State().Song.ID, "next wraps to the start")

	require.NoError(t, f.r.Previous())
	assert.Equal(t, "s3", f.r.State().Song.ID, "previous wraps to the end")

	// A remote song outside the queue clears the position in it.
	require.NoError(t, f.r.ApplySongChange(protocol.SongChangePayload{Song: &protocol.Song{ID: "other", URL: "o.mp3"}}))
	assert.Equal(t, -1, f.r.State().Index)

	for _, e := range f.emitter.events {
		assert.Equal(t, protocol.TypeSongChange, e.msgType)
	}
	assert.Len(t, f.emitter.events, 5)
}

func TestReconciler_Subscribe(t *testing.T) {
	r := NewReconciler(Options{})
	updates := r.Subscribe()

	require.NoError(t, r.ApplySongChange(protocol.SongChangePayload{Song: s1}))
	require.NoError(t, r.ApplySyncAction(protocol.SyncActionPayload{Action: protocol.ActionPause}))

	snap := <-updates
	assert.Equal(t, LoadedPaused, snap.State)
	assert.False(t, snap.Playing())
	select {
	case <-updates:
		t.Fatal("only the latest snapshot is kept")
	default:
	}
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "idle", Idle.String())
	assert.Equal(t, "loaded-paused", LoadedPaused.String())
	assert.Equal(t, "loaded-playing", LoadedPlaying.String())
	assert.Equal(t, "state(9)", State(9).String())
}
