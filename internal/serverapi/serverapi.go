// Package serverapi implements ServerInterface (§4.9/§6): the facade that
// brokers Queue, Generator, Player, Resolver, Users, and Auth as siblings
// rather than letting them reference each other directly, and that exposes
// the one surface both the admin HTTP side channel (§11) and the wire
// protocol dispatcher (§6.1) talk to, so no lower layer needs to import
// another lower layer.
package serverapi

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arung-agamani/pmpserver/internal/adminhttp"
	"github.com/arung-agamani/pmpserver/internal/apperror"
	"github.com/arung-agamani/pmpserver/internal/audiodata"
	"github.com/arung-agamani/pmpserver/internal/fhash"
	"github.com/arung-agamani/pmpserver/internal/historystore"
	"github.com/arung-agamani/pmpserver/internal/player"
	"github.com/arung-agamani/pmpserver/internal/queueitem"
)

// QueueFacade is the narrow slice of queue.Queue the server interface needs.
type QueueFacade interface {
	Len() int
	Entries(offset, max int) []*queueitem.Item
	Lookup(id uint64) *queueitem.Item
	Enqueue(hash fhash.FileHash) (uint64, *apperror.Error)
	InsertAtFront(hash fhash.FileHash) (uint64, *apperror.Error)
	InsertBreakAtFront() (uint64, *apperror.Error)
	Remove(id uint64) *apperror.Error
	MoveById(id uint64, delta int) *apperror.Error
	Trim(n int)
}

// PlayerFacade is the narrow slice of player.Player the server interface
// needs.
type PlayerFacade interface {
	State() player.State
	Current() *queueitem.Item
	PositionMs() int64
	Play()
	Pause()
	Skip()
	SeekTo(ms int64) *apperror.Error
}

// GeneratorFacade is the narrow slice of generator.Generator the server
// interface needs.
type GeneratorFacade interface {
	Enable()
	Disable()
	SetNoRepetitionSeconds(seconds int)
	NoRepetitionSeconds() int
	SetUserPlayingFor(user historystore.UserId, now time.Time)
	UserPlayingFor() historystore.UserId
	StartWave(totalTrackCount int) bool
	TerminateWave()
	WaveActive() bool
}

// TrackInfoSource resolves a hash's audio length and tags for TrackInfo
// responses, and reports the library's total indexed track count for
// StartWave's totalTrackCount argument.
type TrackInfoSource interface {
	AudioDataFor(hash fhash.FileHash) (*audiodata.AudioData, bool)
	TagsFor(hash fhash.FileHash) (audiodata.TagData, bool)
	Count() int
}

// VolumeControl is the audio output's volume knob.
type VolumeControl interface {
	SetVolume(v float64)
}

// UsersFacade is the narrow slice of users.Directory the server interface
// needs.
type UsersFacade interface {
	List(ctx context.Context) ([]historystore.User, error)
	Register(ctx context.Context, login, password string) (historystore.UserId, *apperror.Error)
	Login(ctx context.Context, login, password string) (historystore.UserId, *apperror.Error)
}

// HealthStore is the narrow slice of historystore.Store needed to answer a
// health check.
type HealthStore interface {
	Degraded() bool
}

// ServerInterface wires Queue, Player, Generator, Resolver, Users, and the
// volume control behind one facade. It implements adminhttp.Facade.
type ServerInterface struct {
	queue     QueueFacade
	player    PlayerFacade
	generator GeneratorFacade
	tracks    TrackInfoSource
	volume    VolumeControl
	users     UsersFacade
	store     HealthStore

	uuid string

	mu            sync.Mutex
	volumePercent int
}

// New wires a ServerInterface over its already-constructed collaborators.
// defaultVolume is the initial volume percentage (§12's Player/default_volume
// config key).
func New(q QueueFacade, p PlayerFacade, g GeneratorFacade, tracks TrackInfoSource, vol VolumeControl, users UsersFacade, store HealthStore, defaultVolume int) *ServerInterface {
	s := &ServerInterface{
		queue:     q,
		player:    p,
		generator: g,
		tracks:    tracks,
		volume:    vol,
		users:     users,
		store:     store,
		uuid:      uuid.NewString(),
	}
	s.volumePercent = defaultVolume
	if vol != nil {
		vol.SetVolume(float64(defaultVolume) / 100)
	}
	return s
}

// UUID returns this run's stable server identifier (the `get-uuid` wire op).
func (s *ServerInterface) UUID() string { return s.uuid }

// Health implements adminhttp.Facade. Audio output readiness is inferred
// from the volume control being non-nil: a server constructed without a
// working audio device has no VolumeControl to wire in.
func (s *ServerInterface) Health(ctx context.Context) adminhttp.HealthResult {
	return adminhttp.HealthResult{
		DatabaseOK:    s.store == nil || !s.store.Degraded(),
		AudioOutputOK: s.volume != nil,
	}
}

// Status implements adminhttp.Facade.
func (s *ServerInterface) Status() adminhttp.StatusSnapshot {
	return adminhttp.StatusSnapshot{
		ServerUUID:         s.uuid,
		PlayerState:        s.player.State().String(),
		Volume:             s.Volume(),
		QueueLength:        s.queue.Len(),
		NowPlayingQueueId:  nowPlayingId(s.player.Current()),
		PublicMode:         s.generator.UserPlayingFor() == 0,
		DynamicModeEnabled: s.generator.NoRepetitionSeconds() >= 0,
	}
}

func nowPlayingId(it *queueitem.Item) uint64 {
	if it == nil {
		return 0
	}
	return it.QueueId
}

// Volume returns the last requested volume percentage (0-100).
func (s *ServerInterface) Volume() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.volumePercent
}

// SetVolume applies a new volume percentage and pushes it to the audio
// output.
func (s *ServerInterface) SetVolume(percent int) {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	s.mu.Lock()
	s.volumePercent = percent
	s.mu.Unlock()
	if s.volume != nil {
		s.volume.SetVolume(float64(percent) / 100)
	}
}

// SetPublicMode switches the generator to generate for no particular user
// (§12's public/personal mode toggle).
func (s *ServerInterface) SetPublicMode() {
	s.generator.SetUserPlayingFor(0, time.Now())
}

// SetPersonalMode switches the generator to generate for userId.
func (s *ServerInterface) SetPersonalMode(userId historystore.UserId) {
	s.generator.SetUserPlayingFor(userId, time.Now())
}

// StartWave starts a high-score wave for the user the generator is
// currently generating for (a no-op in public mode or while a wave is
// already active).
func (s *ServerInterface) StartWave() bool {
	if s.generator.WaveActive() {
		return false
	}
	return s.generator.StartWave(s.tracks.Count())
}

// TerminateWave cancels any active wave.
func (s *ServerInterface) TerminateWave() {
	if !s.generator.WaveActive() {
		return
	}
	s.generator.TerminateWave()
}

// WaveActive reports whether a wave is currently in progress.
func (s *ServerInterface) WaveActive() bool {
	return s.generator.WaveActive()
}

// Queue, Player, Generator, Users expose the wired collaborators directly
// for the dispatcher (internal/serverapi's own package) to drive without
// re-deriving narrow interfaces.
func (s *ServerInterface) Queue() QueueFacade         { return s.queue }
func (s *ServerInterface) Player() PlayerFacade       { return s.player }
func (s *ServerInterface) Generator() GeneratorFacade { return s.generator }
func (s *ServerInterface) Users() UsersFacade         { return s.users }
func (s *ServerInterface) Tracks() TrackInfoSource    { return s.tracks }
