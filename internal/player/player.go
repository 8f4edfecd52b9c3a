// Package player implements Player (§4.6): owns the audio output, the
// current track, and the play position, and drives state transitions
// between Stopped/Playing/Paused. DelayedStart (§4.7) lives alongside it in
// this package since it exists purely to call Player.Play().
package player

import (
	"context"
	"sync"
	"time"

	"github.com/arung-agamani/pmpserver/internal/apperror"
	"github.com/arung-agamani/pmpserver/internal/audiodata"
	"github.com/arung-agamani/pmpserver/internal/fhash"
	"github.com/arung-agamani/pmpserver/internal/historystore"
	"github.com/arung-agamani/pmpserver/internal/queue"
	"github.com/arung-agamani/pmpserver/internal/queueitem"
)

// State is the Player's lifecycle (§3's PlayerState).
type State int

const (
	Stopped State = iota
	Playing
	Paused
)

func (s State) String() string {
	switch s {
	case Playing:
		return "Playing"
	case Paused:
		return "Paused"
	default:
		return "Stopped"
	}
}

// Output is the audio device Player drives. audiooutput.Output satisfies
// this.
type Output interface {
	LoadFile(path string, format audiodata.Format) error
	Play()
	Pause()
	Stop()
	IsFinished() bool
	PositionMs() int64
	SeekMs(ms int64) error
}

// Queue is the narrow slice of queue.Queue Player needs: pop the head, and
// append to the bounded recent-history ring.
type Queue interface {
	Dequeue() *queueitem.Item
	AddToHistory(entry queue.RecentHistoryEntry)
}

// HistoryWriter is the fire-and-forget persistent write path (§5: "not
// awaited").
type HistoryWriter interface {
	AddToHistory(ctx context.Context, rec historystore.HistoryRecord) error
}

// Listener receives Player events.
type Listener interface {
	CurrentTrackChanged(item *queueitem.Item)
	Finished()
	DonePlayingTrack(entry queue.RecentHistoryEntry)
	FailedToPlayTrack(entry queue.RecentHistoryEntry)
}

// Player owns the current track and play position.
type Player struct {
	mu sync.Mutex

	output Output
	queue  Queue
	hashes *fhash.Registry
	history HistoryWriter
	listener Listener

	delayedStart *DelayedStart

	state   State
	current *queueitem.Item

	startedAt     time.Time
	maxPosReached int64
	seekHappened  bool
	transitioning bool

	// ListeningUser attributes history entries (personal mode, §3). 0 means
	// public mode.
	ListeningUser historystore.UserId
}

// New wires a Player over its collaborators. listener may be nil.
func New(output Output, q Queue, hashes *fhash.Registry, history HistoryWriter, listener Listener) *Player {
	return &Player{output: output, queue: q, hashes: hashes, history: history, listener: listener}
}

// SetDelayedStart wires the DelayedStart instance whose Deactivate must be
// called on every transition into Playing (§4.7).
func (p *Player) SetDelayedStart(ds *DelayedStart) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.delayedStart = ds
}

// State returns the current playback state.
func (p *Player) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Current returns the currently loaded track item, or nil.
func (p *Player) Current() *queueitem.Item {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// NowPlayingHash implements repetition.NowPlayingProvider.
func (p *Player) NowPlayingHash() (fhash.FileHash, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		return fhash.FileHash{}, false
	}
	return p.current.Hash, true
}

func (p *Player) emitCurrentTrackChanged(it *queueitem.Item) {
	if p.listener != nil {
		p.listener.CurrentTrackChanged(it)
	}
}

func (p *Player) enterPlayingLocked() {
	p.state = Playing
	if p.delayedStart != nil {
		p.delayedStart.Deactivate()
	}
}

// startNext implements §4.6's startNext(play) algorithm. Must be called
// with mu held.
func (p *Player) startNextLocked(play bool) {
	for {
		it := p.queue.Dequeue()
		if it == nil {
			p.current = nil
			p.emitCurrentTrackChanged(nil)
			p.state = Stopped
			if p.listener != nil {
				p.listener.Finished()
			}
			return
		}

		switch it.Kind {
		case queueitem.KindBreak:
			play = false
			continue

		case queueitem.KindBarrier:
			p.current = nil
			p.emitCurrentTrackChanged(nil)
			p.state = Paused
			return

		case queueitem.KindTrack:
			path := it.CachedFilename
			if path == "" {
				p.recordUnplayableLocked(it)
				continue
			}
			format := audiodata.Unknown
			if it.CachedAudio != nil {
				format = it.CachedAudio.Format
			}
			if err := p.output.LoadFile(path, format); err != nil {
				p.recordUnplayableLocked(it)
				continue
			}

			p.current = it
			p.maxPosReached = 0
			p.seekHappened = false
			p.startedAt = time.Now()
			p.emitCurrentTrackChanged(it)

			if play {
				p.output.Play()
				p.enterPlayingLocked()
			} else {
				p.state = Paused
			}
			return
		}
	}
}

// recordUnplayableLocked handles step 4 of §4.6's startNext: a dequeued
// Track that couldn't be loaded is recorded in history as a zero-permillage
// failure and skipped.
func (p *Player) recordUnplayableLocked(it *queueitem.Item) {
	now := time.Now()
	entry := queue.RecentHistoryEntry{
		QueueId:          it.QueueId,
		Hash:             it.Hash,
		User:             p.ListeningUser,
		StartedAt:        now,
		EndedAt:          now,
		PermillagePlayed: 0,
		HadError:         true,
	}
	p.queue.AddToHistory(entry)
	p.writeHistoryAsync(it, entry)
	if p.listener != nil {
		p.listener.FailedToPlayTrack(entry)
	}
}

func (p *Player) writeHistoryAsync(it *queueitem.Item, entry queue.RecentHistoryEntry) {
	if p.history == nil {
		return
	}
	hashId := p.hashes.Register(it.Hash)
	rec := historystore.HistoryRecord{
		HashId:           hashId,
		User:             entry.User,
		StartedAt:        entry.StartedAt,
		EndedAt:          entry.EndedAt,
		PermillagePlayed: entry.PermillagePlayed,
		HadError:         entry.HadError,
	}
	go p.history.AddToHistory(context.Background(), rec)
}

// calcPermillagePlayedLocked implements §4.6's calcPermillagePlayed.
func (p *Player) calcPermillagePlayedLocked(it *queueitem.Item) int {
	if it == nil {
		return historystore.PermillageNoTrack
	}
	if p.seekHappened {
		return historystore.PermillageSeeked
	}
	if it.CachedAudio == nil || it.CachedAudio.TrackLengthMs <= 0 {
		return historystore.PermillageNoLength
	}
	permillage := p.maxPosReached * 1000 / it.CachedAudio.TrackLengthMs
	if permillage < 0 {
		permillage = 0
	}
	if permillage > 1000 {
		permillage = 1000
	}
	return int(permillage)
}

// finalizeHistoryLocked stamps endedAt, appends to the queue's recent
// history, fires the async persistent write, and emits donePlayingTrack or
// failedToPlayTrack per §4.6.
func (p *Player) finalizeHistoryLocked(hadError bool) {
	it := p.current
	if it == nil {
		return
	}
	permillage := p.calcPermillagePlayedLocked(it)
	entry := queue.RecentHistoryEntry{
		QueueId:          it.QueueId,
		Hash:             it.Hash,
		User:             p.ListeningUser,
		StartedAt:        p.startedAt,
		EndedAt:          time.Now(),
		PermillagePlayed: permillage,
		HadError:         hadError,
	}
	p.queue.AddToHistory(entry)
	p.writeHistoryAsync(it, entry)

	if p.listener == nil {
		return
	}
	if permillage <= 0 && hadError {
		p.listener.FailedToPlayTrack(entry)
	} else {
		p.listener.DonePlayingTrack(entry)
	}
}

// Play: Stopped->Playing via startNext(true); Paused->Playing resumes.
func (p *Player) Play() {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.state {
	case Stopped:
		p.startNextLocked(true)
	case Paused:
		if p.startedAt.IsZero() {
			p.startedAt = time.Now()
		}
		p.output.Play()
		p.enterPlayingLocked()
	case Playing:
		// already playing; no-op
	}
}

// Pause: Playing->Paused.
func (p *Player) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == Playing {
		p.output.Pause()
		p.state = Paused
	}
}

// Skip finalises the current track's history (if any) and advances to the
// next playable item. A no-op when Stopped; when Paused, advances but stays
// Paused; only when Playing does it land on Playing (§4.6's "Playing ->
// Playing" row — Stopped/Paused are left as they were).
func (p *Player) Skip() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == Stopped {
		return
	}
	play := p.state == Playing
	if p.current != nil {
		p.finalizeHistoryLocked(false)
	}
	p.startNextLocked(play)
}

// SeekTo repositions within the current track. Only valid in Playing or
// Paused; marks seekHappened so the eventual permillage is reported as the
// "seeked" sentinel rather than counted toward scoring.
func (p *Player) SeekTo(ms int64) *apperror.Error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != Playing && p.state != Paused {
		return apperror.New(apperror.NonFatalInternalServerError, "seek requires Playing or Paused state")
	}
	p.output.SeekMs(ms) // best effort; seekHappened is recorded regardless
	p.maxPosReached = ms
	p.seekHappened = true
	return nil
}

// PositionMs returns the best-known elapsed position of the current track.
func (p *Player) PositionMs() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxPosReached
}

// Tick polls the output device for position/completion. Call periodically
// (e.g. every 100ms) from the owning control loop while Playing.
func (p *Player) Tick() {
	p.mu.Lock()
	if p.state != Playing || p.current == nil || p.transitioning {
		p.mu.Unlock()
		return
	}

	pos := p.output.PositionMs()
	if pos > p.maxPosReached {
		p.maxPosReached = pos
	}
	finished := p.output.IsFinished()
	if !finished {
		p.mu.Unlock()
		return
	}

	p.transitioning = true
	p.finalizeHistoryLocked(false)
	p.startNextLocked(true)
	p.transitioning = false
	p.mu.Unlock()
}
