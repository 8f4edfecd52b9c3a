package player

import (
	"context"
	"testing"
	"time"

	"github.com/arung-agamani/pmpserver/internal/audiodata"
	"github.com/arung-agamani/pmpserver/internal/fhash"
	"github.com/arung-agamani/pmpserver/internal/historystore"
	"github.com/arung-agamani/pmpserver/internal/queue"
	"github.com/arung-agamani/pmpserver/internal/queueitem"
)

// fakeOutput is a no-op Output stub recording the sequence of calls.
type fakeOutput struct {
	loaded   string
	playing  bool
	finished bool
	posMs    int64
	failLoad bool
}

func (f *fakeOutput) LoadFile(path string, format audiodata.Format) error {
	if f.failLoad {
		return errFakeLoad
	}
	f.loaded = path
	f.finished = false
	f.posMs = 0
	return nil
}
func (f *fakeOutput) Play()              { f.playing = true }
func (f *fakeOutput) Pause()             { f.playing = false }
func (f *fakeOutput) Stop()              { f.playing = false }
func (f *fakeOutput) IsFinished() bool   { return f.finished }
func (f *fakeOutput) PositionMs() int64  { return f.posMs }
func (f *fakeOutput) SeekMs(ms int64) error {
	return errFakeSeekUnsupported
}

type fakeErr string

func (e fakeErr) Error() string { return string(e) }

const (
	errFakeLoad            = fakeErr("fake: load failed")
	errFakeSeekUnsupported = fakeErr("fake: seek unsupported")
)

// fakeQueue is a simple in-memory slice-backed Queue stub.
type fakeQueue struct {
	items   []*queueitem.Item
	history []queue.RecentHistoryEntry
}

func (q *fakeQueue) Dequeue() *queueitem.Item {
	if len(q.items) == 0 {
		return nil
	}
	it := q.items[0]
	q.items = q.items[1:]
	return it
}
func (q *fakeQueue) AddToHistory(entry queue.RecentHistoryEntry) {
	q.history = append(q.history, entry)
}

// fakeHistoryWriter records writes in memory and never fails; it exists to
// verify Player never blocks on it.
type fakeHistoryWriter struct {
	writes []historystore.HistoryRecord
}

func (h *fakeHistoryWriter) AddToHistory(ctx context.Context, rec historystore.HistoryRecord) error {
	h.writes = append(h.writes, rec)
	return nil
}

type recordingListener struct {
	currentTrackChanges []*queueitem.Item
	finishedCount       int
	done                []queue.RecentHistoryEntry
	failed              []queue.RecentHistoryEntry
}

func (l *recordingListener) CurrentTrackChanged(it *queueitem.Item) {
	l.currentTrackChanges = append(l.currentTrackChanges, it)
}
func (l *recordingListener) Finished() { l.finishedCount++ }
func (l *recordingListener) DonePlayingTrack(entry queue.RecentHistoryEntry) {
	l.done = append(l.done, entry)
}
func (l *recordingListener) FailedToPlayTrack(entry queue.RecentHistoryEntry) {
	l.failed = append(l.failed, entry)
}

func hashOf(n byte) fhash.FileHash {
	var h fhash.FileHash
	h.SHA1[0] = n
	h.ByteLength = int64(n) + 1
	return h
}

func trackWithAudio(hash fhash.FileHash, path string, lengthMs int64) *queueitem.Item {
	it := queueitem.NewTrack(hash)
	it.CachedFilename = path
	it.CachedAudio = &audiodata.AudioData{Format: audiodata.MP3, TrackLengthMs: lengthMs}
	return it
}

func newTestPlayer(q *fakeQueue, out *fakeOutput, hw *fakeHistoryWriter, l *recordingListener) *Player {
	return New(out, q, fhash.NewRegistry(), hw, l)
}

func TestPlayFromStoppedLoadsAndPlaysHeadTrack(t *testing.T) {
	q := &fakeQueue{items: []*queueitem.Item{trackWithAudio(hashOf(1), "/music/a.mp3", 180_000)}}
	out := &fakeOutput{}
	p := newTestPlayer(q, out, &fakeHistoryWriter{}, &recordingListener{})

	p.Play()

	if p.State() != Playing {
		t.Fatalf("expected Playing, got %v", p.State())
	}
	if out.loaded != "/music/a.mp3" || !out.playing {
		t.Fatalf("expected output to have loaded and started playback")
	}
	if p.Current() == nil || p.Current().CachedFilename != "/music/a.mp3" {
		t.Fatalf("expected current track to be set")
	}
}

// S2: Queue [Break, Track(A), Track(B)], Stopped; play() consumes the Break
// (which flips play:=false for the rest of the scan) and loads Track(A)
// without starting it, landing in Paused. A second play() resumes.
func TestPlayConsumesLeadingBreakAndPauses(t *testing.T) {
	trackA := trackWithAudio(hashOf(1), "/music/a.mp3", 180_000)
	trackB := trackWithAudio(hashOf(2), "/music/b.mp3", 200_000)
	q := &fakeQueue{items: []*queueitem.Item{queueitem.NewBreak(), trackA, trackB}}
	out := &fakeOutput{}
	p := newTestPlayer(q, out, &fakeHistoryWriter{}, &recordingListener{})

	p.Play()
	if p.State() != Paused {
		t.Fatalf("expected Paused after leading Break, got %v", p.State())
	}
	if out.playing {
		t.Fatalf("output should not have started playing yet")
	}
	if p.Current() == nil || p.Current().CachedFilename != "/music/a.mp3" {
		t.Fatalf("expected Track(A) to be loaded while paused")
	}

	p.Play()
	if p.State() != Playing {
		t.Fatalf("expected Playing after resuming, got %v", p.State())
	}
	if !out.playing {
		t.Fatalf("expected output to be playing after resume")
	}
}

func TestEmptyQueueStopsAndEmitsFinished(t *testing.T) {
	q := &fakeQueue{}
	out := &fakeOutput{}
	l := &recordingListener{}
	p := newTestPlayer(q, out, &fakeHistoryWriter{}, l)

	p.Play()

	if p.State() != Stopped {
		t.Fatalf("expected Stopped on empty queue, got %v", p.State())
	}
	if l.finishedCount != 1 {
		t.Fatalf("expected exactly one Finished emission, got %d", l.finishedCount)
	}
}

func TestBarrierStopsConsumptionAndPauses(t *testing.T) {
	q := &fakeQueue{items: []*queueitem.Item{queueitem.NewBarrier(), trackWithAudio(hashOf(1), "/music/a.mp3", 1000)}}
	out := &fakeOutput{}
	p := newTestPlayer(q, out, &fakeHistoryWriter{}, &recordingListener{})

	p.Play()

	if p.State() != Paused {
		t.Fatalf("expected Paused at a Barrier, got %v", p.State())
	}
	if p.Current() != nil {
		t.Fatalf("expected no current track at a Barrier")
	}
	// the Track behind the Barrier must remain queued, untouched
	if len(q.items) != 1 {
		t.Fatalf("expected the Track behind the Barrier to remain queued, got %d left", len(q.items))
	}
}

func TestUnplayableTrackRecordsHistoryAndIsSkipped(t *testing.T) {
	bad := trackWithAudio(hashOf(1), "/music/missing.mp3", 1000)
	good := trackWithAudio(hashOf(2), "/music/b.mp3", 180_000)
	q := &fakeQueue{items: []*queueitem.Item{bad, good}}
	out := &fakeOutput{}
	l := &recordingListener{}
	hw := &fakeHistoryWriter{}
	p := newTestPlayer(q, out, hw, l)

	// swap in a custom loader: first call fails, second succeeds
	calls := 0
	p.output = &sequencedOutput{fakeOutput: out, onLoad: func(path string) error {
		calls++
		if calls == 1 {
			return errFakeLoad
		}
		out.loaded = path
		return nil
	}}

	p.Play()

	if len(l.failed) != 1 {
		t.Fatalf("expected one FailedToPlayTrack emission, got %d", len(l.failed))
	}
	if l.failed[0].PermillagePlayed != 0 || !l.failed[0].HadError {
		t.Fatalf("unexpected failed entry: %+v", l.failed[0])
	}
	if p.State() != Playing || p.Current() == nil || p.Current().CachedFilename != "/music/b.mp3" {
		t.Fatalf("expected playback to continue with the next track")
	}
}

// sequencedOutput lets a test script distinct LoadFile outcomes per call.
type sequencedOutput struct {
	*fakeOutput
	onLoad func(path string) error
}

func (s *sequencedOutput) LoadFile(path string, format audiodata.Format) error {
	return s.onLoad(path)
}

func TestSkipFinalizesHistoryAndAdvances(t *testing.T) {
	trackA := trackWithAudio(hashOf(1), "/music/a.mp3", 180_000)
	trackB := trackWithAudio(hashOf(2), "/music/b.mp3", 200_000)
	q := &fakeQueue{items: []*queueitem.Item{trackA, trackB}}
	out := &fakeOutput{}
	l := &recordingListener{}
	p := newTestPlayer(q, out, &fakeHistoryWriter{}, l)

	p.Play()
	out.posMs = 90_000 // halfway through A
	p.Tick()
	p.Skip()

	if len(q.history) != 1 {
		t.Fatalf("expected exactly one history entry after skip, got %d", len(q.history))
	}
	if q.history[0].PermillagePlayed != 500 {
		t.Fatalf("expected ~500 permillage played, got %d", q.history[0].PermillagePlayed)
	}
	if p.Current() == nil || p.Current().CachedFilename != "/music/b.mp3" {
		t.Fatalf("expected Track(B) to now be current")
	}
}

func TestSkipWhileStoppedIsNoOp(t *testing.T) {
	trackA := trackWithAudio(hashOf(1), "/music/a.mp3", 180_000)
	q := &fakeQueue{items: []*queueitem.Item{trackA}}
	out := &fakeOutput{}
	p := newTestPlayer(q, out, &fakeHistoryWriter{}, &recordingListener{})

	p.Skip()

	if p.State() != Stopped {
		t.Fatalf("expected Skip() while Stopped to remain Stopped, got %v", p.State())
	}
	if len(q.items) != 1 {
		t.Fatalf("expected Skip() while Stopped not to dequeue, queue has %d items left", len(q.items))
	}
}

func TestSkipWhilePausedStaysPaused(t *testing.T) {
	trackA := trackWithAudio(hashOf(1), "/music/a.mp3", 180_000)
	trackB := trackWithAudio(hashOf(2), "/music/b.mp3", 200_000)
	q := &fakeQueue{items: []*queueitem.Item{trackA, trackB}}
	out := &fakeOutput{}
	p := newTestPlayer(q, out, &fakeHistoryWriter{}, &recordingListener{})

	p.Play()
	p.Pause()
	p.Skip()

	if p.State() != Paused {
		t.Fatalf("expected Skip() while Paused to stay Paused, got %v", p.State())
	}
	if p.Current() == nil || p.Current().CachedFilename != "/music/b.mp3" {
		t.Fatalf("expected Track(B) to now be current")
	}
	if out.playing {
		t.Fatalf("expected Skip() while Paused not to resume playback")
	}
}

func TestSeekMarksSeekedSentinelOnFinalize(t *testing.T) {
	trackA := trackWithAudio(hashOf(1), "/music/a.mp3", 180_000)
	q := &fakeQueue{items: []*queueitem.Item{trackA}}
	out := &fakeOutput{}
	l := &recordingListener{}
	p := newTestPlayer(q, out, &fakeHistoryWriter{}, l)

	p.Play()
	if err := p.SeekTo(60_000); err != nil {
		t.Fatalf("unexpected seek error: %v", err)
	}
	p.Skip()

	if len(q.history) != 1 {
		t.Fatalf("expected one history entry, got %d", len(q.history))
	}
	if q.history[0].PermillagePlayed != historystore.PermillageSeeked {
		t.Fatalf("expected seeked sentinel, got %d", q.history[0].PermillagePlayed)
	}
}

func TestTickFinishedTrackAdvancesAutomatically(t *testing.T) {
	trackA := trackWithAudio(hashOf(1), "/music/a.mp3", 180_000)
	trackB := trackWithAudio(hashOf(2), "/music/b.mp3", 200_000)
	q := &fakeQueue{items: []*queueitem.Item{trackA, trackB}}
	out := &fakeOutput{}
	p := newTestPlayer(q, out, &fakeHistoryWriter{}, &recordingListener{})

	p.Play()
	out.finished = true
	p.Tick()

	if p.Current() == nil || p.Current().CachedFilename != "/music/b.mp3" {
		t.Fatalf("expected automatic advance to Track(B)")
	}
	if p.State() != Playing {
		t.Fatalf("expected Playing after auto-advance, got %v", p.State())
	}
}

func TestDelayedStartFiresPlayAfterDelay(t *testing.T) {
	q := &fakeQueue{items: []*queueitem.Item{trackWithAudio(hashOf(1), "/music/a.mp3", 1000)}}
	out := &fakeOutput{}
	p := newTestPlayer(q, out, &fakeHistoryWriter{}, &recordingListener{})
	ds := NewDelayedStart(p)
	p.SetDelayedStart(ds)

	if err := ds.Activate(20); err != nil {
		t.Fatalf("unexpected activate error: %v", err)
	}
	if !ds.Active() {
		t.Fatalf("expected delayed start to be armed")
	}

	time.Sleep(150 * time.Millisecond)

	if p.State() != Playing {
		t.Fatalf("expected delayed start to have called Play, got %v", p.State())
	}
	if ds.Active() {
		t.Fatalf("expected delayed start to have self-deactivated")
	}
}

func TestDelayedStartDeactivatedByManualPlay(t *testing.T) {
	q := &fakeQueue{items: []*queueitem.Item{trackWithAudio(hashOf(1), "/music/a.mp3", 1000)}}
	out := &fakeOutput{}
	p := newTestPlayer(q, out, &fakeHistoryWriter{}, &recordingListener{})
	ds := NewDelayedStart(p)
	p.SetDelayedStart(ds)

	if err := ds.Activate(10_000); err != nil {
		t.Fatalf("unexpected activate error: %v", err)
	}
	p.Play()

	if ds.Active() {
		t.Fatalf("expected manual Play to disarm the pending delayed start")
	}
}

func TestDelayedStartActivateTwiceFails(t *testing.T) {
	q := &fakeQueue{}
	out := &fakeOutput{}
	p := newTestPlayer(q, out, &fakeHistoryWriter{}, &recordingListener{})
	ds := NewDelayedStart(p)

	if err := ds.Activate(10_000); err != nil {
		t.Fatalf("unexpected error on first activate: %v", err)
	}
	if err := ds.Activate(10_000); err == nil {
		t.Fatalf("expected second activate to fail with OperationAlreadyRunning")
	}
	ds.Deactivate()
}
