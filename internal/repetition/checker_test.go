package repetition

import (
	"context"
	"testing"
	"time"

	"github.com/arung-agamani/pmpserver/internal/fhash"
	"github.com/arung-agamani/pmpserver/internal/historystore"
)

type fakeScanner struct {
	found    bool
	counted  int64
}

func (f fakeScanner) ScanBackward(hash fhash.FileHash, windowMs, extraMarginMs int64) (bool, int64) {
	return f.found, f.counted
}

type fakeNowPlaying struct {
	hash fhash.FileHash
	ok   bool
}

func (f fakeNowPlaying) NowPlayingHash() (fhash.FileHash, bool) { return f.hash, f.ok }

func hashOf(n byte) fhash.FileHash {
	var h fhash.FileHash
	h.SHA1[0] = n
	h.ByteLength = int64(n)
	return h
}

// S4: queue-internal scan finds the hash inside the window -> repetition.
func TestIsRepetitionWhenQueuedQueueHit(t *testing.T) {
	x := hashOf('X')
	reg := fhash.NewRegistry()
	reg.Register(x)

	checker := New(
		fakeScanner{found: true, counted: 120_000},
		fakeNowPlaying{},
		historystore.NewCache(),
		reg,
	)

	if !checker.IsRepetitionWhenQueued(x, 3600, 0, 0, time.Now()) {
		t.Fatalf("expected repetition when the queue scan finds the hash")
	}
}

// S4: queue-internal duration falls below the threshold and history is
// empty (not merely unloaded) for the hash -> no repetition.
func TestIsRepetitionWhenQueuedFallsThroughToEmptyHistory(t *testing.T) {
	w := hashOf('W')
	reg := fhash.NewRegistry()
	id := reg.Register(w)

	cache := historystore.NewCache()
	// Simulate a completed refresh that found nothing: present in the cache,
	// zero time (never played), not "pending".
	storeStub := &stubStore{lastPlayed: map[fhash.Id]time.Time{id: {}}, stats: map[fhash.Id]historystore.StatsRow{
		id: {HashId: id},
	}}
	ctx := context.Background()
	if err := cache.RefreshGlobal(ctx, storeStub, []fhash.Id{id}); err != nil {
		t.Fatalf("RefreshGlobal: %v", err)
	}
	if err := cache.Refresh(ctx, storeStub, 0, []fhash.Id{id}); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	checker := New(
		fakeScanner{found: false, counted: 300_000},
		fakeNowPlaying{},
		cache,
		reg,
	)

	if checker.IsRepetitionWhenQueued(w, 3600, 0, 0, time.Now()) {
		t.Fatalf("expected no repetition with empty (loaded) history")
	}
}

// Property 4: now-playing hash always reports repetition, regardless of
// queue scan outcome.
func TestIsRepetitionWhenQueuedAlwaysTrueForNowPlaying(t *testing.T) {
	z := hashOf('Z')
	reg := fhash.NewRegistry()
	reg.Register(z)

	checker := New(
		fakeScanner{found: false, counted: 0},
		fakeNowPlaying{hash: z, ok: true},
		historystore.NewCache(),
		reg,
	)

	if !checker.IsRepetitionWhenQueued(z, 3600, 0, 0, time.Now()) {
		t.Fatalf("expected repetition for the now-playing hash")
	}
}

func TestIsRepetitionWhenQueuedPendingStatsRefuses(t *testing.T) {
	a := hashOf('A')
	reg := fhash.NewRegistry()
	reg.Register(a)

	checker := New(
		fakeScanner{found: false, counted: 0},
		fakeNowPlaying{},
		historystore.NewCache(), // nothing cached: everything "pending"
		reg,
	)

	if !checker.IsRepetitionWhenQueued(a, 3600, 0, 0, time.Now()) {
		t.Fatalf("expected refuse-on-uncertainty for pending history")
	}
}

func TestIsRepetitionWhenQueuedNegativeWindowDisabled(t *testing.T) {
	b := hashOf('B')
	reg := fhash.NewRegistry()
	reg.Register(b)

	checker := New(fakeScanner{}, fakeNowPlaying{}, historystore.NewCache(), reg)
	if checker.IsRepetitionWhenQueued(b, -1, 0, 0, time.Now()) {
		t.Fatalf("expected negative noRepetitionSeconds to disable the check")
	}
}

// stubStore implements just enough of historystore.Store for Cache.Refresh /
// RefreshGlobal in these tests.
type stubStore struct {
	historystore.Store
	lastPlayed map[fhash.Id]time.Time
	stats      map[fhash.Id]historystore.StatsRow
}

func (s *stubStore) LastPlayedGlobally(_ context.Context, id fhash.Id) (time.Time, error) {
	return s.lastPlayed[id], nil
}

func (s *stubStore) GetHashHistoryStats(_ context.Context, _ historystore.UserId, ids []fhash.Id) ([]historystore.StatsRow, error) {
	rows := make([]historystore.StatsRow, len(ids))
	for i, id := range ids {
		rows[i] = s.stats[id]
	}
	return rows, nil
}
