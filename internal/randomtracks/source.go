// Package randomtracks implements RandomTracksSource (§4.1): a shuffled
// reservoir of every known library hash, handed out as borrowed Candidates
// and returned used or unused. Run(ctx, interval) drives the notification
// Tick from a time.Ticker and exits silently once cancelled, per §5's
// cancellation model.
package randomtracks

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/arung-agamani/pmpserver/internal/fhash"
)

// State is the lifecycle of one hash inside the reservoir.
type State int

const (
	Unknown State = iota
	Unused
	Taken
	Used
)

func (s State) String() string {
	switch s {
	case Unused:
		return "Unused"
	case Taken:
		return "Taken"
	case Used:
		return "Used"
	default:
		return "Unknown"
	}
}

// Notification batching constants, per §4.1.
const (
	UpcomingNotifyTargetCount = 250
	UpcomingNotifyBatchCount  = 10
)

// Listener receives best-effort "this hash will likely be drawn soon"
// prefetch hints so callers can warm their per-user stats cache before a
// track is actually picked.
type Listener func(hash fhash.FileHash)

// Source is a shuffled reservoir of every known FileHash in the library.
// Safe for concurrent use.
type Source struct {
	mu sync.Mutex

	state map[fhash.FileHash]State
	// unused holds hashes available to be drawn; takeTrack pops the back.
	unused []fhash.FileHash
	used   []fhash.FileHash

	// notifiedCount tracks how many hashes at the back of unused (the next
	// to be drawn) have already been announced via listeners this "round" (reset by resetNotifications).
	notifiedCount int

	listeners []Listener
}

// NewSource creates an empty reservoir.
func NewSource() *Source {
	return &Source{state: make(map[fhash.FileHash]State)}
}

// AddListener registers a callback invoked with each upcoming-track
// notification. Safe to call concurrently with Tick; a listener added
// during a Tick is first called on the next one.
func (s *Source) AddListener(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// Seed registers the full initial set of known hashes as Unused, in a
// caller-shuffled order (callers typically pass them already shuffled; Seed
// additionally shuffles to avoid depending on caller discipline).
func (s *Source) Seed(hashes []fhash.FileHash) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unused = append(s.unused, hashes...)
	for _, h := range hashes {
		s.state[h] = Unused
	}
	rand.Shuffle(len(s.unused), func(i, j int) {
		s.unused[i], s.unused[j] = s.unused[j], s.unused[i]
	})
}

// TakeTrack pops the back of the unused vector and marks it Taken. If the
// unused vector is empty, every Used hash is first promoted back to Unused
// and reshuffled before retrying. Returns false only if the whole reservoir
// is empty.
func (s *Source) TakeTrack() (fhash.FileHash, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.unused) == 0 {
		if len(s.used) == 0 {
			return fhash.FileHash{}, false
		}
		s.unused = append(s.unused, s.used...)
		for _, h := range s.used {
			s.state[h] = Unused
		}
		s.used = s.used[:0]
		rand.Shuffle(len(s.unused), func(i, j int) {
			s.unused[i], s.unused[j] = s.unused[j], s.unused[i]
		})
	}

	n := len(s.unused)
	h := s.unused[n-1]
	s.unused = s.unused[:n-1]
	s.state[h] = Taken
	if s.notifiedCount > n-1 {
		s.notifiedCount = n - 1
	}
	return h, true
}

// PutBackUsed returns a Taken hash as "used": it will not reappear until the
// reservoir exhausts and promotes Used back to Unused.
func (s *Source) PutBackUsed(hash fhash.FileHash) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state[hash] != Taken {
		return
	}
	s.state[hash] = Used
	s.used = append(s.used, hash)
}

// PutBackUnused returns a Taken hash as "unused": it rejoins the shuffled
// vector and may be drawn again immediately.
func (s *Source) PutBackUnused(hash fhash.FileHash) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state[hash] != Taken {
		return
	}
	s.state[hash] = Unused
	s.unused = append(s.unused, hash)
}

// HashBecameAvailable is called by the library layer when a new hash
// appears. Unknown hashes are inserted at a uniformly random position in the
// unused vector (append, then swap with a random index — preserves
// randomness since the vector is already shuffled).
func (s *Source) HashBecameAvailable(hash fhash.FileHash) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state[hash] != Unknown {
		return
	}
	s.unused = append(s.unused, hash)
	s.state[hash] = Unused
	n := len(s.unused)
	j := rand.IntN(n)
	s.unused[n-1], s.unused[j] = s.unused[j], s.unused[n-1]
}

// ResetNotifications clears the "already notified" count, so the next Tick
// calls re-announces the reservoir's current front.
func (s *Source) ResetNotifications() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifiedCount = 0
}

// Count returns the total number of distinct hashes known to the reservoir,
// across every state.
func (s *Source) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.state)
}

// Tick announces up to UpcomingNotifyBatchCount additional unused hashes
// (counting from the back of unused, i.e. the hashes that will be drawn
// soonest) to registered listeners, up to a running total of
// UpcomingNotifyTargetCount since the last ResetNotifications. Intended to
// be called by the owning component's own timer loop, per §5's single
// control-loop model.
func (s *Source) Tick() {
	s.mu.Lock()
	if s.notifiedCount >= UpcomingNotifyTargetCount || s.notifiedCount >= len(s.unused) {
		s.mu.Unlock()
		return
	}

	end := s.notifiedCount + UpcomingNotifyBatchCount
	if end > UpcomingNotifyTargetCount {
		end = UpcomingNotifyTargetCount
	}
	if end > len(s.unused) {
		end = len(s.unused)
	}
	// unused's back is drawn first, so the "soonest" hashes are at the end.
	n := len(s.unused)
	batch := make([]fhash.FileHash, 0, end-s.notifiedCount)
	for i := s.notifiedCount; i < end; i++ {
		batch = append(batch, s.unused[n-1-i])
	}
	s.notifiedCount = end
	listeners := append([]Listener(nil), s.listeners...)
	s.mu.Unlock()

	for _, h := range batch {
		for _, l := range listeners {
			l(h)
		}
	}
}

// Run drives Tick on interval until ctx is cancelled.
func (s *Source) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick()
		}
	}
}
