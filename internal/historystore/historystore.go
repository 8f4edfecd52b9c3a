// Package historystore defines the §6.2 persistence contract the core
// consumes (hash/filename registries, user accounts, play history, and
// per-user statistics) plus two implementations: a sqlite-backed Store for
// normal operation, and a DegradedStore used when Database/* configuration is
// absent (§6.4) that keeps hash/filename registrations in memory, returns no
// history, stats or users, and fails user registration and login lookup with
// DatabaseProblem.
//
// The sqlite wiring follows llehouerou/waves's internal/state/state.go: the
// same pure-Go modernc.org/sqlite driver, the same WAL/busy-timeout pragmas,
// and the same initSchema-on-open shape.
package historystore

import (
	"context"
	"time"

	"github.com/arung-agamani/pmpserver/internal/fhash"
)

// UserId identifies a registered user. 0 means "no user" (public mode, §3).
type UserId uint32

// UserStats is the lazily-fetched, per-(hash,user) history summary described
// in §3. A nil pointer field means the store holds no value for it (no
// recorded play, or no score). Whether the stats have been fetched at all is
// tracked separately: Cache.Get's ok result and Candidate.StatsLoaded.
type UserStats struct {
	LastHeardAt *time.Time
	// Score is a permillage in [0,1000].
	Score *int
}

// Loaded reports whether stats have actually been fetched (as opposed to
// still being in flight).
func (s *UserStats) Loaded() bool { return s != nil }

// HistoryRecord is one row written to history on every track transition.
type HistoryRecord struct {
	HashId          fhash.Id
	User            UserId
	StartedAt       time.Time
	EndedAt         time.Time
	PermillagePlayed int // see sentinels below
	HadError        bool
}

// Sentinel values for PermillagePlayed, distinguishing "seeked" and "no
// length known" from an honest 0.
const (
	PermillageSeeked    = -1
	PermillageNoTrack   = -2
	PermillageNoLength  = -3
)

// HashRecord pairs a registered HashId with its FileHash, as returned by
// GetHashes.
type HashRecord struct {
	Id   fhash.Id
	Hash fhash.FileHash
}

// StatsRow is one row of a GetHashHistoryStats response.
type StatsRow struct {
	HashId      fhash.Id
	LastHeardAt *time.Time
	Score       *int
}

// User is a registered account.
type User struct {
	Id    UserId
	Login string
}

// Store is the contract §6.2 describes. All methods may be slow or fail;
// callers on the control loop must never call these synchronously — see
// §5's worker-pool suspension points.
type Store interface {
	RegisterHash(ctx context.Context, h fhash.FileHash) (fhash.Id, error)
	GetHashes(ctx context.Context) ([]HashRecord, error)

	RegisterFilename(ctx context.Context, id fhash.Id, filename string) error
	GetFilenames(ctx context.Context, id fhash.Id) ([]string, error)

	Users(ctx context.Context) ([]User, error)
	RegisterNewUser(ctx context.Context, login string, passwordHash string) (UserId, error)
	CheckUserExists(ctx context.Context, login string) (bool, error)
	GetUserByLogin(ctx context.Context, login string) (User, string, error) // returns user + password hash

	AddToHistory(ctx context.Context, rec HistoryRecord) error
	GetHashHistoryStats(ctx context.Context, user UserId, ids []fhash.Id) ([]StatsRow, error)

	// LastPlayedGlobally returns the most recent EndedAt across all users for
	// the given hash, or the zero time if never played.
	LastPlayedGlobally(ctx context.Context, id fhash.Id) (time.Time, error)

	// Degraded reports whether this Store is operating without a real
	// backing database (§6.4). The server's health status reports it; the
	// generator and repetition checker do not consult it.
	Degraded() bool

	Close() error
}
