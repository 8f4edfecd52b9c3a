package historystore

import (
	"context"
	"sync"
	"time"

	"github.com/arung-agamani/pmpserver/internal/apperror"
	"github.com/arung-agamani/pmpserver/internal/fhash"
)

// DegradedStore is used when the server starts without Database/* config
// (§6.4). It never touches disk: hash/filename registration is kept in
// memory for the life of the process (so the rest of the core still works),
// but history, stats, and user accounts always report "nothing here yet":
// registering a user or looking one up by login fails with DatabaseProblem,
// and history writes are accepted and discarded.
type DegradedStore struct {
	mu       sync.Mutex
	hashes   map[fhash.FileHash]fhash.Id
	byId     map[fhash.Id]fhash.FileHash
	nextId   fhash.Id
	filenames map[fhash.Id][]string
}

// NewDegradedStore creates a DegradedStore with an empty in-memory registry.
func NewDegradedStore() *DegradedStore {
	return &DegradedStore{
		hashes:    make(map[fhash.FileHash]fhash.Id),
		byId:      make(map[fhash.Id]fhash.FileHash),
		filenames: make(map[fhash.Id][]string),
		nextId:    1,
	}
}

func (d *DegradedStore) Degraded() bool { return true }

func (d *DegradedStore) RegisterHash(_ context.Context, h fhash.FileHash) (fhash.Id, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if id, ok := d.hashes[h]; ok {
		return id, nil
	}
	id := d.nextId
	d.nextId++
	d.hashes[h] = id
	d.byId[id] = h
	return id, nil
}

func (d *DegradedStore) GetHashes(_ context.Context) ([]HashRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]HashRecord, 0, len(d.byId))
	for id, h := range d.byId {
		out = append(out, HashRecord{Id: id, Hash: h})
	}
	return out, nil
}

func (d *DegradedStore) RegisterFilename(_ context.Context, id fhash.Id, filename string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, f := range d.filenames[id] {
		if f == filename {
			return nil
		}
	}
	d.filenames[id] = append(d.filenames[id], filename)
	return nil
}

func (d *DegradedStore) GetFilenames(_ context.Context, id fhash.Id) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.filenames[id]...), nil
}

func (d *DegradedStore) Users(context.Context) ([]User, error) { return nil, nil }

func (d *DegradedStore) RegisterNewUser(context.Context, string, string) (UserId, error) {
	return 0, apperror.New(apperror.DatabaseProblem, "no user database in degraded mode")
}

func (d *DegradedStore) CheckUserExists(context.Context, string) (bool, error) {
	return false, nil
}

func (d *DegradedStore) GetUserByLogin(context.Context, string) (User, string, error) {
	return User{}, "", apperror.New(apperror.DatabaseProblem, "no user database in degraded mode")
}

func (d *DegradedStore) AddToHistory(context.Context, HistoryRecord) error {
	// History is best-effort; swallow it rather than disturb playback.
	return nil
}

func (d *DegradedStore) GetHashHistoryStats(_ context.Context, _ UserId, ids []fhash.Id) ([]StatsRow, error) {
	rows := make([]StatsRow, len(ids))
	for i, id := range ids {
		rows[i] = StatsRow{HashId: id} // LastHeardAt, Score left nil: "pending" forever
	}
	return rows, nil
}

func (d *DegradedStore) LastPlayedGlobally(context.Context, fhash.Id) (time.Time, error) {
	return time.Time{}, nil
}

func (d *DegradedStore) Close() error { return nil }
