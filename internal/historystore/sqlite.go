package historystore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/arung-agamani/pmpserver/internal/apperror"
	"github.com/arung-agamani/pmpserver/internal/fhash"
)

// SqliteStore is the normal-mode Store, backed by a local sqlite database.
// Pragmas and the initSchema-on-open shape follow llehouerou/waves's
// internal/state/state.go.
type SqliteStore struct {
	db *sql.DB
}

// Open opens (creating if necessary) the sqlite database at path, applies
// the WAL/busy-timeout pragmas, and runs the schema migration.
func Open(path string) (*SqliteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("historystore: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // sqlite + WAL: one writer, serialize through it

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("historystore: pragma %q: %w", p, err)
		}
	}

	s := &SqliteStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SqliteStore) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS hashes (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	byte_length INTEGER NOT NULL,
	sha1        BLOB NOT NULL,
	md5         BLOB NOT NULL,
	UNIQUE(byte_length, sha1, md5)
);

CREATE TABLE IF NOT EXISTS filenames (
	hash_id  INTEGER NOT NULL REFERENCES hashes(id),
	filename TEXT NOT NULL,
	UNIQUE(hash_id, filename)
);

CREATE TABLE IF NOT EXISTS users (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	login         TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS history (
	id                 INTEGER PRIMARY KEY AUTOINCREMENT,
	hash_id            INTEGER NOT NULL REFERENCES hashes(id),
	user_id            INTEGER NOT NULL,
	started_at         INTEGER NOT NULL,
	ended_at           INTEGER NOT NULL,
	permillage_played  INTEGER NOT NULL,
	had_error          INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_history_hash_user ON history(hash_id, user_id);
`
	_, err := s.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("historystore: init schema: %w", err)
	}
	return nil
}

// withTx runs fn inside a transaction, committing on success and rolling
// back on any error. Mirrors waves's internal/db.WithTx helper.
func withTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *SqliteStore) Degraded() bool { return false }

func (s *SqliteStore) RegisterHash(ctx context.Context, h fhash.FileHash) (fhash.Id, error) {
	var id int64
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO hashes (byte_length, sha1, md5) VALUES (?, ?, ?)`,
			h.ByteLength, h.SHA1[:], h.MD5[:])
		if err != nil {
			return err
		}
		return tx.QueryRowContext(ctx,
			`SELECT id FROM hashes WHERE byte_length = ? AND sha1 = ? AND md5 = ?`,
			h.ByteLength, h.SHA1[:], h.MD5[:]).Scan(&id)
	})
	if err != nil {
		return fhash.InvalidId, apperror.New(apperror.DatabaseProblem, err.Error())
	}
	return fhash.Id(id), nil
}

func (s *SqliteStore) GetHashes(ctx context.Context) ([]HashRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, byte_length, sha1, md5 FROM hashes`)
	if err != nil {
		return nil, apperror.New(apperror.DatabaseProblem, err.Error())
	}
	defer rows.Close()

	var out []HashRecord
	for rows.Next() {
		var id int64
		var h fhash.FileHash
		var sha1b, md5b []byte
		if err := rows.Scan(&id, &h.ByteLength, &sha1b, &md5b); err != nil {
			return nil, apperror.New(apperror.DatabaseProblem, err.Error())
		}
		copy(h.SHA1[:], sha1b)
		copy(h.MD5[:], md5b)
		out = append(out, HashRecord{Id: fhash.Id(id), Hash: h})
	}
	return out, rows.Err()
}

func (s *SqliteStore) RegisterFilename(ctx context.Context, id fhash.Id, filename string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO filenames (hash_id, filename) VALUES (?, ?)`, id, filename)
	if err != nil {
		return apperror.New(apperror.DatabaseProblem, err.Error())
	}
	return nil
}

func (s *SqliteStore) GetFilenames(ctx context.Context, id fhash.Id) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT filename FROM filenames WHERE hash_id = ?`, id)
	if err != nil {
		return nil, apperror.New(apperror.DatabaseProblem, err.Error())
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var f string
		if err := rows.Scan(&f); err != nil {
			return nil, apperror.New(apperror.DatabaseProblem, err.Error())
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *SqliteStore) Users(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, login FROM users`)
	if err != nil {
		return nil, apperror.New(apperror.DatabaseProblem, err.Error())
	}
	defer rows.Close()

	var out []User
	for rows.Next() {
		var u User
		var id int64
		if err := rows.Scan(&id, &u.Login); err != nil {
			return nil, apperror.New(apperror.DatabaseProblem, err.Error())
		}
		u.Id = UserId(id)
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *SqliteStore) RegisterNewUser(ctx context.Context, login, passwordHash string) (UserId, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (login, password_hash) VALUES (?, ?)`, login, passwordHash)
	if err != nil {
		return 0, apperror.New(apperror.DatabaseProblem, err.Error())
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, apperror.New(apperror.DatabaseProblem, err.Error())
	}
	return UserId(id), nil
}

func (s *SqliteStore) CheckUserExists(ctx context.Context, login string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users WHERE login = ?`, login).Scan(&count)
	if err != nil {
		return false, apperror.New(apperror.DatabaseProblem, err.Error())
	}
	return count > 0, nil
}

func (s *SqliteStore) GetUserByLogin(ctx context.Context, login string) (User, string, error) {
	var u User
	var id int64
	var hash string
	err := s.db.QueryRowContext(ctx, `SELECT id, login, password_hash FROM users WHERE login = ?`, login).
		Scan(&id, &u.Login, &hash)
	if err == sql.ErrNoRows {
		return User{}, "", apperror.New(apperror.NotLoggedIn, "unknown user")
	}
	if err != nil {
		return User{}, "", apperror.New(apperror.DatabaseProblem, err.Error())
	}
	u.Id = UserId(id)
	return u, hash, nil
}

func (s *SqliteStore) AddToHistory(ctx context.Context, rec HistoryRecord) error {
	had := 0
	if rec.HadError {
		had = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO history (hash_id, user_id, started_at, ended_at, permillage_played, had_error)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.HashId, rec.User, rec.StartedAt.UnixMilli(), rec.EndedAt.UnixMilli(), rec.PermillagePlayed, had)
	if err != nil {
		return apperror.New(apperror.DatabaseProblem, err.Error())
	}
	return nil
}

func (s *SqliteStore) GetHashHistoryStats(ctx context.Context, user UserId, ids []fhash.Id) ([]StatsRow, error) {
	out := make([]StatsRow, len(ids))
	for i, id := range ids {
		out[i].HashId = id

		var lastEnded sql.NullInt64
		err := s.db.QueryRowContext(ctx,
			`SELECT MAX(ended_at) FROM history WHERE hash_id = ? AND user_id = ?`, id, user).
			Scan(&lastEnded)
		if err != nil && err != sql.ErrNoRows {
			return nil, apperror.New(apperror.DatabaseProblem, err.Error())
		}
		if lastEnded.Valid {
			t := time.UnixMilli(lastEnded.Int64)
			out[i].LastHeardAt = &t
		}

		var avgPermillage sql.NullFloat64
		err = s.db.QueryRowContext(ctx,
			`SELECT AVG(permillage_played) FROM history
			 WHERE hash_id = ? AND user_id = ? AND permillage_played >= 0`, id, user).
			Scan(&avgPermillage)
		if err != nil && err != sql.ErrNoRows {
			return nil, apperror.New(apperror.DatabaseProblem, err.Error())
		}
		if avgPermillage.Valid {
			score := int(avgPermillage.Float64)
			out[i].Score = &score
		}
	}
	return out, nil
}

func (s *SqliteStore) LastPlayedGlobally(ctx context.Context, id fhash.Id) (time.Time, error) {
	var lastEnded sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(ended_at) FROM history WHERE hash_id = ?`, id).Scan(&lastEnded)
	if err != nil && err != sql.ErrNoRows {
		return time.Time{}, apperror.New(apperror.DatabaseProblem, err.Error())
	}
	if !lastEnded.Valid {
		return time.Time{}, nil
	}
	return time.UnixMilli(lastEnded.Int64), nil
}

func (s *SqliteStore) Close() error { return s.db.Close() }
