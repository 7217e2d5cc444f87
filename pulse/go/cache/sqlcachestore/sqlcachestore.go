// Package sqlcachestore implements cache.Cache on an embedded SQLite
// database.
//
// The database is opened with a write-ahead journal, synchronous=NORMAL and a
// 10 second busy timeout, and is limited to a single connection so all
// statements are serialized by the store. Old rows are compacted
// opportunistically after every Set; there is no background timer.
package sqlcachestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // Import for registration side-effect.
	"go.pulse.build/go/metrics2"
	"go.pulse.build/go/now"
	"go.pulse.build/go/skerr"
	"go.pulse.build/go/sklog"
	"go.pulse.build/pulse/go/cache"
)

// DefaultCleanupWindow is how old a row's cached_at must be before the
// compactor deletes it.
const DefaultCleanupWindow = 30 * 24 * time.Hour

// statement is an SQL statement identifier.
type statement int

const (
	// The identifiers for all the SQL statements used.
	getRow statement = iota
	deleteRow
	insertRow
	updateLastError
	deleteOlderThan
	getInfo
	countByDataType
	oldestCachedAt
	getPreference
	setPreference
)

// statements holds all the raw SQL statements.
var statements = map[statement]string{
	getRow: `
		SELECT payload, cached_at, ttl_seconds
		FROM cached_data
		WHERE cache_key = ?`,
	deleteRow: `
		DELETE FROM cached_data
		WHERE cache_key = ?`,
	insertRow: `
		INSERT INTO cached_data
			(cache_key, data_type, provider, subsection, payload, cached_at, ttl_seconds, fetch_count)
		VALUES
			(?, ?, ?, ?, ?, ?, ?, 1)`,
	updateLastError: `
		UPDATE cached_data
		SET last_error = ?
		WHERE cache_key = ?`,
	deleteOlderThan: `
		DELETE FROM cached_data
		WHERE cached_at < ?`,
	getInfo: `
		SELECT data_type, provider, cached_at, ttl_seconds, fetch_count, last_error
		FROM cached_data
		WHERE cache_key = ?`,
	countByDataType: `
		SELECT data_type, COUNT(*)
		FROM cached_data
		GROUP BY data_type`,
	oldestCachedAt: `
		SELECT MIN(cached_at)
		FROM cached_data`,
	getPreference: `
		SELECT value
		FROM preferences
		WHERE name = ?`,
	setPreference: `
		INSERT INTO preferences (name, value)
		VALUES (?, ?)
		ON CONFLICT (name) DO UPDATE SET value = excluded.value`,
}

// Store implements cache.Cache.
type Store struct {
	db            *sql.DB
	cleanupWindow time.Duration

	hitCounter     *metrics2.Counter
	missCounter    *metrics2.Counter
	compactCounter *metrics2.Counter
}

// New opens (creating and migrating if necessary) the SQLite database at
// dbPath and returns a Store compacting rows older than cleanupWindow.
func New(ctx context.Context, dbPath string, cleanupWindow time.Duration) (*Store, error) {
	if cleanupWindow <= 0 {
		cleanupWindow = DefaultCleanupWindow
	}
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=10000", dbPath))
	if err != nil {
		return nil, skerr.Wrapf(err, "opening cache database %s", dbPath)
	}
	// One connection per process; all statements serialize through it.
	db.SetMaxOpenConns(1)
	if err := applyMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, skerr.Wrapf(err, "migrating cache database %s", dbPath)
	}
	return &Store{
		db:             db,
		cleanupWindow:  cleanupWindow,
		hitCounter:     metrics2.GetCounter("pulse_cache_hit"),
		missCounter:    metrics2.GetCounter("pulse_cache_miss"),
		compactCounter: metrics2.GetCounter("pulse_cache_compacted_rows"),
	}, nil
}

// applyMigrations brings the schema up to schemaVersion, recording each
// applied version in the schema_version table.
func applyMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
			version    INTEGER PRIMARY KEY,
			applied_at INTEGER NOT NULL
		)`); err != nil {
		return skerr.Wrap(err)
	}
	var current sql.NullInt64
	if err := db.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_version`).Scan(&current); err != nil {
		return skerr.Wrap(err)
	}
	for version := int(current.Int64) + 1; version <= schemaVersion; version++ {
		if _, err := db.ExecContext(ctx, migrations[version-1]); err != nil {
			return skerr.Wrapf(err, "applying schema version %d", version)
		}
		if _, err := db.ExecContext(ctx, `INSERT INTO schema_version (version, applied_at) VALUES (?, ?)`, version, time.Now().Unix()); err != nil {
			return skerr.Wrapf(err, "recording schema version %d", version)
		}
		sklog.Infof("Applied cache schema version %d", version)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return skerr.Wrap(s.db.Close())
}

// Get implements cache.Cache.
func (s *Store) Get(ctx context.Context, key string, acceptStale bool) (json.RawMessage, bool) {
	var payload string
	var cachedAt, ttlSeconds int64
	err := s.db.QueryRowContext(ctx, statements[getRow], key).Scan(&payload, &cachedAt, &ttlSeconds)
	if err == sql.ErrNoRows {
		s.missCounter.Inc(1)
		return nil, false
	}
	if err != nil {
		sklog.Errorf("Failed to read cache row %s: %s", key, err)
		s.missCounter.Inc(1)
		return nil, false
	}
	if !acceptStale && !fresh(now.Now(ctx), cachedAt, ttlSeconds) {
		s.missCounter.Inc(1)
		return nil, false
	}
	if !json.Valid([]byte(payload)) {
		sklog.Errorf("Cache row %s holds an unparseable payload; treating as a miss", key)
		s.missCounter.Inc(1)
		return nil, false
	}
	s.hitCounter.Inc(1)
	return json.RawMessage(payload), true
}

// Set implements cache.Cache.
func (s *Store) Set(ctx context.Context, key string, payload json.RawMessage, ttl time.Duration, dataType cache.DataType, provider string, subsection cache.Subsection) {
	ts := now.Now(ctx)
	if err := s.set(ctx, ts, key, payload, ttl, dataType, provider, subsection); err != nil {
		sklog.Errorf("Failed to write cache row %s: %s", key, err)
		return
	}
	s.compact(ctx, ts)
}

// set replaces the row for key inside a transaction.
func (s *Store) set(ctx context.Context, ts time.Time, key string, payload json.RawMessage, ttl time.Duration, dataType cache.DataType, provider string, subsection cache.Subsection) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return skerr.Wrap(err)
	}
	defer func() {
		_ = tx.Rollback()
	}()
	if _, err := tx.ExecContext(ctx, statements[deleteRow], key); err != nil {
		return skerr.Wrap(err)
	}
	var sub sql.NullString
	if subsection != cache.SubsectionNone {
		sub = sql.NullString{String: string(subsection), Valid: true}
	}
	if _, err := tx.ExecContext(ctx, statements[insertRow], key, string(dataType), provider, sub, string(payload), ts.Unix(), int64(ttl.Seconds())); err != nil {
		return skerr.Wrap(err)
	}
	return skerr.Wrap(tx.Commit())
}

// compact deletes rows whose cached_at is older than the cleanup window.
func (s *Store) compact(ctx context.Context, ts time.Time) {
	cutoff := ts.Add(-s.cleanupWindow).Unix()
	res, err := s.db.ExecContext(ctx, statements[deleteOlderThan], cutoff)
	if err != nil {
		sklog.Errorf("Cache compaction failed: %s", err)
		return
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		sklog.Infof("Cache compaction deleted %d rows", n)
		s.compactCounter.Inc(n)
	}
}

// Invalidate implements cache.Cache.
func (s *Store) Invalidate(ctx context.Context, dataType cache.DataType, provider string) {
	q := `DELETE FROM cached_data`
	args := []interface{}{}
	switch {
	case dataType != "" && provider != "":
		q += ` WHERE data_type = ? AND provider = ?`
		args = append(args, string(dataType), provider)
	case dataType != "":
		q += ` WHERE data_type = ?`
		args = append(args, string(dataType))
	case provider != "":
		q += ` WHERE provider = ?`
		args = append(args, provider)
	}
	if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
		sklog.Errorf("Failed to invalidate cache (data_type=%q provider=%q): %s", dataType, provider, err)
	}
}

// IsFresh implements cache.Cache.
func (s *Store) IsFresh(ctx context.Context, key string) bool {
	var payload string
	var cachedAt, ttlSeconds int64
	err := s.db.QueryRowContext(ctx, statements[getRow], key).Scan(&payload, &cachedAt, &ttlSeconds)
	if err == sql.ErrNoRows {
		return false
	}
	if err != nil {
		sklog.Errorf("Failed to check freshness of cache row %s: %s", key, err)
		return false
	}
	return fresh(now.Now(ctx), cachedAt, ttlSeconds)
}

// RecordError implements cache.Cache.
func (s *Store) RecordError(ctx context.Context, key string, errMsg string) {
	if _, err := s.db.ExecContext(ctx, statements[updateLastError], errMsg, key); err != nil {
		sklog.Errorf("Failed to record error on cache row %s: %s", key, err)
	}
}

// GetInfo implements cache.Cache.
func (s *Store) GetInfo(ctx context.Context, key string) (cache.Info, bool) {
	var dataType, provider string
	var cachedAt, ttlSeconds, fetchCount int64
	var lastError sql.NullString
	err := s.db.QueryRowContext(ctx, statements[getInfo], key).Scan(&dataType, &provider, &cachedAt, &ttlSeconds, &fetchCount, &lastError)
	if err == sql.ErrNoRows {
		return cache.Info{}, false
	}
	if err != nil {
		sklog.Errorf("Failed to read cache info for %s: %s", key, err)
		return cache.Info{}, false
	}
	cached := time.Unix(cachedAt, 0).UTC()
	ttl := time.Duration(ttlSeconds) * time.Second
	return cache.Info{
		DataType:   cache.DataType(dataType),
		Provider:   provider,
		CachedAt:   cached,
		TTL:        ttl,
		ExpiresAt:  cached.Add(ttl),
		IsValid:    fresh(now.Now(ctx), cachedAt, ttlSeconds),
		FetchCount: int(fetchCount),
		LastError:  lastError.String,
	}, true
}

// GetStats implements cache.Cache.
func (s *Store) GetStats(ctx context.Context) cache.Stats {
	ret := cache.Stats{
		Rows: map[cache.DataType]int{},
	}
	rows, err := s.db.QueryContext(ctx, statements[countByDataType])
	if err != nil {
		sklog.Errorf("Failed to read cache stats: %s", err)
		return ret
	}
	defer func() {
		_ = rows.Close()
	}()
	for rows.Next() {
		var dataType string
		var count int
		if err := rows.Scan(&dataType, &count); err != nil {
			sklog.Errorf("Failed to scan cache stats row: %s", err)
			continue
		}
		ret.Rows[cache.DataType(dataType)] = count
	}
	var oldest sql.NullInt64
	if err := s.db.QueryRowContext(ctx, statements[oldestCachedAt]).Scan(&oldest); err == nil && oldest.Valid {
		ret.OldestCachedAt = time.Unix(oldest.Int64, 0).UTC()
	}
	return ret
}

// GetPreference returns the stored value for name, or ok=false if unset.
// Preferences are not cache rows; failures are returned to the caller.
func (s *Store) GetPreference(ctx context.Context, name string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, statements[getPreference], name).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, skerr.Wrapf(err, "reading preference %q", name)
	}
	return value, true, nil
}

// SetPreference stores value under name, replacing any prior value.
func (s *Store) SetPreference(ctx context.Context, name, value string) error {
	if _, err := s.db.ExecContext(ctx, statements[setPreference], name, value); err != nil {
		return skerr.Wrapf(err, "writing preference %q", name)
	}
	return nil
}

// fresh returns true if a row written at cachedAt with the given TTL is still
// within its TTL at ts.
func fresh(ts time.Time, cachedAt, ttlSeconds int64) bool {
	return ts.Unix() < cachedAt+ttlSeconds
}

// Assert that Store implements cache.Cache.
var _ cache.Cache = (*Store)(nil)
