package sqlcachestore

// schemaVersion is the current schema version. On open, every migration with
// a version greater than the highest recorded one is applied in order.
const schemaVersion = 2

// migrations holds one SQL script per schema version, index 0 being version 1.
var migrations = []string{
	// Version 1: the cache table and its indices.
	`
	CREATE TABLE IF NOT EXISTS cached_data (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		cache_key   TEXT UNIQUE NOT NULL,
		data_type   TEXT NOT NULL,
		provider    TEXT NOT NULL,
		subsection  TEXT,
		payload     TEXT NOT NULL,
		cached_at   INTEGER NOT NULL,
		ttl_seconds INTEGER NOT NULL,
		fetch_count INTEGER NOT NULL DEFAULT 0,
		last_error  TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_cached_data_cache_key ON cached_data (cache_key);
	CREATE INDEX IF NOT EXISTS idx_cached_data_data_type ON cached_data (data_type);
	CREATE INDEX IF NOT EXISTS idx_cached_data_provider ON cached_data (provider);
	CREATE INDEX IF NOT EXISTS idx_cached_data_cached_at ON cached_data (cached_at);
	`,
	// Version 2: user preferences, a trivial K/V table alongside the cache.
	`
	CREATE TABLE IF NOT EXISTS preferences (
		name  TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`,
}
