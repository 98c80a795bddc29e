package store

// runMigrations executes all database migrations.
func (s *Store) runMigrations() error {
	migrations := []string{
		// Violations table - one row per emitted infraction
		`CREATE TABLE IF NOT EXISTS violations (
			id TEXT PRIMARY KEY,
			stream_id TEXT NOT NULL,
			generation INTEGER NOT NULL,
			frame_id INTEGER NOT NULL,
			type TEXT NOT NULL,
			severity TEXT NOT NULL,
			message TEXT NOT NULL,
			confidence REAL NOT NULL DEFAULT 0,
			bbox TEXT,
			occurred_at DATETIME NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,

		// ROIs table - monitored zones, points stored as JSON
		`CREATE TABLE IF NOT EXISTS rois (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			type TEXT NOT NULL,
			shape TEXT NOT NULL CHECK(shape IN ('rectangle', 'polygon')),
			points TEXT NOT NULL,
			active INTEGER NOT NULL DEFAULT 1,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,

		// Settings table - stores application settings as key-value pairs
		`CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,

		`CREATE INDEX IF NOT EXISTS idx_violations_stream_id ON violations(stream_id)`,
		`CREATE INDEX IF NOT EXISTS idx_violations_occurred_at ON violations(occurred_at)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil {
			return err
		}
	}

	return nil
}
