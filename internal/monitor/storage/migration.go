package storage

import (
	"crypto/sha256"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/gmackie/control-panel-sub003/internal/logging"
)

// Migration represents a database schema migration. Statements run one at a
// time so drivers without multi-statement support can apply them.
type Migration struct {
	Version     int
	Description string
	Statements  []string
}

// MigrationManager handles database schema migrations
type MigrationManager struct {
	db         *sql.DB
	logger     *logging.Logger
	migrations []Migration
	now        func() time.Time
}

// NewMigrationManager creates a new migration manager
func NewMigrationManager(db *sql.DB, logger *logging.Logger) *MigrationManager {
	return &MigrationManager{
		db:         db,
		logger:     logging.OrNop(logger),
		migrations: GetAllMigrations(),
		now:        time.Now,
	}
}

// GetAllMigrations returns all available migrations in order.
// The SQL sticks to types both SQLite and MySQL accept.
func GetAllMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create events table",
			Statements: []string{
				`CREATE TABLE IF NOT EXISTS events (
					id VARCHAR(36) NOT NULL PRIMARY KEY,
					kind VARCHAR(64) NOT NULL,
					subject VARCHAR(255) NOT NULL DEFAULT '',
					severity VARCHAR(32) NOT NULL DEFAULT '',
					message TEXT,
					payload TEXT,
					created_at BIGINT NOT NULL
				)`,
				`CREATE INDEX idx_events_created_at ON events(created_at)`,
				`CREATE INDEX idx_events_kind ON events(kind)`,
			},
		},
		{
			Version:     2,
			Description: "Index events by subject",
			Statements: []string{
				`CREATE INDEX idx_events_subject ON events(subject, created_at)`,
			},
		},
	}
}

// ApplyMigrations applies all pending migrations
func (mm *MigrationManager) ApplyMigrations() error {
	mm.logger.Debug("Checking for pending migrations")

	if err := mm.ensureMigrationTable(); err != nil {
		return fmt.Errorf("failed to ensure migration table: %w", err)
	}

	applied, err := mm.getAppliedMigrations()
	if err != nil {
		return fmt.Errorf("failed to get applied migrations: %w", err)
	}

	sort.Slice(mm.migrations, func(i, j int) bool {
		return mm.migrations[i].Version < mm.migrations[j].Version
	})

	pending := mm.getPendingMigrations(applied)
	if len(pending) == 0 {
		mm.logger.Debug("No pending migrations")
		return nil
	}

	mm.logger.Info("Applying migrations", "count", len(pending))

	for _, migration := range pending {
		if err := mm.applyMigration(migration); err != nil {
			return fmt.Errorf("failed to apply migration %d: %w", migration.Version, err)
		}
	}

	return nil
}

// GetMigrationStatus returns the status of all migrations
func (mm *MigrationManager) GetMigrationStatus() ([]MigrationStatus, error) {
	applied, err := mm.getAppliedMigrations()
	if err != nil {
		return nil, fmt.Errorf("failed to get applied migrations: %w", err)
	}

	var status []MigrationStatus
	for _, migration := range mm.migrations {
		ms := MigrationStatus{
			Version:     migration.Version,
			Description: migration.Description,
		}
		if info, exists := applied[migration.Version]; exists {
			ms.Applied = true
			appliedAt := info.AppliedAt
			ms.AppliedAt = &appliedAt
			ms.Checksum = info.Checksum
		}
		status = append(status, ms)
	}

	return status, nil
}

// ensureMigrationTable creates the migration tracking table if it doesn't exist
func (mm *MigrationManager) ensureMigrationTable() error {
	_, err := mm.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER NOT NULL PRIMARY KEY,
			description VARCHAR(255),
			applied_at BIGINT NOT NULL,
			checksum VARCHAR(64)
		)
	`)
	return err
}

// getAppliedMigrations returns a map of applied migrations
func (mm *MigrationManager) getAppliedMigrations() (map[int]AppliedMigration, error) {
	rows, err := mm.db.Query(`
		SELECT version, description, applied_at, checksum
		FROM schema_migrations
		ORDER BY version
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[int]AppliedMigration)
	for rows.Next() {
		var am AppliedMigration
		var appliedAtUnix int64
		if err := rows.Scan(&am.Version, &am.Description, &appliedAtUnix, &am.Checksum); err != nil {
			return nil, err
		}
		am.AppliedAt = time.Unix(appliedAtUnix, 0)
		applied[am.Version] = am
	}

	return applied, rows.Err()
}

// getPendingMigrations returns migrations that haven't been applied
func (mm *MigrationManager) getPendingMigrations(applied map[int]AppliedMigration) []Migration {
	var pending []Migration
	for _, migration := range mm.migrations {
		if _, exists := applied[migration.Version]; !exists {
			pending = append(pending, migration)
		}
	}
	return pending
}

// applyMigration applies a single migration. MySQL commits DDL implicitly,
// so the transaction only guarantees atomicity on SQLite.
func (mm *MigrationManager) applyMigration(migration Migration) error {
	mm.logger.Info("Applying migration", "version", migration.Version, "description", migration.Description)

	tx, err := mm.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range migration.Statements {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute migration SQL: %w", err)
		}
	}

	if _, err := tx.Exec(`
		INSERT INTO schema_migrations (version, description, applied_at, checksum)
		VALUES (?, ?, ?, ?)
	`, migration.Version, migration.Description, mm.now().Unix(), checksum(migration)); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}

	return nil
}

func checksum(m Migration) string {
	hash := sha256.Sum256([]byte(strings.TrimSpace(strings.Join(m.Statements, ";\n"))))
	return fmt.Sprintf("%x", hash)
}

// MigrationStatus represents the status of a migration
type MigrationStatus struct {
	Version     int        `json:"version"`
	Description string     `json:"description"`
	Applied     bool       `json:"applied"`
	AppliedAt   *time.Time `json:"applied_at,omitempty"`
	Checksum    string     `json:"checksum,omitempty"`
}

// AppliedMigration represents a migration that has been applied
type AppliedMigration struct {
	Version     int       `json:"version"`
	Description string    `json:"description"`
	AppliedAt   time.Time `json:"applied_at"`
	Checksum    string    `json:"checksum"`
}
