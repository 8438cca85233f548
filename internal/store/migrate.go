package store

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"sort"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations
var migrationsFS embed.FS

// DevMode makes Migrations read SQL files from the working tree
// instead of the embedded copy, so schema edits don't need a rebuild.
var DevMode = false

// Migrations returns the migration source for this build.
func Migrations() (fs.FS, error) {
	if DevMode {
		return os.DirFS("internal/store/migrations"), nil
	}
	fsys, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("embedded migrations: %w", err)
	}
	return fsys, nil
}

type migrateLogger struct{}

func (migrateLogger) Printf(format string, v ...interface{}) {
	log.Printf("[migrate] "+format, v...)
}

func (migrateLogger) Verbose() bool { return false }

// newMigrator builds a migrator over the store's own connection. The
// caller must not Close the returned migrator: that would close the
// *sql.DB the store keeps using.
func (s *Store) newMigrator(fsys fs.FS) (*migrate.Migrate, error) {
	src, err := iofs.New(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("load migration source: %w", err)
	}
	driver, err := sqlite.WithInstance(s.DB, &sqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("prepare migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("create migrator: %w", err)
	}
	m.Log = migrateLogger{}
	return m, nil
}

// MigrateUp applies all pending migrations.
func (s *Store) MigrateUp(fsys fs.FS) error {
	m, err := s.newMigrator(fsys)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// MigrateDown rolls back the most recent migration.
func (s *Store) MigrateDown(fsys fs.FS) error {
	m, err := s.newMigrator(fsys)
	if err != nil {
		return err
	}
	if err := m.Steps(-1); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("roll back migration: %w", err)
	}
	return nil
}

// MigrateTo migrates up or down to exactly the given version.
func (s *Store) MigrateTo(fsys fs.FS, version uint) error {
	m, err := s.newMigrator(fsys)
	if err != nil {
		return err
	}
	if err := m.Migrate(version); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate to version %d: %w", version, err)
	}
	return nil
}

// MigrateVersion reports the current schema version. A fresh database
// with no applied migrations reports version 0.
func (s *Store) MigrateVersion(fsys fs.FS) (uint, bool, error) {
	m, err := s.newMigrator(fsys)
	if err != nil {
		return 0, false, err
	}
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read migration version: %w", err)
	}
	return version, dirty, nil
}

// MigrateForce overwrites the recorded version without running any
// SQL. Recovery tool for a dirty migration state.
func (s *Store) MigrateForce(fsys fs.FS, version int) error {
	m, err := s.newMigrator(fsys)
	if err != nil {
		return err
	}
	if err := m.Force(version); err != nil {
		return fmt.Errorf("force version %d: %w", version, err)
	}
	return nil
}

// BaselineAtVersion marks a database created before migration tracking
// as already being at the given version. No migration SQL runs; the
// schema is assumed to match. Writes the bookkeeping table directly so
// it works without a migration source.
func (s *Store) BaselineAtVersion(version uint) error {
	exists, err := s.hasMigrationsTable()
	if err != nil {
		return err
	}
	if exists {
		var current uint
		var dirty bool
		err := s.QueryRow(`SELECT version, dirty FROM schema_migrations LIMIT 1`).Scan(&current, &dirty)
		if err == nil {
			return fmt.Errorf("database already tracks migrations (version %d)", current)
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("read schema_migrations: %w", err)
		}
	}

	tx, err := s.Begin()
	if err != nil {
		return fmt.Errorf("begin baseline: %w", err)
	}
	defer tx.Rollback()

	// Same shape golang-migrate's sqlite driver creates.
	if _, err := tx.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (version uint64, dirty bool)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM schema_migrations`); err != nil {
		return fmt.Errorf("reset schema_migrations: %w", err)
	}
	if _, err := tx.Exec(`INSERT INTO schema_migrations (version, dirty) VALUES (?, false)`, version); err != nil {
		return fmt.Errorf("record baseline version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit baseline: %w", err)
	}
	log.Printf("[migrate] baselined database at version %d", version)
	return nil
}

func (s *Store) hasMigrationsTable() (bool, error) {
	var exists bool
	err := s.QueryRow(`
		SELECT COUNT(*) > 0
		FROM sqlite_master
		WHERE type='table' AND name='schema_migrations'
	`).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check schema_migrations: %w", err)
	}
	return exists, nil
}

// MigrationStatus describes one migration and whether this database
// has applied it.
type MigrationStatus struct {
	Version uint
	Name    string
	Applied bool
}

// GetMigrationStatus lists every known migration with its applied
// state, plus whether the database is dirty from a failed migration.
func (s *Store) GetMigrationStatus(fsys fs.FS) ([]MigrationStatus, bool, error) {
	current, dirty, err := s.MigrateVersion(fsys)
	if err != nil {
		return nil, false, err
	}
	names, err := migrationNames(fsys)
	if err != nil {
		return nil, false, err
	}
	versions := sortedVersions(names)

	statuses := make([]MigrationStatus, 0, len(versions))
	for _, v := range versions {
		statuses = append(statuses, MigrationStatus{
			Version: v,
			Name:    names[v],
			Applied: current > 0 && v <= current,
		})
	}
	return statuses, dirty, nil
}

// GetLatestMigrationVersion reports the highest version the source
// knows about.
func GetLatestMigrationVersion(fsys fs.FS) (uint, error) {
	names, err := migrationNames(fsys)
	if err != nil {
		return 0, err
	}
	if len(names) == 0 {
		return 0, errors.New("no migrations found")
	}
	var latest uint
	for v := range names {
		if v > latest {
			latest = v
		}
	}
	return latest, nil
}

// migrationNames maps version number to migration name, parsed from
// the *.up.sql files in the source.
func migrationNames(fsys fs.FS) (map[uint]string, error) {
	matches, err := fs.Glob(fsys, "*.up.sql")
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	names := make(map[uint]string, len(matches))
	for _, match := range matches {
		var version uint
		if _, err := fmt.Sscanf(match, "%d_", &version); err != nil {
			return nil, fmt.Errorf("bad migration filename %q: %w", match, err)
		}
		name := match
		if idx := strings.Index(name, "_"); idx >= 0 {
			name = name[idx+1:]
		}
		names[version] = strings.TrimSuffix(name, ".up.sql")
	}
	return names, nil
}

func sortedVersions(names map[uint]string) []uint {
	versions := make([]uint, 0, len(names))
	for v := range names {
		versions = append(versions, v)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })
	return versions
}

// DetectSchemaVersion compares the live schema against the schema each
// migration version produces and reports the closest match: the
// version, a 0-100 similarity score, and the differences against that
// version. A score of 100 means the database can safely be baselined
// at the reported version.
func (s *Store) DetectSchemaVersion(fsys fs.FS) (uint, int, []string, error) {
	live, err := schemaObjects(s.DB)
	if err != nil {
		return 0, 0, nil, err
	}
	names, err := migrationNames(fsys)
	if err != nil {
		return 0, 0, nil, err
	}

	var (
		bestVersion uint
		bestScore   = -1
		bestDiffs   []string
	)
	// Ascending order so equal scores resolve to the newest version.
	for _, v := range sortedVersions(names) {
		want, err := objectsAtVersion(fsys, v)
		if err != nil {
			return 0, 0, nil, err
		}
		score, diffs := compareSchemas(want, live)
		if score >= bestScore {
			bestVersion, bestScore, bestDiffs = v, score, diffs
		}
	}
	if bestScore < 0 {
		return 0, 0, nil, errors.New("no migrations found")
	}
	return bestVersion, bestScore, bestDiffs, nil
}

// objectsAtVersion migrates a scratch in-memory database to the given
// version and captures its schema objects.
func objectsAtVersion(fsys fs.FS, version uint) (map[string]string, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("open scratch database: %w", err)
	}
	defer db.Close()

	scratch := &Store{DB: db, path: ":memory:"}
	if err := scratch.MigrateTo(fsys, version); err != nil {
		return nil, err
	}
	return schemaObjects(db)
}

// schemaObjects maps "type name" to normalized DDL for every
// user-visible object, excluding SQLite internals and the migration
// bookkeeping table.
func schemaObjects(db *sql.DB) (map[string]string, error) {
	rows, err := db.Query(`
		SELECT type, name, COALESCE(sql, '')
		FROM sqlite_master
		WHERE name NOT LIKE 'sqlite_%' AND name != 'schema_migrations'`)
	if err != nil {
		return nil, fmt.Errorf("read schema: %w", err)
	}
	defer rows.Close()

	objects := make(map[string]string)
	for rows.Next() {
		var typ, name, ddl string
		if err := rows.Scan(&typ, &name, &ddl); err != nil {
			return nil, fmt.Errorf("scan schema row: %w", err)
		}
		objects[typ+" "+name] = strings.Join(strings.Fields(ddl), " ")
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read schema: %w", err)
	}
	return objects, nil
}

// compareSchemas scores how closely got matches want (0-100) and
// lists the differences.
func compareSchemas(want, got map[string]string) (int, []string) {
	var diffs []string
	total, matched := 0, 0
	for key, ddl := range want {
		total++
		gotDDL, ok := got[key]
		switch {
		case !ok:
			diffs = append(diffs, "missing "+key)
		case gotDDL != ddl:
			diffs = append(diffs, "definition differs for "+key)
		default:
			matched++
		}
	}
	for key := range got {
		if _, ok := want[key]; !ok {
			total++
			diffs = append(diffs, "unexpected "+key)
		}
	}
	if total == 0 {
		return 100, nil
	}
	sort.Strings(diffs)
	return matched * 100 / total, diffs
}
