package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrateUpReachesLatest(t *testing.T) {
	s := newTestStore(t)

	fsys, err := Migrations()
	require.NoError(t, err)

	latest, err := GetLatestMigrationVersion(fsys)
	require.NoError(t, err)
	require.GreaterOrEqual(t, latest, uint(2))

	version, dirty, err := s.MigrateVersion(fsys)
	require.NoError(t, err)
	assert.Equal(t, latest, version)
	assert.False(t, dirty)

	// Applying again is a no-op, not an error.
	require.NoError(t, s.MigrateUp(fsys))
}

func TestMigrateDownStepsBackOne(t *testing.T) {
	s := newTestStore(t)

	fsys, err := Migrations()
	require.NoError(t, err)

	before, _, err := s.MigrateVersion(fsys)
	require.NoError(t, err)

	require.NoError(t, s.MigrateDown(fsys))

	after, _, err := s.MigrateVersion(fsys)
	require.NoError(t, err)
	assert.Equal(t, before-1, after)

	// The visit-times column arrived in version 2 and must be gone now.
	var n int
	err = s.QueryRow(`SELECT COUNT(*) FROM pragma_table_info('waypoints') WHERE name='visited_at'`).Scan(&n)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestMigrateToSpecificVersion(t *testing.T) {
	s := newTestStore(t)

	fsys, err := Migrations()
	require.NoError(t, err)

	require.NoError(t, s.MigrateTo(fsys, 1))
	version, _, err := s.MigrateVersion(fsys)
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)

	require.NoError(t, s.MigrateTo(fsys, 2))
	version, _, err = s.MigrateVersion(fsys)
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)
}

func TestGetMigrationStatus(t *testing.T) {
	s := newTestStore(t)

	fsys, err := Migrations()
	require.NoError(t, err)

	statuses, dirty, err := s.GetMigrationStatus(fsys)
	require.NoError(t, err)
	assert.False(t, dirty)
	require.GreaterOrEqual(t, len(statuses), 2)

	assert.Equal(t, uint(1), statuses[0].Version)
	assert.Equal(t, "init", statuses[0].Name)
	for _, status := range statuses {
		assert.True(t, status.Applied, "migration %d should be applied", status.Version)
	}

	// Roll one back; the last migration should report unapplied.
	require.NoError(t, s.MigrateDown(fsys))
	statuses, _, err = s.GetMigrationStatus(fsys)
	require.NoError(t, err)
	assert.False(t, statuses[len(statuses)-1].Applied)
	assert.True(t, statuses[0].Applied)
}

func TestBaselineAtVersion(t *testing.T) {
	t.Run("fresh database", func(t *testing.T) {
		s, err := Open(t.TempDir() + "/legacy.db")
		require.NoError(t, err)
		defer s.Close()

		require.NoError(t, s.BaselineAtVersion(2))

		fsys, err := Migrations()
		require.NoError(t, err)
		version, dirty, err := s.MigrateVersion(fsys)
		require.NoError(t, err)
		assert.Equal(t, uint(2), version)
		assert.False(t, dirty)
	})

	t.Run("already tracked", func(t *testing.T) {
		s := newTestStore(t)
		err := s.BaselineAtVersion(1)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "already tracks migrations")
	})
}

func TestDetectSchemaVersion(t *testing.T) {
	t.Run("legacy database at latest schema", func(t *testing.T) {
		s := newTestStore(t)

		// Simulate a database built before migration tracking.
		_, err := s.Exec(`DROP TABLE schema_migrations`)
		require.NoError(t, err)

		fsys, err := Migrations()
		require.NoError(t, err)

		version, score, diffs, err := s.DetectSchemaVersion(fsys)
		require.NoError(t, err)

		latest, err := GetLatestMigrationVersion(fsys)
		require.NoError(t, err)
		assert.Equal(t, latest, version)
		assert.Equal(t, 100, score)
		assert.Empty(t, diffs)
	})

	t.Run("partial schema scores below 100", func(t *testing.T) {
		s := newTestStore(t)
		_, err := s.Exec(`DROP TABLE schema_migrations`)
		require.NoError(t, err)
		_, err = s.Exec(`DROP TABLE waypoints`)
		require.NoError(t, err)

		fsys, err := Migrations()
		require.NoError(t, err)

		_, score, diffs, err := s.DetectSchemaVersion(fsys)
		require.NoError(t, err)
		assert.Less(t, score, 100)
		assert.NotEmpty(t, diffs)
	})
}
