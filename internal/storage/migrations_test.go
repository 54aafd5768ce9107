package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPendingMigrations(t *testing.T) {
	tests := []struct {
		name     string
		current  string
		expected []string
	}{
		{"fresh database", "", []string{"1.0.0", "1.1.0"}},
		{"first applied", "1.0.0", []string{"1.1.0"}},
		{"up to date", CurrentSchemaVersion, []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pending, err := pendingMigrations(tt.current, SQLiteMigrations)
			require.NoError(t, err)
			versions := make([]string, 0, len(pending))
			for _, m := range pending {
				versions = append(versions, m.Version)
			}
			assert.Equal(t, tt.expected, versions)
		})
	}

	_, err := pendingMigrations("not-a-version", SQLiteMigrations)
	assert.Error(t, err)
}

func TestLatestVersion(t *testing.T) {
	v, err := latestVersion([]string{"1.0.0", "1.10.0", "1.2.0"})
	require.NoError(t, err)
	assert.Equal(t, "1.10.0", v)

	v, err = latestVersion(nil)
	require.NoError(t, err)
	assert.Equal(t, "", v)

	_, err = latestVersion([]string{"garbage"})
	assert.Error(t, err)
}

func TestMigrationsMatchCurrentVersion(t *testing.T) {
	assert.Equal(t, CurrentSchemaVersion, SQLiteMigrations[len(SQLiteMigrations)-1].Version)
	assert.Equal(t, CurrentSchemaVersion, PostgresMigrations[len(PostgresMigrations)-1].Version)
}

func TestApplyAndRollbackMigrations(t *testing.T) {
	ctx := context.Background()
	db, err := openDatabase(":memory:")
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, ApplyMigrations(ctx, db))
	current, err := currentSQLiteVersion(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, CurrentSchemaVersion, current)

	// Applying again is a no-op
	require.NoError(t, ApplyMigrations(ctx, db))

	require.NoError(t, RollbackMigration(ctx, db))
	current, err = currentSQLiteVersion(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", current)

	require.NoError(t, RollbackMigration(ctx, db))
	current, err = currentSQLiteVersion(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, "", current)

	assert.Error(t, RollbackMigration(ctx, db))
}
