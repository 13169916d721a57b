package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestNewSQLite_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "chainwatch.db")
	db, err := NewSQLite(path, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	defer db.Close()

	assert.FileExists(t, path)
	assert.NoError(t, db.HealthCheck(context.Background()))

	var mode string
	require.NoError(t, db.DB.QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)
}

func TestNewSQLite_Memory(t *testing.T) {
	db, err := NewSQLite(MemoryPath, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	defer db.Close()

	_, err = db.DB.Exec("CREATE TABLE t (x INTEGER)")
	require.NoError(t, err)
	_, err = db.DB.Exec("INSERT INTO t VALUES (1)")
	require.NoError(t, err)

	var n int
	require.NoError(t, db.DB.QueryRow("SELECT COUNT(*) FROM t").Scan(&n))
	assert.Equal(t, 1, n)
}

func TestValidateDatabasePath(t *testing.T) {
	tests := []struct {
		path    string
		wantErr bool
	}{
		{"data/chainwatch.db", false},
		{"/var/lib/chainwatch/dlq.db", false},
		{MemoryPath, false},
		{"", true},
		{"../escape.db", true},
		{"data/../../escape.db", true},
		{"bad\x00.db", true},
		{"data/" + string(make([]byte, 600)), true},
	}
	for _, tt := range tests {
		err := validateDatabasePath(tt.path)
		if tt.wantErr {
			assert.Error(t, err, "path %q", tt.path)
		} else {
			assert.NoError(t, err, "path %q", tt.path)
		}
	}
}
