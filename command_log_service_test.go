package main

import (
	"database/sql"
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func newTestCommandLog(t *testing.T) *CommandLogService {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, createSchema(db))
	return NewCommandLogService(db)
}

func TestCommandLogRecordAndCount(t *testing.T) {
	log := newTestCommandLog(t)
	assert.Equal(t, 0, log.Count())

	log.Record(1, CmdVerb, true)
	log.Record(2, CmdDigit5, false)
	log.Record(1, CmdEnter, true)

	assert.Equal(t, 3, log.Count())
}

func TestCommandLogExportCSV(t *testing.T) {
	log := newTestCommandLog(t)
	log.Record(1, CmdVerb, true)
	log.Record(2, CmdKeyRelease, false)

	out := filepath.Join(t.TempDir(), "commands.csv")
	require.NoError(t, log.ExportCSV(out))

	file, err := os.Open(out)
	require.NoError(t, err)
	defer file.Close()

	rows, err := csv.NewReader(file).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"timestamp", "slot", "module", "command"}, rows[0])
	assert.Equal(t, []string{"1", "cm", "verb"}, rows[1][1:])
	assert.Equal(t, []string{"2", "lm", "key-release"}, rows[2][1:])

	// Export purges the table.
	assert.Equal(t, 0, log.Count())
}

func TestCommandLogCountSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "log.db")

	db, err := sql.Open("sqlite", dbPath)
	require.NoError(t, err)
	require.NoError(t, createSchema(db))
	first := NewCommandLogService(db)
	first.Record(1, CmdReset, true)
	require.NoError(t, db.Close())

	db2, err := sql.Open("sqlite", dbPath)
	require.NoError(t, err)
	defer db2.Close()
	second := NewCommandLogService(db2)
	assert.Equal(t, 1, second.Count())
}
