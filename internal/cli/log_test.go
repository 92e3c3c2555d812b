package cli

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// journaled runs the Ada messages twice against a fresh SQLite journal and
// returns the journal path and the digest of the resulting state.
func journaled(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	cfg := writeFile(t, dir, "sift.yaml", emailConfig)
	msgs := writeFile(t, dir, "ada.yaml", adaMessages)
	db := filepath.Join(dir, "sift.db")

	var digest string
	for range 2 {
		out, err := execute(t, "--config", cfg, "--journal", db, "--format", "json", "run", msgs)
		require.NoError(t, err)
		digest = decodeResponse(t, out)["data"].(map[string]any)["digest"].(string)
	}
	return db, digest
}

func TestLogCommandRequiresJournal(t *testing.T) {
	_, err := execute(t, "log", "list")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "no journal configured")
}

func TestLogList(t *testing.T) {
	db, _ := journaled(t)

	out, err := execute(t, "--journal", db, "--format", "json", "log", "list")
	require.NoError(t, err)
	entries := decodeResponse(t, out)["data"].([]any)
	require.Len(t, entries, 4)
	for i, e := range entries {
		assert.EqualValues(t, i+1, e.(map[string]any)["seq"])
	}
	assert.EqualValues(t, 2, entries[1].(map[string]any)["messages"])

	out, err = execute(t, "--journal", db, "--format", "json", "log", "list", "--from", "3", "--limit", "1")
	require.NoError(t, err)
	entries = decodeResponse(t, out)["data"].([]any)
	require.Len(t, entries, 1)
	assert.EqualValues(t, 3, entries[0].(map[string]any)["seq"])

	out, err = execute(t, "--journal", db, "log", "list")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	assert.Len(t, lines, 5)
	assert.True(t, strings.HasPrefix(lines[0], "SEQ"))
}

func TestLogListEmpty(t *testing.T) {
	db := filepath.Join(t.TempDir(), "empty.db")
	out, err := execute(t, "--journal", db, "log", "list")
	require.NoError(t, err)
	assert.Equal(t, "No commits.\n", out)
}

func TestLogShow(t *testing.T) {
	db, _ := journaled(t)

	out, err := execute(t, "--journal", db, "--format", "json", "log", "show", "2", "--state")
	require.NoError(t, err)
	data := decodeResponse(t, out)["data"].(map[string]any)
	assert.EqualValues(t, 2, data["seq"])
	require.Len(t, data["messages"], 2)
	assert.Equal(t, "Ada", data["messages"].([]any)[0].(map[string]any)["name"])
	assert.Contains(t, data["state"], "byId")

	out, err = execute(t, "--journal", db, "--format", "json", "log", "show", "2")
	require.NoError(t, err)
	assert.NotContains(t, decodeResponse(t, out)["data"], "state")

	_, err = execute(t, "--journal", db, "log", "show", "99")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	_, err = execute(t, "--journal", db, "log", "show", "two")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestLogVerify(t *testing.T) {
	db, _ := journaled(t)

	out, err := execute(t, "--journal", db, "log", "verify")
	require.NoError(t, err)
	assert.Contains(t, out, "4 commit(s) verified, latest seq 4")

	out, err = execute(t, "--journal", db, "--format", "json", "log", "verify")
	require.NoError(t, err)
	data := decodeResponse(t, out)["data"].(map[string]any)
	assert.Equal(t, true, data["valid"])
	assert.EqualValues(t, 4, data["commits"])
}

func TestLogFind(t *testing.T) {
	db, digest := journaled(t)

	// The second run re-sent known records, so the first commit with the
	// final digest is the first run's batch.
	out, err := execute(t, "--journal", db, "log", "find", digest)
	require.NoError(t, err)
	assert.Equal(t, "2\n", out)

	_, err = execute(t, "--journal", db, "log", "find", "feedface")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
}

func TestLogWithRedisJournal(t *testing.T) {
	mr := miniredis.RunT(t)
	dir := t.TempDir()
	msgs := writeFile(t, dir, "cfg.json", `{"config": {"mode": "strict"}}`)

	_, err := execute(t, "--redis", mr.Addr(), "run", msgs)
	require.NoError(t, err)

	out, err := execute(t, "--redis", mr.Addr(), "--format", "json", "log", "verify")
	require.NoError(t, err)
	data := decodeResponse(t, out)["data"].(map[string]any)
	assert.EqualValues(t, 2, data["commits"])
	assert.EqualValues(t, 2, data["latest"])
}
