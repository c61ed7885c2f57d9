package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/playperu/tabletop/internal/database"
	"github.com/playperu/tabletop/internal/store"
)

// run executes matchctl against db and returns its standard output.
func run(t *testing.T, db string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--db", db}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func mustRun(t *testing.T, db string, args ...string) string {
	t.Helper()
	out, err := run(t, db, args...)
	require.NoError(t, err, "matchctl %v", args)
	return out
}

func tempDB(t *testing.T) string {
	return filepath.Join(t.TempDir(), "tabletop.db")
}

func TestCommandPresence(t *testing.T) {
	cmd := newRootCommand()
	for _, path := range [][]string{{"migrate"}, {"user", "add"}, {"match", "create"}, {"match", "show"}} {
		sub, _, err := cmd.Find(path)
		require.NoError(t, err, "command %v should exist", path)
		assert.Equal(t, path[len(path)-1], sub.Name())
	}

	format := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, format)
	assert.Equal(t, "text", format.DefValue)
}

func TestInvalidFormat(t *testing.T) {
	_, err := run(t, tempDB(t), "--format", "xml", "migrate")
	assert.ErrorContains(t, err, "invalid format")
}

func TestMigrate(t *testing.T) {
	db := tempDB(t)

	out := mustRun(t, db, "migrate", "--format", "json")
	var first struct {
		Applied []int64 `json:"applied"`
		Version int64   `json:"version"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &first))
	assert.Equal(t, []int64{1}, first.Applied)
	assert.EqualValues(t, 1, first.Version)

	out = mustRun(t, db, "migrate")
	assert.Contains(t, out, "up to date at version 1")
}

func TestUserAdd(t *testing.T) {
	db := tempDB(t)

	out := mustRun(t, db, "user", "add", "alice", "--email", "alice@example.com", "--turn-emails", "--format", "json")
	var created struct {
		ID    int64  `json:"id"`
		Name  string `json:"name"`
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &created))
	assert.Equal(t, "alice", created.Name)
	require.NotEmpty(t, created.Token)

	conn, err := database.Open(context.Background(), db)
	require.NoError(t, err)
	defer conn.Close()
	u, err := store.NewSQLiteStore(conn).UserByToken(context.Background(), created.Token)
	require.NoError(t, err)
	assert.Equal(t, "alice", u.Name)
	assert.True(t, u.TurnEmails)
	assert.False(t, u.Admin)

	_, err = run(t, db, "user", "add", "alice")
	assert.Error(t, err, "duplicate names are rejected")
	_, err = run(t, db, "user", "add", "no_one")
	assert.Error(t, err, "the sentinel name is reserved")
}

func TestMatchCreateAndShow(t *testing.T) {
	db := tempDB(t)
	for _, name := range []string{"alice", "bob", "carol"} {
		mustRun(t, db, "user", "add", name)
	}

	out := mustRun(t, db, "match", "create",
		"--title", "Friday race", "--creator", "alice", "--players", "3",
		"--invite", "bob", "--variant", "long_track", "--format", "json")
	var m matchView
	require.NoError(t, json.Unmarshal([]byte(out), &m))
	assert.Equal(t, "lobby", m.Status)
	assert.Equal(t, []string{"long_track"}, m.Variants)
	require.Len(t, m.Seats, 2)
	assert.True(t, m.Seats[0].Accepted)
	assert.False(t, m.Seats[1].Accepted)

	out = mustRun(t, db, "match", "show", "1")
	assert.Contains(t, out, "match 1: Friday race [lobby]")
	assert.Contains(t, out, "1. [x] alice (2)")
	assert.Contains(t, out, "2. [ ] bob (2)")

	_, err := run(t, db, "match", "show", "99")
	assert.ErrorContains(t, err, "not found")
	_, err = run(t, db, "match", "create", "--title", "x", "--creator", "mallory")
	assert.ErrorContains(t, err, "unknown user")
	_, err = run(t, db, "match", "create", "--creator", "alice")
	assert.ErrorContains(t, err, "title")
}

func TestMatchCreateFromFile(t *testing.T) {
	db := tempDB(t)
	for _, name := range []string{"alice", "bob"} {
		mustRun(t, db, "user", "add", name)
	}

	file := filepath.Join(t.TempDir(), "match.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
title: Draft night
creator: alice
players: 2
resources: -1
invite: [bob]
`), 0o600))

	// Flags override the file.
	out := mustRun(t, db, "match", "create", "-f", file, "--title", "Renamed", "--format", "json")
	var m matchView
	require.NoError(t, json.Unmarshal([]byte(out), &m))
	assert.Equal(t, "Renamed", m.Title)
	assert.Equal(t, -1, m.Resources)
	require.Len(t, m.Seats, 2)
	assert.False(t, m.Seats[0].Accepted, "variable resources leave the creator to choose")

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("title: x\ncreator: alice\nseats: 4\n"), 0o600))
	_, err := run(t, db, "match", "create", "-f", bad)
	assert.Error(t, err, "unknown keys are rejected")
}
