package db

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCreatesDirectoryWhenNotExists(t *testing.T) {
	tempDir := t.TempDir()

	nonExistentDir := filepath.Join(tempDir, "nested", "directories", "that", "dont", "exist")
	dbFile := filepath.Join(nonExistentDir, "test.db")

	_, err := os.Stat(nonExistentDir)
	assert.True(t, os.IsNotExist(err), "directory should not exist before database creation")

	dao, err := New(dbFile)
	require.NoError(t, err)
	require.NotNil(t, dao)
	defer dao.Close()

	stat, err := os.Stat(nonExistentDir)
	require.NoError(t, err, "directory should exist after database creation")
	assert.True(t, stat.IsDir(), "created path should be a directory")
}

func TestFilePathFromDatabaseURL(t *testing.T) {
	cases := map[string]string{
		"":                        "./gateway.db",
		"sqlite:///./gateway.db":  "./gateway.db",
		"sqlite://./gateway.db":   "./gateway.db",
		"sqlite:/tmp/gateway.db":  "/tmp/gateway.db",
		"/abs/path/to/gateway.db": "/abs/path/to/gateway.db",
	}
	for in, want := range cases {
		assert.Equal(t, want, filePathFromDatabaseURL(in), "input=%q", in)
	}
}

func TestSessionCRUD(t *testing.T) {
	dbFile := filepath.Join(t.TempDir(), "gateway.db")
	dao, err := New(dbFile)
	require.NoError(t, err)
	defer dao.Close()

	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	rec := SessionRecord{
		ID:              "11111111-1111-1111-1111-111111111111",
		CreatedAt:       now,
		UpdatedAt:       now,
		State:           StateReady,
		ServersJSON:     `[{"name":"A"}]`,
		CredentialsJSON: `{"A":{"token":"t1"}}`,
	}
	require.NoError(t, dao.CreateSession(ctx, rec))

	got, err := dao.GetSession(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.State, got.State)
	assert.Equal(t, rec.ServersJSON, got.ServersJSON)

	later := now.Add(time.Minute)
	require.NoError(t, dao.UpdateSessionState(ctx, rec.ID, StateFailed, later))

	got, err = dao.GetSession(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, got.State)

	ready, err := dao.ListSessionsByState(ctx, StateReady)
	require.NoError(t, err)
	assert.Empty(t, ready)

	failed, err := dao.ListSessionsByState(ctx, StateFailed)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, rec.ID, failed[0].ID)

	_, err = dao.GetSession(ctx, "does-not-exist")
	assert.Error(t, err)
}
