package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/briangreenhill/voice101/cache"
	"github.com/briangreenhill/voice101/internal/jobs"
)

func testCmd() (*cobra.Command, *bytes.Buffer) {
	var out bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&out)
	cmd.SetContext(context.Background())
	return cmd, &out
}

func seed(t *testing.T, names ...string) cache.Storage {
	t.Helper()
	ctx := context.Background()
	store := cache.NewMemoryStorage(nil)
	for _, name := range names {
		b, err := store.Open(ctx, name)
		require.NoError(t, err)
		require.NoError(t, b.Put(ctx, &cache.Entry{Key: "GET https://app.test/" + name, Status: 200, Body: []byte("x")}))
	}
	return store
}

func TestVersionCommand(t *testing.T) {
	root := rootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "offlinectl version "+Version)
}

func TestListCaches(t *testing.T) {
	store := seed(t, "voice101-pages", "voice101-runtime")
	cmd, out := testCmd()

	require.NoError(t, listCaches(cmd, store))
	assert.Equal(t, "voice101-pages\t1\nvoice101-runtime\t1\n", out.String())
}

func TestClearCaches(t *testing.T) {
	store := seed(t, "voice101-pages", "voice101-runtime", "other-app")
	cmd, out := testCmd()

	require.NoError(t, clearCaches(cmd, store, "voice101-"))
	assert.Contains(t, out.String(), "deleted voice101-pages")
	assert.Contains(t, out.String(), "deleted voice101-runtime")

	names, err := store.Keys(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"other-app"}, names)

	out.Reset()
	require.NoError(t, clearCaches(cmd, store, "voice101-"))
	assert.Contains(t, out.String(), "no caches match")

	assert.Error(t, clearCaches(cmd, store, ""))
}

func TestCachesCommandsOnSQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	store, err := cache.OpenSQLite(path, nil)
	require.NoError(t, err)
	ctx := context.Background()
	b, err := store.Open(ctx, "voice101-pages")
	require.NoError(t, err)
	require.NoError(t, b.Put(ctx, &cache.Entry{Key: "GET https://app.test/", Status: 200, Body: []byte("x")}))
	require.NoError(t, store.Close())

	run := func(args ...string) string {
		root := rootCmd()
		var out bytes.Buffer
		root.SetOut(&out)
		root.SetArgs(append(args, "--driver", "sqlite", "--dsn", path))
		require.NoError(t, root.Execute())
		return out.String()
	}

	assert.Equal(t, "voice101-pages\t1\n", run("caches", "list"))
	assert.Contains(t, run("caches", "clear"), "deleted voice101-pages")
	assert.Empty(t, run("caches", "list"))
}

type fakeQueue struct {
	tasks  []*asynq.Task
	closed bool
}

func (q *fakeQueue) Enqueue(task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	q.tasks = append(q.tasks, task)
	return &asynq.TaskInfo{ID: "abc", Queue: jobs.QueueMaintenance}, nil
}

func (q *fakeQueue) Close() error {
	q.closed = true
	return nil
}

func TestEnqueuePurge(t *testing.T) {
	q := &fakeQueue{}
	cmd, out := testCmd()

	require.NoError(t, enqueuePurge(cmd, q, "voice101-"))
	require.Len(t, q.tasks, 1)
	assert.Equal(t, jobs.TaskPurgeCaches, q.tasks[0].Type())
	assert.True(t, q.closed)
	assert.Equal(t, "queued abc on maintenance\n", out.String())
}

func TestManifestCheck(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sw.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
precache: [/, /app.js]
routes:
  - name: images
    match: {destination: [image]}
    strategy: cache-first
    cache: images
`), 0o600))

	root := rootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"manifest", "check", path})
	require.NoError(t, root.Execute())

	s := out.String()
	assert.Contains(t, s, "prefix:   voice101")
	assert.Contains(t, s, "precache: 3 entries")
	assert.True(t, strings.Contains(s, "images") && strings.Contains(s, "cache-first"))
	assert.Contains(t, s, "(navigation)")
}

func TestManifestCheckInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sw.yaml")
	require.NoError(t, os.WriteFile(path, []byte("policy: sometimes\n"), 0o600))

	root := rootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetArgs([]string{"manifest", "check", path})
	assert.Error(t, root.Execute())
}
