package store_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coldshard/objectcore/pkg/config"
	"github.com/coldshard/objectcore/pkg/objectstore"
	"github.com/coldshard/objectcore/pkg/pipeline"
	"github.com/coldshard/objectcore/pkg/store"
)

func testCfg() config.StoreConfig {
	cfg := config.Default()
	cfg.JournalIOMode = config.IOBuffered
	cfg.JournalCapacityBytes = 1 << 20
	cfg.ApplyWorkers = 2
	return cfg
}

func TestMkfsMountUmountRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cfg := testCfg()
	require.NoError(t, store.Mkfs(dir, cfg))

	s, err := store.Mount(dir, cfg)
	require.NoError(t, err)

	_, err = s.QueueTransactions("seq-a", []objectstore.Transaction{
		{Ops: []objectstore.Op{
			objectstore.CreateCollection("c1"),
			objectstore.Write("c1", "obj1", 0, []byte("durable")),
		}},
	}, pipeline.Callbacks{})
	require.NoError(t, err)

	s.Pipe.Flush("seq-a")
	require.NoError(t, s.Sync())

	got, err := s.Read("c1", "obj1", 0, 7)
	require.NoError(t, err)
	require.Equal(t, []byte("durable"), got)

	require.NoError(t, s.Umount())
}

// TestMountRefusesConcurrentSecondMount exercises the fsid flock: a
// second Mount against a directory already mounted must fail rather than
// silently share state with the first.
func TestMountRefusesConcurrentSecondMount(t *testing.T) {
	dir := t.TempDir()
	cfg := testCfg()
	require.NoError(t, store.Mkfs(dir, cfg))

	s1, err := store.Mount(dir, cfg)
	require.NoError(t, err)
	defer s1.Umount()

	_, err = store.Mount(dir, cfg)
	require.Error(t, err)
}

// TestRemountSeesPriorWrites implements the crash+replay scenario: data
// written and synced under one mount is visible after Umount and a fresh
// Mount of the same directory.
func TestRemountSeesPriorWrites(t *testing.T) {
	dir := t.TempDir()
	cfg := testCfg()
	require.NoError(t, store.Mkfs(dir, cfg))

	s1, err := store.Mount(dir, cfg)
	require.NoError(t, err)

	_, err = s1.QueueTransactions("seq-a", []objectstore.Transaction{
		{Ops: []objectstore.Op{
			objectstore.CreateCollection("c1"),
			objectstore.Write("c1", "obj1", 0, []byte("survives-remount")),
		}},
	}, pipeline.Callbacks{})
	require.NoError(t, err)
	s1.Pipe.Flush("seq-a")
	require.NoError(t, s1.Sync())
	require.NoError(t, s1.Umount())

	s2, err := store.Mount(dir, cfg)
	require.NoError(t, err)
	defer s2.Umount()

	got, err := s2.Read("c1", "obj1", 0, 16)
	require.NoError(t, err)
	require.Equal(t, []byte("survives-remount"), got)
}

func TestMkfsLayoutContainsFsidFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, store.Mkfs(dir, testCfg()))
	_, err := os.Stat(filepath.Join(dir, "fsid"))
	require.NoError(t, err)
}
