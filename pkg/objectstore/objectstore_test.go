package objectstore_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coldshard/objectcore/internal/base"
	"github.com/coldshard/objectcore/pkg/config"
	"github.com/coldshard/objectcore/pkg/kvstore"
	"github.com/coldshard/objectcore/pkg/objectstore"
)

func mustMount(t *testing.T, cfg config.StoreConfig) (*objectstore.Store, kvstore.Store) {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, objectstore.Mkfs(root))
	kv := kvstore.NewMemory()
	s, err := objectstore.Mount(root, kv, cfg)
	require.NoError(t, err)
	return s, kv
}

func apply(t *testing.T, s *objectstore.Store, seq uint64, ops ...objectstore.Op) {
	t.Helper()
	require.NoError(t, s.ApplyTransaction(objectstore.Transaction{Ops: ops}, base.SeqNum(seq)))
}

func TestWriteReadRoundTrip(t *testing.T) {
	s, _ := mustMount(t, config.Default())

	apply(t, s, 1, objectstore.CreateCollection("c1"))
	apply(t, s, 2, objectstore.Write("c1", "obj1", 0, []byte("hello world")))

	got, err := s.Read("c1", "obj1", 0, 11)
	require.NoError(t, err)
	require.Equal(t, []byte("hello world"), got)

	st, err := s.Stat("c1", "obj1")
	require.NoError(t, err)
	require.Equal(t, int64(11), st.Size)
}

func TestReadPastEOFShortRead(t *testing.T) {
	s, _ := mustMount(t, config.Default())
	apply(t, s, 1, objectstore.CreateCollection("c1"))
	apply(t, s, 2, objectstore.Write("c1", "obj1", 0, []byte("abc")))

	got, err := s.Read("c1", "obj1", 1, 100)
	require.NoError(t, err)
	require.Equal(t, []byte("bc"), got)
}

func TestRemoveDeletesObjectAndAttrs(t *testing.T) {
	s, _ := mustMount(t, config.Default())
	apply(t, s, 1, objectstore.CreateCollection("c1"))
	apply(t, s, 2, objectstore.Write("c1", "obj1", 0, []byte("x")))
	apply(t, s, 3, objectstore.SetAttr("c1", "obj1", "k", []byte("v")))
	require.True(t, s.Exists("c1", "obj1"))

	apply(t, s, 4, objectstore.Remove("c1", "obj1"))
	require.False(t, s.Exists("c1", "obj1"))

	_, err := s.Read("c1", "obj1", 0, 1)
	require.Error(t, err)
}

func TestSetAttrGetAttrRoundTrip(t *testing.T) {
	s, _ := mustMount(t, config.Default())
	apply(t, s, 1, objectstore.CreateCollection("c1"))
	apply(t, s, 2, objectstore.Touch("c1", "obj1"))
	apply(t, s, 3, objectstore.SetAttr("c1", "obj1", "color", []byte("blue")))

	v, err := s.GetAttr("c1", "obj1", "color")
	require.NoError(t, err)
	require.Equal(t, []byte("blue"), v)

	attrs, err := s.GetAttrs("c1", "obj1")
	require.NoError(t, err)
	require.Equal(t, []byte("blue"), attrs["color"])
}

// TestAttrOverflowRoundTrip exercises the xattr-overflow path: a value
// larger than AttrOverflowThreshold spills into KVStore and still reads
// back transparently through GetAttr.
func TestAttrOverflowRoundTrip(t *testing.T) {
	cfg := config.Default()
	cfg.AttrOverflowThreshold = 8
	s, kv := mustMount(t, cfg)

	apply(t, s, 1, objectstore.CreateCollection("c1"))
	apply(t, s, 2, objectstore.Touch("c1", "obj1"))
	big := make([]byte, 64)
	for i := range big {
		big[i] = byte(i)
	}
	apply(t, s, 3, objectstore.SetAttr("c1", "obj1", "blob", big))

	v, err := s.GetAttr("c1", "obj1", "blob")
	require.NoError(t, err)
	require.Equal(t, big, v)

	// A subsequent small value must clean up the overflow row rather than
	// leaving a stale one a later read could chase.
	apply(t, s, 4, objectstore.SetAttr("c1", "obj1", "blob", []byte("tiny")))
	v2, err := s.GetAttr("c1", "obj1", "blob")
	require.NoError(t, err)
	require.Equal(t, []byte("tiny"), v2)

	it := kv.NewIterator("attr-overflow")
	require.False(t, it.First())
}

// TestReplayGuardSkipsAlreadyAppliedOp implements the core idempotent
// replay contract: re-applying a transaction at an op_seq already
// committed is a no-op, not a double-write.
func TestReplayGuardSkipsAlreadyAppliedOp(t *testing.T) {
	s, _ := mustMount(t, config.Default())
	apply(t, s, 1, objectstore.CreateCollection("c1"))
	apply(t, s, 2, objectstore.Write("c1", "obj1", 0, []byte("first")))

	// Replay the same op_seq again with different data: since spos 2 was
	// already applied, this must be skipped, not overwrite the object.
	require.NoError(t, s.ApplyTransaction(
		objectstore.Transaction{Ops: []objectstore.Op{objectstore.Write("c1", "obj1", 0, []byte("second"))}},
		base.SeqNum(2),
	))

	got, err := s.Read("c1", "obj1", 0, 5)
	require.NoError(t, err)
	require.Equal(t, []byte("first"), got)
}

func TestReplayGuardAppliesNewerOp(t *testing.T) {
	s, _ := mustMount(t, config.Default())
	apply(t, s, 1, objectstore.CreateCollection("c1"))
	apply(t, s, 2, objectstore.Write("c1", "obj1", 0, []byte("first")))
	apply(t, s, 3, objectstore.Write("c1", "obj1", 0, []byte("second")))

	got, err := s.Read("c1", "obj1", 0, 6)
	require.NoError(t, err)
	require.Equal(t, []byte("second"), got)
}

func TestCloneCopiesDataAndAttrs(t *testing.T) {
	s, _ := mustMount(t, config.Default())
	apply(t, s, 1, objectstore.CreateCollection("c1"))
	apply(t, s, 2, objectstore.CreateCollection("c2"))
	apply(t, s, 3, objectstore.Write("c1", "obj1", 0, []byte("payload")))
	apply(t, s, 4, objectstore.SetAttr("c1", "obj1", "k", []byte("v")))
	apply(t, s, 5, objectstore.Clone("c1", "obj1", "c2", "obj1clone"))

	got, err := s.Read("c2", "obj1clone", 0, 7)
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), got)

	v, err := s.GetAttr("c2", "obj1clone", "k")
	require.NoError(t, err)
	require.Equal(t, []byte("v"), v)

	// The source is untouched by the clone.
	origGot, err := s.Read("c1", "obj1", 0, 7)
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), origGot)
}

func TestCloneRangeCopiesSubrange(t *testing.T) {
	s, _ := mustMount(t, config.Default())
	apply(t, s, 1, objectstore.CreateCollection("c1"))
	apply(t, s, 2, objectstore.Write("c1", "obj1", 0, []byte("0123456789")))
	apply(t, s, 3, objectstore.CloneRange("c1", "obj1", 2, 4, "c1", "obj2", 0))

	got, err := s.Read("c1", "obj2", 0, 4)
	require.NoError(t, err)
	require.Equal(t, []byte("2345"), got)
}

func TestOmapSetKeysAndRmKeys(t *testing.T) {
	s, _ := mustMount(t, config.Default())
	apply(t, s, 1, objectstore.CreateCollection("c1"))
	apply(t, s, 2, objectstore.Touch("c1", "obj1"))
	apply(t, s, 3, objectstore.OmapSetKeys("c1", "obj1", map[string][]byte{"a": []byte("1"), "b": []byte("2")}))
	apply(t, s, 4, objectstore.OmapRmKeys("c1", "obj1", []string{"a"}))

	// Omap contents are read through pkg/omap directly in the omap
	// package's own tests; here we only verify that the opcodes apply
	// without error against a freshly allocated header id, and that a
	// Clone of the object into a second collection applies as well.
	apply(t, s, 5, objectstore.CreateCollection("c2"))
	apply(t, s, 6, objectstore.Clone("c1", "obj1", "c2", "obj1"))
}

func TestCollectionRenameMovesObjectsAndRekeysOverflow(t *testing.T) {
	cfg := config.Default()
	cfg.AttrOverflowThreshold = 4
	s, _ := mustMount(t, cfg)

	apply(t, s, 1, objectstore.CreateCollection("old"))
	apply(t, s, 2, objectstore.Touch("old", "obj1"))
	apply(t, s, 3, objectstore.SetAttr("old", "obj1", "big", []byte("overflowvalue")))
	apply(t, s, 4, objectstore.CollectionRename("old", "new"))

	require.False(t, s.Exists("old", "obj1"))
	require.True(t, s.Exists("new", "obj1"))

	v, err := s.GetAttr("new", "obj1", "big")
	require.NoError(t, err)
	require.Equal(t, []byte("overflowvalue"), v)
}

func TestListCollectionsAndPartialListing(t *testing.T) {
	s, _ := mustMount(t, config.Default())
	apply(t, s, 1, objectstore.CreateCollection("c1"))
	apply(t, s, 2, objectstore.Touch("c1", "obj1"))
	apply(t, s, 3, objectstore.Touch("c1", "obj2"))

	colls, err := s.ListCollections()
	require.NoError(t, err)
	require.Contains(t, colls, objectstore.CollID("c1"))

	oids, _, err := s.CollectionListPartial("c1", "", 0, 10)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"obj1", "obj2"}, oids)
}
