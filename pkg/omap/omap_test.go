package omap_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coldshard/objectcore/pkg/kvstore"
	"github.com/coldshard/objectcore/pkg/omap"
)

func TestAllocateHeaderIDMonotonicPerCollection(t *testing.T) {
	s := kvstore.NewMemory()
	id1, err := omap.AllocateHeaderID(s, "c1")
	require.NoError(t, err)
	id2, err := omap.AllocateHeaderID(s, "c1")
	require.NoError(t, err)
	require.NotEqual(t, id1, id2)

	// A different collection's counter starts independently.
	id3, err := omap.AllocateHeaderID(s, "c2")
	require.NoError(t, err)
	require.Equal(t, omap.HeaderID(1), id3)
}

func TestSetKeysGetKeysRoundTrip(t *testing.T) {
	s := kvstore.NewMemory()
	id, err := omap.AllocateHeaderID(s, "c1")
	require.NoError(t, err)
	o := omap.Open(s, id)

	txn := s.NewTransaction()
	o.SetKeys(txn, map[string][]byte{"a": []byte("1"), "b": []byte("2")})
	require.NoError(t, txn.Commit())

	keys, err := o.GetKeys()
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"a", "b"}, keys)

	got, err := o.Get([]string{"a", "b", "missing"})
	require.NoError(t, err)
	require.Equal(t, []byte("1"), got["a"])
	require.Equal(t, []byte("2"), got["b"])
	_, ok := got["missing"]
	require.False(t, ok)
}

func TestRmKeysRemovesOnlyNamedKeys(t *testing.T) {
	s := kvstore.NewMemory()
	id, err := omap.AllocateHeaderID(s, "c1")
	require.NoError(t, err)
	o := omap.Open(s, id)

	txn := s.NewTransaction()
	o.SetKeys(txn, map[string][]byte{"a": []byte("1"), "b": []byte("2")})
	require.NoError(t, txn.Commit())

	txn2 := s.NewTransaction()
	o.RmKeys(txn2, []string{"a"})
	require.NoError(t, txn2.Commit())

	keys, err := o.GetKeys()
	require.NoError(t, err)
	require.Equal(t, []string{"b"}, keys)
}

func TestClearRemovesEveryKey(t *testing.T) {
	s := kvstore.NewMemory()
	id, err := omap.AllocateHeaderID(s, "c1")
	require.NoError(t, err)
	o := omap.Open(s, id)

	txn := s.NewTransaction()
	o.SetKeys(txn, map[string][]byte{"a": []byte("1"), "b": []byte("2")})
	require.NoError(t, txn.Commit())

	txn2 := s.NewTransaction()
	o.Clear(txn2)
	require.NoError(t, txn2.Commit())

	keys, err := o.GetKeys()
	require.NoError(t, err)
	require.Empty(t, keys)
}

func TestSetHeaderGetHeader(t *testing.T) {
	s := kvstore.NewMemory()
	id, err := omap.AllocateHeaderID(s, "c1")
	require.NoError(t, err)
	o := omap.Open(s, id)

	_, err = o.GetHeader()
	require.Error(t, err)

	txn := s.NewTransaction()
	o.SetHeader(txn, []byte("header-blob"))
	require.NoError(t, txn.Commit())

	h, err := o.GetHeader()
	require.NoError(t, err)
	require.Equal(t, []byte("header-blob"), h)
}

func TestDestroyRemovesKeysAndHeader(t *testing.T) {
	s := kvstore.NewMemory()
	id, err := omap.AllocateHeaderID(s, "c1")
	require.NoError(t, err)
	o := omap.Open(s, id)

	txn := s.NewTransaction()
	o.SetKeys(txn, map[string][]byte{"a": []byte("1")})
	o.SetHeader(txn, []byte("hdr"))
	require.NoError(t, txn.Commit())

	txn2 := s.NewTransaction()
	o.Destroy(txn2)
	require.NoError(t, txn2.Commit())

	keys, err := o.GetKeys()
	require.NoError(t, err)
	require.Empty(t, keys)
	_, err = o.GetHeader()
	require.Error(t, err)
}

// TestCopyIntoIsIndependentOfSource verifies eager clone semantics: after
// CopyInto, mutating the source omap does not affect the destination.
func TestCopyIntoIsIndependentOfSource(t *testing.T) {
	s := kvstore.NewMemory()
	srcID, err := omap.AllocateHeaderID(s, "c1")
	require.NoError(t, err)
	dstID, err := omap.AllocateHeaderID(s, "c1")
	require.NoError(t, err)
	src := omap.Open(s, srcID)
	dst := omap.Open(s, dstID)

	txn := s.NewTransaction()
	src.SetKeys(txn, map[string][]byte{"a": []byte("1"), "b": []byte("2")})
	src.SetHeader(txn, []byte("hdr"))
	require.NoError(t, txn.Commit())

	txn2 := s.NewTransaction()
	require.NoError(t, src.CopyInto(txn2, dst))
	require.NoError(t, txn2.Commit())

	dstKeys, err := dst.GetKeys()
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"a", "b"}, dstKeys)
	dstHeader, err := dst.GetHeader()
	require.NoError(t, err)
	require.Equal(t, []byte("hdr"), dstHeader)

	txn3 := s.NewTransaction()
	src.RmKeys(txn3, []string{"a"})
	require.NoError(t, txn3.Commit())

	dstKeysAfter, err := dst.GetKeys()
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"a", "b"}, dstKeysAfter)
}
