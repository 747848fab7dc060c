package kvstore_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coldshard/objectcore/pkg/kvstore"
)

func seed(t *testing.T, s kvstore.Store, prefix string, kv map[string]string) {
	t.Helper()
	txn := s.NewTransaction()
	for k, v := range kv {
		txn.Set(prefix, k, []byte(v))
	}
	require.NoError(t, txn.Commit())
}

func TestMemory_GetRoundTrip(t *testing.T) {
	s := kvstore.NewMemory()
	seed(t, s, "P", map[string]string{"a": "1", "b": "2"})

	got, err := s.Get("P", []string{"a", "b", "missing"})
	require.NoError(t, err)
	require.Equal(t, []byte("1"), got["a"])
	require.Equal(t, []byte("2"), got["b"])
	_, ok := got["missing"]
	require.False(t, ok)
}

// TestMemory_LiveIteratorRmKeys implements spec scenario 3: a live
// iterator seeked before a deletion stays positioned on the deleted key's
// last value, but Next() proceeds over the post-deletion state.
func TestMemory_LiveIteratorRmKeys(t *testing.T) {
	s := kvstore.NewMemory()
	seed(t, s, "P", map[string]string{"01": "v1", "02": "v2", "03": "v3"})

	it := s.NewIterator("P")
	require.True(t, it.First())
	require.Equal(t, "01", it.Key())
	require.Equal(t, []byte("v1"), it.Value())

	txn := s.NewTransaction()
	txn.RmKey("P", "01")
	txn.RmKey("P", "02")
	require.NoError(t, txn.Commit())

	// Still positioned on the pre-mutation key.
	require.Equal(t, "01", it.Key())
	require.Equal(t, []byte("v1"), it.Value())

	require.True(t, it.Next())
	require.Equal(t, "03", it.Key())
	require.Equal(t, []byte("v3"), it.Value())
	require.False(t, it.Next())
}

// TestMemory_SnapshotIteratorIgnoresDeletes implements the second half of
// scenario 3: a snapshot iterator's sequence is unaffected by concurrent
// deletes.
func TestMemory_SnapshotIteratorIgnoresDeletes(t *testing.T) {
	s := kvstore.NewMemory()
	seed(t, s, "P", map[string]string{"01": "v1", "02": "v2", "03": "v3"})

	it := s.NewSnapshotIterator("P")
	require.True(t, it.First())

	txn := s.NewTransaction()
	txn.RmKey("P", "01")
	txn.RmKey("P", "02")
	require.NoError(t, txn.Commit())

	var seen []string
	for ok := true; ok; ok = it.Next() {
		if !it.Valid() {
			break
		}
		seen = append(seen, it.Key())
	}
	require.Equal(t, []string{"01", "02", "03"}, seen)
}

// TestMemory_PrefixBounds implements spec scenario 4.
func TestMemory_PrefixBounds(t *testing.T) {
	s := kvstore.NewMemory()
	seed(t, s, "P1", map[string]string{"01": "a", "02": "b"})
	seed(t, s, "P2", map[string]string{"03": "c", "04": "d"})

	it := s.NewIterator("")
	require.True(t, it.LowerBound("P1", ""))
	var order []string
	for {
		order = append(order, it.Prefix()+"/"+it.Key())
		if !it.Next() {
			break
		}
	}
	require.Equal(t, []string{"P1/01", "P1/02", "P2/03", "P2/04"}, order)

	it2 := s.NewIterator("")
	require.True(t, it2.UpperBound("P1", "02"))
	require.Equal(t, "03", it2.Key())

	it3 := s.NewIterator("")
	require.False(t, it3.UpperBound("P2", "99"))
}

func TestMemory_EmptyPrefixIterator(t *testing.T) {
	s := kvstore.NewMemory()
	it := s.NewIterator("P")
	require.False(t, it.First())
	require.False(t, it.Valid())
}
