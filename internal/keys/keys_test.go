package keys

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCompare_Ordering(t *testing.T) {
	// Families sort attribute < extent < child for one object; different
	// objects sort by id first.
	ks := []Key{
		ChildKey(1, "zzz"),
		ExtentKey(2, 0, 0, 10),
		AttributeKey(1, 0),
		ExtentKey(1, 0, 100, 200),
		ExtentKey(1, 0, 0, 100),
		ExtentKey(1, 1, 0, 10),
		ChildKey(1, "aaa"),
		AttributeKey(2, 0),
	}
	sort.Slice(ks, func(i, j int) bool { return Compare(ks[i], ks[j]) < 0 })

	want := []Key{
		AttributeKey(1, 0),
		ExtentKey(1, 0, 0, 100),
		ExtentKey(1, 0, 100, 200),
		ExtentKey(1, 1, 0, 10),
		ChildKey(1, "aaa"),
		ChildKey(1, "zzz"),
		AttributeKey(2, 0),
		ExtentKey(2, 0, 0, 10),
	}
	require.Equal(t, want, ks)
}

func TestKey_Overlaps(t *testing.T) {
	base := ExtentKey(1, 0, 10, 20)

	require.True(t, base.Overlaps(ExtentKey(1, 0, 15, 25)))
	require.True(t, base.Overlaps(ExtentKey(1, 0, 0, 11)))
	require.True(t, base.Overlaps(ExtentKey(1, 0, 12, 18)))

	// Touching ranges do not overlap (End is exclusive).
	require.False(t, base.Overlaps(ExtentKey(1, 0, 20, 30)))
	require.False(t, base.Overlaps(ExtentKey(1, 0, 0, 10)))
	// Different attribute or object never overlaps.
	require.False(t, base.Overlaps(ExtentKey(1, 1, 10, 20)))
	require.False(t, base.Overlaps(ExtentKey(2, 0, 10, 20)))
}

func TestSliceExtent_ShiftsDeviceOffset(t *testing.T) {
	it := &Item{
		Key:   ExtentKey(7, 0, 100, 200),
		Value: ExtentValue{DeviceOffset: 4096, Allocated: true},
	}

	mid := SliceExtent(it, 130, 170)
	require.Equal(t, ExtentKey(7, 0, 130, 170), mid.Key)
	require.Equal(t, ExtentValue{DeviceOffset: 4126, Allocated: true}, mid.Value)

	// Unallocated extents have no device offset to shift.
	hole := &Item{Key: ExtentKey(7, 0, 0, 50), Value: ExtentValue{}}
	cut := SliceExtent(hole, 10, 20)
	require.Equal(t, ExtentValue{}, cut.Value)
}

func TestCodec_RoundTrip(t *testing.T) {
	items := []*Item{
		{Key: AttributeKey(1, 0), Value: AttributeValue{Kind: KindDirectory, Size: 0}},
		{Key: ExtentKey(9, 0, 10000, 10003), Value: ExtentValue{DeviceOffset: 8192, Allocated: true}},
		{Key: ExtentKey(9, 0, 0, 512), Value: ExtentValue{}},
		{Key: ChildKey(1, "volumes"), Value: ChildValue{ObjectID: 2, Kind: KindDirectory}},
		{Key: ChildKey(2, "vol"), Value: ChildValue{ObjectID: 3, Kind: KindVolume}},
		{Key: StoreInfoKey(3), Value: StoreInfoValue{Data: []byte{1, 2, 3}}},
		{Key: AttributeKey(4, 0), Value: Tombstone{}},
	}

	data := AppendBatch(nil, items)
	got, rest, err := DecodeBatch(data)
	require.NoError(t, err)
	require.Empty(t, rest)
	require.Equal(t, items, got)
}

func TestCodec_Corrupt(t *testing.T) {
	data := AppendItem(nil, &Item{
		Key:   ChildKey(1, "name"),
		Value: ChildValue{ObjectID: 2, Kind: KindFile},
	})

	for _, cut := range []int{1, 8, 10, len(data) - 1} {
		_, _, err := DecodeItem(data[:cut])
		require.ErrorIs(t, err, ErrCorrupt, "cut=%d", cut)
	}
}
