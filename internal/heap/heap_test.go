package heap

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSmi(t *testing.T) {
	for _, v := range []int32{0, 1, -1, SmiMaxValue, SmiMinValue, 12345} {
		s := SmiFromInt(v)
		require.True(t, s.IsSmi())
		require.Equal(t, v, s.SmiValue())
		require.Zero(t, uint64(s)>>32, "smis must keep the upper half clear")
	}
	require.Panics(t, func() { SmiFromInt(SmiMaxValue + 1) })
	require.False(t, FromAddress(0x1000).IsSmi())
}

func TestRoots(t *testing.T) {
	require.True(t, RootHeapNumberMap.IsReadOnly())
	require.False(t, RootStringTable.IsReadOnly())
	require.Equal(t, uint32(0x11), RootUndefinedValue.ReadOnlyRootPtr())
	require.Panics(t, func() { RootStringTable.ReadOnlyRootPtr() })
	require.Equal(t, "heap_number_map", RootHeapNumberMap.String())

	h := New()
	for r := RootIndex(0); r < RootCount; r++ {
		v, err := h.Load(h.RootsTableAddress()+uint64(r.RootTableOffset()), WordSize)
		require.NoError(t, err)
		require.Equal(t, uint64(h.Root(r)), v, r.String())
	}
	meta := h.Root(RootMetaMap)
	require.Equal(t, meta, h.MapOf(meta))
	require.Equal(t, h.Root(RootOddballMap), h.MapOf(h.Root(RootUndefinedValue)))
}

func TestObjects(t *testing.T) {
	h := New()
	n := h.NewHeapNumber(1.5)
	require.Equal(t, h.Root(RootHeapNumberMap), h.MapOf(n))
	require.Equal(t, 1.5, h.HeapNumberValue(n))

	s := h.NewString("abc")
	require.Equal(t, int32(3), h.StringLength(s))
	require.True(t, h.MapInstanceType(h.MapOf(s)).IsString())

	m := h.NewMap(MapSpec{InstanceType: JSObjectType, ElementsKind: PackedSmiElements})
	obj := h.NewJSObject(m, 2)
	require.Equal(t, h.Root(RootUndefinedValue), h.Field(obj, JSObjectInObjectFieldOffset(1)))

	fv := h.NewFeedbackVector(3)
	h.SetOsrState(fv, 0x13)
	require.Equal(t, uint8(0x13), h.OsrState(fv))

	_, err := h.Load(0x10, 8)
	require.Error(t, err)
}

func TestTryMigrateInstance(t *testing.T) {
	h := New()
	newMap := h.NewMap(MapSpec{InstanceType: JSObjectType, MigrationTarget: true})
	old := h.NewMap(MapSpec{InstanceType: JSObjectType})
	obj := h.NewJSObject(old, 0)

	require.Equal(t, SmiZero, h.TryMigrateInstance(obj), "map is not deprecated")

	h.DeprecateMap(old, newMap)
	require.Equal(t, obj, h.TryMigrateInstance(obj))
	require.Equal(t, newMap, h.MapOf(obj))

	stuck := h.NewMap(MapSpec{InstanceType: JSObjectType, Deprecated: true})
	require.Equal(t, SmiZero, h.TryMigrateInstance(h.NewJSObject(stuck, 0)))
	require.Equal(t, SmiZero, h.TryMigrateInstance(SmiFromInt(3)))
}

func TestIsSimpleMapChangeTransition(t *testing.T) {
	require.True(t, IsSimpleMapChangeTransition(PackedSmiElements, HoleySmiElements))
	require.True(t, IsSimpleMapChangeTransition(PackedSmiElements, PackedElements))
	require.True(t, IsSimpleMapChangeTransition(HoleySmiElements, HoleyElements))
	require.False(t, IsSimpleMapChangeTransition(PackedSmiElements, PackedDoubleElements))
	require.False(t, IsSimpleMapChangeTransition(PackedDoubleElements, PackedElements))
}
