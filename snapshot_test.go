package hsmstate

import (
	"context"
	"reflect"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/comalice/hsmstate/codec"
)

type counterData struct {
	Count int
}

func snapshotTree(t *testing.T) (*Tree, DataStateKey[counterData]) {
	t.Helper()
	key := NewDataStateKey[counterData]("counting")
	counting := &NodeDefinition{
		Key: "counting", Parent: "root", Kind: KindLeaf,
		DataType:    reflect.TypeFor[counterData](),
		InitialData: func(*TransitionContext) any { return counterData{} },
		Codec:       codec.NewJSONCodec[counterData](),
	}
	root := &NodeDefinition{
		Key: "root", Kind: KindRoot, Children: []StateKey{"counting"},
		InitialChild: func(*TransitionContext) StateKey { return "counting" },
	}
	tree, err := NewTree([]*NodeDefinition{root, counting})
	require.NoError(t, err)
	return tree, key
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	tree, key := snapshotTree(t)

	m1, err := New(tree)
	require.NoError(t, err)
	defer m1.Dispose()

	_, err = m1.Start(context.Background(), Payload{})
	require.NoError(t, err)
	require.NoError(t, UpdateData(m1.store, key, func(c counterData) counterData {
		c.Count = 7
		return c
	}))

	snap, err := m1.Snapshot()
	require.NoError(t, err)

	tree2, _ := snapshotTree(t)
	m2, err := New(tree2)
	require.NoError(t, err)
	defer m2.Dispose()

	_, err = m2.Restore(snap)
	require.NoError(t, err)

	got, err := MachineData(m2, key)
	require.NoError(t, err)
	if diff := cmp.Diff(counterData{Count: 7}, got); diff != "" {
		t.Errorf("restored data mismatch (-want +got):\n%s", diff)
	}
	require.Equal(t, StateKey("counting"), m2.CurrentLeaf())
}
