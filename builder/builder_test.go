package builder_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/comalice/hsmstate"
	"github.com/comalice/hsmstate/builder"
)

func TestTreeBuilderProducesAStartableTree(t *testing.T) {
	b := builder.New()
	b.Root("root").
		InitialChild(func(*hsmstate.TransitionContext) hsmstate.StateKey { return "mid" })
	b.Interior("mid").
		InitialChild(func(*hsmstate.TransitionContext) hsmstate.StateKey { return "leaf" })
	b.Leaf("leaf")
	b.Up()

	tree, err := b.Build()
	require.NoError(t, err)

	m, err := hsmstate.New(tree)
	require.NoError(t, err)
	defer m.Dispose()

	_, err = m.Start(context.Background(), hsmstate.Payload{})
	require.NoError(t, err)
	assert.Equal(t, hsmstate.StateKey("leaf"), m.CurrentLeaf())
}

func TestTreeBuilderRejectsDuplicateKeys(t *testing.T) {
	b := builder.New()
	b.Root("root").
		InitialChild(func(*hsmstate.TransitionContext) hsmstate.StateKey { return "leaf" })
	b.Leaf("leaf")
	b.Leaf("leaf")

	_, err := b.Build()
	assert.Error(t, err)
}
