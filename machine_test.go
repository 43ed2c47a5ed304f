package hsmstate

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// switchTree is a minimal two-leaf toggle: "on" and "off", each handling a
// "TOGGLE" event by going to the other.
func switchTree(t *testing.T) *Tree {
	t.Helper()
	onDef := &NodeDefinition{
		Key: "on", Parent: "root", Kind: KindLeaf,
		OnMessage: func(mctx *MessageContext) MessageResult {
			if mctx.Event.Type != "TOGGLE" {
				return Unhandled{}
			}
			return To("off")
		},
	}
	offDef := &NodeDefinition{
		Key: "off", Parent: "root", Kind: KindLeaf,
		OnMessage: func(mctx *MessageContext) MessageResult {
			if mctx.Event.Type != "TOGGLE" {
				return Unhandled{}
			}
			return To("on")
		},
	}
	root := &NodeDefinition{
		Key: "root", Kind: KindRoot, Children: []StateKey{"on", "off"},
		InitialChild: func(*TransitionContext) StateKey { return "off" },
	}
	tree, err := NewTree([]*NodeDefinition{root, onDef, offDef})
	require.NoError(t, err)
	return tree
}

func TestSwitchTogglesBetweenTwoStates(t *testing.T) {
	tree := switchTree(t)
	m, err := New(tree)
	require.NoError(t, err)
	defer m.Dispose()

	transitions := m.Transitions()

	_, err = m.Start(context.Background(), Payload{})
	require.NoError(t, err)
	assert.Equal(t, StateKey("off"), m.CurrentLeaf())
	<-transitions // Start's own transition

	_, err = m.Send(context.Background(), NewEvent("TOGGLE", nil))
	require.NoError(t, err)
	assert.Equal(t, StateKey("on"), m.CurrentLeaf())

	select {
	case tr := <-transitions:
		assert.Equal(t, StateKey("off"), tr.From)
		assert.Equal(t, StateKey("on"), tr.To)
	case <-time.After(time.Second):
		t.Fatal("expected a Transition event")
	}

	_, err = m.Send(context.Background(), NewEvent("TOGGLE", nil))
	require.NoError(t, err)
	assert.Equal(t, StateKey("off"), m.CurrentLeaf())
}

// descentTree has two levels of InitialChild descent beneath the root.
func descentTree(t *testing.T) *Tree {
	t.Helper()
	leaf := &NodeDefinition{Key: "leaf", Parent: "mid", Kind: KindLeaf}
	mid := &NodeDefinition{
		Key: "mid", Parent: "root", Kind: KindInterior, Children: []StateKey{"leaf"},
		InitialChild: func(*TransitionContext) StateKey { return "leaf" },
	}
	root := &NodeDefinition{
		Key: "root", Kind: KindRoot, Children: []StateKey{"mid"},
		InitialChild: func(*TransitionContext) StateKey { return "mid" },
	}
	tree, err := NewTree([]*NodeDefinition{root, mid, leaf})
	require.NoError(t, err)
	return tree
}

func TestStartDescendsThroughInitialChildChain(t *testing.T) {
	tree := descentTree(t)
	m, err := New(tree)
	require.NoError(t, err)
	defer m.Dispose()

	tr, err := m.Start(context.Background(), Payload{})
	require.NoError(t, err)
	assert.Equal(t, StateKey("leaf"), m.CurrentLeaf())
	assert.Equal(t, []StateKey{"root", "mid", "leaf"}, tr.Entered)
}

// ancestorTree has a leaf that never handles "PING"; its parent does.
func ancestorTree(t *testing.T) *Tree {
	t.Helper()
	leaf := &NodeDefinition{Key: "leaf", Parent: "mid", Kind: KindLeaf}
	mid := &NodeDefinition{
		Key: "mid", Parent: "root", Kind: KindInterior, Children: []StateKey{"leaf"},
		InitialChild: func(*TransitionContext) StateKey { return "leaf" },
		OnMessage: func(mctx *MessageContext) MessageResult {
			if mctx.Event.Type != "PING" {
				return Unhandled{}
			}
			return Stay{}
		},
	}
	root := &NodeDefinition{
		Key: "root", Kind: KindRoot, Children: []StateKey{"mid"},
		InitialChild: func(*TransitionContext) StateKey { return "mid" },
	}
	tree, err := NewTree([]*NodeDefinition{root, mid, leaf})
	require.NoError(t, err)
	return tree
}

func TestAncestorHandlesWhatLeafDoesNot(t *testing.T) {
	tree := ancestorTree(t)
	m, err := New(tree)
	require.NoError(t, err)
	defer m.Dispose()

	_, err = m.Start(context.Background(), Payload{})
	require.NoError(t, err)

	result, err := m.Send(context.Background(), NewEvent("PING", nil))
	require.NoError(t, err)
	assert.Equal(t, StateKey("leaf"), result.Receiving)
	assert.Nil(t, result.Transition)
}

// selfTransitionTree has an interior node that reacts to "RESET" with
// GoToSelf, which should re-enter everything from the leaf up through that
// node.
func selfTransitionTree(t *testing.T) (*Tree, *[]string) {
	t.Helper()
	var log []string

	leaf := &NodeDefinition{
		Key: "leaf", Parent: "mid", Kind: KindLeaf,
		OnEnter: func(*TransitionContext) { log = append(log, "enter:leaf") },
		OnExit:  func(*TransitionContext) { log = append(log, "exit:leaf") },
	}
	mid := &NodeDefinition{
		Key: "mid", Parent: "root", Kind: KindInterior, Children: []StateKey{"leaf"},
		InitialChild: func(*TransitionContext) StateKey { return "leaf" },
		OnEnter:      func(*TransitionContext) { log = append(log, "enter:mid") },
		OnExit:       func(*TransitionContext) { log = append(log, "exit:mid") },
		OnMessage: func(mctx *MessageContext) MessageResult {
			if mctx.Event.Type != "RESET" {
				return Unhandled{}
			}
			return GoToSelf{}
		},
	}
	root := &NodeDefinition{
		Key: "root", Kind: KindRoot, Children: []StateKey{"mid"},
		InitialChild: func(*TransitionContext) StateKey { return "mid" },
	}
	tree, err := NewTree([]*NodeDefinition{root, mid, leaf})
	require.NoError(t, err)
	return tree, &log
}

func TestGoToSelfFromInteriorReentersDownToLeaf(t *testing.T) {
	tree, log := selfTransitionTree(t)
	m, err := New(tree)
	require.NoError(t, err)
	defer m.Dispose()

	_, err = m.Start(context.Background(), Payload{})
	require.NoError(t, err)
	*log = nil

	_, err = m.Send(context.Background(), NewEvent("RESET", nil))
	require.NoError(t, err)

	assert.Equal(t, []string{"exit:leaf", "exit:mid", "enter:mid", "enter:leaf"}, *log)
	assert.Equal(t, StateKey("leaf"), m.CurrentLeaf())
}

type greeting struct {
	Name string
}

// payloadTree attaches data at "on" sourced from a GoTo payload.
func payloadTree(t *testing.T) (*Tree, DataStateKey[greeting]) {
	t.Helper()
	key := NewDataStateKey[greeting]("on")
	onDef := &NodeDefinition{
		Key: "on", Parent: "root", Kind: KindLeaf,
		DataType: reflect.TypeFor[greeting](),
		InitialData: func(tctx *TransitionContext) any {
			g, _ := PayloadOK[greeting](tctx.Payload)
			return g
		},
	}
	offDef := &NodeDefinition{
		Key: "off", Parent: "root", Kind: KindLeaf,
		OnMessage: func(mctx *MessageContext) MessageResult {
			return To("on", WithPayload(greeting{Name: "ada"}))
		},
	}
	root := &NodeDefinition{
		Key: "root", Kind: KindRoot, Children: []StateKey{"on", "off"},
		InitialChild: func(*TransitionContext) StateKey { return "off" },
	}
	tree, err := NewTree([]*NodeDefinition{root, onDef, offDef})
	require.NoError(t, err)
	return tree, key
}

func TestPayloadFlowsIntoInitialData(t *testing.T) {
	tree, key := payloadTree(t)
	m, err := New(tree)
	require.NoError(t, err)
	defer m.Dispose()

	_, err = m.Start(context.Background(), Payload{})
	require.NoError(t, err)

	_, err = m.Send(context.Background(), NewEvent("GO", nil))
	require.NoError(t, err)
	require.Equal(t, StateKey("on"), m.CurrentLeaf())

	g, err := MachineData(m, key)
	require.NoError(t, err)
	assert.Equal(t, "ada", g.Name)
}

// scheduledTree starts a periodic Schedule in OnEnter of "armed" which stops
// firing once "armed" is exited.
func scheduledTree(t *testing.T, fired *int) *Tree {
	t.Helper()
	armed := &NodeDefinition{
		Key: "armed", Parent: "root", Kind: KindLeaf,
		OnEnter: func(tctx *TransitionContext) {
			_, _ = tctx.Schedule(10*time.Millisecond, true, func() Event { return NewEvent("TICK", nil) })
		},
		OnMessage: func(mctx *MessageContext) MessageResult {
			if mctx.Event.Type != "TICK" {
				return Unhandled{}
			}
			*fired++
			return To("disarmed")
		},
	}
	disarmed := &NodeDefinition{Key: "disarmed", Parent: "root", Kind: KindLeaf}
	root := &NodeDefinition{
		Key: "root", Kind: KindRoot, Children: []StateKey{"armed", "disarmed"},
		InitialChild: func(*TransitionContext) StateKey { return "armed" },
	}
	tree, err := NewTree([]*NodeDefinition{root, armed, disarmed})
	require.NoError(t, err)
	return tree
}

func TestScheduledTaskCancelledOnExit(t *testing.T) {
	fired := 0
	tree := scheduledTree(t, &fired)
	m, err := New(tree)
	require.NoError(t, err)
	defer m.Dispose()

	_, err = m.Start(context.Background(), Payload{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return m.CurrentLeaf() == StateKey("disarmed")
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, fired)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, fired, "schedule owned by armed must not fire again after exit")
}

func TestRedirectRestartsDispatchAgainstNewLeaf(t *testing.T) {
	handled := []StateKey{}
	a := &NodeDefinition{
		Key: "a", Parent: "root", Kind: KindLeaf,
		OnMessage: func(mctx *MessageContext) MessageResult {
			if mctx.Event.Type == "GO" {
				return Redirect{Target: "b"}
			}
			return Unhandled{}
		},
	}
	b := &NodeDefinition{
		Key: "b", Parent: "root", Kind: KindLeaf,
		OnMessage: func(mctx *MessageContext) MessageResult {
			handled = append(handled, "b")
			if mctx.Event.Type == "GO" {
				return Stay{}
			}
			return Unhandled{}
		},
	}
	root := &NodeDefinition{
		Key: "root", Kind: KindRoot, Children: []StateKey{"a", "b"},
		InitialChild: func(*TransitionContext) StateKey { return "a" },
	}
	tree, err := NewTree([]*NodeDefinition{root, a, b})
	require.NoError(t, err)

	m, err := New(tree)
	require.NoError(t, err)
	defer m.Dispose()

	_, err = m.Start(context.Background(), Payload{})
	require.NoError(t, err)

	_, err = m.Send(context.Background(), NewEvent("GO", nil))
	require.NoError(t, err)
	assert.Equal(t, StateKey("b"), m.CurrentLeaf())
	assert.Equal(t, []StateKey{"b"}, handled)
}

func TestRedirectLoopFailsPastBudget(t *testing.T) {
	spin := &NodeDefinition{
		Key: "spin", Parent: "root", Kind: KindLeaf,
		OnMessage: func(mctx *MessageContext) MessageResult {
			return Redirect{Target: "spin"}
		},
	}
	root := &NodeDefinition{
		Key: "root", Kind: KindRoot, Children: []StateKey{"spin"},
		InitialChild: func(*TransitionContext) StateKey { return "spin" },
	}
	tree, err := NewTree([]*NodeDefinition{root, spin})
	require.NoError(t, err)

	m, err := New(tree, WithRedirectLimit(3))
	require.NoError(t, err)
	defer m.Dispose()

	_, err = m.Start(context.Background(), Payload{})
	require.NoError(t, err)

	_, err = m.Send(context.Background(), NewEvent("LOOP", nil))
	require.ErrorIs(t, err, ErrRedirectLoop)
}

func TestDataUnavailableWhenNodeInactive(t *testing.T) {
	tree, key := payloadTree(t)
	m, err := New(tree)
	require.NoError(t, err)
	defer m.Dispose()

	_, err = m.Start(context.Background(), Payload{})
	require.NoError(t, err)

	_, err = MachineData(m, key)
	assert.ErrorIs(t, err, ErrDataUnavailable)
}

func TestSendBeforeStartFailsWithErrNotRunning(t *testing.T) {
	tree := switchTree(t)
	m, err := New(tree)
	require.NoError(t, err)
	defer m.Dispose()

	_, err = m.Send(context.Background(), NewEvent("TOGGLE", nil))
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestGoToCurrentLeafWithoutReenterIsEmptyTransition(t *testing.T) {
	tree := switchTree(t)
	m, err := New(tree)
	require.NoError(t, err)
	defer m.Dispose()

	_, err = m.Start(context.Background(), Payload{})
	require.NoError(t, err)

	tr, err := runTransitionForTest(m, "off", false, Payload{})
	require.NoError(t, err)
	assert.Empty(t, tr.Exited)
	assert.Empty(t, tr.Entered)
	assert.Equal(t, StateKey("off"), m.CurrentLeaf())
}

// runTransitionForTest drives runTransition directly under the machine's
// lock, the way dispatchOne would for a GoTo result, without needing a
// handler wired up for every plan under test.
func runTransitionForTest(m *Machine, target StateKey, reenter bool, payload Payload) (Transition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var captured Transition
	sub := m.transitions.Subscribe()
	err := runTransition(m, target, reenter, payload, nil)
	if err == nil {
		select {
		case captured = <-sub:
		default:
		}
	}
	return captured, err
}

// reentryTree lets "leaf"'s ancestor "mid" be targeted directly by a
// GoTo{Target: "mid", Reenter: true} without going through GoToSelf, to
// exercise the general (non-self) ancestor re-entry path.
func reentryTree(t *testing.T) (*Tree, *[]string) {
	t.Helper()
	var log []string

	leaf := &NodeDefinition{
		Key: "leaf", Parent: "mid", Kind: KindLeaf,
		OnEnter: func(*TransitionContext) { log = append(log, "enter:leaf") },
		OnExit:  func(*TransitionContext) { log = append(log, "exit:leaf") },
	}
	mid := &NodeDefinition{
		Key: "mid", Parent: "root", Kind: KindInterior, Children: []StateKey{"leaf"},
		InitialChild: func(*TransitionContext) StateKey { return "leaf" },
		OnEnter:      func(*TransitionContext) { log = append(log, "enter:mid") },
		OnExit:       func(*TransitionContext) { log = append(log, "exit:mid") },
	}
	root := &NodeDefinition{
		Key: "root", Kind: KindRoot, Children: []StateKey{"mid"},
		InitialChild: func(*TransitionContext) StateKey { return "mid" },
		OnMessage: func(mctx *MessageContext) MessageResult {
			if mctx.Event.Type != "REENTER_MID" {
				return Unhandled{}
			}
			return To("mid", WithReenter())
		},
	}
	tree, err := NewTree([]*NodeDefinition{root, mid, leaf})
	require.NoError(t, err)
	return tree, &log
}

func TestGoToReenterAncestorWithoutSelfTransition(t *testing.T) {
	tree, log := reentryTree(t)
	m, err := New(tree)
	require.NoError(t, err)
	defer m.Dispose()

	_, err = m.Start(context.Background(), Payload{})
	require.NoError(t, err)
	*log = nil

	_, err = m.Send(context.Background(), NewEvent("REENTER_MID", nil))
	require.NoError(t, err)

	assert.Equal(t, []string{"exit:leaf", "exit:mid", "enter:mid", "enter:leaf"}, *log)
	assert.Equal(t, StateKey("leaf"), m.CurrentLeaf())
}

func TestGoToActionRunsBeforeExitHandlers(t *testing.T) {
	var log []string
	a := &NodeDefinition{
		Key: "a", Parent: "root", Kind: KindLeaf,
		OnExit: func(*TransitionContext) { log = append(log, "exit:a") },
		OnMessage: func(mctx *MessageContext) MessageResult {
			return To("b", WithAction(func(*TransitionContext) { log = append(log, "action") }))
		},
	}
	b := &NodeDefinition{
		Key: "b", Parent: "root", Kind: KindLeaf,
		OnEnter: func(*TransitionContext) { log = append(log, "enter:b") },
	}
	root := &NodeDefinition{
		Key: "root", Kind: KindRoot, Children: []StateKey{"a", "b"},
		InitialChild: func(*TransitionContext) StateKey { return "a" },
	}
	tree, err := NewTree([]*NodeDefinition{root, a, b})
	require.NoError(t, err)

	m, err := New(tree)
	require.NoError(t, err)
	defer m.Dispose()

	_, err = m.Start(context.Background(), Payload{})
	require.NoError(t, err)

	_, err = m.Send(context.Background(), NewEvent("GO", nil))
	require.NoError(t, err)

	assert.Equal(t, []string{"action", "exit:a", "enter:b"}, log)
}

func TestGoToSelfOnRootRejected(t *testing.T) {
	leaf := &NodeDefinition{Key: "leaf", Parent: "root", Kind: KindLeaf}
	root := &NodeDefinition{
		Key: "root", Kind: KindRoot, Children: []StateKey{"leaf"},
		InitialChild: func(*TransitionContext) StateKey { return "leaf" },
		OnMessage: func(mctx *MessageContext) MessageResult {
			if mctx.Event.Type != "REENTER_ROOT" {
				return Unhandled{}
			}
			return GoToSelf{}
		},
	}
	tree, err := NewTree([]*NodeDefinition{root, leaf})
	require.NoError(t, err)

	m, err := New(tree)
	require.NoError(t, err)
	defer m.Dispose()

	_, err = m.Start(context.Background(), Payload{})
	require.NoError(t, err)

	_, err = m.Send(context.Background(), NewEvent("REENTER_ROOT", nil))
	assert.ErrorIs(t, err, ErrReenterRoot)
	assert.Equal(t, StateKey("leaf"), m.CurrentLeaf())
}

// nearestAncestorDataTree activates an int cell on root only; "leaf" and its
// parent "mid" declare no data of their own, so a no-key data lookup from
// "leaf" must climb past "mid" to find it on "root". read captures whatever
// the leaf's OnMessage reads back, for the test to inspect.
func nearestAncestorDataTree(t *testing.T) (*Tree, *int) {
	t.Helper()
	read := new(int)
	leaf := &NodeDefinition{
		Key: "leaf", Parent: "mid", Kind: KindLeaf,
		OnMessage: func(mctx *MessageContext) MessageResult {
			if mctx.Event.Type != "READ" {
				return Unhandled{}
			}
			v, err := MessageData[int](mctx)
			if err != nil {
				panic(err)
			}
			*read = v
			return Stay{}
		},
	}
	mid := &NodeDefinition{
		Key: "mid", Parent: "root", Kind: KindInterior, Children: []StateKey{"leaf"},
		InitialChild: func(*TransitionContext) StateKey { return "leaf" },
	}
	root := &NodeDefinition{
		Key: "root", Kind: KindRoot, Children: []StateKey{"mid"},
		DataType:     reflect.TypeFor[int](),
		InitialData:  func(*TransitionContext) any { return 42 },
		InitialChild: func(*TransitionContext) StateKey { return "mid" },
	}
	tree, err := NewTree([]*NodeDefinition{root, mid, leaf})
	require.NoError(t, err)
	return tree, read
}

func TestMessageDataWithNoKeyFindsNearestAncestor(t *testing.T) {
	tree, read := nearestAncestorDataTree(t)
	m, err := New(tree)
	require.NoError(t, err)
	defer m.Dispose()

	_, err = m.Start(context.Background(), Payload{})
	require.NoError(t, err)

	_, err = m.Send(context.Background(), NewEvent("READ", nil))
	require.NoError(t, err)
	assert.Equal(t, 42, *read)

	v, err := MachineData[int](m)
	require.NoError(t, err)
	assert.Equal(t, 42, v, "MachineData with no key should resolve the same nearest-ancestor cell")
}
