package hsmstate

import (
	"context"
	"reflect"
)

// Event types synthesized by Adapter and posted to the parent machine.
const (
	EventMachineDone     = "hsmstate.nested.done"
	EventMachineDisposed = "hsmstate.nested.disposed"
)

// MachineDoneData is the payload of an EventMachineDone event: the nested
// machine's final leaf.
type MachineDoneData struct {
	Final StateKey
}

// MachineDisposedData is the payload of an EventMachineDisposed event.
type MachineDisposedData struct{}

// NestedMachineData is the data value of a leaf hosting a nested Machine; it
// is what ancestor handlers see via Data/MessageData using
// NestedMachineKey.
type NestedMachineData struct {
	Child   *Machine
	Adapter *Adapter
}

// AdapterOption configures an Adapter.
type AdapterOption func(*Adapter)

// WithForwardMessages controls whether events dispatched to the adapter's
// leaf are forwarded to the child machine. Default true.
func WithForwardMessages(forward bool) AdapterOption {
	return func(a *Adapter) { a.forwardMessages = forward }
}

// WithDisposeOnExit controls whether the child machine is disposed when the
// adapter's leaf is exited. Default true.
func WithDisposeOnExit(dispose bool) AdapterOption {
	return func(a *Adapter) { a.disposeOnExit = dispose }
}

// WithIsDone supplies an additional completion predicate evaluated against
// every child Transition, on top of the built-in "entered a final leaf"
// check.
func WithIsDone(fn func(Transition) bool) AdapterOption {
	return func(a *Adapter) { a.isDone = fn }
}

// Adapter runs a child Machine inside one leaf of a parent Machine: it
// forwards messages down and surfaces the child's completion or disposal as
// a synthetic event posted back up.
type Adapter struct {
	child  *Machine
	parent *Machine
	owner  StateKey

	forwardMessages bool
	disposeOnExit   bool
	isDone          func(Transition) bool

	stop chan struct{}
}

// NewAdapter wraps child. The child must already be constructed (typically
// started inside the owning node's OnEnter, immediately before Attach).
func NewAdapter(child *Machine, opts ...AdapterOption) *Adapter {
	a := &Adapter{
		child:           child,
		forwardMessages: true,
		disposeOnExit:   true,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Attach begins watching the child's Transitions and LifecycleChanges
// streams, posting EventMachineDone/EventMachineDisposed to parent when
// appropriate. owner is the parent node whose data cell holds this adapter,
// used only for logging/diagnostics symmetry with the rest of the engine.
func (a *Adapter) Attach(parent *Machine, owner StateKey) {
	a.parent = parent
	a.owner = owner
	a.stop = make(chan struct{})
	go a.watch()
}

func (a *Adapter) watch() {
	transitions := a.child.Transitions()
	lifecycle := a.child.LifecycleChanges()
	for {
		select {
		case t, ok := <-transitions:
			if !ok {
				return
			}
			if a.childDone(t) {
				_, _ = a.parent.Send(context.Background(), NewEvent(EventMachineDone, MachineDoneData{Final: t.To}))
				return
			}
		case lc, ok := <-lifecycle:
			if !ok {
				return
			}
			if lc == Disposed {
				_, _ = a.parent.Send(context.Background(), NewEvent(EventMachineDisposed, MachineDisposedData{}))
				return
			}
		case <-a.stop:
			return
		}
	}
}

func (a *Adapter) childDone(t Transition) bool {
	if t.To != "" {
		if def, ok := a.child.Tree().Node(t.To); ok && def.Kind == KindFinalLeaf {
			return true
		}
	}
	return a.isDone != nil && a.isDone(t)
}

// Forward delivers event to the child machine, if forwarding is enabled.
func (a *Adapter) Forward(event Event) error {
	if !a.forwardMessages {
		return nil
	}
	_, err := a.child.Send(context.Background(), event)
	return err
}

// Detach stops watching the child and, if DisposeOnExit is set, disposes it.
// Safe to call once, typically from the owning node's OnExit.
func (a *Adapter) Detach() {
	if a.stop != nil {
		close(a.stop)
		a.stop = nil
	}
	if a.disposeOnExit {
		_ = a.child.Dispose()
	}
}

// NestedMachineKey is the DataStateKey under which NewNestedLeaf stores its
// NestedMachineData.
func NestedMachineKey(key StateKey) DataStateKey[NestedMachineData] {
	return NewDataStateKey[NestedMachineData](key)
}

// NewNestedLeaf builds a leaf NodeDefinition whose behavior is delegated to
// a child machine constructed fresh on every entry by newChild. Entry starts
// the child and attaches an Adapter; exit detaches it; incoming messages are
// forwarded to the child (a handler higher up the ancestor chain can still
// react to EventMachineDone/EventMachineDisposed, or to the child's own
// Transitions/data surfaced via NestedMachineKey).
func NewNestedLeaf(key, parent StateKey, newChild func(*TransitionContext) *Machine, opts ...AdapterOption) *NodeDefinition {
	return &NodeDefinition{
		Key:      key,
		Parent:   parent,
		Kind:     KindLeaf,
		DataType: reflect.TypeFor[NestedMachineData](),
		InitialData: func(tctx *TransitionContext) any {
			return NestedMachineData{}
		},
		OnEnter: func(tctx *TransitionContext) {
			child := newChild(tctx)
			adapter := NewAdapter(child, opts...)
			_ = TransitionReplaceData(tctx, NestedMachineKey(key), NestedMachineData{Child: child, Adapter: adapter})
			_, _ = child.Start(context.Background(), Payload{})
			adapter.Attach(tctx.m, key)
		},
		OnExit: func(tctx *TransitionContext) {
			data, err := TransitionData(tctx, NestedMachineKey(key))
			if err == nil && data.Adapter != nil {
				data.Adapter.Detach()
			}
		},
		OnMessage: func(mctx *MessageContext) MessageResult {
			if mctx.Event.Type == EventMachineDone || mctx.Event.Type == EventMachineDisposed {
				return Unhandled{}
			}
			data, err := MessageData(mctx, NestedMachineKey(key))
			if err != nil || data.Adapter == nil {
				return Unhandled{}
			}
			if !data.Adapter.forwardMessages {
				return Unhandled{}
			}
			if err := data.Adapter.Forward(mctx.Event); err != nil {
				return Unhandled{}
			}
			return Stay{}
		},
	}
}
