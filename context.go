package hsmstate

import (
	"fmt"
	"reflect"
	"time"
)

// Payload carries the strongly-typed argument of a GoTo/GoToSelf/Send call
// through to the handlers invoked along the way. A zero Payload carries no
// value; PayloadOf panics if asked for a type it wasn't built with, so
// handlers that accept a payload should document and check its type, or use
// PayloadOK.
type Payload struct {
	value any
}

// NewPayload wraps v as a Payload.
func NewPayload(v any) Payload { return Payload{value: v} }

// PayloadOf extracts a P from p, panicking if p holds no value or a
// different type. Use PayloadOK when the caller cannot guarantee the shape.
func PayloadOf[P any](p Payload) P {
	v, ok := PayloadOK[P](p)
	if !ok {
		panic(fmt.Sprintf("hsmstate: payload does not hold a %T", *new(P)))
	}
	return v
}

// PayloadOK extracts a P from p without panicking.
func PayloadOK[P any](p Payload) (P, bool) {
	v, ok := p.value.(P)
	return v, ok
}

// liveness is embedded by both context types so Post/Schedule calls made
// after the originating handler call returns fail loudly instead of
// corrupting machine state from a stray goroutine.
type liveness struct {
	m    *Machine
	live bool
}

func (l *liveness) checkLive() error {
	if !l.live {
		return ErrStaleContext
	}
	return nil
}

func (l *liveness) invalidate() { l.live = false }

// TransitionContext is passed to InitialChild, OnEnter, and OnExit. It gives
// a handler read/write access to its own and its ancestors' data, the
// transition's payload (if any), and the ability to enqueue follow-up
// messages or scheduled deliveries.
type TransitionContext struct {
	liveness

	Self    StateKey
	Payload Payload

	store *Store
	tree  *Tree
	path  []StateKey // active ancestor chain at the moment this context was built, leaf first
}

// TransitionData reads key's data if given. With no key, it returns the data
// of the node nearest to Self (inclusive, walking up through ancestors) that
// declares type D.
func TransitionData[D any](ctx *TransitionContext, key ...DataStateKey[D]) (D, error) {
	var zero D
	if err := ctx.checkLive(); err != nil {
		return zero, err
	}
	if len(key) > 0 {
		return Data(ctx.store, key[0])
	}
	v, _, err := ctx.store.dataOfNearestAncestor(ctx.path, ctx.tree, reflect.TypeFor[D]())
	if err != nil {
		return zero, err
	}
	return v.(D), nil
}

// TransitionUpdateData applies fn to key's current value.
func TransitionUpdateData[D any](ctx *TransitionContext, key DataStateKey[D], fn func(D) D) error {
	if err := ctx.checkLive(); err != nil {
		return err
	}
	return UpdateData(ctx.store, key, fn)
}

// TransitionReplaceData overwrites key's current value.
func TransitionReplaceData[D any](ctx *TransitionContext, key DataStateKey[D], v D) error {
	if err := ctx.checkLive(); err != nil {
		return err
	}
	return ReplaceData(ctx.store, key, v)
}

// Post enqueues a message for asynchronous delivery once the in-flight
// transition (and any transitions it triggers via Redirect) has settled.
func (ctx *TransitionContext) Post(event Event) error {
	if err := ctx.checkLive(); err != nil {
		return err
	}
	return ctx.m.enqueueFromHandler(event)
}

// Schedule arranges for producer's result to be posted after d, unless
// cancelled first or Self is exited before it fires. If periodic is true the
// delivery repeats every d until cancelled or Self is exited. Scheduling
// from inside a transition defers the first tick until the transition
// completes. The returned handle is valid for the lifetime of the machine,
// independent of this context.
func (ctx *TransitionContext) Schedule(d time.Duration, periodic bool, producer func() Event) (CancelHandle, error) {
	if err := ctx.checkLive(); err != nil {
		return CancelHandle{}, err
	}
	return ctx.m.scheduler.schedule(ctx.Self, d, periodic, producer, ctx.m), nil
}

// MessageContext is passed to a node's Filters and OnMessage. It additionally
// carries the message being dispatched and the ability to answer with a
// MessageResult.
type MessageContext struct {
	liveness

	Self    StateKey
	Event   Event
	Payload Payload

	store *Store
	tree  *Tree
	path  []StateKey
}

// MessageData reads key's data if given. With no key, it returns the data of
// the node nearest to Self (inclusive, walking up through ancestors) that
// declares type D.
func MessageData[D any](ctx *MessageContext, key ...DataStateKey[D]) (D, error) {
	var zero D
	if err := ctx.checkLive(); err != nil {
		return zero, err
	}
	if len(key) > 0 {
		return Data(ctx.store, key[0])
	}
	v, _, err := ctx.store.dataOfNearestAncestor(ctx.path, ctx.tree, reflect.TypeFor[D]())
	if err != nil {
		return zero, err
	}
	return v.(D), nil
}

// MessageUpdateData applies fn to key's current value.
func MessageUpdateData[D any](ctx *MessageContext, key DataStateKey[D], fn func(D) D) error {
	if err := ctx.checkLive(); err != nil {
		return err
	}
	return UpdateData(ctx.store, key, fn)
}

// MessageReplaceData overwrites key's current value.
func MessageReplaceData[D any](ctx *MessageContext, key DataStateKey[D], v D) error {
	if err := ctx.checkLive(); err != nil {
		return err
	}
	return ReplaceData(ctx.store, key, v)
}

// Post enqueues a message for asynchronous delivery once the current
// dispatch cycle has settled.
func (ctx *MessageContext) Post(event Event) error {
	if err := ctx.checkLive(); err != nil {
		return err
	}
	return ctx.m.enqueueFromHandler(event)
}

// Schedule arranges for event to be posted after d.
func (ctx *MessageContext) Schedule(d time.Duration, event Event) (CancelHandle, error) {
	if err := ctx.checkLive(); err != nil {
		return CancelHandle{}, err
	}
	return ctx.m.scheduler.schedule(ctx.Self, d, false, func() Event { return event }, ctx.m), nil
}
