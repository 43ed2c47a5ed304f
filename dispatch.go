package hsmstate

import (
	"fmt"
	"reflect"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// MessageResult is the sum type an OnMessage handler returns: exactly one of
// GoTo, GoToSelf, Stay, Unhandled, or Redirect. The interface is sealed by an
// unexported marker method; external packages construct one of the five
// variants rather than implementing the interface themselves.
type MessageResult interface {
	isMessageResult()
}

// GoTo transitions the active configuration to Target, exiting every node
// between the current leaf and their least common ancestor with Target, and
// entering every node between that ancestor and Target. If Target is itself
// a Root or Interior node, entry continues by resolving its InitialChild
// (and so on) until a leaf is reached.
type GoTo struct {
	Target  StateKey
	Payload Payload

	// Reenter forces Target (when it lies on the handling leaf's own
	// ancestor chain, including equal to it) to be exited and re-entered
	// rather than left untouched. It has no effect when Target is not an
	// ancestor of the current leaf: the transition always descends into
	// Target fresh in that case.
	Reenter bool

	// Action, if non-nil, runs once before any exit handler, bound to a
	// TransitionContext whose Self is the pre-transition current leaf.
	Action func(*TransitionContext)
}

func (GoTo) isMessageResult() {}

// To builds a GoTo, optionally attaching a payload.
func To(target StateKey, opts ...GoToOption) GoTo {
	g := GoTo{Target: target}
	for _, opt := range opts {
		opt(&g)
	}
	return g
}

// GoToOption configures a GoTo built via To.
type GoToOption func(*GoTo)

// WithPayload attaches v as the transition's payload.
func WithPayload(v any) GoToOption {
	return func(g *GoTo) { g.Payload = NewPayload(v) }
}

// WithReenter forces re-entry of Target when it lies on the current leaf's
// ancestor chain (see GoTo.Reenter).
func WithReenter() GoToOption {
	return func(g *GoTo) { g.Reenter = true }
}

// WithAction attaches a pre-transition callback (see GoTo.Action).
func WithAction(fn func(*TransitionContext)) GoToOption {
	return func(g *GoTo) { g.Action = fn }
}

// GoToSelf re-enters the handling node itself: OnExit then OnEnter run again
// for that node (and, if it is not a leaf, its descendants are freshly
// resolved via InitialChild), without otherwise disturbing the rest of the
// active configuration. It is equivalent to GoTo{Target: handlingState,
// Reenter: true}.
type GoToSelf struct {
	Payload Payload
	Action  func(*TransitionContext)
}

func (GoToSelf) isMessageResult() {}

// Stay reports that the event was handled and no transition should occur.
type Stay struct{}

func (Stay) isMessageResult() {}

// Unhandled reports that the receiving node has no response to the event,
// so dispatch should continue to the next ancestor.
type Unhandled struct{}

func (Unhandled) isMessageResult() {}

// Redirect transitions to Target exactly like GoTo, then restarts the full
// ancestor walk for the *same* in-flight event from the resulting leaf up to
// the root. Each Redirect consumes one unit of the machine's redirect
// budget; exceeding it fails the cycle with ErrRedirectLoop.
type Redirect struct {
	Target  StateKey
	Payload Payload
}

func (Redirect) isMessageResult() {}

// Handlers is a small builder for a node's OnMessage function, implementing
// a dual value/type dispatch table: a message first matches an exact,
// comparable value registered via On, and only failing that matches against
// the runtime type of the message registered via HandlersFor. Unmatched
// messages yield Unhandled.
//
// The message a handler is matched against is the dispatched event's Data
// when non-nil, and its Type string otherwise, so plain string-tagged
// events with no payload still dispatch through On(eventType, ...).
type Handlers struct {
	// byValue is insertion-ordered so Build's overlap check (and any future
	// debug dump of a node's registrations) is deterministic across runs.
	byValue *orderedmap.OrderedMap[any, func(*MessageContext) MessageResult]
	byType  map[reflect.Type]func(*MessageContext) MessageResult
}

// NewHandlers returns an empty Handlers builder.
func NewHandlers() *Handlers {
	return &Handlers{
		byValue: orderedmap.New[any, func(*MessageContext) MessageResult](),
		byType:  make(map[reflect.Type]func(*MessageContext) MessageResult),
	}
}

// On registers fn for an exact message value. value must be comparable.
func (h *Handlers) On(value any, fn func(*MessageContext) MessageResult) *Handlers {
	h.byValue.Set(value, fn)
	return h
}

// HandlersFor registers fn for any message whose runtime type is exactly T.
// If no value handler claims the concrete message first, fn is called with
// the message asserted to T; a message of a different type is left for the
// next candidate handler (i.e. treated as unmatched by this registration).
func HandlersFor[T any](h *Handlers, fn func(*MessageContext, T) MessageResult) *Handlers {
	h.byType[reflect.TypeFor[T]()] = func(mctx *MessageContext) MessageResult {
		v, ok := dispatchMessage(mctx.Event).(T)
		if !ok {
			return Unhandled{}
		}
		return fn(mctx, v)
	}
	return h
}

// dispatchMessage resolves the value Handlers matches against: the event's
// Data if present, else its Type.
func dispatchMessage(event Event) any {
	if event.Data != nil {
		return event.Data
	}
	return event.Type
}

// Build returns the OnMessage function for a NodeDefinition. It panics if a
// value registered via On shares a runtime type with a handler registered
// via HandlersFor: such a registration is ambiguous about which handler a
// reader should expect to run, since the value match would always win and
// silently shadow the type handler for that one value.
func (h *Handlers) Build() func(*MessageContext) MessageResult {
	for pair := h.byValue.Oldest(); pair != nil; pair = pair.Next() {
		t := reflect.TypeOf(pair.Key)
		if t == nil {
			continue
		}
		if _, overlap := h.byType[t]; overlap {
			panic(fmt.Sprintf("hsmstate: Handlers: value %#v of type %s overlaps a registered type handler", pair.Key, t))
		}
	}

	byValue := h.byValue
	byType := h.byType
	return func(mctx *MessageContext) MessageResult {
		msg := dispatchMessage(mctx.Event)
		if fn, ok := byValue.Get(msg); ok {
			return fn(mctx)
		}
		if t := reflect.TypeOf(msg); t != nil {
			if fn, ok := byType[t]; ok {
				return fn(mctx)
			}
		}
		return Unhandled{}
	}
}

// dispatchOne runs one full dispatch cycle of event against m's current
// active configuration, following Redirects up to m.redirectLimit times.
// Must be called with m.mu held.
func dispatchOne(m *Machine, event Event) error {
	for redirects := 0; ; redirects++ {
		if redirects > m.redirectLimit {
			return fmt.Errorf("%w: after %d redirects", ErrRedirectLoop, redirects)
		}

		result, handledBy, err := walkAncestors(m, event)
		if err != nil {
			return err
		}

		switch r := result.(type) {
		case nil, Unhandled:
			return nil
		case Stay:
			return nil
		case GoTo:
			return runTransition(m, r.Target, r.Reenter, r.Payload, r.Action)
		case GoToSelf:
			return runTransition(m, handledBy, true, r.Payload, r.Action)
		case Redirect:
			if err := runTransition(m, r.Target, false, r.Payload, nil); err != nil {
				return err
			}
			continue
		default:
			return fmt.Errorf("hsmstate: internal error: unknown MessageResult %T", r)
		}
	}
}

// walkAncestors runs event's Filters/OnMessage against the current leaf and
// its ancestors, nearest first, stopping at the first node that returns
// anything other than Unhandled. It returns that result (Unhandled{} and an
// empty key if every node was Unhandled or had no OnMessage) and the node
// that produced it.
func walkAncestors(m *Machine, event Event) (MessageResult, StateKey, error) {
	if m.leaf == "" {
		return Unhandled{}, "", nil
	}
	if def, ok := m.tree.Node(m.leaf); ok && def.Kind == KindFinalLeaf {
		return Unhandled{}, "", nil
	}

	path := m.store.AncestorsOf(m.leaf)

	for _, key := range path {
		def := m.tree.MustNode(key)
		if def.OnMessage == nil {
			continue
		}

		mctx := m.newMessageContext(key, event)

		passed := true
		for _, f := range def.Filters {
			if !f(mctx) {
				passed = false
				break
			}
		}
		if !passed {
			mctx.invalidate()
			continue
		}

		result, err := callHandlerMessage(def.OnMessage, mctx)
		mctx.invalidate()
		if err != nil {
			return nil, key, fmt.Errorf("handling %q at %q: %w", event.Type, key, err)
		}
		if _, unhandled := result.(Unhandled); unhandled {
			continue
		}
		return result, key, nil
	}

	return Unhandled{}, "", nil
}

// runTransition plans and executes a transition to target (reentering it,
// and any ancestors between it and the current leaf, when reenter is true
// and target lies on the current leaf's ancestor chain), then updates
// m.leaf on success.
func runTransition(m *Machine, target StateKey, reenter bool, payload Payload, action func(*TransitionContext)) error {
	tctx := m.newTransitionContext(m.leaf, payload)
	p, err := planTransition(m.tree, m.store, m.leaf, target, reenter, tctx)
	tctx.invalidate()
	if err != nil {
		return err
	}

	if action != nil {
		actx := m.newTransitionContext(m.leaf, payload)
		if err := callHandlerTransition(action, actx); err != nil {
			actx.invalidate()
			return fmt.Errorf("running pre-transition action: %w", err)
		}
		actx.invalidate()
	}

	newLeaf, err := execute(m, p, payload)
	if newLeaf != "" {
		m.leaf = newLeaf
	}
	if err != nil {
		return err
	}

	m.transitions.Publish(Transition{
		From:    p.from,
		To:      p.to,
		Exited:  p.exit,
		Entered: p.enter,
		Payload: payload,
	})
	return nil
}
