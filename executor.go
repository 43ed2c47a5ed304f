package hsmstate

import "fmt"

// execute runs p against m: OnExit for each node in p.exit (deepest first),
// then OnEnter for each node in p.enter (shallowest first), allocating and
// releasing data cells as it goes. It returns the resolved leaf (p.to) on
// success.
//
// A failing OnExit or OnEnter (panic, recovered by callHandlerTransition)
// stops the run at that node and returns an empty key, so the caller leaves
// the machine's current leaf at its pre-transition value; nodes already
// exited are not re-entered, and the data cell of a node whose OnEnter failed
// is discarded. This matches the teacher's best-effort rollback stance: a
// transition is not transactional, so partial application is visible to
// subsequent handlers.
func execute(m *Machine, p *plan, payload Payload) (StateKey, error) {
	for _, key := range p.exit {
		def := m.tree.MustNode(key)
		tctx := m.newTransitionContext(key, payload)
		if def.OnExit != nil {
			if err := callHandlerTransition(def.OnExit, tctx); err != nil {
				tctx.invalidate()
				return "", fmt.Errorf("exiting %q: %w", key, err)
			}
		}
		tctx.invalidate()
		m.store.deactivate(key)
		m.cancelScheduledFor(key)
	}

	for _, key := range p.enter {
		def := m.tree.MustNode(key)
		tctx := m.newTransitionContext(key, payload)

		if def.DataBearing() {
			m.store.activate(key, def.InitialData(tctx), def.DataType)
		}

		if def.OnEnter != nil {
			if err := callHandlerTransition(def.OnEnter, tctx); err != nil {
				tctx.invalidate()
				m.store.deactivate(key)
				return "", fmt.Errorf("entering %q: %w", key, err)
			}
		}
		tctx.invalidate()
	}

	return p.to, nil
}

// callHandlerTransition invokes fn, converting a panic into an error so a
// misbehaving OnEnter/OnExit/InitialChild cannot take down the whole
// process. The machine does not attempt to distinguish a programming error
// from a deliberate panic; both surface identically as a ProcessingError to
// the caller of Send.
func callHandlerTransition(fn func(*TransitionContext), tctx *TransitionContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	fn(tctx)
	return nil
}

// callHandlerMessage invokes fn, converting a panic into an Unhandled result
// plus an error so the caller can tell a deliberate Unhandled from a crash.
func callHandlerMessage(fn func(*MessageContext) MessageResult, mctx *MessageContext) (res MessageResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			res = Unhandled{}
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return fn(mctx), nil
}
