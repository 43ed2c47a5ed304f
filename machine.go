package hsmstate

import (
	"context"
	"fmt"
	"log"
	"reflect"
	"sync"
)

// Lifecycle is the coarse-grained state of a Machine, independent of which
// tree node is current.
type Lifecycle int

const (
	Constructed Lifecycle = iota
	Starting
	Started
	Stopping
	Stopped
	Disposed
)

func (l Lifecycle) String() string {
	switch l {
	case Constructed:
		return "constructed"
	case Starting:
		return "starting"
	case Started:
		return "started"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	case Disposed:
		return "disposed"
	default:
		return "unknown"
	}
}

// Transition describes one completed exit/entry cycle, published on a
// Machine's Transitions stream.
type Transition struct {
	From, To StateKey
	Exited   []StateKey
	Entered  []StateKey
	Payload  Payload
}

// ProcessResult describes the outcome of one Send/Post delivery, published
// on a Machine's ProcessedMessages stream and also returned directly from
// Send.
type ProcessResult struct {
	Event     Event
	Receiving StateKey // the leaf current when dispatch began
	Handling  StateKey // left as the zero key: dispatch does not report which node produced the result
	// Transition carries From/To only, and is set only when the current leaf
	// changed (so it is nil after a self-transition back to the same leaf).
	Transition *Transition
}

// DisposalPolicy controls what happens to a Machine's internally queued
// (posted/scheduled) work when Dispose is called.
type DisposalPolicy int

const (
	// DropPending discards any queued-but-undelivered messages on Dispose.
	DropPending DisposalPolicy = iota
	// DrainPending delivers every queued message before Dispose completes.
	DrainPending
)

// Option configures a Machine at construction, mirroring the teacher's
// functional-options style.
type Option func(*Machine)

// WithRedirectLimit overrides the default Redirect budget (5) per dispatch
// cycle.
func WithRedirectLimit(n int) Option {
	return func(m *Machine) { m.redirectLimit = n }
}

// WithLogger attaches a logger used to report recovered handler panics and
// scheduled-delivery failures. A nil logger (the default) means silent.
func WithLogger(l *log.Logger) Option {
	return func(m *Machine) { m.logger = l }
}

// WithDisposalPolicy overrides the default DropPending policy.
func WithDisposalPolicy(p DisposalPolicy) Option {
	return func(m *Machine) { m.disposalPolicy = p }
}

// Machine is a single running instance of a Tree: the current leaf, all
// active nodes' data, pending scheduled work, and the public streams
// reflecting its activity. All mutable state is owned by Machine and
// mutated only while m.mu is held; contexts handed to user handlers are
// built and invalidated within that same critical section.
type Machine struct {
	mu sync.Mutex

	tree  *Tree
	store *Store

	scheduler *scheduler

	leaf      StateKey
	lifecycle Lifecycle

	redirectLimit  int
	disposalPolicy DisposalPolicy
	logger         *log.Logger

	queue []Event

	transitions *broadcastStream[Transition]
	processed   *broadcastStream[ProcessResult]
	errorsCh    *broadcastStream[ProcessingError]
	lifecycleCh *broadcastStream[Lifecycle]
}

// New constructs a Machine over tree. The machine does not become runnable
// until Start is called.
func New(tree *Tree, opts ...Option) (*Machine, error) {
	if tree == nil {
		return nil, fmt.Errorf("%w: nil tree", ErrTreeDefinition)
	}

	m := &Machine{
		tree:           tree,
		store:          newStore(tree),
		scheduler:      newScheduler(),
		lifecycle:      Constructed,
		redirectLimit:  5,
		disposalPolicy: DropPending,
		transitions:    newBroadcastStream[Transition](false),
		processed:      newBroadcastStream[ProcessResult](false),
		errorsCh:       newBroadcastStream[ProcessingError](false),
		lifecycleCh:    newBroadcastStream[Lifecycle](true),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Start descends from the root through InitialChild selectors and enters
// every node along the way, moving the machine from Constructed to Started.
// Calling Start again after the first call is an error.
func (m *Machine) Start(ctx context.Context, payload Payload) (Transition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.lifecycle == Disposed {
		return Transition{}, ErrDisposed
	}
	if m.lifecycle != Constructed {
		return Transition{}, fmt.Errorf("hsmstate: Start called in lifecycle %s", m.lifecycle)
	}
	m.lifecycle = Starting
	m.setLifecycle(Starting)

	root := m.tree.Root
	tctx := m.newTransitionContext(root, payload)
	enter := []StateKey{root}
	cur := root
	for {
		def := m.tree.MustNode(cur)
		if def.Kind.IsLeaf() {
			break
		}
		next := def.InitialChild(tctx)
		if !m.tree.Has(next) || m.tree.MustNode(next).Parent != cur {
			tctx.invalidate()
			m.lifecycle = Constructed
			return Transition{}, fmt.Errorf("%w: InitialChild of %q returned %q", ErrMalformedInitialChild, cur, next)
		}
		enter = append(enter, next)
		cur = next
	}
	tctx.invalidate()

	p := &plan{from: "", to: cur, lca: "", exit: nil, enter: enter}
	newLeaf, err := execute(m, p, payload)
	if newLeaf != "" {
		m.leaf = newLeaf
	}
	if err != nil {
		m.lifecycle = Constructed
		return Transition{}, err
	}

	m.lifecycle = Started
	m.setLifecycle(Started)

	t := Transition{From: root, To: m.leaf, Entered: enter, Payload: payload}
	m.transitions.Publish(t)
	return t, nil
}

// Stop deactivates every active node without running OnExit (a hard stop,
// not a modeled transition) and moves the machine to Stopped. Scheduled
// tasks are cancelled. Send fails with ErrNotRunning afterward.
func (m *Machine) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.lifecycle != Started {
		return fmt.Errorf("hsmstate: Stop called in lifecycle %s", m.lifecycle)
	}
	m.lifecycle = Stopping

	for _, key := range m.store.AncestorsOf(m.leaf) {
		m.store.deactivate(key)
		m.scheduler.cancelOwner(key)
	}
	m.leaf = ""

	m.lifecycle = Stopped
	m.setLifecycle(Stopped)
	return nil
}

// Dispose releases every resource the machine holds: scheduled tasks,
// stream subscribers, data cells. Idempotent; safe from any lifecycle.
func (m *Machine) Dispose() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.lifecycle == Disposed {
		return nil
	}

	if m.disposalPolicy == DrainPending {
		for len(m.queue) > 0 {
			event := m.queue[0]
			m.queue = m.queue[1:]
			_ = dispatchOne(m, event)
		}
	}

	m.scheduler.cancelAll()
	if m.leaf != "" {
		for _, key := range m.store.AncestorsOf(m.leaf) {
			m.store.deactivate(key)
		}
	}
	m.queue = nil
	m.lifecycle = Disposed
	m.setLifecycle(Disposed)

	m.transitions.Close()
	m.processed.Close()
	m.errorsCh.Close()
	m.lifecycleCh.Close()
	return nil
}

// Send dispatches event against the current active configuration and drains
// any messages it (or its cascading transitions) posted, returning the
// ProcessResult of event itself.
func (m *Machine) Send(ctx context.Context, event Event) (ProcessResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.lifecycle != Started {
		return ProcessResult{}, ErrNotRunning
	}

	result, err := m.processLocked(event)
	m.drainQueueLocked()
	return result, err
}

// processLocked runs one dispatch cycle of event and reports it, without
// touching the pending queue. Caller must hold m.mu.
func (m *Machine) processLocked(event Event) (ProcessResult, error) {
	receiving := m.leaf
	before := m.leaf

	err := dispatchOne(m, event)

	result := ProcessResult{Event: event, Receiving: receiving}
	if err != nil {
		var perr *ProcessingError
		if pe, ok := asProcessingError(err); ok {
			perr = pe
		} else {
			perr = newProcessingError(receiving, event, err)
		}
		if m.logger != nil {
			m.logger.Printf("hsmstate: handler error while %s was current: %v", perr.Receiving, perr.Cause)
		}
		m.errorsCh.Publish(*perr)
		m.processed.Publish(result)
		return result, perr
	}

	if m.leaf != before {
		result.Transition = &Transition{From: before, To: m.leaf}
	}
	m.processed.Publish(result)
	return result, nil
}

func asProcessingError(err error) (*ProcessingError, bool) {
	pe, ok := err.(*ProcessingError)
	return pe, ok
}

func (m *Machine) drainQueueLocked() {
	for len(m.queue) > 0 {
		event := m.queue[0]
		m.queue = m.queue[1:]
		_, _ = m.processLocked(event)
	}
}

// enqueueFromHandler is called by a TransitionContext/MessageContext's Post
// method while m.mu is already held by the enclosing Send/deliverScheduled.
func (m *Machine) enqueueFromHandler(event Event) error {
	m.queue = append(m.queue, event)
	return nil
}

// deliverScheduled is the entry point a scheduled task's timer goroutine
// uses to inject an event; unlike Send it takes its own lock and silently
// drops the event if the machine is no longer Started.
func (m *Machine) deliverScheduled(event Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.lifecycle != Started {
		if m.logger != nil {
			m.logger.Printf("hsmstate: dropped scheduled event %q, machine is %s", event.Type, m.lifecycle)
		}
		return
	}
	_, _ = m.processLocked(event)
	m.drainQueueLocked()
}

func (m *Machine) cancelScheduledFor(key StateKey) {
	m.scheduler.cancelOwner(key)
}

func (m *Machine) setLifecycle(l Lifecycle) {
	m.lifecycle = l
	m.lifecycleCh.Publish(l)
}

func (m *Machine) newTransitionContext(self StateKey, payload Payload) *TransitionContext {
	return &TransitionContext{
		liveness: liveness{m: m, live: true},
		Self:     self,
		Payload:  payload,
		store:    m.store,
		tree:     m.tree,
		path:     m.store.AncestorsOf(self),
	}
}

func (m *Machine) newMessageContext(self StateKey, event Event) *MessageContext {
	return &MessageContext{
		liveness: liveness{m: m, live: true},
		Self:     self,
		Event:    event,
		Payload:  NewPayload(event.Data),
		store:    m.store,
		tree:     m.tree,
		path:     m.store.AncestorsOf(self),
	}
}

// CurrentLeaf returns the machine's current leaf state.
func (m *Machine) CurrentLeaf() StateKey {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.leaf
}

// IsActive reports whether key is on the machine's current active path.
func (m *Machine) IsActive(key StateKey) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range m.store.AncestorsOf(m.leaf) {
		if k == key {
			return true
		}
	}
	return false
}

// LifecycleState reports the machine's current lifecycle.
func (m *Machine) LifecycleState() Lifecycle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lifecycle
}

// Tree returns the machine's frozen tree.
func (m *Machine) Tree() *Tree { return m.tree }

// Transitions returns a stream of every completed Transition.
func (m *Machine) Transitions() <-chan Transition { return m.transitions.Subscribe() }

// ProcessedMessages returns a stream of every Send/Post/scheduled delivery
// outcome.
func (m *Machine) ProcessedMessages() <-chan ProcessResult { return m.processed.Subscribe() }

// Errors returns a stream of every ProcessingError raised by a handler.
func (m *Machine) Errors() <-chan ProcessingError { return m.errorsCh.Subscribe() }

// LifecycleChanges returns a stream of lifecycle transitions; new
// subscribers immediately receive the current value.
func (m *Machine) LifecycleChanges() <-chan Lifecycle { return m.lifecycleCh.Subscribe() }

// MachineData reads key's data if given, under the machine's lock. With no
// key, it returns the data of the node nearest to the current leaf
// (inclusive, walking up through ancestors) that declares type D. Named
// distinctly from the package-level Data (over *Store) since Go does not
// allow two exported functions of the same name in one package.
func MachineData[D any](m *Machine, key ...DataStateKey[D]) (D, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var zero D
	if len(key) > 0 {
		return Data(m.store, key[0])
	}
	v, _, err := m.store.dataOfNearestAncestor(m.store.AncestorsOf(m.leaf), m.tree, reflect.TypeFor[D]())
	if err != nil {
		return zero, err
	}
	return v.(D), nil
}

// MachineDataStream subscribes to key's data stream under the machine's
// lock.
func MachineDataStream[D any](m *Machine, key DataStateKey[D]) (<-chan D, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return DataStream(m.store, key)
}
