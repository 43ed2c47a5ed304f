package hsmstate

import "fmt"

// plan is the concrete exit/enter sequence computed for one transition, plus
// the pivot the exit and entry sides share.
type plan struct {
	from StateKey
	to   StateKey

	lca StateKey

	// exit lists the nodes to leave, deepest (the current leaf) first, up to
	// but not including lca.
	exit []StateKey

	// enter lists the nodes to join, starting just below lca and ending at
	// the resolved leaf, shallowest first.
	enter []StateKey
}

// planTransition computes the plan for moving the active configuration from
// leaf to a GoTo/GoToSelf target. reenter forces the LCA to parent(target)
// whenever target lies on leaf's own ancestor chain (including target ==
// leaf), so such a transition always exits and re-enters target (and
// everything between target and leaf) instead of being a no-op.
func planTransition(tree *Tree, store *Store, leaf, target StateKey, reenter bool, tctx *TransitionContext) (*plan, error) {
	if !tree.Has(target) {
		return nil, fmt.Errorf("%w: unknown target state %q", ErrInvalidTransition, target)
	}
	targetDef := tree.MustNode(target)
	if reenter && target == tree.Root {
		return nil, ErrReenterRoot
	}

	lca := store.LCA(leaf, target)
	// lca == target iff target lies on leaf's ancestor chain (including
	// target == leaf); that is exactly when a forced re-entry needs a new
	// pivot one level up so target itself is exited and re-entered.
	if reenter && lca == target {
		lca = targetDef.Parent
	}

	exit := ancestorChainExclusive(store, leaf, lca)

	// The entry side walks down from lca to target, then keeps resolving
	// InitialChild on any non-leaf node until a leaf is reached.
	downToTarget := pathDownTo(tree, lca, target)

	enter := append([]StateKey{}, downToTarget...)
	cur := target
	for {
		def := tree.MustNode(cur)
		if def.Kind.IsLeaf() {
			break
		}
		next := def.InitialChild(tctx)
		if !tree.Has(next) {
			return nil, fmt.Errorf("%w: InitialChild of %q returned unknown state %q", ErrMalformedInitialChild, cur, next)
		}
		if tree.MustNode(next).Parent != cur {
			return nil, fmt.Errorf("%w: InitialChild of %q returned %q, which is not its child", ErrMalformedInitialChild, cur, next)
		}
		enter = append(enter, next)
		cur = next
	}

	return &plan{from: leaf, to: cur, lca: lca, exit: exit, enter: enter}, nil
}

// ancestorChainExclusive returns from, then its ancestors, up to but not
// including stop.
func ancestorChainExclusive(store *Store, from, stop StateKey) []StateKey {
	var out []StateKey
	for _, k := range store.AncestorsOf(from) {
		if k == stop {
			break
		}
		out = append(out, k)
	}
	return out
}

// pathDownTo returns the chain of nodes strictly below top, ending at bottom,
// shallowest first. bottom must be a descendant of top (or equal to it, in
// which case the result is empty).
func pathDownTo(tree *Tree, top, bottom StateKey) []StateKey {
	if top == bottom {
		return nil
	}
	var rev []StateKey
	cur := bottom
	for cur != top {
		rev = append(rev, cur)
		cur = tree.MustNode(cur).Parent
	}
	out := make([]StateKey, len(rev))
	for i, k := range rev {
		out[i] = rev[len(rev)-1-i]
	}
	return out
}
