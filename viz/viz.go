// Package viz formats a hsmstate.Tree and a machine's active configuration
// as Graphviz DOT source, in the manner of the statechart engine this
// package was adapted from: a pure function over the tree's read-only
// introspection surface, with no dependency on the dispatch engine itself.
package viz

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/comalice/hsmstate"
)

// ExportDOT renders tree as Graphviz DOT source, highlighting every node in
// active (typically the result of Machine.IsActive for each node, or the
// ancestor chain of Machine.CurrentLeaf) with a filled style.
func ExportDOT(tree *hsmstate.Tree, active map[hsmstate.StateKey]bool) string {
	var buf bytes.Buffer
	buf.WriteString("digraph Statechart {\n")
	buf.WriteString("  rankdir=LR;\n")
	buf.WriteString("  node [shape=box, fontsize=10, style=rounded];\n")
	buf.WriteString("  edge [fontsize=9];\n")

	for _, key := range sortedKeys(tree, tree.Root) {
		def := tree.MustNode(key)
		style := "rounded"
		if active[key] {
			style = "rounded,filled"
		}
		shape := "box"
		if def.Kind == hsmstate.KindFinalLeaf {
			shape = "doublecircle"
		}
		fmt.Fprintf(&buf, "  %q [shape=%s, style=%q];\n", key, shape, style)
		for _, child := range def.Children {
			fmt.Fprintf(&buf, "  %q -> %q [style=dashed, label=\"contains\"];\n", key, child)
		}
	}

	buf.WriteString("}\n")
	return buf.String()
}

// sortedKeys returns every key in the subtree rooted at root, depth-first
// with each node's children visited in lexical order, so repeated ExportDOT
// calls over the same tree produce byte-identical output.
func sortedKeys(tree *hsmstate.Tree, root hsmstate.StateKey) []hsmstate.StateKey {
	var out []hsmstate.StateKey
	var walk func(hsmstate.StateKey)
	walk = func(k hsmstate.StateKey) {
		out = append(out, k)
		def := tree.MustNode(k)
		children := append([]hsmstate.StateKey{}, def.Children...)
		sort.Slice(children, func(i, j int) bool { return children[i] < children[j] })
		for _, c := range children {
			walk(c)
		}
	}
	walk(root)
	return out
}
