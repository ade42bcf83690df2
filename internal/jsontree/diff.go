package jsontree

import (
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// DiffTrees computes the structural difference between two canonical trees.
// Children with the same name in the same position compare positionally;
// otherwise they match as a set keyed by name. The result is a nested
// JSON-marshallable map; an empty map means the trees are equal.
func DiffTrees(oldRoot, newRoot *Node) map[string]any {
	diff := make(map[string]any)

	diffInto(diff, oldRoot, newRoot)

	return diff
}

func diffInto(out map[string]any, oldNode, newNode *Node) {
	if !equalValues(oldNode.Values, newNode.Values) {
		out["Old"] = valueOrList(oldNode.Values)
		out["New"] = valueOrList(newNode.Values)
	}

	oldByName := childIndex(oldNode)
	newByName := childIndex(newNode)

	// Removed and changed, in the old tree's order.
	for i, oldChild := range oldNode.Children {
		newChild, present := newByName[oldChild.Name]
		if i < len(newNode.Children) && newNode.Children[i].Name == oldChild.Name {
			newChild, present = newNode.Children[i], true
		}

		if !present {
			out[oldChild.Name] = map[string]any{"Old": nodeValue(oldChild)}

			continue
		}

		childDiff := make(map[string]any)

		diffInto(childDiff, oldChild, newChild)

		if len(childDiff) > 0 {
			out[oldChild.Name] = childDiff
		}
	}

	// Added, in the new tree's order.
	for _, newChild := range newNode.Children {
		if _, present := oldByName[newChild.Name]; !present {
			out[newChild.Name] = map[string]any{"New": nodeValue(newChild)}
		}
	}
}

// childIndex maps children by name. On duplicate names the first wins; it is
// the fallback when no same-named child sits at the same position.
func childIndex(n *Node) map[string]*Node {
	idx := make(map[string]*Node, len(n.Children))

	for _, c := range n.Children {
		if _, seen := idx[c.Name]; !seen {
			idx[c.Name] = c
		}
	}

	return idx
}

// nodeValue renders a subtree as a JSON-marshallable value for one-sided
// (added/removed) diff entries.
func nodeValue(n *Node) any {
	if n.IsLeaf() {
		return valueOrList(n.Values)
	}

	out := make(map[string]any, len(n.Children))

	for _, c := range n.Children {
		out[c.Name] = nodeValue(c)
	}

	if len(n.Values) > 0 {
		out["Values"] = valueOrList(n.Values)
	}

	return out
}

func valueOrList(values []string) any {
	switch len(values) {
	case 0:
		return ""
	case 1:
		return values[0]
	default:
		return values
	}
}

func equalValues(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}

	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}

	return true
}

// PrintTreeDiff renders both trees with stable formatting and returns a
// line-oriented diff with "-"/"+" prefixes. Unchanged runs are elided to a
// marker line to keep per-pip output small.
func PrintTreeDiff(oldRoot, newRoot *Node) string {
	dmp := diffmatchpatch.New()

	oldText, newText, lines := dmp.DiffLinesToChars(oldRoot.Render(), newRoot.Render())
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(oldText, newText, false), lines)

	var b strings.Builder

	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffDelete:
			writePrefixed(&b, "-", d.Text)
		case diffmatchpatch.DiffInsert:
			writePrefixed(&b, "+", d.Text)
		case diffmatchpatch.DiffEqual:
			if strings.Count(d.Text, "\n") > 0 {
				b.WriteString("...\n")
			}
		}
	}

	return b.String()
}

func writePrefixed(b *strings.Builder, prefix, text string) {
	for line := range strings.Lines(text) {
		trimmed := strings.TrimRight(line, "\n")
		if trimmed == "" {
			continue
		}

		b.WriteString(prefix)
		b.WriteString(trimmed)
		b.WriteByte('\n')
	}
}
