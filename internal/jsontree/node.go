// Package jsontree holds the canonical in-memory tree of fingerprint inputs
// and the structural diff over it. The tree is deliberately not a free-form
// JSON value: child order is preserved from the source text, only leaves
// carry values, and array elements that are objects become one child per
// element so a path keeps its 1:1 relation with its observed input.
package jsontree

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// pathProperty names the object property whose value, when present, becomes
// the node name of an array element. Fingerprint input arrays (path sets,
// observed inputs) are path-keyed.
const pathProperty = "Path"

// Node is one node of the canonical tree.
type Node struct {
	Name     string
	Values   []string
	Children []*Node
}

// Child returns the first child with the given name, or nil.
func (n *Node) Child(name string) *Node {
	for _, c := range n.Children {
		if c.Name == name {
			return c
		}
	}

	return nil
}

// IsLeaf reports whether the node carries values only.
func (n *Node) IsLeaf() bool {
	return len(n.Children) == 0
}

// Clone returns a deep copy of the node.
func (n *Node) Clone() *Node {
	out := &Node{Name: n.Name}
	out.Values = append(out.Values, n.Values...)

	for _, c := range n.Children {
		out.Children = append(out.Children, c.Clone())
	}

	return out
}

// Deserialize parses JSON text into the canonical tree. Object key order is
// preserved via the token stream; encoding/json maps would lose it.
func Deserialize(jsonText []byte) (*Node, error) {
	dec := json.NewDecoder(bytes.NewReader(jsonText))
	dec.UseNumber()

	root := &Node{}

	err := parseValue(dec, root)
	if err != nil {
		return nil, fmt.Errorf("deserialize fingerprint input tree: %w", err)
	}

	return root, nil
}

// parseValue consumes one JSON value from the decoder into node.
func parseValue(dec *json.Decoder, node *Node) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}

	switch v := tok.(type) {
	case json.Delim:
		switch v {
		case '{':
			return parseObject(dec, node)
		case '[':
			return parseArray(dec, node)
		default:
			return fmt.Errorf("unexpected delimiter %q", v)
		}
	default:
		node.Values = append(node.Values, scalarString(tok))

		return nil
	}
}

// parseObject consumes the members of an already-opened object. Each key
// becomes a child node in source order.
func parseObject(dec *json.Decoder, node *Node) error {
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}

		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("object key is %T, not string", keyTok)
		}

		child := &Node{Name: key}

		if err := parseValue(dec, child); err != nil {
			return err
		}

		node.Children = append(node.Children, child)
	}

	// Consume the closing '}'.
	_, err := dec.Token()

	return err
}

// parseArray consumes the elements of an already-opened array. Scalars append
// to the node's values; object elements become one child each, named by their
// Path property when they have one.
func parseArray(dec *json.Decoder, node *Node) error {
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}

		switch v := tok.(type) {
		case json.Delim:
			child := &Node{Name: node.Name}

			switch v {
			case '{':
				if err := parseObject(dec, child); err != nil {
					return err
				}

				if pathChild := child.Child(pathProperty); pathChild != nil && len(pathChild.Values) == 1 {
					child.Name = pathChild.Values[0]
				}
			case '[':
				if err := parseArray(dec, child); err != nil {
					return err
				}
			default:
				return fmt.Errorf("unexpected delimiter %q", v)
			}

			node.Children = append(node.Children, child)
		default:
			node.Values = append(node.Values, scalarString(tok))
		}
	}

	// Consume the closing ']'.
	_, err := dec.Token()

	return err
}

// scalarString renders a scalar token the way the diff output spells it.
func scalarString(tok json.Token) string {
	switch v := tok.(type) {
	case nil:
		return "null"
	case bool:
		if v {
			return "true"
		}

		return "false"
	case json.Number:
		return v.String()
	case string:
		return v
	default:
		return fmt.Sprintf("%v", v)
	}
}

// Render prints the tree with stable formatting: one line per node, children
// indented, values comma-joined after the name.
func (n *Node) Render() string {
	var b strings.Builder

	n.render(&b, 0)

	return b.String()
}

func (n *Node) render(b *strings.Builder, depth int) {
	for range depth {
		b.WriteByte('\t')
	}

	b.WriteString(n.Name)

	if len(n.Values) > 0 {
		b.WriteByte(':')
		b.WriteString(strings.Join(n.Values, ","))
	}

	b.WriteByte('\n')

	for _, c := range n.Children {
		c.render(b, depth+1)
	}
}
