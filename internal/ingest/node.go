package ingest

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/goccy/go-json"
)

// maxNodeDepth bounds nesting of decoded payloads. Valid data points are at
// most four levels deep (array, point, tags, {value,type}).
const maxNodeDepth = 64

// NodeKind is the json type of a decoded value.
type NodeKind uint8

const (
	NodeNull NodeKind = iota
	NodeBool
	NodeNumber
	NodeString
	NodeArray
	NodeObject
)

func (k NodeKind) String() string {
	switch k {
	case NodeNull:
		return "null"
	case NodeBool:
		return "bool"
	case NodeNumber:
		return "number"
	case NodeString:
		return "string"
	case NodeArray:
		return "array"
	case NodeObject:
		return "object"
	default:
		return "unknown"
	}
}

// Member is one key/value pair of an object, in document order.
type Member struct {
	Key   string
	Value *Node
}

// Node is a decoded payload value. Objects keep their members in document
// order because tag matching is positional.
type Node struct {
	Kind    NodeKind
	Bool    bool
	Num     float64
	Str     string // string value; literal text for numbers
	Items   []*Node
	Members []Member
}

// Len returns the number of members or items of a container node.
func (n *Node) Len() int {
	switch n.Kind {
	case NodeObject:
		return len(n.Members)
	case NodeArray:
		return len(n.Items)
	default:
		return 0
	}
}

// Get returns the first member with exactly the given key, or nil.
func (n *Node) Get(key string) *Node {
	if n == nil || n.Kind != NodeObject {
		return nil
	}
	for i := range n.Members {
		if n.Members[i].Key == key {
			return n.Members[i].Value
		}
	}
	return nil
}

// Equal reports deep, order-sensitive equality of two nodes. Numbers are
// compared by value, so 1 and 1.0 are equal.
func (n *Node) Equal(o *Node) bool {
	if n == o {
		return true
	}
	if n == nil || o == nil || n.Kind != o.Kind {
		return false
	}
	switch n.Kind {
	case NodeNull:
		return true
	case NodeBool:
		return n.Bool == o.Bool
	case NodeNumber:
		return n.Num == o.Num
	case NodeString:
		return n.Str == o.Str
	case NodeArray:
		if len(n.Items) != len(o.Items) {
			return false
		}
		for i := range n.Items {
			if !n.Items[i].Equal(o.Items[i]) {
				return false
			}
		}
		return true
	case NodeObject:
		if len(n.Members) != len(o.Members) {
			return false
		}
		for i := range n.Members {
			if n.Members[i].Key != o.Members[i].Key || !n.Members[i].Value.Equal(o.Members[i].Value) {
				return false
			}
		}
		return true
	}
	return false
}

// appendCanonical appends an unambiguous serialization of n to buf. Two
// nodes produce the same bytes exactly when Equal reports true.
func (n *Node) appendCanonical(buf []byte) []byte {
	buf = append(buf, byte('0'+n.Kind))
	switch n.Kind {
	case NodeBool:
		if n.Bool {
			buf = append(buf, '1')
		} else {
			buf = append(buf, '0')
		}
	case NodeNumber:
		v := n.Num
		if v == 0 {
			v = 0 // -0 == 0 in Equal
		}
		buf = strconv.AppendFloat(buf, v, 'g', -1, 64)
		buf = append(buf, ';')
	case NodeString:
		buf = appendLenPrefixed(buf, n.Str)
	case NodeArray:
		buf = strconv.AppendInt(buf, int64(len(n.Items)), 10)
		buf = append(buf, '[')
		for _, item := range n.Items {
			buf = item.appendCanonical(buf)
		}
	case NodeObject:
		buf = strconv.AppendInt(buf, int64(len(n.Members)), 10)
		buf = append(buf, '{')
		for _, m := range n.Members {
			buf = appendLenPrefixed(buf, m.Key)
			buf = m.Value.appendCanonical(buf)
		}
	}
	return buf
}

func appendLenPrefixed(buf []byte, s string) []byte {
	buf = strconv.AppendInt(buf, int64(len(s)), 10)
	buf = append(buf, ':')
	return append(buf, s...)
}

// String renders the node as compact json, truncated for use in error
// messages.
func (n *Node) String() string {
	const maxExcerpt = 64
	var b bytes.Buffer
	n.render(&b)
	if b.Len() > maxExcerpt {
		return b.String()[:maxExcerpt] + "..."
	}
	return b.String()
}

func (n *Node) render(b *bytes.Buffer) {
	if n == nil {
		b.WriteString("null")
		return
	}
	switch n.Kind {
	case NodeNull:
		b.WriteString("null")
	case NodeBool:
		b.WriteString(strconv.FormatBool(n.Bool))
	case NodeNumber:
		if n.Str != "" {
			b.WriteString(n.Str)
		} else {
			b.WriteString(strconv.FormatFloat(n.Num, 'g', -1, 64))
		}
	case NodeString:
		b.WriteString(strconv.Quote(n.Str))
	case NodeArray:
		b.WriteByte('[')
		for i, item := range n.Items {
			if i > 0 {
				b.WriteByte(',')
			}
			item.render(b)
		}
		b.WriteByte(']')
	case NodeObject:
		b.WriteByte('{')
		for i, m := range n.Members {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(strconv.Quote(m.Key))
			b.WriteByte(':')
			m.Value.render(b)
		}
		b.WriteByte('}')
	}
}

// ParseJSON decodes a json document into an ordered node tree using the
// go-json streaming tokenizer.
func ParseJSON(data []byte) (*Node, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, ErrEmptyPayload
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	root, err := readJSONNode(dec, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}

	// Anything after the top-level value is malformed input
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: unexpected data after top-level value", ErrInvalidJSON)
	}

	return root, nil
}

func readJSONNode(dec *json.Decoder, depth int) (*Node, error) {
	if depth > maxNodeDepth {
		return nil, fmt.Errorf("nesting exceeds %d levels", maxNodeDepth)
	}

	tok, err := dec.Token()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}

	switch v := tok.(type) {
	case json.Delim:
		switch v {
		case '{':
			node := &Node{Kind: NodeObject}
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return nil, err
				}
				key, ok := keyTok.(string)
				if !ok {
					return nil, fmt.Errorf("object key must be a string, got %T", keyTok)
				}
				value, err := readJSONNode(dec, depth+1)
				if err != nil {
					return nil, err
				}
				node.Members = append(node.Members, Member{Key: key, Value: value})
			}
			if _, err := dec.Token(); err != nil { // closing '}'
				return nil, err
			}
			return node, nil
		case '[':
			node := &Node{Kind: NodeArray}
			for dec.More() {
				item, err := readJSONNode(dec, depth+1)
				if err != nil {
					return nil, err
				}
				node.Items = append(node.Items, item)
			}
			if _, err := dec.Token(); err != nil { // closing ']'
				return nil, err
			}
			return node, nil
		default:
			return nil, fmt.Errorf("unexpected delimiter %q", rune(v))
		}
	case string:
		return &Node{Kind: NodeString, Str: v}, nil
	case bool:
		return &Node{Kind: NodeBool, Bool: v}, nil
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return nil, fmt.Errorf("invalid number %q: %w", string(v), err)
		}
		return &Node{Kind: NodeNumber, Num: f, Str: string(v)}, nil
	case float64:
		return &Node{Kind: NodeNumber, Num: v, Str: strconv.FormatFloat(v, 'g', -1, 64)}, nil
	case nil:
		return &Node{Kind: NodeNull}, nil
	default:
		return nil, fmt.Errorf("unexpected token %T", tok)
	}
}
