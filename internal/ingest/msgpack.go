package ingest

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/vmihailenco/msgpack/v5/msgpcode"
)

// ParseMsgPack decodes a MessagePack document into the same ordered node tree
// ParseJSON produces, so .msgpack payload files go through the same data
// point parser as json ones.
//
// Maps must have string keys. Integers become numbers, bin payloads become
// strings, and invalid UTF-8 in strings is replaced so the tree is always
// representable as json.
func ParseMsgPack(data []byte) (*Node, error) {
	if len(data) == 0 {
		return nil, ErrEmptyPayload
	}

	dec := msgpack.NewDecoder(bytes.NewReader(data))
	root, err := readMsgPackNode(dec, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMsgPack, err)
	}

	if _, err := dec.PeekCode(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: unexpected data after top-level value", ErrInvalidMsgPack)
	}

	return root, nil
}

func readMsgPackNode(dec *msgpack.Decoder, depth int) (*Node, error) {
	if depth > maxNodeDepth {
		return nil, fmt.Errorf("nesting exceeds %d levels", maxNodeDepth)
	}

	code, err := dec.PeekCode()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}

	switch {
	case msgpcode.IsFixedMap(code) || code == msgpcode.Map16 || code == msgpcode.Map32:
		n, err := dec.DecodeMapLen()
		if err != nil {
			return nil, err
		}
		node := &Node{Kind: NodeObject, Members: make([]Member, 0, n)}
		for i := 0; i < n; i++ {
			key, err := dec.DecodeString()
			if err != nil {
				return nil, fmt.Errorf("map key must be a string: %w", err)
			}
			key, _ = SanitizeUTF8(key)
			value, err := readMsgPackNode(dec, depth+1)
			if err != nil {
				return nil, err
			}
			node.Members = append(node.Members, Member{Key: key, Value: value})
		}
		return node, nil

	case msgpcode.IsFixedArray(code) || code == msgpcode.Array16 || code == msgpcode.Array32:
		n, err := dec.DecodeArrayLen()
		if err != nil {
			return nil, err
		}
		if n < 0 {
			return &Node{Kind: NodeNull}, nil
		}
		node := &Node{Kind: NodeArray, Items: make([]*Node, 0, n)}
		for i := 0; i < n; i++ {
			item, err := readMsgPackNode(dec, depth+1)
			if err != nil {
				return nil, err
			}
			node.Items = append(node.Items, item)
		}
		return node, nil
	}

	v, err := dec.DecodeInterfaceLoose()
	if err != nil {
		return nil, err
	}

	switch val := v.(type) {
	case nil:
		return &Node{Kind: NodeNull}, nil
	case bool:
		return &Node{Kind: NodeBool, Bool: val}, nil
	case string:
		s, _ := SanitizeUTF8(val)
		return &Node{Kind: NodeString, Str: s}, nil
	case []byte:
		s, _ := SanitizeUTF8(string(val))
		return &Node{Kind: NodeString, Str: s}, nil
	case int64:
		return &Node{Kind: NodeNumber, Num: float64(val), Str: strconv.FormatInt(val, 10)}, nil
	case uint64:
		return &Node{Kind: NodeNumber, Num: float64(val), Str: strconv.FormatUint(val, 10)}, nil
	case float64:
		return &Node{Kind: NodeNumber, Num: val, Str: strconv.FormatFloat(val, 'g', -1, 64)}, nil
	default:
		return nil, fmt.Errorf("unsupported msgpack value %T", v)
	}
}
