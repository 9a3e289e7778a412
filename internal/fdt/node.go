// Package fdt encodes and decodes Flattened Device Tree blobs.
package fdt

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"
)

// Property is a device-tree property holding its encoded value.
type Property struct {
	Name  string
	Value []byte
}

// String returns a property holding a NUL-terminated string list.
func String(name string, values ...string) Property {
	var buf bytes.Buffer
	for _, v := range values {
		buf.WriteString(v)
		buf.WriteByte(0)
	}
	return Property{Name: name, Value: buf.Bytes()}
}

// Cells returns a property holding big-endian 32-bit cells.
func Cells(name string, values ...uint32) Property {
	data := make([]byte, 4*len(values))
	for i, v := range values {
		binary.BigEndian.PutUint32(data[4*i:], v)
	}
	return Property{Name: name, Value: data}
}

// Cells64 returns a property holding each value as two cells, high first.
func Cells64(name string, values ...uint64) Property {
	data := make([]byte, 8*len(values))
	for i, v := range values {
		binary.BigEndian.PutUint64(data[8*i:], v)
	}
	return Property{Name: name, Value: data}
}

// Flag returns an empty property.
func Flag(name string) Property {
	return Property{Name: name}
}

// Strings decodes a string list value.
func (p Property) Strings() ([]string, error) {
	if len(p.Value) == 0 || p.Value[len(p.Value)-1] != 0 {
		return nil, fmt.Errorf("fdt: property %q is not a string list", p.Name)
	}
	return strings.Split(string(p.Value[:len(p.Value)-1]), "\x00"), nil
}

// Cells decodes a cell array value.
func (p Property) Cells() ([]uint32, error) {
	if len(p.Value)%4 != 0 {
		return nil, fmt.Errorf("fdt: property %q has %d bytes, not a cell array", p.Name, len(p.Value))
	}
	out := make([]uint32, len(p.Value)/4)
	for i := range out {
		out[i] = binary.BigEndian.Uint32(p.Value[4*i:])
	}
	return out, nil
}

// U32 decodes a single-cell value.
func (p Property) U32() (uint32, error) {
	if len(p.Value) != 4 {
		return 0, fmt.Errorf("fdt: property %q has %d bytes, want 4", p.Name, len(p.Value))
	}
	return binary.BigEndian.Uint32(p.Value), nil
}

// Node is a device-tree node. Properties and children keep insertion order.
type Node struct {
	Name       string
	Properties []Property
	Children   []*Node
}

// NewNode returns an empty node.
func NewNode(name string) *Node {
	return &Node{Name: name}
}

// Add appends properties and returns n.
func (n *Node) Add(props ...Property) *Node {
	n.Properties = append(n.Properties, props...)
	return n
}

// AddChild appends a child and returns it.
func (n *Node) AddChild(child *Node) *Node {
	n.Children = append(n.Children, child)
	return child
}

// Property returns the named property.
func (n *Node) Property(name string) (Property, bool) {
	for _, p := range n.Properties {
		if p.Name == name {
			return p, true
		}
	}
	return Property{}, false
}

// Child returns the named child.
func (n *Node) Child(name string) (*Node, bool) {
	for _, c := range n.Children {
		if c.Name == name {
			return c, true
		}
	}
	return nil, false
}

// Lookup resolves a slash-separated path such as "/ras/reri@10020000".
func (n *Node) Lookup(path string) (*Node, bool) {
	cur := n
	for _, part := range strings.Split(strings.Trim(path, "/"), "/") {
		if part == "" {
			continue
		}
		next, ok := cur.Child(part)
		if !ok {
			return nil, false
		}
		cur = next
	}
	return cur, true
}
