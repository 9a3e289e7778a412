package fdt

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

const (
	headerSize  = 0x28
	version     = 17
	lastCompVer = 16
	magic       = 0xd00dfeed

	tokenBeginNode = 0x1
	tokenEndNode   = 0x2
	tokenProp      = 0x3
	tokenNop       = 0x4
	tokenEnd       = 0x9
)

var ErrMalformed = errors.New("fdt: malformed blob")

// Encode serializes the tree rooted at root.
func Encode(root *Node) ([]byte, error) {
	if root == nil {
		return nil, fmt.Errorf("fdt: nil root")
	}
	if root.Name != "" {
		return nil, fmt.Errorf("fdt: root node must be unnamed, got %q", root.Name)
	}
	e := &encoder{stringsOff: make(map[string]uint32)}
	if err := e.node(root, true); err != nil {
		return nil, err
	}
	return e.finish(), nil
}

type encoder struct {
	structBuf  bytes.Buffer
	strings    bytes.Buffer
	stringsOff map[string]uint32
}

func (e *encoder) node(n *Node, root bool) error {
	if !root && (n.Name == "" || strings.Contains(n.Name, "/")) {
		return fmt.Errorf("fdt: invalid node name %q", n.Name)
	}
	e.token(tokenBeginNode)
	e.structBuf.WriteString(n.Name)
	e.structBuf.WriteByte(0)
	e.pad()

	for _, p := range n.Properties {
		if p.Name == "" {
			return fmt.Errorf("fdt: node %q has an unnamed property", n.Name)
		}
		e.token(tokenProp)
		e.u32(uint32(len(p.Value)))
		e.u32(e.stringOffset(p.Name))
		e.structBuf.Write(p.Value)
		e.pad()
	}
	for _, c := range n.Children {
		if err := e.node(c, false); err != nil {
			return err
		}
	}

	e.token(tokenEndNode)
	return nil
}

func (e *encoder) finish() []byte {
	e.token(tokenEnd)

	structBytes := e.structBuf.Bytes()
	stringsBytes := e.strings.Bytes()

	// An empty memory reservation map is a single zero entry.
	const memReserveSize = 16
	offMemReserve := headerSize
	offStruct := offMemReserve + memReserveSize
	offStrings := offStruct + len(structBytes)
	totalSize := offStrings + len(stringsBytes)

	blob := make([]byte, totalSize)
	h := blob[:headerSize]
	binary.BigEndian.PutUint32(h[0:], magic)
	binary.BigEndian.PutUint32(h[4:], uint32(totalSize))
	binary.BigEndian.PutUint32(h[8:], uint32(offStruct))
	binary.BigEndian.PutUint32(h[12:], uint32(offStrings))
	binary.BigEndian.PutUint32(h[16:], uint32(offMemReserve))
	binary.BigEndian.PutUint32(h[20:], version)
	binary.BigEndian.PutUint32(h[24:], lastCompVer)
	binary.BigEndian.PutUint32(h[32:], uint32(len(stringsBytes)))
	binary.BigEndian.PutUint32(h[36:], uint32(len(structBytes)))

	copy(blob[offStruct:], structBytes)
	copy(blob[offStrings:], stringsBytes)
	return blob
}

func (e *encoder) stringOffset(name string) uint32 {
	if off, ok := e.stringsOff[name]; ok {
		return off
	}
	off := uint32(e.strings.Len())
	e.strings.WriteString(name)
	e.strings.WriteByte(0)
	e.stringsOff[name] = off
	return off
}

func (e *encoder) token(t uint32) { e.u32(t) }

func (e *encoder) u32(v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	e.structBuf.Write(tmp[:])
}

func (e *encoder) pad() {
	for e.structBuf.Len()%4 != 0 {
		e.structBuf.WriteByte(0)
	}
}

// Decode parses a blob produced by Encode or any version 16+ FDT.
func Decode(blob []byte) (*Node, error) {
	if len(blob) < headerSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformed, len(blob))
	}
	if m := binary.BigEndian.Uint32(blob[0:]); m != magic {
		return nil, fmt.Errorf("%w: bad magic 0x%x", ErrMalformed, m)
	}
	total := binary.BigEndian.Uint32(blob[4:])
	offStruct := binary.BigEndian.Uint32(blob[8:])
	offStrings := binary.BigEndian.Uint32(blob[12:])
	sizeStrings := binary.BigEndian.Uint32(blob[32:])
	sizeStruct := binary.BigEndian.Uint32(blob[36:])
	if uint64(total) > uint64(len(blob)) ||
		uint64(offStruct)+uint64(sizeStruct) > uint64(total) ||
		uint64(offStrings)+uint64(sizeStrings) > uint64(total) {
		return nil, fmt.Errorf("%w: blocks exceed blob", ErrMalformed)
	}

	d := &decoder{
		structs: blob[offStruct : offStruct+sizeStruct],
		strs:    blob[offStrings : offStrings+sizeStrings],
	}
	var stack []*Node
	var root *Node
	for {
		tok, err := d.u32()
		if err != nil {
			return nil, err
		}
		switch tok {
		case tokenBeginNode:
			name, err := d.cstring()
			if err != nil {
				return nil, err
			}
			n := NewNode(name)
			if len(stack) == 0 {
				if root != nil {
					return nil, fmt.Errorf("%w: multiple roots", ErrMalformed)
				}
				root = n
			} else {
				stack[len(stack)-1].AddChild(n)
			}
			stack = append(stack, n)
		case tokenEndNode:
			if len(stack) == 0 {
				return nil, fmt.Errorf("%w: unbalanced end node", ErrMalformed)
			}
			stack = stack[:len(stack)-1]
		case tokenProp:
			if len(stack) == 0 {
				return nil, fmt.Errorf("%w: property outside node", ErrMalformed)
			}
			p, err := d.property()
			if err != nil {
				return nil, err
			}
			stack[len(stack)-1].Add(p)
		case tokenNop:
		case tokenEnd:
			if root == nil || len(stack) != 0 {
				return nil, fmt.Errorf("%w: truncated tree", ErrMalformed)
			}
			return root, nil
		default:
			return nil, fmt.Errorf("%w: unknown token 0x%x", ErrMalformed, tok)
		}
	}
}

type decoder struct {
	structs []byte
	strs    []byte
	off     int
}

func (d *decoder) u32() (uint32, error) {
	if d.off+4 > len(d.structs) {
		return 0, fmt.Errorf("%w: structure block truncated", ErrMalformed)
	}
	v := binary.BigEndian.Uint32(d.structs[d.off:])
	d.off += 4
	return v, nil
}

func (d *decoder) cstring() (string, error) {
	end := bytes.IndexByte(d.structs[d.off:], 0)
	if end < 0 {
		return "", fmt.Errorf("%w: unterminated node name", ErrMalformed)
	}
	s := string(d.structs[d.off : d.off+end])
	d.off = align4(d.off + end + 1)
	return s, nil
}

func (d *decoder) property() (Property, error) {
	length, err := d.u32()
	if err != nil {
		return Property{}, err
	}
	nameOff, err := d.u32()
	if err != nil {
		return Property{}, err
	}
	if int(nameOff) >= len(d.strs) {
		return Property{}, fmt.Errorf("%w: property name offset 0x%x", ErrMalformed, nameOff)
	}
	end := bytes.IndexByte(d.strs[nameOff:], 0)
	if end < 0 {
		return Property{}, fmt.Errorf("%w: unterminated property name", ErrMalformed)
	}
	if uint64(d.off)+uint64(length) > uint64(len(d.structs)) {
		return Property{}, fmt.Errorf("%w: property value truncated", ErrMalformed)
	}
	p := Property{
		Name:  string(d.strs[nameOff : int(nameOff)+end]),
		Value: append([]byte(nil), d.structs[d.off:d.off+int(length)]...),
	}
	d.off = align4(d.off + int(length))
	return p, nil
}

func align4(n int) int {
	return (n + 3) &^ 3
}
