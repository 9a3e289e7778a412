package fdt

import (
	"fmt"
	"io"
	"strings"
)

// WriteSource writes the tree in device-tree source syntax. Values are shown
// as strings when they look like a string list, as cells when their length is
// a multiple of four and as bytes otherwise.
func WriteSource(w io.Writer, root *Node) error {
	if _, err := io.WriteString(w, "/dts-v1/;\n\n"); err != nil {
		return err
	}
	return writeNode(w, root, 0)
}

func writeNode(w io.Writer, n *Node, depth int) error {
	indent := strings.Repeat("\t", depth)
	name := n.Name
	if name == "" {
		name = "/"
	}
	if _, err := fmt.Fprintf(w, "%s%s {\n", indent, name); err != nil {
		return err
	}
	for _, p := range n.Properties {
		if _, err := fmt.Fprintf(w, "%s\t%s;\n", indent, formatProperty(p)); err != nil {
			return err
		}
	}
	for _, c := range n.Children {
		if err := writeNode(w, c, depth+1); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, "%s};\n", indent)
	return err
}

func formatProperty(p Property) string {
	if len(p.Value) == 0 {
		return p.Name
	}
	if isStringList(p.Value) {
		ss, _ := p.Strings()
		quoted := make([]string, len(ss))
		for i, s := range ss {
			quoted[i] = fmt.Sprintf("%q", s)
		}
		return p.Name + " = " + strings.Join(quoted, ", ")
	}
	if cells, err := p.Cells(); err == nil {
		parts := make([]string, len(cells))
		for i, c := range cells {
			parts[i] = fmt.Sprintf("0x%x", c)
		}
		return p.Name + " = <" + strings.Join(parts, " ") + ">"
	}
	parts := make([]string, len(p.Value))
	for i, b := range p.Value {
		parts[i] = fmt.Sprintf("%02x", b)
	}
	return p.Name + " = [" + strings.Join(parts, " ") + "]"
}

func isStringList(b []byte) bool {
	if len(b) == 0 || b[len(b)-1] != 0 || b[0] == 0 {
		return false
	}
	for i, c := range b {
		if c == 0 {
			if i > 0 && b[i-1] == 0 {
				return false
			}
			continue
		}
		if c < 0x20 || c > 0x7e {
			return false
		}
	}
	return true
}
