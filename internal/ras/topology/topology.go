// Package topology describes registered RAS sources to the guest as
// device-tree nodes.
package topology

import (
	"fmt"

	"github.com/tinyrange/rasemu/internal/fdt"
	"github.com/tinyrange/rasemu/internal/hv"
	"github.com/tinyrange/rasemu/internal/ras/registry"
)

// Compatible is the compatible string of a RAS error bank node.
const Compatible = "riscv,reri"

// Geometry is what a bank must expose to be described.
type Geometry interface {
	Region() hv.MMIORegion
	IRQ() uint8
	HartID() int
	NumRecords() int
}

// Source is the description of one registered source.
type Source struct {
	ID      registry.ComponentID
	Vector  registry.Vector
	Region  hv.MMIORegion
	IRQ     uint8
	Hart    int
	Records int
}

// Describe reads the registry and the geometry of each bank. It never
// modifies either.
func Describe(reg *registry.Registry) ([]Source, error) {
	all, err := reg.All()
	if err != nil {
		return nil, err
	}
	out := make([]Source, 0, len(all))
	for _, src := range all {
		g, ok := src.Bank.(Geometry)
		if !ok {
			return nil, fmt.Errorf("topology: source %s does not expose its geometry", src.ID)
		}
		out = append(out, Source{
			ID:      src.ID,
			Vector:  src.Vector,
			Region:  g.Region(),
			IRQ:     g.IRQ(),
			Hart:    g.HartID(),
			Records: g.NumRecords(),
		})
	}
	return out, nil
}

// Options tune the emitted nodes.
type Options struct {
	// InterruptParent is the phandle of the interrupt controller; zero omits
	// the property.
	InterruptParent uint32
}

// DeviceTree returns a root node holding a /ras node with one child per
// source.
func DeviceTree(reg *registry.Registry, opts Options) (*fdt.Node, error) {
	sources, err := Describe(reg)
	if err != nil {
		return nil, err
	}

	root := fdt.NewNode("").Add(
		fdt.Cells("#address-cells", 2),
		fdt.Cells("#size-cells", 2),
	)
	ras := root.AddChild(fdt.NewNode("ras")).Add(
		fdt.Cells("#address-cells", 2),
		fdt.Cells("#size-cells", 2),
		fdt.Flag("ranges"),
	)
	for _, s := range sources {
		n := ras.AddChild(fdt.NewNode(fmt.Sprintf("reri@%x", s.Region.Address))).Add(
			fdt.String("compatible", Compatible),
			fdt.Cells64("reg", s.Region.Address, s.Region.Size),
			fdt.Cells("interrupts", uint32(s.IRQ)),
			fdt.Cells("riscv,vendor-id", s.ID.VendorID),
			fdt.Cells("riscv,instance-id", s.ID.InstanceID),
			fdt.Cells("riscv,sse-vector", uint32(s.Vector)),
			fdt.Cells("riscv,hart", uint32(s.Hart)),
			fdt.Cells("riscv,num-records", uint32(s.Records)),
		)
		if opts.InterruptParent != 0 {
			n.Add(fdt.Cells("interrupt-parent", opts.InterruptParent))
		}
	}
	return root, nil
}

// Blob encodes DeviceTree as an FDT blob.
func Blob(reg *registry.Registry, opts Options) ([]byte, error) {
	root, err := DeviceTree(reg, opts)
	if err != nil {
		return nil, err
	}
	return fdt.Encode(root)
}
