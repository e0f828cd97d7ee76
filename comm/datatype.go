package comm

import "fmt"

// Datatype pairs a byte layout with an extent. Instances are opaque tokens
// shared by reference; the engine interprets the layout, this layer only needs
// the extent to size transfers.
type Datatype struct {
	name   string
	extent uintptr
	align  uintptr
}

// NewDatatype registers a caller-defined element layout. The extent is the
// number of bytes occupied by one element.
func NewDatatype(name string, extent, align uintptr) (*Datatype, error) {
	if extent == 0 {
		return nil, fmt.Errorf("commgroup: datatype %q requires a non-zero extent", name)
	}
	if align == 0 {
		align = 1
	}
	return &Datatype{name: name, extent: extent, align: align}, nil
}

// Name returns the identifier the datatype was registered under.
func (d *Datatype) Name() string {
	if d == nil {
		return ""
	}
	return d.name
}

// Extent returns the byte size of a single element.
func (d *Datatype) Extent() uintptr {
	if d == nil {
		return 0
	}
	return d.extent
}

// Align returns the alignment requirement of a single element.
func (d *Datatype) Align() uintptr {
	if d == nil {
		return 0
	}
	return d.align
}

func (d *Datatype) String() string {
	return d.Name()
}

// Predefined element layouts. These cover the transfers the typed payload
// adapters produce; anything else goes through NewDatatype.
var (
	TypeByte    = &Datatype{name: "byte", extent: 1, align: 1}
	TypeInt32   = &Datatype{name: "int32", extent: 4, align: 4}
	TypeInt64   = &Datatype{name: "int64", extent: 8, align: 8}
	TypeUint64  = &Datatype{name: "uint64", extent: 8, align: 8}
	TypeFloat32 = &Datatype{name: "float32", extent: 4, align: 4}
	TypeFloat64 = &Datatype{name: "float64", extent: 8, align: 8}
)
