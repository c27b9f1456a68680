package lazyarr

import (
	"fmt"
)

// FormatVersion is the storage format version written into every metadata
// document
const FormatVersion = 1

type MetaType string

const (
	// MTArray is the key for storing array metadata
	MTArray MetaType = ".array"
	// MTAttributes stores userland metadata attached to an array
	MTAttributes MetaType = ".attrs"
	// MTExpression is the key for a persisted lazy expression document
	MTExpression MetaType = ".expr"
)

// ArrayMeta is the essential configuration required to interpret stored
// chunk data, encoded as JSON under the ".array" key within an array's
// logical path
type ArrayMeta struct {
	// version of the storage format this array adheres to
	FormatVersion int `json:"format_version"`
	// length of each dimension of the array
	Shape []int `json:"shape"`
	// length of each dimension of a chunk. All chunks of an array share one
	// shape; chunks at the trailing edge are stored full-size and clipped
	// on read
	Chunks []int `json:"chunks"`
	// element type of the array
	Dtype Dtype `json:"dtype"`
	// primary compression codec and configuration applied per chunk
	Compressor CompressionMeta `json:"compressor"`
	// default value for uninitialized portions of the array
	FillValue float64 `json:"fill_value"`
	// layout of elements within each chunk. Only "C" (row-major, last
	// dimension varies fastest) is supported
	Order string `json:"order"`
	// separator placed between dimension indexes in chunk keys. Defaults
	// to "."
	DimensionSeparator string `json:"dimension_separator,omitempty"`
}

func (m *ArrayMeta) Validate() error {
	if len(m.Shape) != len(m.Chunks) {
		return fmt.Errorf("%w: shape rank %d does not match chunk rank %d", ErrShapeMismatch, len(m.Shape), len(m.Chunks))
	}
	for i, s := range m.Shape {
		if s < 0 {
			return fmt.Errorf("invalid shape: dimension %d is negative", i)
		}
	}
	for i, c := range m.Chunks {
		if c < 1 {
			return fmt.Errorf("invalid chunk shape: dimension %d must be positive", i)
		}
	}
	if m.Order != "" && m.Order != "C" {
		return fmt.Errorf("unsupported element order %q", m.Order)
	}
	return nil
}

func (m *ArrayMeta) separator() string {
	if m.DimensionSeparator == "" {
		return "."
	}
	return m.DimensionSeparator
}

// Attributes is userland metadata keyed by name, stored as JSON under an
// array's ".attrs" key
type Attributes map[string]interface{}

// ExprMeta is the on-disk form of a saved lazy expression: the canonical
// expression string plus a storage locator for each named operand, encoded
// as JSON under the ".expr" key
type ExprMeta struct {
	FormatVersion int `json:"format_version"`
	// canonical textual form of the expression tree
	Expression string `json:"expression"`
	// operand name to logical storage path
	Operands map[string]string `json:"operands"`
}

func (m *ExprMeta) Validate() error {
	if m.Expression == "" {
		return fmt.Errorf("%w: empty expression", ErrSerialization)
	}
	return nil
}
