package lazyarr

import (
	"fmt"
)

// broadcastShapes combines two shapes under the broadcasting rule: shapes
// align from the trailing dimension; for each aligned pair the combined
// dimension is the non-1 size when either side is 1, or their common size.
// Dimensions present in only one shape adopt the other shape's size.
// Unequal sizes with neither equal to 1 cannot broadcast.
func broadcastShapes(a, b []int) ([]int, error) {
	rank := len(a)
	if len(b) > rank {
		rank = len(b)
	}
	out := make([]int, rank)
	for i := 1; i <= rank; i++ {
		da, db := 1, 1
		if i <= len(a) {
			da = a[len(a)-i]
		}
		if i <= len(b) {
			db = b[len(b)-i]
		}
		switch {
		case da == db:
			out[rank-i] = da
		case da == 1:
			out[rank-i] = db
		case db == 1:
			out[rank-i] = da
		default:
			return nil, fmt.Errorf("%w: cannot broadcast %v with %v", ErrShapeMismatch, a, b)
		}
	}
	return out, nil
}

// resolveNode computes the result shape and element type of an expression
// tree purely from current operand metadata. No chunk data is read.
func resolveNode(n Node, bindings map[string]*Array) ([]int, Dtype, error) {
	switch v := n.(type) {
	case *Literal:
		dt := DtypeFloat64
		if !v.Float && v.Value == float64(int64(v.Value)) {
			dt = DtypeInt64
		}
		return []int{}, dt, nil

	case *OperandRef:
		a, ok := bindings[v.Name]
		if !ok {
			return nil, Dtype{}, fmt.Errorf("%w: %q", ErrUnknownOperand, v.Name)
		}
		return a.Shape(), a.Dtype(), nil

	case *UnaryExpr:
		shape, dt, err := resolveNode(v.Child, bindings)
		if err != nil {
			return nil, Dtype{}, err
		}
		// negating booleans yields integers
		if dt.BasicType == BTBoolean || dt.BasicType == BTUnsigned {
			dt = DtypeInt64
		}
		return shape, dt, nil

	case *BinaryExpr:
		lShape, lDt, err := resolveNode(v.Left, bindings)
		if err != nil {
			return nil, Dtype{}, err
		}
		rShape, rDt, err := resolveNode(v.Right, bindings)
		if err != nil {
			return nil, Dtype{}, err
		}
		shape, err := broadcastShapes(lShape, rShape)
		if err != nil {
			return nil, Dtype{}, err
		}
		switch v.Op {
		case "<", "<=", ">", ">=", "==", "!=":
			return shape, DtypeBool, nil
		case "/", "**":
			dt := Promote(lDt, rDt)
			if dt.BasicType != BTFloatingPoint {
				dt = DtypeFloat64
			}
			return shape, dt, nil
		default:
			return shape, Promote(lDt, rDt), nil
		}

	case *ReduceExpr:
		shape, dt, err := resolveNode(v.Child, bindings)
		if err != nil {
			return nil, Dtype{}, err
		}
		outShape, err := reducedShape(shape, v.Axis)
		if err != nil {
			return nil, Dtype{}, err
		}
		switch v.Op {
		case "mean":
			dt = DtypeFloat64
		case "any", "all":
			dt = DtypeBool
		case "sum", "prod":
			if dt.BasicType == BTBoolean {
				dt = DtypeInt64
			}
		}
		return outShape, dt, nil

	case *CallExpr:
		arity, ok := callArity[v.Name]
		if !ok {
			return nil, Dtype{}, fmt.Errorf("%w: %q", ErrUnknownFunction, v.Name)
		}
		if len(v.Args) != arity {
			return nil, Dtype{}, fmt.Errorf("%w: %q takes %d arguments, got %d", ErrUnknownFunction, v.Name, arity, len(v.Args))
		}

		shape := []int{}
		dts := make([]Dtype, len(v.Args))
		for i, arg := range v.Args {
			argShape, argDt, err := resolveNode(arg, bindings)
			if err != nil {
				return nil, Dtype{}, err
			}
			if shape, err = broadcastShapes(shape, argShape); err != nil {
				return nil, Dtype{}, err
			}
			dts[i] = argDt
		}

		if v.Name == "where" {
			return shape, Promote(dts[1], dts[2]), nil
		}
		dt := dts[0]
		for _, d := range dts[1:] {
			dt = Promote(dt, d)
		}
		if dt.BasicType != BTFloatingPoint {
			dt = DtypeFloat64
		}
		return shape, dt, nil

	default:
		return nil, Dtype{}, fmt.Errorf("unexpected expression node %T", n)
	}
}

// reducedShape drops the reduced axis, or collapses to a scalar shape when
// reducing over all axes
func reducedShape(shape []int, axis int) ([]int, error) {
	if axis == AxisAll {
		return []int{}, nil
	}
	if axis < 0 || axis >= len(shape) {
		return nil, fmt.Errorf("%w: reduction axis %d out of range for shape %v", ErrShapeMismatch, axis, shape)
	}
	out := make([]int, 0, len(shape)-1)
	out = append(out, shape[:axis]...)
	return append(out, shape[axis+1:]...), nil
}
