package lazyarr

// numElems is the element count of a shape. A rank-0 (scalar) shape has one
// element
func numElems(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// strides computes row-major element strides for a shape
func strides(shape []int) []int {
	st := make([]int, len(shape))
	acc := 1
	for i := len(shape) - 1; i >= 0; i-- {
		st[i] = acc
		acc *= shape[i]
	}
	return st
}

// chunkGrid is the number of chunks along each dimension
func chunkGrid(shape, chunks []int) []int {
	grid := make([]int, len(shape))
	for i := range shape {
		grid[i] = (shape[i] + chunks[i] - 1) / chunks[i]
	}
	return grid
}

// chunkBounds maps chunk grid coordinates to the [start, stop) element
// region the chunk covers, clipped to the array shape
func chunkBounds(coords, chunks, shape []int) (start, stop []int) {
	start = make([]int, len(coords))
	stop = make([]int, len(coords))
	for i, c := range coords {
		start[i] = c * chunks[i]
		stop[i] = start[i] + chunks[i]
		if stop[i] > shape[i] {
			stop[i] = shape[i]
		}
	}
	return start, stop
}

// regionShape is the per-dimension extent of a [start, stop) region
func regionShape(start, stop []int) []int {
	sh := make([]int, len(start))
	for i := range start {
		sh[i] = stop[i] - start[i]
	}
	return sh
}

// odometer iterates every coordinate of an n-dimensional grid in row-major
// order. A rank-0 grid yields a single empty coordinate.
type odometer struct {
	dims []int
	cur  []int
	done bool
}

func newOdometer(dims []int) *odometer {
	o := &odometer{dims: dims, cur: make([]int, len(dims))}
	for _, d := range dims {
		if d == 0 {
			o.done = true
		}
	}
	return o
}

// Coords returns the current coordinate. The slice is reused across Next
// calls; callers that retain it must copy.
func (o *odometer) Coords() []int { return o.cur }

func (o *odometer) Done() bool { return o.done }

func (o *odometer) Next() {
	for i := len(o.cur) - 1; i >= 0; i-- {
		o.cur[i]++
		if o.cur[i] < o.dims[i] {
			return
		}
		o.cur[i] = 0
	}
	o.done = true
}

// broadcastRegion projects a [start, stop) region in the broadcast result
// frame onto an operand of the given shape: trailing dimensions align, a
// size-1 operand dimension collapses every result index to 0, and result
// dimensions absent from the operand are dropped.
func broadcastRegion(start, stop, operandShape []int) (opStart, opStop []int) {
	rank := len(operandShape)
	off := len(start) - rank
	opStart = make([]int, rank)
	opStop = make([]int, rank)
	for i := 0; i < rank; i++ {
		if operandShape[i] == 1 {
			opStart[i], opStop[i] = 0, 1
			continue
		}
		opStart[i] = start[off+i]
		opStop[i] = stop[off+i]
	}
	return opStart, opStop
}

// expandRegion broadcast-expands a buffer shaped fromShape into toShape.
// fromShape must be broadcast-compatible with toShape and of equal or lower
// rank. Returns vals unchanged when the shapes already match.
func expandRegion(vals []float64, fromShape, toShape []int) []float64 {
	if shapesEqual(fromShape, toShape) {
		return vals
	}

	fromStrides := strides(fromShape)
	off := len(toShape) - len(fromShape)
	out := make([]float64, numElems(toShape))

	i := 0
	for o := newOdometer(toShape); !o.Done(); o.Next() {
		coords := o.Coords()
		src := 0
		for d := 0; d < len(fromShape); d++ {
			if fromShape[d] != 1 {
				src += coords[off+d] * fromStrides[d]
			}
		}
		out[i] = vals[src]
		i++
	}
	return out
}

func shapesEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
