package lazyarr

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"sync"
)

// target element count per evaluation slab when accumulating reductions
const reduceSlabElems = 1 << 18

// computeTree evaluates a bound expression tree into a new array,
// processing one output chunk at a time so the full broadcast result is
// never held in memory. Reductions are completed first: a reduction
// consumed by an elementwise operation is needed as a whole value, not
// chunk-by-chunk, so each ReduceExpr is fully accumulated and substituted
// into the tree before the output chunk loop begins.
func computeTree(root Node, bindings map[string]*Array, opts *ComputeOptions) (*Array, error) {
	if opts == nil {
		opts = &ComputeOptions{}
	}

	// substitution binds temporaries; work on a copy
	scope := make(map[string]*Array, len(bindings))
	for name, a := range bindings {
		scope[name] = a
	}

	root, err := substituteReductions(root, scope)
	if err != nil {
		return nil, err
	}

	shape, dt, err := resolveNode(root, scope)
	if err != nil {
		return nil, err
	}
	if opts.Dtype != nil {
		dt = *opts.Dtype
	}

	chunks := opts.Chunks
	if chunks == nil {
		chunks = defaultChunks(shape)
	}
	if len(chunks) != len(shape) {
		return nil, fmt.Errorf("%w: output chunk rank %d does not match result rank %d", ErrShapeMismatch, len(chunks), len(shape))
	}

	meta := &ArrayMeta{
		FormatVersion: FormatVersion,
		Shape:         shape,
		Chunks:        chunks,
		Dtype:         dt,
		Compressor:    CompressionMeta{ID: CompressionNone},
		Order:         "C",
	}
	if opts.Compressor != nil {
		meta.Compressor = *opts.Compressor
	}

	store := opts.Store
	path := opts.URLPath
	if store == nil {
		store = NewMemoryStore()
		if path == "" {
			path = "computed"
		}
	} else {
		if path == "" {
			return nil, fmt.Errorf("compute to a store requires a urlpath")
		}
		if opts.Compressor == nil {
			meta.Compressor = DefaultCompression()
		}
	}

	p, err := NewPath(path)
	if err != nil {
		return nil, err
	}
	mode := opts.Mode
	if mode == "" {
		mode = ModeWrite
	}
	metaKey := p.Join(string(MTArray)).String()
	switch mode {
	case ModeWrite:
		if err := deletePrefix(store, p.String()+"/"); err != nil {
			return nil, err
		}
	case ModeWriteFail:
		if f, err := store.Get(metaKey); err == nil {
			f.Close()
			return nil, fmt.Errorf("array already exists at %q", path)
		}
	default:
		return nil, fmt.Errorf("cannot compute with output mode %q", mode)
	}

	out := &Array{path: p, store: store, mode: ModeReadWrite, meta: meta}

	// chunks are written before metadata. A failed compute deletes what it
	// wrote and never leaves a readable array claiming completion.
	grid := chunkGrid(shape, chunks)
	coords := gridCoords(grid)
	chunkElems := numElems(chunks)
	chunkStrides := strides(chunks)

	err = runTasks(len(coords), func(task int) error {
		c := coords[task]
		start, stop := chunkBounds(c, chunks, shape)
		vals, err := evalRegion(root, scope, start, stop)
		if err != nil {
			return err
		}

		rgShape := regionShape(start, stop)
		if numElems(rgShape) != chunkElems {
			// trailing-edge chunk: pad into a full-size buffer
			full := make([]float64, chunkElems)
			copyRegion(vals, strides(rgShape), start, full, chunkStrides, chunkOrigin(c, chunks), start, stop, true)
			vals = full
		}
		return out.WriteChunk(c, vals)
	})
	if err != nil {
		if delErr := deletePrefix(store, p.String()+"/"); delErr != nil {
			return nil, fmt.Errorf("%v (cleanup failed: %v)", err, delErr)
		}
		return nil, err
	}

	if err := out.writeMeta(); err != nil {
		return nil, err
	}
	return out, nil
}

// substituteReductions replaces every ReduceExpr with its fully-evaluated
// result, bottom-up: scalar results become Literal nodes, axis results are
// materialized to in-memory arrays bound into scope under generated names
func substituteReductions(n Node, scope map[string]*Array) (Node, error) {
	switch v := n.(type) {
	case *Literal, *OperandRef:
		return n, nil

	case *UnaryExpr:
		child, err := substituteReductions(v.Child, scope)
		if err != nil {
			return nil, err
		}
		return &UnaryExpr{Op: v.Op, Child: child}, nil

	case *BinaryExpr:
		left, err := substituteReductions(v.Left, scope)
		if err != nil {
			return nil, err
		}
		right, err := substituteReductions(v.Right, scope)
		if err != nil {
			return nil, err
		}
		return &BinaryExpr{Op: v.Op, Left: left, Right: right}, nil

	case *CallExpr:
		args := make([]Node, len(v.Args))
		for i, a := range v.Args {
			arg, err := substituteReductions(a, scope)
			if err != nil {
				return nil, err
			}
			args[i] = arg
		}
		return &CallExpr{Name: v.Name, Args: args}, nil

	case *ReduceExpr:
		child, err := substituteReductions(v.Child, scope)
		if err != nil {
			return nil, err
		}
		vals, shape, dt, err := evalReduce(&ReduceExpr{Op: v.Op, Child: child, Axis: v.Axis}, scope)
		if err != nil {
			return nil, err
		}
		if len(shape) == 0 {
			return &Literal{Value: vals[0], Float: dt.BasicType == BTFloatingPoint}, nil
		}

		name := ""
		for i := 0; ; i++ {
			name = fmt.Sprintf("_t%d", i)
			if _, taken := scope[name]; !taken {
				break
			}
		}
		a, err := Create(NewMemoryStore(), name, ModeWrite, &ArrayMeta{
			Shape:      shape,
			Chunks:     defaultChunks(shape),
			Dtype:      dt,
			Compressor: CompressionMeta{ID: CompressionNone},
		})
		if err != nil {
			return nil, err
		}
		if err := a.SetRange(make([]int, len(shape)), shape, vals); err != nil {
			return nil, err
		}
		scope[name] = a
		return &OperandRef{Name: name}, nil

	default:
		return nil, fmt.Errorf("unexpected expression node %T", n)
	}
}

// evalReduce fully accumulates one reduction over its child's domain.
// The child must be reduction-free. Slabs of the domain accumulate in
// parallel into per-slab partials; partials merge under a single lock.
// Merging is order-independent: every supported reduction combines
// associatively and commutatively.
func evalReduce(n *ReduceExpr, scope map[string]*Array) (vals []float64, shape []int, dt Dtype, err error) {
	childShape, childDt, err := resolveNode(n.Child, scope)
	if err != nil {
		return nil, nil, Dtype{}, err
	}
	outShape, err := reducedShape(childShape, n.Axis)
	if err != nil {
		return nil, nil, Dtype{}, err
	}

	total := numElems(childShape)
	if total == 0 {
		switch n.Op {
		case "min", "max", "mean":
			return nil, nil, Dtype{}, fmt.Errorf("cannot %s a zero-size array", n.Op)
		}
	}

	outElems := numElems(outShape)
	acc := make([]float64, outElems)
	identity := reduceIdentity(n.Op)
	for i := range acc {
		acc[i] = identity
	}

	// slab the child's domain along its first axis. A zero-size dimension
	// anywhere means the domain is empty: nothing to accumulate.
	slabRows, numSlabs := 1, 1
	if len(childShape) > 0 {
		rowElems := numElems(childShape[1:])
		if rowElems == 0 || childShape[0] == 0 {
			numSlabs = 0
		} else {
			slabRows = reduceSlabElems / rowElems
			if slabRows < 1 {
				slabRows = 1
			}
			if slabRows > childShape[0] {
				slabRows = childShape[0]
			}
			numSlabs = (childShape[0] + slabRows - 1) / slabRows
		}
	}

	outStrides := strides(outShape)
	var mu sync.Mutex

	err = runTasks(numSlabs, func(task int) error {
		start := make([]int, len(childShape))
		stop := append([]int{}, childShape...)
		if len(childShape) > 0 {
			start[0] = task * slabRows
			stop[0] = start[0] + slabRows
			if stop[0] > childShape[0] {
				stop[0] = childShape[0]
			}
		}

		buf, err := evalRegion(n.Child, scope, start, stop)
		if err != nil {
			return err
		}

		partial := make([]float64, outElems)
		for i := range partial {
			partial[i] = identity
		}
		i := 0
		for o := newOdometer(regionShape(start, stop)); !o.Done(); o.Next() {
			oi := 0
			if n.Axis != AxisAll {
				for d, c := range o.Coords() {
					if d == n.Axis {
						continue
					}
					od := d
					if d > n.Axis {
						od--
					}
					oi += (start[d] + c) * outStrides[od]
				}
			}
			partial[oi] = reduceCombine(n.Op, partial[oi], buf[i])
			i++
		}

		mu.Lock()
		for i, v := range partial {
			acc[i] = reduceCombine(n.Op, acc[i], v)
		}
		mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, nil, Dtype{}, err
	}

	if n.Op == "mean" {
		count := float64(total)
		if n.Axis != AxisAll {
			count = float64(childShape[n.Axis])
		}
		for i := range acc {
			acc[i] /= count
		}
	}

	switch n.Op {
	case "mean":
		dt = DtypeFloat64
	case "any", "all":
		dt = DtypeBool
	default:
		dt = childDt
		if dt.BasicType == BTBoolean && (n.Op == "sum" || n.Op == "prod") {
			dt = DtypeInt64
		}
	}
	return acc, outShape, dt, nil
}

func reduceIdentity(op string) float64 {
	switch op {
	case "prod", "all":
		return 1
	case "min":
		return math.Inf(1)
	case "max":
		return math.Inf(-1)
	default: // sum, mean, any
		return 0
	}
}

func reduceCombine(op string, a, b float64) float64 {
	switch op {
	case "sum", "mean":
		return a + b
	case "prod":
		return a * b
	case "min":
		return math.Min(a, b)
	case "max":
		return math.Max(a, b)
	case "any":
		if a != 0 || b != 0 {
			return 1
		}
		return 0
	case "all":
		if a != 0 && b != 0 {
			return 1
		}
		return 0
	}
	return 0
}

// evalRegion evaluates a reduction-free tree over the [start, stop) region
// of the node's own broadcast frame, returning a row-major buffer. Operand
// reads collapse broadcast dimensions: a size-1 operand dimension maps
// every region index back to the same stored slice.
func evalRegion(n Node, scope map[string]*Array, start, stop []int) ([]float64, error) {
	switch v := n.(type) {
	case *Literal:
		out := make([]float64, numElems(regionShape(start, stop)))
		for i := range out {
			out[i] = v.Value
		}
		return out, nil

	case *OperandRef:
		a, ok := scope[v.Name]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownOperand, v.Name)
		}
		return a.ReadRange(start, stop)

	case *UnaryExpr:
		buf, err := evalRegion(v.Child, scope, start, stop)
		if err != nil {
			return nil, err
		}
		for i := range buf {
			buf[i] = -buf[i]
		}
		return buf, nil

	case *BinaryExpr:
		rgShape := regionShape(start, stop)
		left, err := evalChildRegion(v.Left, scope, start, stop, rgShape)
		if err != nil {
			return nil, err
		}
		right, err := evalChildRegion(v.Right, scope, start, stop, rgShape)
		if err != nil {
			return nil, err
		}
		return applyBinary(v.Op, left, right)

	case *CallExpr:
		if _, ok := callArity[v.Name]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownFunction, v.Name)
		}
		rgShape := regionShape(start, stop)
		bufs := make([][]float64, len(v.Args))
		for i, arg := range v.Args {
			buf, err := evalChildRegion(arg, scope, start, stop, rgShape)
			if err != nil {
				return nil, err
			}
			bufs[i] = buf
		}
		return applyCall(v.Name, bufs)

	case *ReduceExpr:
		return nil, fmt.Errorf("unreduced %s in elementwise evaluation", v.Op)

	default:
		return nil, fmt.Errorf("unexpected expression node %T", n)
	}
}

// evalChildRegion projects a parent region onto a child operand's frame,
// evaluates it there, and broadcast-expands the result back to the parent
// region's shape
func evalChildRegion(child Node, scope map[string]*Array, start, stop, parentShape []int) ([]float64, error) {
	childShape, _, err := resolveNode(child, scope)
	if err != nil {
		return nil, err
	}
	cStart, cStop := broadcastRegion(start, stop, childShape)
	buf, err := evalRegion(child, scope, cStart, cStop)
	if err != nil {
		return nil, err
	}
	return expandRegion(buf, regionShape(cStart, cStop), parentShape), nil
}

func applyBinary(op string, l, r []float64) ([]float64, error) {
	out := l
	switch op {
	case "+":
		for i := range out {
			out[i] = l[i] + r[i]
		}
	case "-":
		for i := range out {
			out[i] = l[i] - r[i]
		}
	case "*":
		for i := range out {
			out[i] = l[i] * r[i]
		}
	case "/":
		for i := range out {
			out[i] = l[i] / r[i]
		}
	case "%":
		for i := range out {
			out[i] = math.Mod(l[i], r[i])
		}
	case "**":
		for i := range out {
			out[i] = math.Pow(l[i], r[i])
		}
	case "<":
		for i := range out {
			out[i] = boolVal(l[i] < r[i])
		}
	case "<=":
		for i := range out {
			out[i] = boolVal(l[i] <= r[i])
		}
	case ">":
		for i := range out {
			out[i] = boolVal(l[i] > r[i])
		}
	case ">=":
		for i := range out {
			out[i] = boolVal(l[i] >= r[i])
		}
	case "==":
		for i := range out {
			out[i] = boolVal(l[i] == r[i])
		}
	case "!=":
		for i := range out {
			out[i] = boolVal(l[i] != r[i])
		}
	default:
		return nil, fmt.Errorf("unsupported operator %q", op)
	}
	return out, nil
}

func applyCall(name string, bufs [][]float64) ([]float64, error) {
	out := bufs[0]
	switch name {
	case "sin":
		for i := range out {
			out[i] = math.Sin(out[i])
		}
	case "cos":
		for i := range out {
			out[i] = math.Cos(out[i])
		}
	case "tan":
		for i := range out {
			out[i] = math.Tan(out[i])
		}
	case "sqrt":
		for i := range out {
			out[i] = math.Sqrt(out[i])
		}
	case "exp":
		for i := range out {
			out[i] = math.Exp(out[i])
		}
	case "log":
		for i := range out {
			out[i] = math.Log(out[i])
		}
	case "log10":
		for i := range out {
			out[i] = math.Log10(out[i])
		}
	case "abs":
		for i := range out {
			out[i] = math.Abs(out[i])
		}
	case "arctan2":
		for i := range out {
			out[i] = math.Atan2(out[i], bufs[1][i])
		}
	case "where":
		for i := range out {
			if out[i] != 0 {
				out[i] = bufs[1][i]
			} else {
				out[i] = bufs[2][i]
			}
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFunction, name)
	}
	return out, nil
}

func boolVal(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// gridCoords materializes every coordinate of a chunk grid
func gridCoords(grid []int) [][]int {
	var coords [][]int
	for o := newOdometer(grid); !o.Done(); o.Next() {
		coords = append(coords, append([]int{}, o.Coords()...))
	}
	return coords
}

// runTasks runs numTasks invocations of fn across a bounded worker pool.
// The first error cancels all remaining tasks and is returned.
func runTasks(numTasks int, fn func(task int) error) error {
	workers := runtime.NumCPU()
	if workers > numTasks {
		workers = numTasks
	}
	if workers < 1 {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tasks := make(chan int)
	go func() {
		defer close(tasks)
		for i := 0; i < numTasks; i++ {
			select {
			case tasks <- i:
			case <-ctx.Done():
				return
			}
		}
	}()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for task := range tasks {
				if err := fn(task); err != nil {
					mu.Lock()
					if firstErr == nil {
						firstErr = err
					}
					mu.Unlock()
					cancel()
					return
				}
			}
		}()
	}
	wg.Wait()
	return firstErr
}
