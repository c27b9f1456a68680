package lazyarr

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// LazyExpr couples an expression tree with bindings from operand names to
// array handles. Shape and dtype come from metadata alone and are
// recomputed on every query, so they track operand resizes made after the
// expression was built. Nothing is evaluated until Compute.
//
// Two construction paths exist with deliberately different reduction
// semantics. Combining expressions through methods (Add, Mul, ...)
// evaluates reductions such as Sum immediately, folding the result into
// the tree as a concrete value. Parsing the same expression from a string
// defers reductions to Compute time. Writing the reduction inside the
// string is how a caller opts into full laziness.
type LazyExpr struct {
	root     Node
	bindings map[string]*Array
	err      error
}

// Operand lifts an array handle into a one-node expression under the
// given name
func Operand(name string, a *Array) *LazyExpr {
	return &LazyExpr{
		root:     &OperandRef{Name: name},
		bindings: map[string]*Array{name: a},
	}
}

// Scalar lifts a constant into a one-node expression
func Scalar(v float64) *LazyExpr {
	return &LazyExpr{root: &Literal{Value: v}, bindings: map[string]*Array{}}
}

// Parse builds a lazy expression from its textual form against named
// operands. Every operand referenced by the expression must be bound;
// reductions written in the text stay deferred until Compute.
func Parse(expr string, operands map[string]*Array) (*LazyExpr, error) {
	root, err := parseExpr(expr)
	if err != nil {
		return nil, err
	}

	names := map[string]struct{}{}
	operandNames(root, names)
	bindings := make(map[string]*Array, len(names))
	for name := range names {
		a, ok := operands[name]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownOperand, name)
		}
		bindings[name] = a
	}

	return &LazyExpr{root: root, bindings: bindings}, nil
}

// Err reports a deferred construction error, if any. Builder methods
// carry errors forward rather than panicking; Shape, Dtype and Compute
// all surface them.
func (e *LazyExpr) Err() error { return e.err }

// Expr returns the canonical textual form of the expression
func (e *LazyExpr) Expr() string { return e.root.String() }

func (e *LazyExpr) String() string { return e.Expr() }

// Shape resolves the broadcast result shape from current operand
// metadata. Never cached: a resize through any bound handle is reflected
// on the next call.
func (e *LazyExpr) Shape() ([]int, error) {
	if e.err != nil {
		return nil, e.err
	}
	shape, _, err := resolveNode(e.root, e.bindings)
	return shape, err
}

// Dtype resolves the result element type from current operand metadata
func (e *LazyExpr) Dtype() (Dtype, error) {
	if e.err != nil {
		return Dtype{}, e.err
	}
	_, dt, err := resolveNode(e.root, e.bindings)
	return dt, err
}

func combine(op string, l, r *LazyExpr) *LazyExpr {
	out := &LazyExpr{
		root:     &BinaryExpr{Op: op, Left: l.root, Right: r.root},
		bindings: map[string]*Array{},
	}
	if l.err != nil {
		out.err = l.err
		return out
	}
	if r.err != nil {
		out.err = r.err
		return out
	}
	for name, a := range l.bindings {
		out.bindings[name] = a
	}
	for name, a := range r.bindings {
		if existing, ok := out.bindings[name]; ok && existing != a {
			out.err = fmt.Errorf("operand name %q bound to two different arrays", name)
			return out
		}
		out.bindings[name] = a
	}
	return out
}

func (e *LazyExpr) Add(o *LazyExpr) *LazyExpr { return combine("+", e, o) }
func (e *LazyExpr) Sub(o *LazyExpr) *LazyExpr { return combine("-", e, o) }
func (e *LazyExpr) Mul(o *LazyExpr) *LazyExpr { return combine("*", e, o) }
func (e *LazyExpr) Div(o *LazyExpr) *LazyExpr { return combine("/", e, o) }
func (e *LazyExpr) Mod(o *LazyExpr) *LazyExpr { return combine("%", e, o) }
func (e *LazyExpr) Pow(o *LazyExpr) *LazyExpr { return combine("**", e, o) }
func (e *LazyExpr) Lt(o *LazyExpr) *LazyExpr  { return combine("<", e, o) }
func (e *LazyExpr) Le(o *LazyExpr) *LazyExpr  { return combine("<=", e, o) }
func (e *LazyExpr) Gt(o *LazyExpr) *LazyExpr  { return combine(">", e, o) }
func (e *LazyExpr) Ge(o *LazyExpr) *LazyExpr  { return combine(">=", e, o) }
func (e *LazyExpr) Eq(o *LazyExpr) *LazyExpr  { return combine("==", e, o) }
func (e *LazyExpr) Ne(o *LazyExpr) *LazyExpr  { return combine("!=", e, o) }

func (e *LazyExpr) Neg() *LazyExpr {
	return &LazyExpr{
		root:     &UnaryExpr{Op: "-", Child: e.root},
		bindings: e.bindings,
		err:      e.err,
	}
}

// Apply wraps the expression in a named elementwise function
func (e *LazyExpr) Apply(funcName string) *LazyExpr {
	return &LazyExpr{
		root:     &CallExpr{Name: funcName, Args: []Node{e.root}},
		bindings: e.bindings,
		err:      e.err,
	}
}

// Sum reduces immediately. With no axis the whole array collapses to a
// scalar folded into the tree as a literal; with an axis the reduced
// array is materialized in memory and bound as a fresh operand. To defer
// a reduction to Compute time, write it in a parsed expression string
// instead.
func (e *LazyExpr) Sum(axis ...int) (*LazyExpr, error)  { return e.reduceEager("sum", axis) }
func (e *LazyExpr) Prod(axis ...int) (*LazyExpr, error) { return e.reduceEager("prod", axis) }
func (e *LazyExpr) Min(axis ...int) (*LazyExpr, error)  { return e.reduceEager("min", axis) }
func (e *LazyExpr) Max(axis ...int) (*LazyExpr, error)  { return e.reduceEager("max", axis) }
func (e *LazyExpr) Mean(axis ...int) (*LazyExpr, error) { return e.reduceEager("mean", axis) }
func (e *LazyExpr) Any(axis ...int) (*LazyExpr, error)  { return e.reduceEager("any", axis) }
func (e *LazyExpr) All(axis ...int) (*LazyExpr, error)  { return e.reduceEager("all", axis) }

func (e *LazyExpr) reduceEager(op string, axis []int) (*LazyExpr, error) {
	if e.err != nil {
		return nil, e.err
	}
	ax := AxisAll
	switch len(axis) {
	case 0:
	case 1:
		ax = axis[0]
	default:
		return nil, fmt.Errorf("%s takes at most one axis", op)
	}

	// the receiver may itself hold deferred reductions when it came from a
	// parsed string; complete those before accumulating this one
	scope := make(map[string]*Array, len(e.bindings))
	for name, a := range e.bindings {
		scope[name] = a
	}
	child, err := substituteReductions(e.root, scope)
	if err != nil {
		return nil, err
	}

	vals, shape, dt, err := evalReduce(&ReduceExpr{Op: op, Child: child, Axis: ax}, scope)
	if err != nil {
		return nil, err
	}

	if len(shape) == 0 {
		return &LazyExpr{
			root:     &Literal{Value: vals[0], Float: dt.BasicType == BTFloatingPoint},
			bindings: map[string]*Array{},
		}, nil
	}

	// axis reductions materialize to an anonymous in-memory operand
	name := ""
	for i := 0; ; i++ {
		name = fmt.Sprintf("_r%d", i)
		if _, taken := e.bindings[name]; !taken {
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
	return Operand(name, a), nil
}

// ComputeOptions configures where and how Compute writes its result
type ComputeOptions struct {
	// destination store for the output array. Nil keeps the result in
	// memory.
	Store Store
	// logical path of the output array within Store
	URLPath string
	// collision behaviour at URLPath, ModeWrite by default
	Mode PersistenceMode
	// explicit output chunking; derived from the result shape when nil
	Chunks []int
	// override for the inferred output element type
	Dtype *Dtype
	// override for the default chunk compressor
	Compressor *CompressionMeta
}

// Compute evaluates the expression chunk-by-chunk against the current
// state of every bound operand and returns the result as a new array.
// Operands must not be resized while Compute runs.
func (e *LazyExpr) Compute(opts *ComputeOptions) (*Array, error) {
	if e.err != nil {
		return nil, e.err
	}
	return computeTree(e.root, e.bindings, opts)
}

// Save persists the expression: its canonical text plus a storage locator
// for each bound operand. Every operand must already live in the target
// store; expressions over in-memory operands cannot be saved.
func (e *LazyExpr) Save(store Store, path string, mode PersistenceMode) error {
	if e.err != nil {
		return e.err
	}

	doc := &ExprMeta{
		FormatVersion: FormatVersion,
		Expression:    e.root.String(),
		Operands:      map[string]string{},
	}
	for name, a := range e.bindings {
		if !Persistent(a.Store()) {
			return fmt.Errorf("%w: operand %q", ErrUnpersistableOperand, name)
		}
		if a.Store() != store {
			return fmt.Errorf("operand %q is stored outside the expression's store", name)
		}
		doc.Operands[name] = a.Path()
	}

	p, err := NewPath(path)
	if err != nil {
		return err
	}
	key := p.Join(string(MTExpression)).String()

	switch mode {
	case ModeWrite, ModeReadWriteCreate:
	case ModeWriteFail:
		if f, err := store.Get(key); err == nil {
			f.Close()
			return fmt.Errorf("expression already exists at %q", path)
		}
	default:
		return fmt.Errorf("cannot save expression with mode %q", mode)
	}

	d, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return store.Put(key, bytes.NewReader(d))
}

// OpenExpr loads a saved expression, reopening every referenced operand
// from its recorded locator. Operands reflect their current on-disk state:
// an operand resized after the expression was saved yields the resized
// shape and values on the next Shape or Compute call.
func OpenExpr(store Store, path string) (*LazyExpr, error) {
	p, err := NewPath(path)
	if err != nil {
		return nil, err
	}
	f, err := store.Get(p.Join(string(MTExpression)).String())
	if err != nil {
		return nil, fmt.Errorf("opening expression at %q: %w", path, err)
	}
	defer f.Close()

	doc := &ExprMeta{}
	if err := json.NewDecoder(f).Decode(doc); err != nil {
		return nil, fmt.Errorf("%w: decoding expression at %q: %v", ErrSerialization, path, err)
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}

	root, err := parseExpr(doc.Expression)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}

	bindings := make(map[string]*Array, len(doc.Operands))
	for name, opPath := range doc.Operands {
		a, err := Open(store, opPath, ModeReadWrite)
		if err != nil {
			return nil, fmt.Errorf("resolving operand %q at %q: %w", name, opPath, err)
		}
		bindings[name] = a
	}

	names := map[string]struct{}{}
	operandNames(root, names)
	for name := range names {
		if _, ok := bindings[name]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownOperand, name)
		}
	}

	return &LazyExpr{root: root, bindings: bindings}, nil
}

// defaultChunks caps chunk extents at 64 along every dimension, keeping
// whole small arrays in one chunk
func defaultChunks(shape []int) []int {
	chunks := make([]int, len(shape))
	for i, d := range shape {
		if d > 64 {
			chunks[i] = 64
		} else if d < 1 {
			chunks[i] = 1
		} else {
			chunks[i] = d
		}
	}
	return chunks
}
