package lazyarr

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// fixture mirrors the documented worked example at a test-friendly scale:
// a = full((20,30,40), 1), b = full((20,40), 2), c = full(40, 3).
// sum(a) = 24000, so "a.sum() + b * c" is 24006 at every output position.
func exampleOperands(t *testing.T, store Store) map[string]*Array {
	t.Helper()
	a, err := Full(store, "a", ModeWrite, []int{20, 30, 40}, []int{7, 8, 9}, DtypeFloat64, 1)
	if err != nil {
		t.Fatal(err)
	}
	b, err := Full(store, "b", ModeWrite, []int{20, 40}, []int{6, 7}, DtypeFloat64, 2)
	if err != nil {
		t.Fatal(err)
	}
	c, err := Full(store, "c", ModeWrite, []int{40}, []int{9}, DtypeFloat64, 3)
	if err != nil {
		t.Fatal(err)
	}
	return map[string]*Array{"a": a, "b": b, "c": c}
}

func checkAllEqual(t *testing.T, vals []float64, want float64) {
	t.Helper()
	for i, v := range vals {
		if v != want {
			t.Fatalf("value %d = %v, want %v", i, v, want)
		}
	}
}

func TestDeferredReductionFromString(t *testing.T) {
	ops := exampleOperands(t, NewMemoryStore())
	e, err := Parse("a.sum() + b * c", ops)
	if err != nil {
		t.Fatal(err)
	}

	// the parsed tree holds an unevaluated ReduceExpr
	root, ok := e.root.(*BinaryExpr)
	if !ok {
		t.Fatalf("root is %T, want *BinaryExpr", e.root)
	}
	if _, ok := root.Left.(*ReduceExpr); !ok {
		t.Fatalf("left of root is %T, want deferred *ReduceExpr", root.Left)
	}

	shape, err := e.Shape()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int{20, 40}, shape); diff != "" {
		t.Errorf("shape mismatch (-want +got):\n%s", diff)
	}

	res, err := e.Compute(nil)
	if err != nil {
		t.Fatal(err)
	}
	vals, err := res.ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(vals) != 20*40 {
		t.Fatalf("result has %d values, want %d", len(vals), 20*40)
	}
	checkAllEqual(t, vals, 24006)
}

func TestEagerReductionFromOperators(t *testing.T) {
	ops := exampleOperands(t, NewMemoryStore())

	sum, err := Operand("a", ops["a"]).Sum()
	if err != nil {
		t.Fatal(err)
	}

	// the reduction already happened: the tree holds a concrete value
	lit, ok := sum.root.(*Literal)
	if !ok {
		t.Fatalf("eager sum produced %T, want *Literal", sum.root)
	}
	if lit.Value != 24000 {
		t.Fatalf("eager sum = %v, want 24000", lit.Value)
	}

	e := sum.Add(Operand("b", ops["b"]).Mul(Operand("c", ops["c"])))
	if err := e.Err(); err != nil {
		t.Fatal(err)
	}

	res, err := e.Compute(nil)
	if err != nil {
		t.Fatal(err)
	}
	vals, err := res.ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	checkAllEqual(t, vals, 24006)
}

func TestEagerAxisReductionMaterializes(t *testing.T) {
	s := NewMemoryStore()
	a, err := Full(s, "a", ModeWrite, []int{4, 6}, []int{2, 3}, DtypeFloat64, 2)
	if err != nil {
		t.Fatal(err)
	}

	e, err := Operand("a", a).Sum(0)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := e.root.(*OperandRef); !ok {
		t.Fatalf("eager axis sum produced %T, want materialized *OperandRef", e.root)
	}

	res, err := e.Compute(nil)
	if err != nil {
		t.Fatal(err)
	}
	shape := res.Shape()
	if diff := cmp.Diff([]int{6}, shape); diff != "" {
		t.Errorf("shape mismatch (-want +got):\n%s", diff)
	}
	vals, err := res.ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	checkAllEqual(t, vals, 8)
}

func TestSaveOpenRoundTrip(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ops := exampleOperands(t, store)

	e, err := Parse("a.sum() + b * c", ops)
	if err != nil {
		t.Fatal(err)
	}
	want, err := e.Compute(nil)
	if err != nil {
		t.Fatal(err)
	}
	wantVals, err := want.ReadAll()
	if err != nil {
		t.Fatal(err)
	}

	if err := e.Save(store, "expr", ModeWrite); err != nil {
		t.Fatal(err)
	}

	reopened, err := OpenExpr(store, "expr")
	if err != nil {
		t.Fatal(err)
	}
	got, err := reopened.Compute(nil)
	if err != nil {
		t.Fatal(err)
	}
	gotVals, err := got.ReadAll()
	if err != nil {
		t.Fatal(err)
	}

	// unchanged operands: results match bit for bit
	if diff := cmp.Diff(wantVals, gotVals); diff != "" {
		t.Errorf("recomputed result mismatch (-want +got):\n%s", diff)
	}

	if err := e.Save(store, "expr", ModeWriteFail); err == nil {
		t.Error(`mode "w-" should fail on an existing expression`)
	}
}

// An expression saved before a resize reflects the operands' current
// shapes and values when reopened, without re-saving.
func TestResizeReflectedAfterReopen(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ops := exampleOperands(t, store)

	e, err := Parse("a.sum() + b * c", ops)
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Save(store, "expr", ModeWrite); err != nil {
		t.Fatal(err)
	}

	// grow a and b, writing new values into the extended regions
	a, b := ops["a"], ops["b"]
	if err := a.Resize([]int{30, 30, 40}); err != nil {
		t.Fatal(err)
	}
	ext := make([]float64, 10*30*40)
	for i := range ext {
		ext[i] = 3
	}
	if err := a.SetRange([]int{20, 0, 0}, []int{30, 30, 40}, ext); err != nil {
		t.Fatal(err)
	}

	if err := b.Resize([]int{30, 40}); err != nil {
		t.Fatal(err)
	}
	ext = make([]float64, 10*40)
	for i := range ext {
		ext[i] = 5
	}
	if err := b.SetRange([]int{20, 0}, []int{30, 40}, ext); err != nil {
		t.Fatal(err)
	}

	reopened, err := OpenExpr(store, "expr")
	if err != nil {
		t.Fatal(err)
	}
	shape, err := reopened.Shape()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int{30, 40}, shape); diff != "" {
		t.Errorf("reopened shape mismatch (-want +got):\n%s", diff)
	}

	res, err := reopened.Compute(nil)
	if err != nil {
		t.Fatal(err)
	}
	// sum(a) = 20*30*40*1 + 10*30*40*3 = 60000
	head, err := res.Slice(0, 20)
	if err != nil {
		t.Fatal(err)
	}
	checkAllEqual(t, head, 60006) // 60000 + 2*3
	tail, err := res.Slice(20, 30)
	if err != nil {
		t.Fatal(err)
	}
	checkAllEqual(t, tail, 60015) // 60000 + 5*3
}

// Shape queries against a live expression track resizes with no
// save/reopen involved: nothing is cached.
func TestShapeNeverCached(t *testing.T) {
	s := NewMemoryStore()
	a, err := Full(s, "a", ModeWrite, []int{4, 6}, []int{2, 3}, DtypeFloat64, 1)
	if err != nil {
		t.Fatal(err)
	}
	e, err := Parse("a * 2", map[string]*Array{"a": a})
	if err != nil {
		t.Fatal(err)
	}

	shape, err := e.Shape()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int{4, 6}, shape); diff != "" {
		t.Errorf("shape before resize (-want +got):\n%s", diff)
	}

	if err := a.Resize([]int{8, 6}); err != nil {
		t.Fatal(err)
	}
	shape, err = e.Shape()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int{8, 6}, shape); diff != "" {
		t.Errorf("shape after resize (-want +got):\n%s", diff)
	}
}

func TestParseUnboundOperand(t *testing.T) {
	_, err := Parse("a + b", map[string]*Array{})
	if !errors.Is(err, ErrUnknownOperand) {
		t.Fatalf("error = %v, want ErrUnknownOperand", err)
	}
}

func TestSaveInMemoryOperandFails(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	mem, err := Full(NewMemoryStore(), "m", ModeWrite, []int{4}, []int{2}, DtypeFloat64, 1)
	if err != nil {
		t.Fatal(err)
	}

	e, err := Parse("m + 1", map[string]*Array{"m": mem})
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Save(store, "expr", ModeWrite); !errors.Is(err, ErrUnpersistableOperand) {
		t.Fatalf("error = %v, want ErrUnpersistableOperand", err)
	}
}

func TestOpenExprMissingOperand(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	a, err := Full(store, "a", ModeWrite, []int{4}, []int{2}, DtypeFloat64, 1)
	if err != nil {
		t.Fatal(err)
	}
	e, err := Parse("a * 2", map[string]*Array{"a": a})
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Save(store, "expr", ModeWrite); err != nil {
		t.Fatal(err)
	}

	// destroy the referenced operand; open must fail with a clear error
	keys, err := store.Keys("a/")
	if err != nil {
		t.Fatal(err)
	}
	for _, key := range keys {
		if err := store.Del(key); err != nil {
			t.Fatal(err)
		}
	}

	if _, err := OpenExpr(store, "expr"); err == nil {
		t.Fatal("expected error opening expression with missing operand")
	}

	if _, err := OpenExpr(store, "nonexistent"); !errors.Is(err, ErrNotfound) {
		t.Fatalf("error = %v, want ErrNotfound", err)
	}
}

func TestMixedEagerDeferredChain(t *testing.T) {
	ops := exampleOperands(t, NewMemoryStore())

	// parse path keeps the sum deferred; a further eager reduction on the
	// combined expression completes both
	e, err := Parse("a.sum() + b * c", ops)
	if err != nil {
		t.Fatal(err)
	}
	m, err := e.Max()
	if err != nil {
		t.Fatal(err)
	}
	lit, ok := m.root.(*Literal)
	if !ok {
		t.Fatalf("eager max produced %T, want *Literal", m.root)
	}
	if lit.Value != 24006 {
		t.Fatalf("max = %v, want 24006", lit.Value)
	}
}
