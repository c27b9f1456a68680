package lazyarr

import (
	"errors"
	"io"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// seq fills an array with 0, 1, 2, ... in row-major order
func seqArray(t *testing.T, s Store, path string, shape, chunks []int) *Array {
	t.Helper()
	a, err := Zeros(s, path, ModeWrite, shape, chunks, DtypeFloat64)
	if err != nil {
		t.Fatal(err)
	}
	vals := make([]float64, numElems(shape))
	for i := range vals {
		vals[i] = float64(i)
	}
	if err := a.SetRange(make([]int, len(shape)), shape, vals); err != nil {
		t.Fatal(err)
	}
	return a
}

func computeValues(t *testing.T, expr string, operands map[string]*Array) []float64 {
	t.Helper()
	e, err := Parse(expr, operands)
	if err != nil {
		t.Fatalf("parse %q: %s", expr, err)
	}
	res, err := e.Compute(nil)
	if err != nil {
		t.Fatalf("compute %q: %s", expr, err)
	}
	vals, err := res.ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	return vals
}

func TestElementwiseBroadcast(t *testing.T) {
	s := NewMemoryStore()
	a := seqArray(t, s, "a", []int{2, 3}, []int{2, 2}) // [[0,1,2],[3,4,5]]
	b := seqArray(t, s, "b", []int{3}, []int{3})       // [0,1,2]
	col, err := Zeros(s, "col", ModeWrite, []int{2, 1}, []int{2, 1}, DtypeFloat64)
	if err != nil {
		t.Fatal(err)
	}
	if err := col.SetRange([]int{0, 0}, []int{2, 1}, []float64{10, 20}); err != nil {
		t.Fatal(err)
	}
	ops := map[string]*Array{"a": a, "b": b, "col": col}

	cases := []struct {
		expr string
		want []float64
	}{
		{"a + b", []float64{0, 2, 4, 3, 5, 7}},
		{"a * b", []float64{0, 1, 4, 0, 4, 10}},
		{"a - col", []float64{-10, -9, -8, -17, -16, -15}},
		{"b + col", []float64{10, 11, 12, 20, 21, 22}},
		{"a ** 2", []float64{0, 1, 4, 9, 16, 25}},
		{"-a + 1", []float64{1, 0, -1, -2, -3, -4}},
		{"a % 2", []float64{0, 1, 0, 1, 0, 1}},
		{"a > 2", []float64{0, 0, 0, 1, 1, 1}},
		{"a == b", []float64{1, 1, 1, 0, 0, 0}},
		{"where(a < 3, a, b)", []float64{0, 1, 2, 0, 1, 2}},
		{"abs(a - 3)", []float64{3, 2, 1, 0, 1, 2}},
	}
	for _, c := range cases {
		got := computeValues(t, c.expr, ops)
		if diff := cmp.Diff(c.want, got); diff != "" {
			t.Errorf("%q mismatch (-want +got):\n%s", c.expr, diff)
		}
	}
}

func TestMathFunctions(t *testing.T) {
	s := NewMemoryStore()
	a, err := Zeros(s, "a", ModeWrite, []int{4}, []int{4}, DtypeFloat64)
	if err != nil {
		t.Fatal(err)
	}
	if err := a.SetRange([]int{0}, []int{4}, []float64{0, 1, 4, 100}); err != nil {
		t.Fatal(err)
	}
	ops := map[string]*Array{"a": a}

	got := computeValues(t, "sqrt(a)", ops)
	if diff := cmp.Diff([]float64{0, 1, 2, 10}, got); diff != "" {
		t.Errorf("sqrt mismatch (-want +got):\n%s", diff)
	}

	got = computeValues(t, "log10(a + 1) + exp(0)", ops)
	want := []float64{1, 1 + math.Log10(2), 1 + math.Log10(5), 1 + math.Log10(101)}
	for i := range want {
		if math.Abs(got[i]-want[i]) > 1e-12 {
			t.Errorf("log10 value %d = %v, want %v", i, got[i], want[i])
		}
	}

	got = computeValues(t, "arctan2(a, a)", ops)
	if got[0] != 0 {
		t.Errorf("arctan2(0, 0) = %v, want 0", got[0])
	}
	for _, v := range got[1:] {
		if math.Abs(v-math.Pi/4) > 1e-12 {
			t.Errorf("arctan2(x, x) = %v, want pi/4", v)
		}
	}
}

func TestDeferredAxisReductions(t *testing.T) {
	s := NewMemoryStore()
	// [[0,1,2],[3,4,5]]
	a := seqArray(t, s, "a", []int{2, 3}, []int{1, 2})
	ops := map[string]*Array{"a": a}

	cases := []struct {
		expr string
		want []float64
	}{
		{"a.sum(0)", []float64{3, 5, 7}},
		{"a.sum(1)", []float64{3, 12}},
		{"a.prod(1)", []float64{0, 60}},
		{"a.min(0)", []float64{0, 1, 2}},
		{"a.max(1)", []float64{2, 5}},
		{"a.mean(0)", []float64{1.5, 2.5, 3.5}},
		{"a.any(1)", []float64{1, 1}},
		{"a.all(1)", []float64{0, 1}},
	}
	for _, c := range cases {
		got := computeValues(t, c.expr, ops)
		if diff := cmp.Diff(c.want, got); diff != "" {
			t.Errorf("%q mismatch (-want +got):\n%s", c.expr, diff)
		}
	}

	// full reductions collapse to rank-0 results
	e, err := Parse("a.mean()", ops)
	if err != nil {
		t.Fatal(err)
	}
	res, err := e.Compute(nil)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int{}, res.Shape()); diff != "" {
		t.Errorf("full-reduction shape (-want +got):\n%s", diff)
	}
	v, err := res.At()
	if err != nil {
		t.Fatal(err)
	}
	if v != 2.5 {
		t.Errorf("mean = %v, want 2.5", v)
	}
}

// a reduction feeding an elementwise operation is accumulated over the
// whole operand before any output chunk is produced
func TestReductionInsideElementwise(t *testing.T) {
	s := NewMemoryStore()
	a := seqArray(t, s, "a", []int{4, 5}, []int{2, 2}) // sum = 190
	ops := map[string]*Array{"a": a}

	got := computeValues(t, "a - a.mean()", ops)
	mean := 190.0 / 20
	for i, v := range got {
		if v != float64(i)-mean {
			t.Fatalf("value %d = %v, want %v", i, v, float64(i)-mean)
		}
	}

	// axis reduction broadcast back against the operand
	got = computeValues(t, "a - a.max(0)", ops)
	for i, v := range got {
		want := float64(i) - float64(15+i%5)
		if v != want {
			t.Fatalf("value %d = %v, want %v", i, v, want)
		}
	}
}

func TestComputeDtype(t *testing.T) {
	s := NewMemoryStore()
	a, err := Full(s, "a", ModeWrite, []int{4}, []int{4}, DtypeInt64, 5)
	if err != nil {
		t.Fatal(err)
	}
	ops := map[string]*Array{"a": a}

	// division always yields a float result
	e, err := Parse("a / 2", ops)
	if err != nil {
		t.Fatal(err)
	}
	res, err := e.Compute(nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Dtype() != DtypeFloat64 {
		t.Errorf("a / 2 dtype = %s, want <f8", res.Dtype())
	}
	vals, err := res.ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	checkAllEqual(t, vals, 2.5)

	// an explicit output dtype truncates on encode
	res, err = e.Compute(&ComputeOptions{Dtype: &DtypeInt64})
	if err != nil {
		t.Fatal(err)
	}
	if res.Dtype() != DtypeInt64 {
		t.Errorf("override dtype = %s, want <i8", res.Dtype())
	}
	vals, err = res.ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	checkAllEqual(t, vals, 2)
}

func TestComputeToStore(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	a := seqArray(t, store, "a", []int{5, 7}, []int{2, 3})

	e, err := Parse("a * 2", map[string]*Array{"a": a})
	if err != nil {
		t.Fatal(err)
	}

	// a store destination needs a path
	if _, err := e.Compute(&ComputeOptions{Store: store}); err == nil {
		t.Fatal("compute to a store without a urlpath should fail")
	}

	// output chunking that does not divide the shape exercises edge chunks
	res, err := e.Compute(&ComputeOptions{Store: store, URLPath: "out", Chunks: []int{3, 4}})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int{3, 4}, res.Chunks()); diff != "" {
		t.Errorf("output chunks (-want +got):\n%s", diff)
	}

	// a fresh handle reads the persisted result
	reopened, err := Open(store, "out", ModeRead)
	if err != nil {
		t.Fatal(err)
	}
	vals, err := reopened.ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	for i, v := range vals {
		if v != float64(2*i) {
			t.Fatalf("value %d = %v, want %v", i, v, 2*i)
		}
	}

	if _, err := e.Compute(&ComputeOptions{Store: store, URLPath: "out", Mode: ModeWriteFail}); err == nil {
		t.Error(`mode "w-" should fail on an existing output path`)
	}
	if _, err := e.Compute(&ComputeOptions{Store: store, URLPath: "out", Mode: ModeWrite}); err != nil {
		t.Errorf(`mode "w" should overwrite: %s`, err)
	}
}

// faultStore fails chunk reads with a non-notfound error
type faultStore struct {
	Store
}

func (s *faultStore) Get(key string) (io.ReadCloser, error) {
	if !isMetaKey(key) {
		return nil, errors.New("simulated read failure")
	}
	return s.Store.Get(key)
}

// a failed compute removes everything it wrote: no partial output, and
// no metadata claiming a complete array
func TestComputeFailureLeavesNoOutput(t *testing.T) {
	inner := NewMemoryStore()
	seqArray(t, inner, "a", []int{6, 6}, []int{2, 2})
	// reopen through a store whose chunk reads fail
	a, err := Open(&faultStore{Store: inner}, "a", ModeRead)
	if err != nil {
		t.Fatal(err)
	}

	out, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	e, err := Parse("a + 1", map[string]*Array{"a": a})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.Compute(&ComputeOptions{Store: out, URLPath: "res"}); err == nil {
		t.Fatal("expected compute to fail on unreadable operand chunks")
	}

	keys, err := out.Keys("res/")
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 0 {
		t.Fatalf("failed compute left keys behind: %v", keys)
	}
	if _, err := Open(out, "res", ModeRead); !errors.Is(err, ErrNotfound) {
		t.Errorf("Open after failed compute error = %v, want ErrNotfound", err)
	}
}

func TestComputeChunkingInvariance(t *testing.T) {
	s := NewMemoryStore()
	a := seqArray(t, s, "a", []int{9, 11}, []int{4, 5})
	b := seqArray(t, s, "b", []int{11}, []int{3})
	ops := map[string]*Array{"a": a, "b": b}

	e, err := Parse("a * b + a.sum(0)", ops)
	if err != nil {
		t.Fatal(err)
	}

	var want []float64
	for _, chunks := range [][]int{{9, 11}, {1, 1}, {4, 5}, {2, 11}} {
		res, err := e.Compute(&ComputeOptions{Chunks: chunks})
		if err != nil {
			t.Fatalf("chunks %v: %s", chunks, err)
		}
		got, err := res.ReadAll()
		if err != nil {
			t.Fatal(err)
		}
		if want == nil {
			want = got
			continue
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("chunks %v changed the result (-want +got):\n%s", chunks, diff)
		}
	}
}

func TestReduceEmptyArray(t *testing.T) {
	s := NewMemoryStore()
	a, err := Zeros(s, "a", ModeWrite, []int{0, 3}, []int{1, 3}, DtypeFloat64)
	if err != nil {
		t.Fatal(err)
	}
	ops := map[string]*Array{"a": a}

	got := computeValues(t, "a.sum()", ops)
	if diff := cmp.Diff([]float64{0}, got); diff != "" {
		t.Errorf("empty sum (-want +got):\n%s", diff)
	}

	e, err := Parse("a.min()", ops)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.Compute(nil); err == nil {
		t.Error("min of a zero-size array should fail")
	}

	// a zero-size dimension after the first must not break slabbing
	b, err := Zeros(s, "b", ModeWrite, []int{3, 0}, []int{3, 1}, DtypeFloat64)
	if err != nil {
		t.Fatal(err)
	}
	ops = map[string]*Array{"a": b}

	got = computeValues(t, "a.sum()", ops)
	if diff := cmp.Diff([]float64{0}, got); diff != "" {
		t.Errorf("empty trailing-dim sum (-want +got):\n%s", diff)
	}
	got = computeValues(t, "a.sum(1)", ops)
	if diff := cmp.Diff([]float64{0, 0, 0}, got); diff != "" {
		t.Errorf("empty trailing-dim axis sum (-want +got):\n%s", diff)
	}
}
