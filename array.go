package lazyarr

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Array is a handle on a stored, chunked, compressed n-dimensional array.
// Handles expose shape, element type and chunk layout without materializing
// data; chunk contents load on demand. Reads are always satisfied from the
// current stored state: a resize through any handle is visible to every
// other handle sharing the same store.
type Array struct {
	path  Path
	store Store
	mode  PersistenceMode
	meta  *ArrayMeta
}

// Create initializes a new array at the given logical path. Mode governs
// collisions: ModeWrite clears any existing array at the path, ModeWriteFail
// errors if one exists, and ModeReadWriteCreate opens an existing array
// in place of creating.
func Create(store Store, path string, mode PersistenceMode, meta *ArrayMeta) (*Array, error) {
	if meta.FormatVersion == 0 {
		meta.FormatVersion = FormatVersion
	}
	if meta.Order == "" {
		meta.Order = "C"
	}
	if err := meta.Validate(); err != nil {
		return nil, err
	}

	p, err := NewPath(path)
	if err != nil {
		return nil, err
	}
	metaKey := p.Join(string(MTArray)).String()

	exists := true
	if f, err := store.Get(metaKey); err == nil {
		f.Close()
	} else {
		exists = false
	}

	switch mode {
	case ModeWrite:
		if exists {
			if err := deletePrefix(store, p.String()+"/"); err != nil {
				return nil, err
			}
		}
	case ModeWriteFail:
		if exists {
			return nil, fmt.Errorf("array already exists at %q", path)
		}
	case ModeReadWriteCreate:
		if exists {
			return Open(store, path, mode)
		}
	default:
		return nil, fmt.Errorf("cannot create array with mode %q", mode)
	}

	a := &Array{path: p, store: store, mode: mode, meta: meta}
	if err := a.writeMeta(); err != nil {
		return nil, err
	}
	return a, nil
}

// Open loads the handle for an existing array
func Open(store Store, path string, mode PersistenceMode) (*Array, error) {
	p, err := NewPath(path)
	if err != nil {
		return nil, err
	}

	a := &Array{
		path:  p,
		store: store,
		mode:  mode,
	}

	mp := p.Join(string(MTArray)).String()
	f, err := store.Get(mp)
	if err != nil {
		return nil, fmt.Errorf("opening array at %q: %w", path, err)
	}
	defer f.Close()

	a.meta = &ArrayMeta{}
	if err := json.NewDecoder(f).Decode(a.meta); err != nil {
		return nil, fmt.Errorf("%w: decoding array metadata at %q: %v", ErrSerialization, path, err)
	}
	if err := a.meta.Validate(); err != nil {
		return nil, err
	}

	return a, nil
}

// Full creates an array where every element starts as the given fill value.
// No chunk data is written: fill is satisfied lazily on read.
func Full(store Store, path string, mode PersistenceMode, shape, chunks []int, dt Dtype, fill float64) (*Array, error) {
	return Create(store, path, mode, &ArrayMeta{
		Shape:      shape,
		Chunks:     chunks,
		Dtype:      dt,
		Compressor: DefaultCompression(),
		FillValue:  fill,
	})
}

// Zeros creates an array of all zeros
func Zeros(store Store, path string, mode PersistenceMode, shape, chunks []int, dt Dtype) (*Array, error) {
	return Full(store, path, mode, shape, chunks, dt, 0)
}

// Ones creates an array of all ones
func Ones(store Store, path string, mode PersistenceMode, shape, chunks []int, dt Dtype) (*Array, error) {
	return Full(store, path, mode, shape, chunks, dt, 1)
}

func (a *Array) Path() string { return a.path.String() }

func (a *Array) Store() Store { return a.store }

func (a *Array) Mode() PersistenceMode { return a.mode }

// Shape returns the current dimension lengths. Resizes through any handle
// on the same store are reflected here.
func (a *Array) Shape() []int {
	sh := make([]int, len(a.meta.Shape))
	copy(sh, a.meta.Shape)
	return sh
}

// Chunks returns the dimension lengths of a single chunk
func (a *Array) Chunks() []int {
	ch := make([]int, len(a.meta.Chunks))
	copy(ch, a.meta.Chunks)
	return ch
}

func (a *Array) Dtype() Dtype { return a.meta.Dtype }

func (a *Array) FillValue() float64 { return a.meta.FillValue }

func (a *Array) Info() string {
	return fmt.Sprintf("<lazyarr.Array %s shape=%v chunks=%v dtype=%s>", a.path, a.meta.Shape, a.meta.Chunks, a.meta.Dtype)
}

func (a *Array) writeMeta() error {
	d, err := json.Marshal(a.meta)
	if err != nil {
		return err
	}
	return a.store.Put(a.path.Join(string(MTArray)).String(), bytes.NewReader(d))
}

func (a *Array) chunkKey(coords []int) string {
	if len(coords) == 0 {
		return a.path.Join("0").String()
	}
	parts := make([]string, len(coords))
	for i, c := range coords {
		parts[i] = strconv.Itoa(c)
	}
	return a.path.Join(strings.Join(parts, a.meta.separator())).String()
}

// ReadChunk loads and decompresses one chunk by grid coordinates, returning
// a full-size chunk buffer in row-major order. Chunks never written read as
// the array's fill value.
func (a *Array) ReadChunk(coords []int) ([]float64, error) {
	n := numElems(a.meta.Chunks)
	f, err := a.store.Get(a.chunkKey(coords))
	if err != nil {
		if errors.Is(err, ErrNotfound) {
			vals := make([]float64, n)
			if a.meta.FillValue != 0 {
				for i := range vals {
					vals[i] = a.meta.FillValue
				}
			}
			return vals, nil
		}
		return nil, err
	}
	return a.meta.Compressor.decodeChunk(f, a.meta.Dtype, n)
}

// WriteChunk compresses and stores one full chunk buffer
func (a *Array) WriteChunk(coords []int, vals []float64) error {
	if a.mode == ModeRead {
		return fmt.Errorf("array %q is read-only", a.path)
	}
	if want := numElems(a.meta.Chunks); len(vals) != want {
		return fmt.Errorf("chunk buffer has %d elements, want %d", len(vals), want)
	}
	buf := &bytes.Buffer{}
	if err := a.meta.Compressor.encodeChunk(buf, a.meta.Dtype, vals); err != nil {
		return err
	}
	return a.store.Put(a.chunkKey(coords), buf)
}

// forEachChunk invokes fn once per chunk intersecting the [start, stop)
// region, with the chunk's grid coordinates and the intersecting sub-region
// in array coordinates
func (a *Array) forEachChunk(start, stop []int, fn func(coords, isectStart, isectStop []int) error) error {
	rank := len(a.meta.Shape)
	lo := make([]int, rank)
	gridDims := make([]int, rank)
	for i := 0; i < rank; i++ {
		if start[i] >= stop[i] {
			return nil
		}
		lo[i] = start[i] / a.meta.Chunks[i]
		hi := (stop[i] - 1) / a.meta.Chunks[i]
		gridDims[i] = hi - lo[i] + 1
	}

	coords := make([]int, rank)
	isStart := make([]int, rank)
	isStop := make([]int, rank)
	for o := newOdometer(gridDims); !o.Done(); o.Next() {
		for i, c := range o.Coords() {
			coords[i] = lo[i] + c
			isStart[i] = coords[i] * a.meta.Chunks[i]
			if start[i] > isStart[i] {
				isStart[i] = start[i]
			}
			isStop[i] = (coords[i] + 1) * a.meta.Chunks[i]
			if stop[i] < isStop[i] {
				isStop[i] = stop[i]
			}
		}
		if err := fn(coords, isStart, isStop); err != nil {
			return err
		}
	}
	return nil
}

func (a *Array) checkBounds(start, stop []int) error {
	if len(start) != len(a.meta.Shape) || len(stop) != len(a.meta.Shape) {
		return fmt.Errorf("%w: region rank does not match array rank %d", ErrShapeMismatch, len(a.meta.Shape))
	}
	for i := range start {
		if start[i] < 0 || stop[i] > a.meta.Shape[i] || start[i] > stop[i] {
			return fmt.Errorf("region [%v, %v) out of bounds for shape %v", start, stop, a.meta.Shape)
		}
	}
	return nil
}

// ReadRange reads the [start, stop) region into a row-major buffer
func (a *Array) ReadRange(start, stop []int) ([]float64, error) {
	if err := a.checkBounds(start, stop); err != nil {
		return nil, err
	}

	rgShape := regionShape(start, stop)
	out := make([]float64, numElems(rgShape))
	outStrides := strides(rgShape)
	chunkStrides := strides(a.meta.Chunks)

	err := a.forEachChunk(start, stop, func(coords, isStart, isStop []int) error {
		vals, err := a.ReadChunk(coords)
		if err != nil {
			return err
		}
		copyRegion(out, outStrides, start, vals, chunkStrides, chunkOrigin(coords, a.meta.Chunks), isStart, isStop, false)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SetRange writes a row-major buffer into the [start, stop) region,
// reading and rewriting every intersecting chunk
func (a *Array) SetRange(start, stop []int, vals []float64) error {
	if err := a.checkBounds(start, stop); err != nil {
		return err
	}
	rgShape := regionShape(start, stop)
	if len(vals) != numElems(rgShape) {
		return fmt.Errorf("value buffer has %d elements, region wants %d", len(vals), numElems(rgShape))
	}
	rgStrides := strides(rgShape)
	chunkStrides := strides(a.meta.Chunks)

	return a.forEachChunk(start, stop, func(coords, isStart, isStop []int) error {
		chunk, err := a.ReadChunk(coords)
		if err != nil {
			return err
		}
		copyRegion(vals, rgStrides, start, chunk, chunkStrides, chunkOrigin(coords, a.meta.Chunks), isStart, isStop, true)
		return a.WriteChunk(coords, chunk)
	})
}

// copyRegion moves the [isStart, isStop) intersection between a region
// buffer and a chunk buffer, both row-major. When intoChunk is true data
// flows region to chunk, otherwise chunk to region.
func copyRegion(region []float64, regionStrides, regionOrigin []int, chunk []float64, chunkStrides, chunkOrigin []int, isStart, isStop []int, intoChunk bool) {
	for o := newOdometer(regionShape(isStart, isStop)); !o.Done(); o.Next() {
		ri, ci := 0, 0
		for d, c := range o.Coords() {
			ri += (isStart[d] + c - regionOrigin[d]) * regionStrides[d]
			ci += (isStart[d] + c - chunkOrigin[d]) * chunkStrides[d]
		}
		if intoChunk {
			chunk[ci] = region[ri]
		} else {
			region[ri] = chunk[ci]
		}
	}
}

// chunkOrigin is the array coordinate of a chunk's first element
func chunkOrigin(coords, chunks []int) []int {
	origin := make([]int, len(coords))
	for i, c := range coords {
		origin[i] = c * chunks[i]
	}
	return origin
}

// Fill overwrites every element of the array with a single value
func (a *Array) Fill(v float64) error {
	n := numElems(a.meta.Chunks)
	vals := make([]float64, n)
	for i := range vals {
		vals[i] = v
	}
	for o := newOdometer(chunkGrid(a.meta.Shape, a.meta.Chunks)); !o.Done(); o.Next() {
		if err := a.WriteChunk(o.Coords(), vals); err != nil {
			return err
		}
	}
	return nil
}

// At reads a single element
func (a *Array) At(index ...int) (float64, error) {
	stop := make([]int, len(index))
	for i, ix := range index {
		stop[i] = ix + 1
	}
	vals, err := a.ReadRange(index, stop)
	if err != nil {
		return 0, err
	}
	return vals[0], nil
}

// Slice reads rows [start, stop) along the first axis
func (a *Array) Slice(start, stop int) ([]float64, error) {
	if len(a.meta.Shape) == 0 {
		return nil, fmt.Errorf("cannot slice a scalar array")
	}
	lo := make([]int, len(a.meta.Shape))
	hi := a.Shape()
	lo[0], hi[0] = start, stop
	return a.ReadRange(lo, hi)
}

// ReadAll reads the entire array into a row-major buffer
func (a *Array) ReadAll() ([]float64, error) {
	return a.ReadRange(make([]int, len(a.meta.Shape)), a.Shape())
}

// Resize changes the array's dimension lengths in place. The new shape must
// have the same rank; dtype and chunk shape never change. Chunks entirely
// beyond the new shape are dropped. The change persists immediately and is
// visible to every handle on the same store, including expressions holding
// this handle.
//
// Resizing concurrently with an in-flight Compute on an expression bound to
// this array is unsafe; callers must serialize the two.
func (a *Array) Resize(newShape []int) error {
	if a.mode == ModeRead {
		return fmt.Errorf("array %q is read-only", a.path)
	}
	if len(newShape) != len(a.meta.Shape) {
		return fmt.Errorf("%w: resize rank %d does not match array rank %d", ErrShapeMismatch, len(newShape), len(a.meta.Shape))
	}
	for i, d := range newShape {
		if d < 0 {
			return fmt.Errorf("invalid shape: dimension %d is negative", i)
		}
	}

	newGrid := chunkGrid(newShape, a.meta.Chunks)
	keys, err := a.store.Keys(a.path.String() + "/")
	if err != nil {
		return err
	}
	for _, key := range keys {
		coords, ok := a.parseChunkKey(key)
		if !ok {
			continue
		}
		for i, c := range coords {
			if c >= newGrid[i] {
				if err := a.store.Del(key); err != nil {
					return err
				}
				break
			}
		}
	}

	a.meta.Shape = append([]int{}, newShape...)
	return a.writeMeta()
}

func (a *Array) parseChunkKey(key string) ([]int, bool) {
	name := key[strings.LastIndex(key, "/")+1:]
	if strings.HasPrefix(name, ".") {
		return nil, false
	}
	parts := strings.Split(name, a.meta.separator())
	if len(parts) != len(a.meta.Shape) {
		return nil, false
	}
	coords := make([]int, len(parts))
	for i, p := range parts {
		c, err := strconv.Atoi(p)
		if err != nil {
			return nil, false
		}
		coords[i] = c
	}
	return coords, true
}

// Attrs reads the array's userland attributes. Arrays with no attributes
// written return an empty set.
func (a *Array) Attrs() (Attributes, error) {
	f, err := a.store.Get(a.path.Join(string(MTAttributes)).String())
	if err != nil {
		if errors.Is(err, ErrNotfound) {
			return Attributes{}, nil
		}
		return nil, err
	}
	defer f.Close()
	attrs := Attributes{}
	if err := json.NewDecoder(f).Decode(&attrs); err != nil {
		return nil, err
	}
	return attrs, nil
}

// SetAttrs replaces the array's userland attributes
func (a *Array) SetAttrs(attrs Attributes) error {
	if a.mode == ModeRead {
		return fmt.Errorf("array %q is read-only", a.path)
	}
	d, err := json.Marshal(attrs)
	if err != nil {
		return err
	}
	return a.store.Put(a.path.Join(string(MTAttributes)).String(), bytes.NewReader(d))
}

func deletePrefix(store Store, prefix string) error {
	keys, err := store.Keys(prefix)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := store.Del(key); err != nil {
			return err
		}
	}
	return nil
}

type PersistenceMode string

const (
	// Persistence mode:
	// ‘r’ means read only (must exist);
	ModeRead PersistenceMode = "r"
	//‘r+’ means read/write (must exist)
	ModeReadWrite PersistenceMode = "r+"
	// ‘a’ means read/write (create if doesn’t exist)
	ModeReadWriteCreate PersistenceMode = "a"
	// ‘w’ means create (overwrite if exists)
	ModeWrite PersistenceMode = "w"
	// ‘w-’ means create (fail if exists).
	ModeWriteFail PersistenceMode = "w-"
)

type Path []string

// To ensure consistent behaviour across different storage systems, logical
// paths are normalized: backslashes become forward slashes, leading and
// trailing slashes are stripped, and runs of slashes collapse to one.
func NewPath(posix string) (Path, error) {
	s := strings.ReplaceAll(posix, "\\", "/")
	for strings.Contains(s, "//") {
		s = strings.ReplaceAll(s, "//", "/")
	}
	s = strings.Trim(s, "/")
	if s == "" {
		return nil, fmt.Errorf("empty path")
	}
	return strings.Split(s, "/"), nil
}

func (p Path) String() string {
	return strings.Join(p, "/")
}

func (p Path) Join(elems ...string) Path {
	joined := make(Path, 0, len(p)+len(elems))
	joined = append(joined, p...)
	return append(joined, elems...)
}
