package lazyarr

import (
	"testing"
)

func TestParseDtype(t *testing.T) {
	cases := []struct {
		str  string
		want Dtype
	}{
		{"<f8", Dtype{BOLittleEndian, BTFloatingPoint, 8}},
		{">f4", Dtype{BOBigEndian, BTFloatingPoint, 4}},
		{"<i4", Dtype{BOLittleEndian, BTInteger, 4}},
		{"|b1", Dtype{BONotRelevant, BTBoolean, 1}},
		{"<u2", Dtype{BOLittleEndian, BTUnsigned, 2}},
		// python implementations may HTML-escape angle brackets in JSON
		{"&lt;f8", Dtype{BOLittleEndian, BTFloatingPoint, 8}},
	}
	for _, c := range cases {
		got, err := ParseDtype(c.str)
		if err != nil {
			t.Fatalf("ParseDtype(%q): %s", c.str, err)
		}
		if got != c.want {
			t.Errorf("ParseDtype(%q) = %v, want %v", c.str, got, c.want)
		}
	}

	invalid := []string{"", "f8", "<f3", "<x8", "<b2", "*f8"}
	for _, s := range invalid {
		if _, err := ParseDtype(s); err == nil {
			t.Errorf("ParseDtype(%q): expected error", s)
		}
	}
}

func TestDtypeJSONRoundTrip(t *testing.T) {
	dt := DtypeFloat64
	d, err := dt.MarshalJSON()
	if err != nil {
		t.Fatal(err)
	}
	if string(d) != `"<f8"` {
		t.Fatalf("marshal = %s, want \"<f8\"", d)
	}
	got := Dtype{}
	if err := got.UnmarshalJSON(d); err != nil {
		t.Fatal(err)
	}
	if got != dt {
		t.Fatalf("round trip = %v, want %v", got, dt)
	}
}

func TestPromote(t *testing.T) {
	i4 := Dtype{BOLittleEndian, BTInteger, 4}
	i8 := DtypeInt64
	u2 := Dtype{BOLittleEndian, BTUnsigned, 2}
	u4 := Dtype{BOLittleEndian, BTUnsigned, 4}
	f4 := Dtype{BOLittleEndian, BTFloatingPoint, 4}
	f8 := DtypeFloat64

	cases := []struct {
		a, b, want Dtype
	}{
		{i4, i4, i4},
		{i4, i8, i8},
		{DtypeBool, i4, i4},
		{DtypeBool, DtypeBool, DtypeBool},
		{u2, u4, u4},
		{i4, u2, i4},
		{i4, u4, i8},
		{f4, f4, f4},
		{f4, f8, f8},
		{f4, u2, f4},
		{f4, i8, f8},
		{i4, f4, f8},
	}
	for _, c := range cases {
		if got := Promote(c.a, c.b); got != c.want {
			t.Errorf("Promote(%v, %v) = %v, want %v", c.a, c.b, got, c.want)
		}
		if got := Promote(c.b, c.a); got != c.want {
			t.Errorf("Promote(%v, %v) = %v, want %v", c.b, c.a, got, c.want)
		}
	}
}

func TestValueCodecRoundTrip(t *testing.T) {
	vals := []float64{0, 1, -7, 100, 3, 12}

	for _, dt := range []Dtype{
		DtypeInt64,
		{BOLittleEndian, BTInteger, 2},
		{BOBigEndian, BTInteger, 4},
		DtypeFloat64,
		{BOLittleEndian, BTFloatingPoint, 4},
	} {
		d := encodeValues(dt, vals)
		if len(d) != len(vals)*dt.ItemSize() {
			t.Fatalf("%s: encoded %d bytes, want %d", dt, len(d), len(vals)*dt.ItemSize())
		}
		got, err := decodeValues(dt, d, len(vals))
		if err != nil {
			t.Fatalf("%s: %s", dt, err)
		}
		for i := range vals {
			if got[i] != vals[i] {
				t.Errorf("%s: value %d = %v, want %v", dt, i, got[i], vals[i])
			}
		}
	}

	// booleans clamp to 0/1
	d := encodeValues(DtypeBool, []float64{0, 1, 5, -3})
	got, err := decodeValues(DtypeBool, d, 4)
	if err != nil {
		t.Fatal(err)
	}
	want := []float64{0, 1, 1, 1}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("bool value %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestDecodeValuesShortBuffer(t *testing.T) {
	if _, err := decodeValues(DtypeFloat64, make([]byte, 8), 2); err == nil {
		t.Fatal("expected error decoding short buffer")
	}
}
