package util

import "testing"

func TestMinMax(t *testing.T) {
	if got := Min(3, 7); got != 3 {
		t.Fatalf("Min(3, 7) = %d, want 3", got)
	}
	if got := Max(3, 7); got != 7 {
		t.Fatalf("Max(3, 7) = %d, want 7", got)
	}
	if got := Min(uint32(7), uint32(7)); got != 7 {
		t.Fatalf("Min(7, 7) = %d, want 7", got)
	}
}

func TestRounddown(t *testing.T) {
	cases := []struct{ v, b, want uint32 }{
		{0, 8, 0},
		{1, 8, 0},
		{7, 8, 0},
		{8, 8, 8},
		{9, 8, 8},
		{4096, 4096, 4096},
	}
	for _, c := range cases {
		if got := Rounddown(c.v, c.b); got != c.want {
			t.Fatalf("Rounddown(%d, %d) = %d, want %d", c.v, c.b, got, c.want)
		}
	}
}

func TestRoundup(t *testing.T) {
	cases := []struct{ v, b, want uint32 }{
		{0, 8, 0},
		{1, 8, 8},
		{8, 8, 8},
		{9, 8, 16},
		{4097, 4096, 8192},
	}
	for _, c := range cases {
		if got := Roundup(c.v, c.b); got != c.want {
			t.Fatalf("Roundup(%d, %d) = %d, want %d", c.v, c.b, got, c.want)
		}
	}
}

func TestReadnWritenRoundTrip(t *testing.T) {
	buf := make([]uint8, 8)
	Writen(buf, 4, 2, 0xDEADBEEF)
	got := Readn(buf, 4, 2)
	if got != 0xDEADBEEF {
		t.Fatalf("Readn after Writen = 0x%x, want 0xDEADBEEF", got)
	}
}

func TestReadnLittleEndianByteOrder(t *testing.T) {
	buf := []uint8{0x01, 0x02, 0x03, 0x04}
	got := Readn(buf, 4, 0)
	want := uint32(0x04030201)
	if got != want {
		t.Fatalf("Readn = 0x%x, want 0x%x (little-endian)", got, want)
	}
}

func TestReadnOutOfBoundsPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected Readn to panic when reading past the end of the slice")
		}
	}()
	Readn([]uint8{1, 2}, 4, 0)
}

func TestWritenOutOfBoundsPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected Writen to panic when writing past the end of the slice")
		}
	}()
	Writen([]uint8{1, 2}, 4, 0, 0xFF)
}
