package main

import "testing"

func TestBitsetSetClearTest(t *testing.T) {
	b := newBitset(10)
	b.set(3)
	b.set(70)
	if !b.test(3) || !b.test(70) {
		t.Fatal("expected bits 3 and 70 set")
	}
	if b.test(4) {
		t.Fatal("bit 4 should be clear")
	}
	b.clear(3)
	if b.test(3) {
		t.Fatal("bit 3 should be cleared")
	}
}

func TestBitsetIsEmpty(t *testing.T) {
	b := newBitset(128)
	if !b.isEmpty() {
		t.Fatal("fresh bitset should be empty")
	}
	b.set(100)
	if b.isEmpty() {
		t.Fatal("expected non-empty after set")
	}
}

func TestBitsetForEachOrder(t *testing.T) {
	b := newBitset(200)
	want := []int{0, 1, 63, 64, 65, 128, 199}
	for _, i := range want {
		b.set(i)
	}
	var got []int
	b.forEach(func(i int) { got = append(got, i) })
	if len(got) != len(want) {
		t.Fatalf("got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v want %v", got, want)
		}
	}
}

func TestBitsetTruncate(t *testing.T) {
	b := newBitset(128)
	b.set(10)
	b.set(100)
	b.truncate(50)
	if !b.test(10) {
		t.Fatal("bit within new bound should survive")
	}
	if b.test(100) {
		t.Fatal("bit beyond new bound should be gone")
	}
}

func TestBitsetGrowPreservesBits(t *testing.T) {
	b := newBitset(4)
	b.set(2)
	b.grow(200)
	if !b.test(2) {
		t.Fatal("growing should preserve existing bits")
	}
	b.set(150)
	if !b.test(150) {
		t.Fatal("expected newly grown region to be settable")
	}
}
