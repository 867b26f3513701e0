package models

import "testing"

func TestJuzPages(t *testing.T) {
	tests := []struct {
		juz        int
		start, end int
	}{
		{juz: 1, start: 1, end: 21},
		{juz: 2, start: 22, end: 41},
		{juz: 5, start: 82, end: 101},
		{juz: 29, start: 562, end: 581},
		{juz: 30, start: 582, end: 604},
		{juz: 0, start: 0, end: 0},
		{juz: 31, start: 0, end: 0},
	}
	for _, tc := range tests {
		start, end := JuzPages(tc.juz)
		if start != tc.start || end != tc.end {
			t.Fatalf("JuzPages(%d) = %d-%d, want %d-%d", tc.juz, start, end, tc.start, tc.end)
		}
	}
}

func TestJuzPagesCoverMushafWithoutGaps(t *testing.T) {
	next := 1
	for n := 1; n <= JuzCount; n++ {
		start, end := JuzPages(n)
		if start != next {
			t.Fatalf("juz %d starts at %d, want %d", n, start, next)
		}
		if end < start {
			t.Fatalf("juz %d ends before it starts", n)
		}
		next = end + 1
	}
	if next != MushafPages+1 {
		t.Fatalf("last page = %d, want %d", next-1, MushafPages)
	}
}
