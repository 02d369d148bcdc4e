package utils

import "testing"

func TestParsePage(t *testing.T) {
	cases := []struct {
		number, size string
		want         Page
	}{
		{"", "", Page{1, 20}},
		{"3", "50", Page{3, 50}},
		{"0", "0", Page{1, 20}},
		{"-2", "-5", Page{1, 1}},
		{"2", "500", Page{2, MaxPageSize}},
		{"x", " 10", Page{1, 20}},
		{"999999999999999999999999", "7", Page{1, 7}},
	}
	for _, tc := range cases {
		if got := ParsePage(tc.number, tc.size); got != tc.want {
			t.Fatalf("ParsePage(%q, %q) = %+v; want %+v", tc.number, tc.size, got, tc.want)
		}
	}
}

func TestPage_OffsetAndTotalPages(t *testing.T) {
	p := Page{Number: 3, Size: 20}
	if got := p.Offset(); got != 40 {
		t.Fatalf("Offset = %d; want 40", got)
	}
	for total, want := range map[int64]int{0: 0, 1: 1, 20: 1, 21: 2, 100: 5} {
		if got := p.TotalPages(total); got != want {
			t.Fatalf("TotalPages(%d) = %d; want %d", total, got, want)
		}
	}
}
