package money

import (
	"errors"
	"testing"
)

func TestFormat(t *testing.T) {
	cases := map[int64]string{
		0:     "0.00",
		5:     "0.05",
		2500:  "25.00",
		1999:  "19.99",
		-1050: "-10.50",
	}
	for minor, want := range cases {
		if got := Format(minor); got != want {
			t.Fatalf("Format(%d) = %s, want %s", minor, got, want)
		}
	}
}

func TestParse(t *testing.T) {
	cases := []struct {
		in   string
		want int64
		err  error
	}{
		{in: "25", want: 2500},
		{in: "25.5", want: 2550},
		{in: " 10.00 ", want: 1000},
		{in: "0.01", want: 1},
		{in: "1.005", err: ErrTooPrecise},
		{in: "abc", err: ErrInvalidAmount},
		{in: "", err: ErrInvalidAmount},
	}
	for _, tc := range cases {
		got, err := Parse(tc.in)
		if tc.err != nil {
			if !errors.Is(err, tc.err) {
				t.Fatalf("Parse(%q) error = %v, want %v", tc.in, err, tc.err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("Parse(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("Parse(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
}
