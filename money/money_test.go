package money

import (
	"errors"
	"testing"
)

func TestParse(t *testing.T) {
	cases := []struct {
		in   string
		want Amount
	}{
		{"100", 10000},
		{"100.00", 10000},
		{"100.5", 10050},
		{"0.01", 1},
		{" 42.10 ", 4210},
		{"0", 0},
	}
	for _, tc := range cases {
		got, err := Parse(tc.in)
		if err != nil {
			t.Fatalf("Parse(%q): unexpected error %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("Parse(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	for _, in := range []string{"", "abc", "-1", "1.234", "1.", ".5", "1,00", "99999999999999999999"} {
		if _, err := Parse(in); !errors.Is(err, ErrInvalidAmount) {
			t.Fatalf("Parse(%q): expected ErrInvalidAmount, got %v", in, err)
		}
	}
}

func TestPercentFloorRoundsDown(t *testing.T) {
	if got := Amount(10000).PercentFloor(BasisPoints(5)); got != 500 {
		t.Fatalf("5%% of 100.00 = %s, want 5.00", got)
	}
	// 2.5% of 0.99 is 0.02475
	if got := Amount(99).PercentFloor(BasisPoints(2.5)); got != 2 {
		t.Fatalf("2.5%% of 0.99 = %d cents, want 2", got)
	}
	if got := Amount(10000).PercentFloor(0); got != 0 {
		t.Fatalf("0%% fee should be zero, got %s", got)
	}
}

func TestString(t *testing.T) {
	if got := Amount(7005).String(); got != "70.05" {
		t.Fatalf("String() = %q", got)
	}
	if got := Format(MustParse("30"), "usd"); got != "30.00 USD" {
		t.Fatalf("Format() = %q", got)
	}
}
