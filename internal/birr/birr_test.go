package birr

import (
	"math/big"
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"", "0", true},
		{"0", "0", true},
		{"1", "100", true},
		{"1000", "100000", true},
		{"1000.5", "100050", true},
		{"1000.50", "100050", true},
		{"0.01", "1", true},
		{"0.999", "99", true}, // truncated, not rounded
		{"-5", "", false},
		{"1.2.3", "", false},
		{"abc", "", false},
	}

	for _, tt := range tests {
		got, ok := Parse(tt.in)
		if ok != tt.ok {
			t.Errorf("Parse(%q) ok = %v, want %v", tt.in, ok, tt.ok)
			continue
		}
		if ok && got.String() != tt.want {
			t.Errorf("Parse(%q) = %s, want %s", tt.in, got.String(), tt.want)
		}
	}
}

func TestFormat(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"0", "0.00"},
		{"1", "0.01"},
		{"100", "1.00"},
		{"100050", "1000.50"},
		{"2000", "20.00"},
	}

	for _, tt := range tests {
		v, ok := new(big.Int).SetString(tt.in, 10)
		if !ok {
			t.Fatalf("bad test input %q", tt.in)
		}
		got := Format(v)
		if got != tt.want {
			t.Errorf("Format(%s) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestRoundTrip(t *testing.T) {
	for _, s := range []string{"0.00", "1.00", "1000.50", "99999.99"} {
		v, ok := Parse(s)
		if !ok {
			t.Fatalf("Parse(%q) failed", s)
		}
		if Format(v) != s {
			t.Errorf("round trip %q = %q", s, Format(v))
		}
	}
}

func TestIsPositive(t *testing.T) {
	if !IsPositive("0.01") {
		t.Error("expected 0.01 to be positive")
	}
	if IsPositive("0") {
		t.Error("expected 0 to not be positive")
	}
	if IsPositive("-1") {
		t.Error("expected -1 to not be positive")
	}
	if IsPositive("junk") {
		t.Error("expected junk to not be positive")
	}
}
