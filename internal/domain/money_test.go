package domain

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestParseAmount(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"integer", "100", "100", false},
		{"fraction", "0.5", "0.5", false},
		{"satoshi", "0.00000001", "0.00000001", false},
		{"piconero", "0.000000000001", "0.000000000001", false},
		{"trailing zeros beyond precision", "1.50000000000000", "1.5", false},
		{"surrounding spaces", " 2.25 ", "2.25", false},
		{"empty", "", "", true},
		{"zero", "0", "", true},
		{"negative", "-1", "", true},
		{"garbage", "abc", "", true},
		{"too precise", "0.0000000000001", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseAmount(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Errorf("ParseAmount(%q) expected error, got %s", tt.input, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseAmount(%q) unexpected error: %v", tt.input, err)
			}
			if !got.Equal(decimal.RequireFromString(tt.want)) {
				t.Errorf("ParseAmount(%q) = %s, want %s", tt.input, got, tt.want)
			}
		})
	}
}

func TestAtomicUnits(t *testing.T) {
	got, err := AtomicUnits(decimal.RequireFromString("1.5"), 12)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.String() != "1500000000000" {
		t.Errorf("AtomicUnits(1.5, 12) = %s", got)
	}

	if _, err := AtomicUnits(decimal.RequireFromString("0.000000001"), 8); err == nil {
		t.Error("expected error for amount finer than the unit")
	}
}
