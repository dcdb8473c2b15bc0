package wallet

import "testing"

func TestParseDisclosedFee(t *testing.T) {
	tests := []struct {
		detail      string
		expectedFee uint64
		expectedOk  bool
	}{
		{"inputs and outputs do not balance. fee required is 2", 2, true},
		{"inputs (10) - fee (2) vs outputs (9)", 2, true},
		{"Fee: 15", 15, true},
		{"inputs and outputs do not balance", 0, false},
		{"not enough inputs provided. Provided: 10, needed: 12", 0, false},
		{"", 0, false},
	}

	for _, test := range tests {
		fee, ok := parseDisclosedFee(test.detail)
		if ok != test.expectedOk {
			t.Fatalf("expected '%v' but got '%v' for '%v'", test.expectedOk, ok, test.detail)
		}
		if fee != test.expectedFee {
			t.Fatalf("expected '%v' but got '%v'", test.expectedFee, fee)
		}
	}
}

func TestMintKey(t *testing.T) {
	tests := []struct {
		mintURL  string
		expected string
	}{
		{"https://Mint.Example.com", "mint.example.com"},
		{"https://mint.example.com/", "mint.example.com"},
		{"http://127.0.0.1:3338", "127.0.0.1:3338"},
		{" https://mint.example.com/cashu ", "mint.example.com"},
		{"Mint.Example.com/", "mint.example.com"},
	}

	for _, test := range tests {
		if key := mintKey(test.mintURL); key != test.expected {
			t.Fatalf("expected '%v' but got '%v'", test.expected, key)
		}
	}
}

func TestFeeHints(t *testing.T) {
	feeHints := NewFeeHints(testDB(t))

	if fee := feeHints.Get("https://mint.example.com"); fee != 0 {
		t.Fatalf("expected '%v' but got '%v'", 0, fee)
	}
	if err := feeHints.Set("https://mint.example.com", 3); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fee := feeHints.Get("https://MINT.example.com/"); fee != 3 {
		t.Fatalf("expected '%v' but got '%v'", 3, fee)
	}
}
