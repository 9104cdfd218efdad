package validation

import "testing"

func TestIsValidIdentifier(t *testing.T) {
	tests := []struct {
		name  string
		id    string
		valid bool
	}{
		{name: "uuid", id: "7b1d3c8e-2f4a-4c55-9d0e-5a1b2c3d4e5f", valid: true},
		{name: "stripe payment intent", id: "pi_3OqK2pLkdIwHu7ix0", valid: true},
		{name: "email-like", id: "alice@pitch.club", valid: true},
		{name: "empty string", id: "", valid: false},
		{name: "space", id: "pi 123", valid: false},
		{name: "slash", id: "../etc", valid: false},
		{name: "non ascii", id: "пользователь", valid: false},
		{name: "too long", id: string(make([]byte, 129)), valid: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := IsValidIdentifier(tt.id)
			if got != tt.valid {
				t.Fatalf("IsValidIdentifier(%q) = %v, want %v", tt.id, got, tt.valid)
			}
		})
	}
}

func TestIsValidBadgeCode(t *testing.T) {
	tests := []struct {
		code  string
		valid bool
	}{
		{code: "early-bird", valid: true},
		{code: "top10", valid: true},
		{code: "x", valid: false},
		{code: "-lead", valid: false},
		{code: "trail-", valid: false},
		{code: "Upper", valid: false},
		{code: "snake_case", valid: false},
	}

	for _, tt := range tests {
		if got := IsValidBadgeCode(tt.code); got != tt.valid {
			t.Fatalf("IsValidBadgeCode(%q) = %v, want %v", tt.code, got, tt.valid)
		}
	}
}

func TestIsValidAmountAndDelta(t *testing.T) {
	if !IsValidAmount(1) || !IsValidAmount(MaxAmount) {
		t.Fatalf("boundary amounts must be valid")
	}
	if IsValidAmount(0) || IsValidAmount(-1) || IsValidAmount(MaxAmount+1) {
		t.Fatalf("out of range amounts must be invalid")
	}
	if !IsValidDelta(-MaxAmount) || IsValidDelta(0) || IsValidDelta(-MaxAmount-1) {
		t.Fatalf("unexpected delta validation result")
	}
}

func TestIsValidText(t *testing.T) {
	if !IsValidText("") || !IsValidText("shipped via DHL\ntracking 123") {
		t.Fatalf("plain text must be valid")
	}
	if IsValidText("bell\a") {
		t.Fatalf("control characters must be rejected")
	}
	if IsValidText(string(make([]byte, 1001))) {
		t.Fatalf("long text must be rejected")
	}
}
