package credential

import "testing"

func TestCanonicalLogin(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"central", "central"},
		{" CENTRAL ", "central"},
		{"Ｃｅｎｔｒａｌ", "central"},
		{"ﬁliale-1", "filiale-1"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := CanonicalLogin(tt.input); got != tt.expected {
				t.Errorf("CanonicalLogin(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}
