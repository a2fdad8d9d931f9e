package format

import "testing"

func TestHumanNumber(t *testing.T) {
	tests := []struct {
		input    uint64
		expected string
	}{
		{0, "0"},
		{999, "999"},
		{1000, "1K"},
		{1500, "1.5K"},
		{1000000, "1M"},
		{2500000, "2.5M"},
		{1000000000, "1B"},
		{7800000000, "7.8B"},
	}

	for _, tc := range tests {
		t.Run(tc.expected, func(t *testing.T) {
			if got := HumanNumber(tc.input); got != tc.expected {
				t.Errorf("HumanNumber(%d) = %q, want %q", tc.input, got, tc.expected)
			}
		})
	}
}
