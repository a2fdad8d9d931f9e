package format

import "testing"

func TestHumanBytes(t *testing.T) {
	tests := []struct {
		input    int64
		expected string
	}{
		{0, "0 B"},
		{999, "999 B"},
		{1000, "1 KB"},
		{1024, "1.0 KB"},
		{1500, "1.5 KB"},
		{12000, "12 KB"},
		{120000, "120 KB"},
		{1000000, "1 MB"},
		{2500000, "2.5 MB"},
		{1000000000, "1 GB"},
		{1300000000, "1.3 GB"},
		{1000000000000, "1 TB"},
	}

	for _, tc := range tests {
		t.Run(tc.expected, func(t *testing.T) {
			if got := HumanBytes(tc.input); got != tc.expected {
				t.Errorf("HumanBytes(%d) = %q, want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestHumanBytes2(t *testing.T) {
	tests := []struct {
		input    uint64
		expected string
	}{
		{0, "0 B"},
		{1023, "1023 B"},
		{1024, "1.0 KiB"},
		{1536, "1.5 KiB"},
		{1048576, "1.0 MiB"},
		{1572864, "1.5 MiB"},
		{1073741824, "1.0 GiB"},
	}

	for _, tc := range tests {
		t.Run(tc.expected, func(t *testing.T) {
			if got := HumanBytes2(tc.input); got != tc.expected {
				t.Errorf("HumanBytes2(%d) = %q, want %q", tc.input, got, tc.expected)
			}
		})
	}
}
