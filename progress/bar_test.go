package progress

import (
	"strings"
	"testing"
	"time"
)

func TestBarSetClampsToMax(t *testing.T) {
	bar := NewBar("test", 100, 0)

	bar.Set(150)
	if bar.currentValue != 100 {
		t.Errorf("currentValue = %d, want 100", bar.currentValue)
	}
}

func TestBarPercent(t *testing.T) {
	tests := []struct {
		name         string
		maxValue     int64
		currentValue int64
		want         float64
	}{
		{"0%", 100, 0, 0},
		{"50%", 100, 50, 50},
		{"100%", 100, 100, 100},
		{"zero max", 0, 50, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bar := NewBar("", tt.maxValue, 0)
			bar.currentValue = tt.currentValue
			if got := bar.percent(); got != tt.want {
				t.Errorf("percent() = %f, want %f", got, tt.want)
			}
		})
	}
}

func TestBarString(t *testing.T) {
	bar := NewBar("training adapter:", 1000, 0)
	bar.Set(500)

	str := bar.String()
	if !strings.Contains(str, "50%") {
		t.Errorf("String() = %q, want it to contain the percentage", str)
	}
	if !strings.Contains(str, "500/1K") {
		t.Errorf("String() = %q, want counts rendered as plain numbers", str)
	}
}

func TestBytesBarString(t *testing.T) {
	bar := NewBytesBar("pulling weights:", 2000000, 0)
	bar.Set(1000000)

	str := bar.String()
	if !strings.Contains(str, "1 MB/2 MB") {
		t.Errorf("String() = %q, want values rendered as byte sizes", str)
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		duration time.Duration
		want     string
	}{
		{0, "0s"},
		{45 * time.Second, "45s"},
		{time.Minute, "1m0s"},
		{2*time.Hour + 15*time.Minute, "2h15m"},
		{100 * time.Hour, "99h+"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := formatDuration(tt.duration); got != tt.want {
				t.Errorf("formatDuration(%v) = %q, want %q", tt.duration, got, tt.want)
			}
		})
	}
}
