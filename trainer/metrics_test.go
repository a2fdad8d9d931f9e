package trainer_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/chromagen/chromagen/trainer"
)

func TestMetricsRoundTrip(t *testing.T) {
	metrics, err := trainer.OpenMetrics(filepath.Join(t.TempDir(), "runs", "metrics.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer metrics.Close()

	cfg := trainer.DefaultConfig()
	if err := metrics.RecordRun("run-1", cfg); err != nil {
		t.Fatal(err)
	}

	steps := []trainer.StepMetrics{
		{Step: 1, Loss: 0.5, NoiseLoss: 0.4, ColorLoss: 1, Duration: 250 * time.Millisecond},
		{Step: 2, Loss: 0.4, NoiseLoss: 0.35, ColorLoss: 0.5, Duration: 125 * time.Millisecond},
	}
	for _, s := range steps {
		if err := metrics.RecordStep("run-1", s); err != nil {
			t.Fatal(err)
		}
	}

	history, err := metrics.History("run-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 2 {
		t.Fatalf("got %d steps, want 2", len(history))
	}
	for i, s := range steps {
		if history[i] != s {
			t.Errorf("history[%d] = %+v, want %+v", i, history[i], s)
		}
	}
}

func TestMetricsUnknownRun(t *testing.T) {
	metrics, err := trainer.OpenMetrics(filepath.Join(t.TempDir(), "metrics.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer metrics.Close()

	history, err := metrics.History("missing")
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 0 {
		t.Errorf("got %d steps for an unknown run, want 0", len(history))
	}

	// Steps reference runs, so recording against a run that was never
	// registered must fail.
	if err := metrics.RecordStep("missing", trainer.StepMetrics{Step: 1}); err == nil {
		t.Error("expected a foreign key error for an unregistered run")
	}
}
