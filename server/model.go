package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/chromagen/chromagen/envconfig"
	"github.com/chromagen/chromagen/format"
	"github.com/chromagen/chromagen/histogram/encoder"
	"github.com/chromagen/chromagen/safetensors"
)

// encoderModel returns the histogram encoder, loading its weights from
// the models directory on first use. A failed load is retried on the
// next request.
func (s *Server) encoderModel() (*encoder.Encoder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.enc != nil {
		return s.enc, nil
	}

	dir := filepath.Join(envconfig.Models(), "encoder")

	cfg := encoder.DefaultConfig()
	if raw, err := os.ReadFile(filepath.Join(dir, "encoder.json")); err == nil {
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("encoder.json: %w", err)
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	weights, err := safetensors.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("loading encoder weights: %w", err)
	}

	ctx := s.backend.NewContext()
	defer ctx.Close()

	enc, err := encoder.New(ctx, cfg)
	if err != nil {
		return nil, err
	}

	if err := safetensors.LoadModule(enc, weights, "encoder"); err != nil {
		return nil, err
	}

	var total uint64
	for _, name := range weights.ListTensors() {
		if t, err := weights.Get(name); err == nil {
			total += uint64(t.Size())
		}
	}
	slog.Info("loaded histogram encoder", "dir", dir, "tensors", len(weights.ListTensors()), "size", format.HumanBytes2(total))

	s.enc = enc
	return s.enc, nil
}
