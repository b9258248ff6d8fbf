// Package fixtures holds the session-lifetime calibration inputs: the image
// corpus and the official result table. Both load lazily on first use, are
// immutable afterwards, and release explicitly at session end instead of
// living in ambient globals.
package fixtures

import (
	"fmt"
	"sync"
	"time"

	"github.com/iqakit/calibra/internal/config"
	"github.com/iqakit/calibra/internal/device"
	"github.com/iqakit/calibra/internal/imageio"
	"github.com/iqakit/calibra/internal/metrics"
	"github.com/iqakit/calibra/internal/results"
	"github.com/iqakit/calibra/internal/tensor"
)

type Session struct {
	cfg config.Config

	corpusOnce sync.Once
	ref        *tensor.Tensor
	dist       *tensor.Tensor
	corpusErr  error

	tableOnce sync.Once
	table     *results.Table
	tableErr  error
}

func NewSession(cfg config.Config) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("fixtures: %w", err)
	}
	return &Session{cfg: cfg}, nil
}

// Corpus returns the (distorted, reference) batches, loading them on first
// call. A load failure is cached: every dependent caller sees the same
// fixture error.
func (s *Session) Corpus() (dist, ref *tensor.Tensor, err error) {
	s.corpusOnce.Do(func() {
		start := time.Now()
		s.ref, s.dist, s.corpusErr = imageio.ReadPair(s.cfg.RefDir, s.cfg.DistDir)
		if s.corpusErr == nil {
			metrics.RecordFixtureLoad(time.Since(start))
		}
	})
	return s.dist, s.ref, s.corpusErr
}

// Results returns the official result table, loading it on first call.
func (s *Session) Results() (*results.Table, error) {
	s.tableOnce.Do(func() {
		start := time.Now()
		s.table, s.tableErr = results.Load(s.cfg.ResultsPath)
		if s.tableErr == nil {
			metrics.RecordFixtureLoad(time.Since(start))
		}
	})
	return s.table, s.tableErr
}

// Device resolves the session compute device from config.
func (s *Session) Device() (device.Device, error) {
	return device.Parse(s.cfg.Device)
}

// Seed is the session random seed for synthetic check inputs.
func (s *Session) Seed() int64 {
	return s.cfg.Seed
}

// Teardown frees the corpus tensors and drops all cached state. The session
// reloads from disk on next use.
func (s *Session) Teardown() {
	if s.ref != nil {
		s.ref.Free()
	}
	if s.dist != nil {
		s.dist.Free()
	}
	s.ref, s.dist, s.corpusErr = nil, nil, nil
	s.table, s.tableErr = nil, nil
	s.corpusOnce = sync.Once{}
	s.tableOnce = sync.Once{}
}
