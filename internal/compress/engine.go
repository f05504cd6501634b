package compress

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/coah80/ingest/internal/metrics"
)

var ErrCompressionFailed = errors.New("compression failed")

// Attempt records one encoder invocation.
type Attempt struct {
	Tier            Tier
	InputSizeBytes  int64
	OutputSizeBytes int64
	Succeeded       bool
}

type Result struct {
	Path      string
	SizeBytes int64
	// Compressed is false when the input was already within the target and Path is the input.
	Compressed bool
	Attempts   []Attempt
}

type Engine struct {
	enc     Encoder
	workDir string
	log     hclog.Logger
}

func NewEngine(enc Encoder, workDir string, logger hclog.Logger) (*Engine, error) {
	if enc == nil {
		return nil, fmt.Errorf("compression engine needs an encoder")
	}
	if err := os.MkdirAll(workDir, 0755); err != nil {
		return nil, fmt.Errorf("create %s: %w", workDir, err)
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Engine{enc: enc, workDir: workDir, log: logger}, nil
}

// CompressToTarget re-encodes input until it fits target, with at most two passes.
// The input file is never modified; every output is a new file in the work directory.
// Only a failed first pass is an error. The caller owns any returned output file.
func (e *Engine) CompressToTarget(input string, target int64) (*Result, error) {
	info, err := os.Stat(input)
	if err != nil {
		return nil, fmt.Errorf("%w: stat input: %v", ErrCompressionFailed, err)
	}
	inputSize := info.Size()

	if inputSize <= target {
		metrics.CompressionSkipped.Inc()
		e.log.Debug("input within target, skipping compression", "path", input, "bytes", inputSize, "target", target)
		return &Result{Path: input, SizeBytes: inputSize}, nil
	}

	start := time.Now()
	defer func() {
		metrics.CompressionDuration.Observe(time.Since(start).Seconds())
	}()

	tier := SelectTier(inputSize, target)
	e.log.Info("compressing", "path", input, "bytes", inputSize, "target", target,
		"ratio", fmt.Sprintf("%.3f", float64(target)/float64(inputSize)), "tier", tier.String())

	first, firstAttempt, err := e.pass(input, inputSize, tier)
	res := &Result{Attempts: []Attempt{firstAttempt}}
	if err != nil {
		e.log.Error("first compression pass failed", "tier", tier.String(), "error", err)
		return nil, fmt.Errorf("%w: %v", ErrCompressionFailed, err)
	}

	if firstAttempt.OutputSizeBytes <= target {
		res.Path, res.SizeBytes, res.Compressed = first, firstAttempt.OutputSizeBytes, true
		e.log.Info("compressed", "tier", tier.String(), "bytes", res.SizeBytes)
		return res, nil
	}

	e.log.Info("still over target, running aggressive pass", "bytes", firstAttempt.OutputSizeBytes, "target", target)
	second, secondAttempt, err := e.pass(first, firstAttempt.OutputSizeBytes, Aggressive)
	res.Attempts = append(res.Attempts, secondAttempt)
	if err != nil {
		e.log.Warn("aggressive pass failed, keeping first pass output", "error", err, "bytes", firstAttempt.OutputSizeBytes)
		res.Path, res.SizeBytes, res.Compressed = first, firstAttempt.OutputSizeBytes, true
		return res, nil
	}

	if err := os.Remove(first); err != nil && !os.IsNotExist(err) {
		e.log.Warn("failed to remove intermediate output", "path", first, "error", err)
	}
	res.Path, res.SizeBytes, res.Compressed = second, secondAttempt.OutputSizeBytes, true
	if res.SizeBytes > target {
		e.log.Warn("output still exceeds target after aggressive pass", "bytes", res.SizeBytes, "target", target)
	} else {
		e.log.Info("compressed", "tier", Aggressive.String(), "bytes", res.SizeBytes)
	}
	return res, nil
}

func (e *Engine) pass(in string, inSize int64, t Tier) (string, Attempt, error) {
	out := filepath.Join(e.workDir, uuid.New().String()+".mp3")
	attempt := Attempt{Tier: t, InputSizeBytes: inSize}

	if err := e.enc.Encode(in, out, t); err != nil {
		os.Remove(out)
		metrics.CompressionPasses.WithLabelValues(t.Name, "failed").Inc()
		var encErr *EncodeError
		if errors.As(err, &encErr) && encErr.Stderr != "" {
			e.log.Debug("encoder stderr", "tier", t.String(), "tail", encErr.Stderr)
		}
		return "", attempt, err
	}

	info, err := os.Stat(out)
	if err != nil || info.Size() == 0 {
		os.Remove(out)
		metrics.CompressionPasses.WithLabelValues(t.Name, "failed").Inc()
		return "", attempt, fmt.Errorf("encoding at %s left no output", t)
	}

	attempt.OutputSizeBytes = info.Size()
	attempt.Succeeded = true
	metrics.CompressionPasses.WithLabelValues(t.Name, "ok").Inc()
	return out, attempt, nil
}
