// Package classifier runs the prepare, predict and normalize stages for one submission.
package classifier

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"time"

	"github.com/Brownie44l1/cloudai/internal/imageprep"
	"github.com/Brownie44l1/cloudai/internal/model"
	"github.com/Brownie44l1/cloudai/internal/predict"
)

// DefaultTimeout bounds a single inference call.
const DefaultTimeout = 30 * time.Second

// ErrTimeout is returned when inference does not finish in time. The late
// result, if any, is discarded.
var ErrTimeout = errors.New("inference timed out")

// EngineSource hands out the shared engine once it is loaded.
type EngineSource interface {
	Engine() (model.Engine, error)
}

// Pipeline is safe for concurrent use; the engine serializes its own calls.
type Pipeline struct {
	engines EngineSource
	prep    *imageprep.Preparer
	labels  []string
	timeout time.Duration
	logger  *slog.Logger
}

func New(engines EngineSource, prep *imageprep.Preparer, labels []string, timeout time.Duration, logger *slog.Logger) *Pipeline {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Pipeline{
		engines: engines,
		prep:    prep,
		labels:  append([]string(nil), labels...),
		timeout: timeout,
		logger:  logger,
	}
}

// Labels returns a copy of the label set.
func (p *Pipeline) Labels() []string {
	return append([]string(nil), p.labels...)
}

// InputLen is the length ClassifyRaw expects.
func (p *Pipeline) InputLen() int {
	return p.prep.InputLen()
}

// Classify prepares img and returns the ranked prediction.
func (p *Pipeline) Classify(ctx context.Context, img image.Image) (predict.Result, error) {
	engine, err := p.engines.Engine()
	if err != nil {
		return nil, err
	}
	tensor := p.prep.Prepare(img)
	return p.run(ctx, engine, tensor.Data)
}

// ClassifyRaw skips image preparation for callers that already hold a tensor.
func (p *Pipeline) ClassifyRaw(ctx context.Context, input []float32) (predict.Result, error) {
	if len(input) != p.prep.InputLen() {
		return nil, fmt.Errorf("%w: expected %d values, got %d", model.ErrInputSize, p.prep.InputLen(), len(input))
	}
	engine, err := p.engines.Engine()
	if err != nil {
		return nil, err
	}
	return p.run(ctx, engine, input)
}

type scoresOrErr struct {
	scores []float32
	err    error
}

func (p *Pipeline) run(ctx context.Context, engine model.Engine, input []float32) (predict.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	ch := make(chan scoresOrErr, 1)
	go func() {
		scores, err := engine.Predict(ctx, input)
		ch <- scoresOrErr{scores, err}
	}()

	var res scoresOrErr
	select {
	case res = <-ch:
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			p.logger.Warn("inference timed out", "timeout", p.timeout)
			return nil, fmt.Errorf("%w after %s", ErrTimeout, p.timeout)
		}
		return nil, ctx.Err()
	}
	if res.err != nil {
		p.logger.Error("inference failed", "err", res.err)
		return nil, res.err
	}

	result, err := predict.Normalize(res.scores, p.labels)
	if err != nil {
		p.logger.Error("model output does not match configured labels", "err", err)
		return nil, err
	}

	top, _ := result.Top()
	p.logger.Debug("classified",
		"top", top.Label,
		"confidence", top.Value,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return result, nil
}
