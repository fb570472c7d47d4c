package sizing

import (
	"context"
	"errors"
	"time"

	"github.com/drblury/docflow/internal/runtime/logging"
)

// Load thresholds for the sizing decision.
const (
	GrowBelowLoad   = 0.7
	ShrinkAboveLoad = 0.8
)

// Params bounds and tunes the sizing decision.
type Params struct {
	Min       int
	Max       int
	Threshold int
	Step      int
}

// Next computes the target size for one tick. A missing load reading holds
// the current size.
func Next(current int, depth int64, load float64, loadOK bool, p Params) int {
	if !loadOK {
		return clamp(current, p.Min, p.Max)
	}
	switch {
	case depth > int64(p.Threshold) && load < GrowBelowLoad:
		return clamp(current+p.Step, p.Min, p.Max)
	case float64(depth) < float64(p.Threshold)/2 || load > ShrinkAboveLoad:
		return clamp(current-p.Step, p.Min, p.Max)
	default:
		return clamp(current, p.Min, p.Max)
	}
}

// DepthSource reports the backlog of a queue.
type DepthSource interface {
	QueueDepth(ctx context.Context, queue string) (int64, error)
}

// Recorder receives every tick's outcome.
type Recorder interface {
	RecordSizing(target int, depth int64, load float64, loadOK bool)
}

// ControllerConfig wires a Controller.
type ControllerConfig struct {
	State    *State
	Params   Params
	Queue    string
	Interval time.Duration
	Depth    DepthSource
	Load     LoadSource
	Recorder Recorder
	Logger   logging.ServiceLogger
}

// Controller periodically recomputes the target batch size.
type Controller struct {
	cfg ControllerConfig
}

// NewController validates cfg and returns a Controller.
func NewController(cfg ControllerConfig) (*Controller, error) {
	var errs []error
	if cfg.State == nil {
		errs = append(errs, errors.New("sizing: state is required"))
	}
	if cfg.Logger == nil {
		errs = append(errs, errors.New("sizing: logger is required"))
	}
	if cfg.Interval <= 0 {
		errs = append(errs, errors.New("sizing: interval must be positive"))
	}
	if cfg.Params.Step <= 0 || cfg.Params.Threshold <= 0 {
		errs = append(errs, errors.New("sizing: step and threshold must be positive"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	if cfg.Params.Min == 0 && cfg.Params.Max == 0 {
		cfg.Params.Min, cfg.Params.Max = cfg.State.Bounds()
	}
	return &Controller{cfg: cfg}, nil
}

// Tick performs one sizing step and returns the stored target.
func (c *Controller) Tick(ctx context.Context) int {
	depth := c.depth(ctx)

	var (
		load   float64
		loadOK bool
	)
	if c.cfg.Load != nil {
		load, loadOK = c.cfg.Load.CPUUtilization()
	}

	current := c.cfg.State.Load()
	target := c.cfg.State.Store(Next(current, depth, load, loadOK, c.cfg.Params))

	if c.cfg.Recorder != nil {
		c.cfg.Recorder.RecordSizing(target, depth, load, loadOK)
	}
	if target != current {
		c.cfg.Logger.Info("Batch size adjusted", logging.LogFields{
			"queue":             c.cfg.Queue,
			"queue_depth":       depth,
			"cpu_load":          load,
			"batch_size":        current,
			"target_batch_size": target,
		})
	} else if !loadOK {
		c.cfg.Logger.Debug("CPU load unavailable, holding batch size", logging.LogFields{
			"target_batch_size": target,
		})
	}
	return target
}

func (c *Controller) depth(ctx context.Context) int64 {
	if c.cfg.Depth == nil {
		return 0
	}
	depth, err := c.cfg.Depth.QueueDepth(ctx, c.cfg.Queue)
	if err != nil {
		c.cfg.Logger.Debug("Queue depth unavailable, assuming empty queue", logging.LogFields{
			"queue": c.cfg.Queue,
			"error": err.Error(),
		})
		return 0
	}
	if depth < 0 {
		return 0
	}
	return depth
}

// Run ticks every Interval until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.Tick(ctx)
		}
	}
}
