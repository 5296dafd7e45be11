package dispatch

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"doc-converter/internal/config"
	"doc-converter/internal/engine"
	"doc-converter/internal/telemetry"
)

// ErrUnsupported means no engine can serve the requested format pairing.
// The facade surfaces it as a validation error before any job is created.
var ErrUnsupported = errors.New("no engine supports the requested conversion")

// Dispatcher routes a job to a conversion engine, wraps the invocation in a
// per-engine-class timeout, and retries transient failures a bounded number
// of times. Deterministic input errors are never retried.
type Dispatcher struct {
	engines map[string]engine.Engine

	standardTimeout time.Duration
	visionTimeout   time.Duration
	maxRetries      int
	backoffBase     time.Duration
	backoffMax      time.Duration

	logger *zap.Logger
}

// New builds the engine set from config.
func New(cfg config.Config, logger *zap.Logger) *Dispatcher {
	standard := engine.NewStandard()
	vision := engine.NewVision()
	hybrid := engine.NewHybrid(standard, vision, 64, func() {
		telemetry.HybridFallbacks.Inc()
	})
	return &Dispatcher{
		engines: map[string]engine.Engine{
			engine.NameStandard: standard,
			engine.NameImage:    engine.NewImage(),
			engine.NameVision:   vision,
			engine.NameHybrid:   hybrid,
		},
		standardTimeout: cfg.StandardTimeout,
		visionTimeout:   cfg.VisionTimeout,
		maxRetries:      cfg.EngineMaxRetries,
		backoffBase:     500 * time.Millisecond,
		backoffMax:      5 * time.Second,
		logger:          logger,
	}
}

// Resolve picks the engine for a request. An empty engine name selects a
// default: hybrid for PDFs (cheap path first, AI fallback), otherwise the
// first non-AI engine that supports the pairing.
func (d *Dispatcher) Resolve(name, from, to string) (engine.Engine, error) {
	if name != "" {
		e, ok := d.engines[name]
		if !ok || !e.Supports(from, to) {
			return nil, ErrUnsupported
		}
		return e, nil
	}
	if from == "pdf" {
		if h := d.engines[engine.NameHybrid]; h.Supports(from, to) {
			return h, nil
		}
	}
	for _, n := range []string{engine.NameImage, engine.NameStandard} {
		if e := d.engines[n]; e.Supports(from, to) {
			return e, nil
		}
	}
	return nil, ErrUnsupported
}

// Supports reports whether any engine (or the named one) can serve the pair.
func (d *Dispatcher) Supports(name, from, to string) bool {
	_, err := d.Resolve(name, from, to)
	return err == nil
}

// Timeout returns the invocation deadline for an engine. Vision-class
// conversions may run for many minutes; everything else is short.
func (d *Dispatcher) Timeout(e engine.Engine) time.Duration {
	switch e.Name() {
	case engine.NameVision, engine.NameHybrid:
		return d.visionTimeout
	default:
		return d.standardTimeout
	}
}

// TimeoutFor resolves the engine for the pair and returns its invocation
// deadline. Falls back to the standard timeout when nothing resolves.
func (d *Dispatcher) TimeoutFor(name, from, to string) time.Duration {
	e, err := d.Resolve(name, from, to)
	if err != nil {
		return d.standardTimeout
	}
	return d.Timeout(e)
}

// Dispatch invokes the resolved engine with timeout and bounded transient
// retries. It returns either a result or an *engine.Error; infrastructure
// errors never escape the engine boundary.
func (d *Dispatcher) Dispatch(ctx context.Context, engineName string, req engine.Request) (engine.Result, error) {
	e, err := d.Resolve(engineName, req.FromFormat, req.ToFormat)
	if err != nil {
		return engine.Result{}, engine.Terminal("no engine supports the requested conversion")
	}

	attempts := d.maxRetries
	if attempts < 1 {
		attempts = 1
	}
	var last error
	for attempt := 1; attempt <= attempts; attempt++ {
		res, err := d.invoke(ctx, e, req)
		if err == nil {
			return res, nil
		}
		last = err

		var engErr *engine.Error
		if !errors.As(err, &engErr) || !engErr.Retryable {
			return engine.Result{}, err
		}
		d.logger.Warn("transient engine failure",
			zap.String("job_id", req.JobID),
			zap.String("engine", e.Name()),
			zap.Int("attempt", attempt),
			zap.Error(err))
		if attempt < attempts {
			select {
			case <-ctx.Done():
				return engine.Result{}, engine.Transient("conversion interrupted")
			case <-time.After(backoffWithJitter(d.backoffBase, d.backoffMax, attempt)):
			}
		}
	}
	return engine.Result{}, last
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}

func (d *Dispatcher) invoke(ctx context.Context, e engine.Engine, req engine.Request) (engine.Result, error) {
	invokeCtx, cancel := context.WithTimeout(ctx, d.Timeout(e))
	defer cancel()

	res, err := e.Convert(invokeCtx, req)
	if err != nil {
		if invokeCtx.Err() != nil {
			return engine.Result{}, engine.Transient("conversion timed out")
		}
		return engine.Result{}, err
	}
	return res, nil
}
