package taskrelay

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultMaxRetries = 3
	defaultBaseDelay  = time.Second
	tracerName        = "github.com/agentworkforce/taskrelay"
)

type FailurePolicy int

const (
	// BestEffort never turns backend failures into a call error.
	BestEffort FailurePolicy = iota
	// RequireAny reports ErrAllBackendsFailed when every attempted backend
	// failed.
	RequireAny
)

type OrchestratorOptions struct {
	MaxRetries    int
	BaseDelay     time.Duration
	FailurePolicy FailurePolicy
	QuietOnEmpty  bool
	Logger        *zap.Logger
	Metrics       *Metrics
	Tracer        trace.Tracer
}

// LoadedBackend is one live backend in load order.
type LoadedBackend struct {
	Key      string  `json:"key"`
	Name     string  `json:"name"`
	ConfigID string  `json:"configId"`
	Priority int     `json:"priority"`
	Backend  Backend `json:"-"`
}

// Orchestrator replicates task writes to every backend configured for one
// user. Loads are serialized; operations work on the load that was current
// when they started.
type Orchestrator struct {
	registry *Registry
	store    ConfigStore
	policy   FailurePolicy
	quiet    bool
	retry    retryPolicy
	logger   *zap.Logger
	metrics  *Metrics
	tracer   trace.Tracer

	loadMu  sync.Mutex
	mu      sync.RWMutex
	current *loadGeneration
}

// loadGeneration is the backend list of one load. Once replaced, its
// backends are closed after the last operation using it returns.
type loadGeneration struct {
	backends []LoadedBackend

	mu      sync.Mutex
	active  int
	retired bool
}

func NewOrchestrator(registry *Registry, store ConfigStore, opts OrchestratorOptions) *Orchestrator {
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = defaultBaseDelay
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	return &Orchestrator{
		registry: registry,
		store:    store,
		policy:   opts.FailurePolicy,
		quiet:    opts.QuietOnEmpty,
		retry:    retryPolicy{maxAttempts: maxRetries, baseDelay: baseDelay},
		logger:   logger,
		metrics:  opts.Metrics,
		tracer:   tracer,
		current:  &loadGeneration{},
	}
}

// LoadConfigurations replaces the loaded backends with those configured for
// userID. Configs that cannot be built are logged and skipped. Only a store
// failure is returned, and then the previous list stays in place.
func (o *Orchestrator) LoadConfigurations(ctx context.Context, userID string) (int, error) {
	if o.store == nil {
		return 0, fmt.Errorf("%w: config store is required", ErrInvalidInput)
	}
	o.loadMu.Lock()
	defer o.loadMu.Unlock()

	ctx, span := o.tracer.Start(ctx, "taskrelay.load_configurations")
	defer span.End()

	configs, err := o.store.ListActive(ctx, userID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("list backend configs: %w", err)
	}
	SortConfigs(configs)

	loaded := make([]LoadedBackend, 0, len(configs))
	seen := map[string]bool{}
	for _, cfg := range configs {
		if !cfg.Active {
			continue
		}
		backend, err := o.registry.Build(cfg.BackendName, cfg.Settings)
		if err != nil {
			cfgErr := &ConfigError{ConfigID: cfg.ID, Backend: cfg.BackendName, Err: err}
			o.logger.Warn("skipping backend config",
				zap.String("config_id", cfg.ID),
				zap.String("backend", cfg.BackendName),
				zap.Error(cfgErr))
			continue
		}
		name := normalizeBackendName(cfg.BackendName)
		key := name
		if seen[name] {
			key = name + "@" + cfg.ID
		}
		seen[name] = true
		loaded = append(loaded, LoadedBackend{
			Key:      key,
			Name:     name,
			ConfigID: cfg.ID,
			Priority: cfg.Priority,
			Backend:  backend,
		})
		o.logger.Info("backend loaded",
			zap.String("backend", key),
			zap.String("config_id", cfg.ID),
			zap.Int("priority", cfg.Priority))
	}

	o.swap(loaded)
	span.SetAttributes(attribute.Int("taskrelay.backends", len(loaded)))
	return len(loaded), nil
}

func (o *Orchestrator) Backends() []LoadedBackend {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return append([]LoadedBackend(nil), o.current.backends...)
}

// Save writes task to every loaded backend. The returned outcomes include
// failures; use Outcomes.ExternalIDs for the identifiers that were assigned.
func (o *Orchestrator) Save(ctx context.Context, task Task) (Outcomes, error) {
	gen := o.acquire()
	defer o.release(gen)
	targets := gen.backends
	if len(targets) == 0 {
		if !o.quiet {
			o.logger.Warn("no storage backends loaded; task not replicated", zap.String("task_id", task.ID))
		}
		return Outcomes{}, nil
	}
	outcomes := o.fanOut(ctx, "save", targets, func(ctx context.Context, target LoadedBackend) Outcome {
		var externalID string
		attempts, err := o.retry.run(ctx, func(ctx context.Context) error {
			id, err := target.Backend.SaveTask(ctx, task)
			if err != nil {
				return err
			}
			if strings.TrimSpace(id) == "" {
				return &BackendError{Backend: target.Name, Message: "no identifier returned"}
			}
			externalID = id
			return nil
		}, o.retryLogger("save", target))
		if err != nil {
			return Outcome{Kind: OutcomeFailed, Attempts: attempts, Err: err}
		}
		return Outcome{Kind: OutcomeSucceeded, ExternalID: externalID, Attempts: attempts}
	})
	return o.applyPolicy(outcomes)
}

// Update rewrites task on each loaded backend whose key appears in
// externalIDs. Other backends are not called.
func (o *Orchestrator) Update(ctx context.Context, task Task, externalIDs map[string]string) (Outcomes, error) {
	gen := o.acquire()
	defer o.release(gen)
	targets := gen.targetsFor(externalIDs)
	if len(targets) == 0 {
		return Outcomes{}, nil
	}
	outcomes := o.fanOut(ctx, "update", targets, func(ctx context.Context, target LoadedBackend) Outcome {
		externalID := externalIDs[target.Key]
		found := false
		attempts, err := o.retry.run(ctx, func(ctx context.Context) error {
			ok, err := target.Backend.UpdateTask(ctx, externalID, task)
			found = ok
			return err
		}, o.retryLogger("update", target))
		return settledOutcome(externalID, found, attempts, err)
	})
	return o.applyPolicy(outcomes)
}

// Delete removes the task from each loaded backend whose key appears in
// externalIDs.
func (o *Orchestrator) Delete(ctx context.Context, externalIDs map[string]string) (Outcomes, error) {
	gen := o.acquire()
	defer o.release(gen)
	targets := gen.targetsFor(externalIDs)
	if len(targets) == 0 {
		return Outcomes{}, nil
	}
	outcomes := o.fanOut(ctx, "delete", targets, func(ctx context.Context, target LoadedBackend) Outcome {
		externalID := externalIDs[target.Key]
		found := false
		attempts, err := o.retry.run(ctx, func(ctx context.Context) error {
			ok, err := target.Backend.DeleteTask(ctx, externalID)
			found = ok
			return err
		}, o.retryLogger("delete", target))
		return settledOutcome(externalID, found, attempts, err)
	})
	return o.applyPolicy(outcomes)
}

// HealthCheckAll probes every loaded backend concurrently. It never fails: a
// probe that panics is reported as unhealthy.
func (o *Orchestrator) HealthCheckAll(ctx context.Context) map[string]HealthReport {
	gen := o.acquire()
	defer o.release(gen)
	targets := gen.backends
	reports := make(map[string]HealthReport, len(targets))
	if len(targets) == 0 {
		return reports
	}
	ctx, span := o.tracer.Start(ctx, "taskrelay.health_check_all")
	defer span.End()

	results := make([]HealthReport, len(targets))
	var g errgroup.Group
	for i, target := range targets {
		g.Go(func() error {
			results[i] = probeHealth(ctx, target.Backend)
			return nil
		})
	}
	_ = g.Wait()

	for i, target := range targets {
		reports[target.Key] = results[i]
		o.metrics.observeHealth(target.Key, results[i])
		if results[i].Status != HealthHealthy {
			o.logger.Warn("backend health degraded",
				zap.String("backend", target.Key),
				zap.String("status", string(results[i].Status)),
				zap.String("message", results[i].Message))
		}
	}
	return reports
}

// CloseAll empties the list and releases every loaded backend once the
// operations already using them return. Calling it again is a no-op.
func (o *Orchestrator) CloseAll() {
	o.swap(nil)
}

func (o *Orchestrator) acquire() *loadGeneration {
	o.mu.RLock()
	defer o.mu.RUnlock()
	gen := o.current
	gen.mu.Lock()
	gen.active++
	gen.mu.Unlock()
	return gen
}

func (o *Orchestrator) release(gen *loadGeneration) {
	gen.mu.Lock()
	gen.active--
	drained := gen.retired && gen.active == 0
	gen.mu.Unlock()
	if drained {
		o.closeBackends(gen.backends)
	}
}

// swap makes backends the current load and retires the previous one.
func (o *Orchestrator) swap(backends []LoadedBackend) {
	o.mu.Lock()
	previous := o.current
	o.current = &loadGeneration{backends: backends}
	o.mu.Unlock()

	previous.mu.Lock()
	previous.retired = true
	drained := previous.active == 0
	previous.mu.Unlock()
	if drained {
		o.closeBackends(previous.backends)
	}
}

func (o *Orchestrator) fanOut(ctx context.Context, operation string, targets []LoadedBackend, call func(ctx context.Context, target LoadedBackend) Outcome) Outcomes {
	ctx, span := o.tracer.Start(ctx, "taskrelay."+operation,
		trace.WithAttributes(attribute.Int("taskrelay.backends", len(targets))))
	defer span.End()

	results := make([]Outcome, len(targets))
	var g errgroup.Group
	for i, target := range targets {
		g.Go(func() error {
			backendCtx, backendSpan := o.tracer.Start(ctx, "taskrelay.backend."+operation,
				trace.WithAttributes(attribute.String("taskrelay.backend", target.Key)))
			defer backendSpan.End()

			started := time.Now()
			outcome := call(backendCtx, target)
			o.metrics.observe(target.Key, operation, outcome, time.Since(started))
			if outcome.Err != nil {
				backendSpan.RecordError(outcome.Err)
				backendSpan.SetStatus(codes.Error, outcome.Err.Error())
			}
			results[i] = outcome
			return nil
		})
	}
	_ = g.Wait()

	outcomes := make(Outcomes, len(targets))
	for i, target := range targets {
		outcome := results[i]
		outcomes[target.Key] = outcome
		switch outcome.Kind {
		case OutcomeFailed:
			o.logger.Error("backend operation failed",
				zap.String("operation", operation),
				zap.String("backend", target.Key),
				zap.Int("attempts", outcome.Attempts),
				zap.Error(outcome.Err))
		case OutcomeNotFound:
			o.logger.Info("task not found in backend",
				zap.String("operation", operation),
				zap.String("backend", target.Key),
				zap.String("external_id", outcome.ExternalID))
		}
	}
	return outcomes
}

func (o *Orchestrator) applyPolicy(outcomes Outcomes) (Outcomes, error) {
	if o.policy != RequireAny || len(outcomes) == 0 {
		return outcomes, nil
	}
	for _, outcome := range outcomes {
		if outcome.Kind != OutcomeFailed {
			return outcomes, nil
		}
	}
	return outcomes, ErrAllBackendsFailed
}

func (o *Orchestrator) retryLogger(operation string, target LoadedBackend) func(int, time.Duration, error) {
	return func(attempt int, delay time.Duration, err error) {
		o.logger.Debug("retrying backend operation",
			zap.String("operation", operation),
			zap.String("backend", target.Key),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
	}
}

func (g *loadGeneration) targetsFor(externalIDs map[string]string) []LoadedBackend {
	if len(externalIDs) == 0 {
		return nil
	}
	targets := make([]LoadedBackend, 0, len(g.backends))
	for _, target := range g.backends {
		if _, ok := externalIDs[target.Key]; ok {
			targets = append(targets, target)
		}
	}
	return targets
}

func (o *Orchestrator) closeBackends(backends []LoadedBackend) {
	for _, loaded := range backends {
		closer, ok := loaded.Backend.(io.Closer)
		if !ok {
			continue
		}
		if err := closeRecovered(closer); err != nil {
			o.logger.Warn("backend close failed", zap.String("backend", loaded.Key), zap.Error(err))
		}
	}
}

func settledOutcome(externalID string, found bool, attempts int, err error) Outcome {
	switch {
	case err != nil:
		return Outcome{Kind: OutcomeFailed, ExternalID: externalID, Attempts: attempts, Err: err}
	case !found:
		return Outcome{Kind: OutcomeNotFound, ExternalID: externalID, Attempts: attempts}
	default:
		return Outcome{Kind: OutcomeSucceeded, ExternalID: externalID, Attempts: attempts}
	}
}

func probeHealth(ctx context.Context, backend Backend) (report HealthReport) {
	started := time.Now()
	defer func() {
		if recovered := recover(); recovered != nil {
			report = UnhealthyReport(started, &panicError{value: recovered})
		}
	}()
	report = backend.HealthCheck(ctx)
	if report.Status == "" {
		report.Status = HealthUnhealthy
	}
	if report.Timestamp.IsZero() {
		report.Timestamp = time.Now().UTC()
	}
	return report
}

func closeRecovered(closer io.Closer) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = &panicError{value: recovered}
		}
	}()
	return closer.Close()
}
