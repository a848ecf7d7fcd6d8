// Copyright (C) 2025 The support-rag authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/letya999/support-rag/services/orchestrator/state"
)

var (
	tracer = otel.Tracer("supportrag.pipeline")
	meter  = otel.Meter("supportrag.pipeline")
)

// Config holds executor behaviour knobs.
type Config struct {
	// StrictContracts fails a node on contract violation instead of
	// stripping the undeclared fields and continuing.
	StrictContracts bool

	// TurnBudget is the wall-clock budget for a whole turn. 0 disables
	// the budget. On expiry the in-flight node is treated as Fatal and
	// the remaining graph is aborted.
	TurnBudget time.Duration
}

// DefaultConfig returns production defaults: lenient contracts, 60s turn
// budget.
func DefaultConfig() Config {
	return Config{
		StrictContracts: false,
		TurnBudget:      60 * time.Second,
	}
}

// Result is the outcome of one turn's graph execution.
type Result struct {
	RunID         string
	Success       bool
	NodesExecuted int
	SkippedNodes  []string
	FailedNode    string
	Err           error
	Violations    []*ContractViolationError
	Duration      time.Duration
	NodeDurations map[string]time.Duration
}

// Executor runs a Graph against a turn's state store.
//
// Description:
//
//	Walks the graph in dependency order, running independent ready nodes
//	in parallel. Before each invocation the state is projected down to
//	the node's declared inputs; afterwards the update is validated
//	against the declared outputs and merged via the reducer registry.
//	Guards (conditional edges) are evaluated between node completions.
//
// Thread Safety:
//
//	Executor is safe for concurrent use; each Run carries its own
//	bookkeeping.
type Executor struct {
	graph  *Graph
	config Config
	logger *slog.Logger

	metricsOnce     sync.Once
	nodeLatency     metric.Float64Histogram
	nodeSuccesses   metric.Int64Counter
	nodeFailures    metric.Int64Counter
	pipelineLatency metric.Float64Histogram
}

// NewExecutor creates an executor for the given graph.
func NewExecutor(graph *Graph, config Config, logger *slog.Logger) (*Executor, error) {
	if graph == nil {
		return nil, ErrInvalidInput
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{graph: graph, config: config, logger: logger}, nil
}

// initMetrics lazily initializes metrics; failures degrade observability
// but never execution.
func (e *Executor) initMetrics() {
	e.metricsOnce.Do(func() {
		var initErrors []string

		var err error
		e.nodeLatency, err = meter.Float64Histogram("pipeline_node_duration_seconds",
			metric.WithDescription("Time spent executing each pipeline node"),
			metric.WithUnit("s"),
		)
		if err != nil {
			initErrors = append(initErrors, "node_latency: "+err.Error())
		}
		e.nodeSuccesses, err = meter.Int64Counter("pipeline_node_success_total",
			metric.WithDescription("Number of successful node executions"),
		)
		if err != nil {
			initErrors = append(initErrors, "node_successes: "+err.Error())
		}
		e.nodeFailures, err = meter.Int64Counter("pipeline_node_failure_total",
			metric.WithDescription("Number of failed node executions"),
		)
		if err != nil {
			initErrors = append(initErrors, "node_failures: "+err.Error())
		}
		e.pipelineLatency, err = meter.Float64Histogram("pipeline_turn_duration_seconds",
			metric.WithDescription("Total turn execution time"),
			metric.WithUnit("s"),
		)
		if err != nil {
			initErrors = append(initErrors, "pipeline_latency: "+err.Error())
		}

		if len(initErrors) > 0 {
			e.logger.Error("failed to initialize some pipeline metrics (observability degraded)",
				slog.Int("failed_count", len(initErrors)),
				slog.Any("errors", initErrors),
			)
		}
	})
}

// runState tracks per-run bookkeeping across parallel node executions.
type runState struct {
	mu         sync.Mutex
	settled    map[string]bool // completed or skipped
	skipped    map[string]bool
	executed   int
	violations []*ContractViolationError
	durations  map[string]time.Duration
	failedNode string
	failedErr  error
}

func newRunState() *runState {
	return &runState{
		settled:   make(map[string]bool),
		skipped:   make(map[string]bool),
		durations: make(map[string]time.Duration),
	}
}

func (rs *runState) isSettled(name string) bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.settled[name]
}

func (rs *runState) markExecuted(name string, d time.Duration, violation *ContractViolationError) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.settled[name] = true
	rs.executed++
	rs.durations[name] = d
	if violation != nil {
		rs.violations = append(rs.violations, violation)
	}
}

func (rs *runState) markSkipped(name string) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.settled[name] = true
	rs.skipped[name] = true
}

func (rs *runState) markFailed(name string, err error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.failedErr == nil {
		rs.failedNode = name
		rs.failedErr = err
	}
}

func (rs *runState) failed() bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.failedErr != nil
}

// Run executes the graph for one turn.
//
// Description:
//
//	The state store must already be seeded with the turn identity
//	fields. On fatal failure partial state remains in st and the Result
//	carries the failing node and the last attempt's error. Run itself
//	returns an error only on invalid arguments; execution failures are
//	reported through the Result so the caller can still read partial
//	state.
func (e *Executor) Run(ctx context.Context, st *state.Store) (*Result, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	if st == nil {
		return nil, ErrInvalidInput
	}

	e.initMetrics()

	if e.config.TurnBudget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.config.TurnBudget)
		defer cancel()
	}

	runID := uuid.NewString()[:12]

	ctx, span := tracer.Start(ctx, "pipeline.Turn",
		trace.WithAttributes(
			attribute.String("pipeline.name", e.graph.Name()),
			attribute.String("pipeline.run_id", runID),
			attribute.Int("pipeline.node_count", e.graph.NodeCount()),
		),
	)
	defer span.End()

	start := time.Now()
	rs := newRunState()

	e.logger.Info("turn started",
		slog.String("pipeline", e.graph.Name()),
		slog.String("run_id", runID),
		slog.Int("nodes", e.graph.NodeCount()),
	)

	for !e.allSettled(rs) && !rs.failed() {
		select {
		case <-ctx.Done():
			err := fmt.Errorf("%w: %v", ErrTurnBudgetExceeded, ctx.Err())
			rs.markFailed("", err)
			span.RecordError(err)
			span.SetStatus(codes.Error, "turn budget exceeded")
			return e.buildResult(runID, rs, start), nil
		default:
		}

		ready := e.findReadyNodes(rs)
		if len(ready) == 0 {
			rs.markFailed("", ErrNoProgress)
			span.RecordError(ErrNoProgress)
			span.SetStatus(codes.Error, ErrNoProgress.Error())
			return e.buildResult(runID, rs, start), nil
		}

		// Evaluate guards (conditional edges) against current state.
		snapshot := st.Snapshot()
		runnable := make([]Node, 0, len(ready))
		for _, node := range ready {
			if guard := e.graph.GuardFor(node.Name()); guard != nil && !guard(snapshot) {
				rs.markSkipped(node.Name())
				e.logger.Debug("node skipped by guard",
					slog.String("node", node.Name()),
					slog.String("run_id", runID),
				)
				continue
			}
			runnable = append(runnable, node)
		}
		if len(runnable) == 0 {
			continue
		}

		g, gctx := errgroup.WithContext(ctx)
		for _, node := range runnable {
			g.Go(func() error {
				return e.executeNode(gctx, node, st, rs, runID)
			})
		}
		if err := g.Wait(); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			break
		}
	}

	duration := time.Since(start)
	if e.pipelineLatency != nil {
		e.pipelineLatency.Record(ctx, duration.Seconds(),
			metric.WithAttributes(attribute.String("pipeline", e.graph.Name())),
		)
	}

	result := e.buildResult(runID, rs, start)
	if result.Success {
		span.SetStatus(codes.Ok, "")
		e.logger.Info("turn completed",
			slog.String("run_id", runID),
			slog.Duration("duration", duration),
			slog.Int("nodes_executed", result.NodesExecuted),
			slog.Int("nodes_skipped", len(result.SkippedNodes)),
		)
	} else {
		span.SetStatus(codes.Error, result.Err.Error())
		e.logger.Error("turn failed",
			slog.String("run_id", runID),
			slog.String("failed_node", result.FailedNode),
			slog.String("error", result.Err.Error()),
		)
	}
	return result, nil
}

// allSettled reports whether every node has completed or been skipped.
func (e *Executor) allSettled(rs *runState) bool {
	for _, name := range e.graph.NodeNames() {
		if !rs.isSettled(name) {
			return false
		}
	}
	return true
}

// findReadyNodes returns unsettled nodes whose dependencies have all
// settled.
func (e *Executor) findReadyNodes(rs *runState) []Node {
	var ready []Node
	for _, name := range e.graph.NodeNames() {
		if rs.isSettled(name) {
			continue
		}
		node, _ := e.graph.GetNode(name)
		depsSettled := true
		for _, dep := range node.Dependencies() {
			if !rs.isSettled(dep) {
				depsSettled = false
				break
			}
		}
		if depsSettled {
			ready = append(ready, node)
		}
	}
	return ready
}

// executeNode runs one node: project inputs, execute with bounded
// retries, validate outputs, merge.
//
// A returned error aborts the remaining graph (fatal path); recoverable
// failures return nil after marking the node settled with an empty
// update.
func (e *Executor) executeNode(
	ctx context.Context,
	node Node,
	st *state.Store,
	rs *runState,
	runID string,
) error {
	ctx, span := tracer.Start(ctx, node.Name(),
		trace.WithAttributes(
			attribute.String("pipeline.node", node.Name()),
			attribute.String("pipeline.run_id", runID),
			attribute.String("pipeline.failure_mode", node.FailureMode().String()),
		),
	)
	defer span.End()

	start := time.Now()

	// Contract-filtered view of state. A missing required input is fatal
	// to the node and aborts the graph gracefully with partial results.
	inputs, missErr := projectInputs(node.Name(), node.Contract(), st)
	if missErr != nil {
		span.RecordError(missErr)
		span.SetStatus(codes.Error, missErr.Error())
		rs.markFailed(node.Name(), missErr)
		e.logger.Error("node missing required inputs",
			slog.String("node", node.Name()),
			slog.Any("fields", missErr.Fields),
		)
		return missErr
	}

	update, attempts, execErr := e.executeWithRetry(ctx, node, inputs)
	duration := time.Since(start)

	if e.nodeLatency != nil {
		e.nodeLatency.Record(ctx, duration.Seconds(),
			metric.WithAttributes(attribute.String("node", node.Name())),
		)
	}

	if execErr != nil {
		if e.nodeFailures != nil {
			e.nodeFailures.Add(ctx, 1,
				metric.WithAttributes(
					attribute.String("node", node.Name()),
					attribute.String("mode", node.FailureMode().String()),
				),
			)
		}
		span.RecordError(execErr)
		span.SetStatus(codes.Error, execErr.Error())

		// Turn-budget expiry overrides the node's declared failure mode.
		budgetExpired := ctx.Err() != nil && errors.Is(ctx.Err(), context.DeadlineExceeded)

		if node.FailureMode() == Fatal || budgetExpired {
			wrapped := NewNodeError(node.Name(), attempts, execErr)
			rs.markFailed(node.Name(), wrapped)
			e.logger.Error("node failed fatally",
				slog.String("node", node.Name()),
				slog.Int("attempts", attempts),
				slog.Duration("duration", duration),
				slog.String("error", execErr.Error()),
			)
			return wrapped
		}

		// Recoverable: empty update, continue the graph.
		rs.markExecuted(node.Name(), duration, nil)
		e.logger.Warn("node failed, continuing with empty update",
			slog.String("node", node.Name()),
			slog.Int("attempts", attempts),
			slog.String("error", execErr.Error()),
		)
		return nil
	}

	// Validate the update against the declared outputs.
	clean, violation := validateOutputs(node.Name(), node.Contract(), update, st.Snapshot(), e.logger)
	if violation != nil && e.config.StrictContracts {
		rs.markFailed(node.Name(), violation)
		span.RecordError(violation)
		span.SetStatus(codes.Error, violation.Error())
		return violation
	}

	if err := st.Apply(clean); err != nil {
		wrapped := NewNodeError(node.Name(), attempts, err)
		rs.markFailed(node.Name(), wrapped)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return wrapped
	}

	if e.nodeSuccesses != nil {
		e.nodeSuccesses.Add(ctx, 1,
			metric.WithAttributes(attribute.String("node", node.Name())),
		)
	}
	span.SetStatus(codes.Ok, "")

	rs.markExecuted(node.Name(), duration, violation)
	e.logger.Debug("node completed",
		slog.String("node", node.Name()),
		slog.Duration("duration", duration),
		slog.Int("output_fields", len(clean)),
	)
	return nil
}

// executeWithRetry runs a node up to MaxAttempts times. The error of the
// LAST attempt is reported on exhaustion, never the first.
func (e *Executor) executeWithRetry(
	ctx context.Context,
	node Node,
	inputs map[string]any,
) (state.Update, int, error) {
	maxAttempts := node.MaxAttempts()
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if ctx.Err() != nil {
			if lastErr == nil {
				lastErr = ctx.Err()
			}
			return nil, attempt - 1, lastErr
		}

		attemptCtx, cancel := context.WithTimeout(ctx, node.Timeout())
		update, err := node.Execute(attemptCtx, inputs)
		timedOut := attemptCtx.Err() == context.DeadlineExceeded
		cancel()

		if err == nil {
			return update, attempt, nil
		}
		if timedOut {
			err = fmt.Errorf("%w: %s", ErrNodeTimeout, node.Name())
		}
		lastErr = err

		if attempt < maxAttempts {
			e.logger.Warn("node attempt failed, retrying",
				slog.String("node", node.Name()),
				slog.Int("attempt", attempt),
				slog.Int("max_attempts", maxAttempts),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil, maxAttempts, lastErr
}

// buildResult assembles the Result from run bookkeeping.
func (e *Executor) buildResult(runID string, rs *runState, start time.Time) *Result {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	skipped := make([]string, 0, len(rs.skipped))
	for _, name := range e.graph.NodeNames() {
		if rs.skipped[name] {
			skipped = append(skipped, name)
		}
	}

	return &Result{
		RunID:         runID,
		Success:       rs.failedErr == nil,
		NodesExecuted: rs.executed,
		SkippedNodes:  skipped,
		FailedNode:    rs.failedNode,
		Err:           rs.failedErr,
		Violations:    rs.violations,
		Duration:      time.Since(start),
		NodeDurations: rs.durations,
	}
}
