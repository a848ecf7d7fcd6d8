// Copyright (C) 2025 The support-rag authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package pipeline implements the contract-enforced node executor that
// drives a support turn through its processing graph.
//
// A turn's nodes run in dependency order. Each node sees only the state
// fields its contract declares and may only write the fields it
// declares; the executor merges validated updates into the shared turn
// state through the reducer registry.
package pipeline

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/letya999/support-rag/services/orchestrator/state"
)

// DefaultNodeTimeout is the timeout for nodes that don't specify one.
const DefaultNodeTimeout = 30 * time.Second

// FailureMode classifies how the executor reacts when a node fails.
type FailureMode int

const (
	// Recoverable failures are logged; the node contributes an empty
	// update and the graph continues.
	Recoverable FailureMode = iota

	// Fatal failures abort the remaining graph. The turn is marked
	// failed and partial state is returned to the caller.
	Fatal
)

func (m FailureMode) String() string {
	if m == Fatal {
		return "fatal"
	}
	return "recoverable"
}

// Node is a single contract-bound processing unit.
//
// Thread Safety:
//
//	Implementations must be safe for concurrent use; the same Node value
//	serves every in-flight turn.
type Node interface {
	// Name returns the node's unique identifier.
	Name() string

	// Dependencies returns the names of nodes that must settle first.
	Dependencies() []string

	// Contract declares the node's inputs and outputs.
	Contract() Contract

	// FailureMode classifies failures of this node.
	FailureMode() FailureMode

	// MaxAttempts bounds executor-level retries. Values < 1 mean 1.
	// Retrying is the executor's job; nodes must never retry themselves
	// or each other.
	MaxAttempts() int

	// Timeout is the per-attempt execution budget. 0 means
	// DefaultNodeTimeout.
	Timeout() time.Duration

	// Execute runs the node against its contract-filtered inputs and
	// returns a partial state update.
	Execute(ctx context.Context, inputs map[string]any) (state.Update, error)
}

// BaseNode provides the common parts of Node. Embed it and override
// Execute.
type BaseNode struct {
	NodeName         string
	NodeDependencies []string
	NodeContract     Contract
	NodeFailureMode  FailureMode
	NodeMaxAttempts  int
	NodeTimeout      time.Duration
}

// Name returns the node's unique identifier.
func (n *BaseNode) Name() string {
	return n.NodeName
}

// Dependencies returns the names of nodes that must settle first.
func (n *BaseNode) Dependencies() []string {
	if n.NodeDependencies == nil {
		return []string{}
	}
	return n.NodeDependencies
}

// Contract declares the node's inputs and outputs.
func (n *BaseNode) Contract() Contract {
	return n.NodeContract
}

// FailureMode classifies failures of this node.
func (n *BaseNode) FailureMode() FailureMode {
	return n.NodeFailureMode
}

// MaxAttempts bounds executor-level retries.
func (n *BaseNode) MaxAttempts() int {
	if n.NodeMaxAttempts < 1 {
		return 1
	}
	return n.NodeMaxAttempts
}

// Timeout is the per-attempt execution budget.
func (n *BaseNode) Timeout() time.Duration {
	if n.NodeTimeout == 0 {
		return DefaultNodeTimeout
	}
	return n.NodeTimeout
}

// Execute returns an error if called directly.
func (n *BaseNode) Execute(_ context.Context, _ map[string]any) (state.Update, error) {
	return nil, fmt.Errorf("%w: BaseNode.Execute must be overridden", ErrInvalidInput)
}

// FuncNode wraps a function as a Node for simple cases and tests.
type FuncNode struct {
	BaseNode
	fn func(context.Context, map[string]any) (state.Update, error)
}

// NewFuncNode creates a node from a function.
func NewFuncNode(
	name string,
	deps []string,
	contract Contract,
	fn func(context.Context, map[string]any) (state.Update, error),
) *FuncNode {
	return &FuncNode{
		BaseNode: BaseNode{
			NodeName:         name,
			NodeDependencies: deps,
			NodeContract:     contract,
		},
		fn: fn,
	}
}

// Execute runs the wrapped function.
func (n *FuncNode) Execute(ctx context.Context, inputs map[string]any) (state.Update, error) {
	if n.fn == nil {
		return nil, ErrInvalidInput
	}
	return n.fn(ctx, inputs)
}

// WithFailureMode sets the failure classification.
func (n *FuncNode) WithFailureMode(m FailureMode) *FuncNode {
	n.NodeFailureMode = m
	return n
}

// WithMaxAttempts sets the retry bound.
func (n *FuncNode) WithMaxAttempts(attempts int) *FuncNode {
	n.NodeMaxAttempts = attempts
	return n
}

// WithTimeout sets the per-attempt timeout.
func (n *FuncNode) WithTimeout(d time.Duration) *FuncNode {
	n.NodeTimeout = d
	return n
}

// Guard is a boolean predicate over current state, evaluated between
// node completions. A false guard skips the node (its dependents still
// run, treating it as settled).
type Guard func(snapshot map[string]any) bool

// Graph is a validated, immutable node graph.
type Graph struct {
	name   string
	nodes  map[string]Node
	guards map[string]Guard
	order  []string // node names, sorted for deterministic iteration
}

// Name returns the graph name used in logs and metrics.
func (g *Graph) Name() string {
	return g.name
}

// NodeCount returns the number of nodes.
func (g *Graph) NodeCount() int {
	return len(g.nodes)
}

// NodeNames returns the node names in deterministic order.
func (g *Graph) NodeNames() []string {
	return g.order
}

// GetNode returns the named node.
func (g *Graph) GetNode(name string) (Node, bool) {
	n, ok := g.nodes[name]
	return n, ok
}

// GuardFor returns the node's guard, or nil if unconditional.
func (g *Graph) GuardFor(name string) Guard {
	return g.guards[name]
}

// Builder constructs a Graph with validation.
//
// Thread Safety:
//
//	Builder is NOT safe for concurrent use. Build the graph in a single
//	goroutine at startup.
type Builder struct {
	name   string
	nodes  map[string]Node
	guards map[string]Guard
	errors []error
}

// NewBuilder creates a graph builder.
func NewBuilder(name string) *Builder {
	return &Builder{
		name:   name,
		nodes:  make(map[string]Node),
		guards: make(map[string]Guard),
	}
}

// AddNode adds a node to the graph. Duplicate names are recorded as
// build errors.
func (b *Builder) AddNode(node Node) *Builder {
	if node == nil {
		b.errors = append(b.errors, ErrNilNode)
		return b
	}
	name := node.Name()
	if _, exists := b.nodes[name]; exists {
		b.errors = append(b.errors, NewNodeError(name, 1, ErrDuplicateNode))
		return b
	}
	b.nodes[name] = node
	return b
}

// AddGuard attaches a conditional-edge predicate to a node. The node is
// skipped whenever the guard evaluates false once its dependencies have
// settled.
func (b *Builder) AddGuard(nodeName string, guard Guard) *Builder {
	b.guards[nodeName] = guard
	return b
}

// Build validates dependencies, guards and acyclicity.
func (b *Builder) Build() (*Graph, error) {
	if len(b.errors) > 0 {
		return nil, b.errors[0]
	}
	if len(b.nodes) == 0 {
		return nil, ErrInvalidInput
	}

	adj := make(map[string][]string, len(b.nodes))
	for name, node := range b.nodes {
		for _, dep := range node.Dependencies() {
			if _, exists := b.nodes[dep]; !exists {
				return nil, NewNodeError(name, 1, fmt.Errorf("%w: dependency %q", ErrNodeNotFound, dep))
			}
		}
		adj[name] = node.Dependencies()
	}
	for name := range b.guards {
		if _, exists := b.nodes[name]; !exists {
			return nil, NewNodeError(name, 1, fmt.Errorf("%w: guard target", ErrNodeNotFound))
		}
	}

	if err := detectCycles(adj); err != nil {
		return nil, err
	}

	order := make([]string, 0, len(b.nodes))
	for name := range b.nodes {
		order = append(order, name)
	}
	sort.Strings(order)

	return &Graph{
		name:   b.name,
		nodes:  b.nodes,
		guards: b.guards,
		order:  order,
	}, nil
}

// detectCycles runs DFS over the dependency adjacency list.
func detectCycles(adj map[string][]string) error {
	visited := make(map[string]bool)
	recStack := make(map[string]bool)
	var path []string

	var dfs func(node string) error
	dfs = func(node string) error {
		visited[node] = true
		recStack[node] = true
		path = append(path, node)

		for _, dep := range adj[node] {
			if !visited[dep] {
				if err := dfs(dep); err != nil {
					return err
				}
			} else if recStack[dep] {
				cycleStart := 0
				for i, n := range path {
					if n == dep {
						cycleStart = i
						break
					}
				}
				return NewCycleError(append(path[cycleStart:], dep))
			}
		}

		path = path[:len(path)-1]
		recStack[node] = false
		return nil
	}

	names := make([]string, 0, len(adj))
	for name := range adj {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if !visited[name] {
			if err := dfs(name); err != nil {
				return err
			}
		}
	}
	return nil
}
