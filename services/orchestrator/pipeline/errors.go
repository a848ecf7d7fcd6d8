// Copyright (C) 2025 The support-rag authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for pipeline construction and execution.
var (
	// ErrNilContext is returned when a nil context is passed.
	ErrNilContext = errors.New("context must not be nil")

	// ErrInvalidInput is returned for invalid constructor arguments.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNilNode is returned when a nil node is added to the builder.
	ErrNilNode = errors.New("node must not be nil")

	// ErrDuplicateNode is returned when two nodes share a name.
	ErrDuplicateNode = errors.New("duplicate node name")

	// ErrNodeNotFound is returned when an edge references an unknown node.
	ErrNodeNotFound = errors.New("node not found")

	// ErrNoProgress is returned when no node is ready but the graph is
	// incomplete. Indicates a wiring bug the cycle check did not cover
	// (e.g. a guard that can never fire).
	ErrNoProgress = errors.New("no nodes ready, graph cannot progress")

	// ErrNodeTimeout is returned when a node exceeds its timeout.
	ErrNodeTimeout = errors.New("node execution timed out")

	// ErrTurnBudgetExceeded is returned when the whole turn exceeds its
	// wall-clock budget.
	ErrTurnBudgetExceeded = errors.New("turn wall-clock budget exceeded")
)

// MissingInputError reports a required contract input absent at node
// entry. It is fatal to the node; the executor aborts the remaining
// graph gracefully and returns partial state.
type MissingInputError struct {
	NodeName string
	Fields   []string
}

func (e *MissingInputError) Error() string {
	return fmt.Sprintf("node %s: missing required inputs: %s",
		e.NodeName, strings.Join(e.Fields, ", "))
}

// ContractViolationError reports output fields a node emitted without
// declaring them. In the default (lenient) mode the fields are stripped
// and the violation logged; in strict mode the node fails with this
// error.
type ContractViolationError struct {
	NodeName string
	Fields   []string
}

func (e *ContractViolationError) Error() string {
	return fmt.Sprintf("node %s: undeclared output fields: %s",
		e.NodeName, strings.Join(e.Fields, ", "))
}

// NodeError wraps a node-level failure with the node's name.
type NodeError struct {
	NodeName string
	Attempts int
	Err      error
}

func (e *NodeError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("node %s failed after %d attempts: %v", e.NodeName, e.Attempts, e.Err)
	}
	return fmt.Sprintf("node %s: %v", e.NodeName, e.Err)
}

func (e *NodeError) Unwrap() error {
	return e.Err
}

// NewNodeError wraps err with node identity.
func NewNodeError(name string, attempts int, err error) *NodeError {
	return &NodeError{NodeName: name, Attempts: attempts, Err: err}
}

// CycleError reports a dependency cycle found at build time.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle: %s", strings.Join(e.Path, " -> "))
}

// NewCycleError constructs a CycleError for the given path.
func NewCycleError(path []string) *CycleError {
	return &CycleError{Path: path}
}
