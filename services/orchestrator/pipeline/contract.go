// Copyright (C) 2025 The support-rag authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import (
	"log/slog"
	"sort"

	"github.com/letya999/support-rag/services/orchestrator/state"
)

// Condition gates a conditional output field. It is evaluated against the
// pre-merge state snapshot; the field is allowed in the node's update
// only when the condition holds.
type Condition func(snapshot map[string]any) bool

// Contract declares what a node reads and writes.
//
// Description:
//
//	The executor projects the full state down to exactly the declared
//	inputs before invocation and strips anything outside the declared
//	outputs afterwards. Nodes therefore cannot observe or pollute state
//	they did not declare.
type Contract struct {
	// Required inputs. Missing at node entry => MissingInputError.
	Required []string

	// Optional inputs. Omitted from the projection when absent.
	Optional []string

	// Outputs the node may always emit.
	Outputs []string

	// Conditional outputs, allowed only when their condition holds.
	Conditional map[string]Condition
}

// InputFields returns required+optional field names.
func (c Contract) InputFields() []string {
	fields := make([]string, 0, len(c.Required)+len(c.Optional))
	fields = append(fields, c.Required...)
	fields = append(fields, c.Optional...)
	return fields
}

// declaresOutput reports whether a field is a declared (unconditional)
// output.
func (c Contract) declaresOutput(field string) bool {
	for _, f := range c.Outputs {
		if f == field {
			return true
		}
	}
	return false
}

// projectInputs builds the contract-filtered input view for a node.
//
// Outputs:
//
//	map[string]any - Values for declared fields that are present.
//	*MissingInputError - Non-nil if any required field is absent.
func projectInputs(nodeName string, c Contract, st *state.Store) (map[string]any, *MissingInputError) {
	values, present := st.Project(c.InputFields())

	var missing []string
	for _, f := range c.Required {
		if !present[f] {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, &MissingInputError{NodeName: nodeName, Fields: missing}
	}
	return values, nil
}

// validateOutputs checks a node's update against its contract.
//
// Description:
//
//	Fields outside the declared output set, and conditional fields whose
//	condition does not hold, are removed from the update. The returned
//	violation (if any) lists everything that was stripped; in lenient
//	mode the caller logs it, in strict mode the caller fails the node.
func validateOutputs(
	nodeName string,
	c Contract,
	update state.Update,
	snapshot map[string]any,
	logger *slog.Logger,
) (state.Update, *ContractViolationError) {
	if len(update) == 0 {
		return update, nil
	}

	clean := make(state.Update, len(update))
	var stripped []string

	for field, value := range update {
		if c.declaresOutput(field) {
			clean[field] = value
			continue
		}
		if cond, ok := c.Conditional[field]; ok {
			if cond == nil || cond(snapshot) {
				clean[field] = value
				continue
			}
			// Declared but condition not met: the node emitted a field it
			// promised only under a condition that does not hold.
			stripped = append(stripped, field)
			continue
		}
		stripped = append(stripped, field)
	}

	if len(stripped) == 0 {
		return clean, nil
	}

	sort.Strings(stripped)
	violation := &ContractViolationError{NodeName: nodeName, Fields: stripped}
	logger.Warn("contract violation: stripping undeclared output fields",
		slog.String("node", nodeName),
		slog.Any("fields", stripped),
	)
	return clean, violation
}
