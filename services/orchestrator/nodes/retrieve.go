// Copyright (C) 2025 The support-rag authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package nodes

import (
	"context"
	"time"

	"github.com/letya999/support-rag/services/orchestrator/pipeline"
	"github.com/letya999/support-rag/services/orchestrator/retrieval"
	"github.com/letya999/support-rag/services/orchestrator/state"
)

const retrieveTopK = 5

// Retrieve fetches knowledge-base documents for the question. Failures
// are recoverable: generation then runs without grounding and reports a
// low confidence, which the dialog machine turns into clarification or
// escalation.
func Retrieve(searcher retrieval.Searcher) pipeline.Node {
	contract := pipeline.Contract{
		Required: []string{state.FieldQuestion},
		Optional: []string{state.FieldLanguage},
		Outputs: []string{
			state.FieldRetrievedDocs,
			state.FieldRetrievalScores,
			state.FieldClarifiedDocIDs,
		},
	}
	return pipeline.NewFuncNode(NodeRetrieve,
		[]string{NodeCacheLookup, NodeSafetyCheck, NodeLanguageDetect}, contract,
		func(ctx context.Context, in map[string]any) (state.Update, error) {
			if searcher == nil {
				return state.Update{state.FieldRetrievedDocs: []retrieval.Document{}}, nil
			}
			question, _ := in[state.FieldQuestion].(string)

			docs, err := searcher.Search(ctx, question, nil, retrieveTopK)
			if err != nil {
				return nil, err
			}

			scores := make([]float64, 0, len(docs))
			ids := make([]string, 0, len(docs))
			for _, d := range docs {
				scores = append(scores, d.Score)
				if d.ID != "" {
					ids = append(ids, d.ID)
				}
			}

			upd := state.Update{state.FieldRetrievedDocs: docs}
			if len(scores) > 0 {
				upd[state.FieldRetrievalScores] = scores
			}
			if len(ids) > 0 {
				upd[state.FieldClarifiedDocIDs] = ids
			}
			return upd, nil
		},
	).WithFailureMode(pipeline.Recoverable).WithMaxAttempts(2).WithTimeout(10 * time.Second)
}
