// Copyright (C) 2025 The support-rag authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package retrieval

import (
	"testing"

	"github.com/weaviate/weaviate/entities/models"
)

func TestParseSearchResults(t *testing.T) {
	data := map[string]models.JSONObject{
		"Get": map[string]interface{}{
			"SupportDocument": []interface{}{
				map[string]interface{}{
					"doc_id":  "kb-1",
					"content": "Reset your password from the account page.",
					"source":  "kb/passwords.md",
					"_additional": map[string]interface{}{
						"certainty": 0.93,
					},
				},
				map[string]interface{}{
					// Missing content, should be skipped.
					"doc_id": "kb-2",
				},
				map[string]interface{}{
					"doc_id":  "kb-3",
					"content": "Billing addresses are editable under settings.",
				},
			},
		},
	}

	docs := parseSearchResults(data, "SupportDocument")
	if len(docs) != 2 {
		t.Fatalf("parsed %d docs, want 2", len(docs))
	}
	if docs[0].ID != "kb-1" || docs[0].Score != 0.93 || docs[0].Source != "kb/passwords.md" {
		t.Fatalf("unexpected first doc: %+v", docs[0])
	}
	if docs[1].ID != "kb-3" || docs[1].Score != 0 {
		t.Fatalf("unexpected second doc: %+v", docs[1])
	}
}

func TestParseSearchResultsMalformed(t *testing.T) {
	if docs := parseSearchResults(map[string]models.JSONObject{}, "SupportDocument"); docs != nil {
		t.Fatalf("expected nil for missing Get block, got %+v", docs)
	}
	data := map[string]models.JSONObject{
		"Get": map[string]interface{}{"OtherClass": []interface{}{}},
	}
	if docs := parseSearchResults(data, "SupportDocument"); docs != nil {
		t.Fatalf("expected nil for missing class, got %+v", docs)
	}
}

func TestBuildWhere(t *testing.T) {
	if buildWhere(nil) != nil {
		t.Fatal("expected nil for empty filters")
	}
	if buildWhere(map[string]string{"category": "billing"}) == nil {
		t.Fatal("expected single-operand filter")
	}
	if buildWhere(map[string]string{"category": "billing", "lang": "en"}) == nil {
		t.Fatal("expected combined filter")
	}
}
