package okta

import (
	"encoding/json"
	"fmt"
)

// Okta wraps list responses inconsistently depending on endpoint vintage.
// These are the wrapper keys observed in the management API, checked in order.
var listWrapperKeys = []string{"value", "results", "items", "data"}

// resource identifier fields that mark a bare object as a single resource
// rather than pagination metadata.
var resourceIDKeys = []string{"id", "uuid"}

// normalizeItems unwraps an Okta response body into a flat item list.
//
// Accepted shapes: a bare array; an object with one of the known list
// wrappers; an object with an _embedded collection; a single resource
// object (promoted to a one-element list); an object carrying only
// pagination metadata (normalized to an empty list).
func normalizeItems(body []byte) ([]map[string]any, error) {
	if len(body) == 0 {
		return nil, nil
	}

	var asList []map[string]any
	if err := json.Unmarshal(body, &asList); err == nil {
		return asList, nil
	}

	var asObject map[string]any
	if err := json.Unmarshal(body, &asObject); err != nil {
		return nil, fmt.Errorf("unexpected okta response shape: %w", err)
	}
	if asObject == nil {
		return nil, nil
	}

	for _, key := range listWrapperKeys {
		if wrapped, ok := asObject[key]; ok {
			if items, ok := toItemList(wrapped); ok {
				return items, nil
			}
		}
	}

	if embedded, ok := asObject["_embedded"].(map[string]any); ok {
		for _, v := range embedded {
			if items, ok := toItemList(v); ok {
				return items, nil
			}
		}
	}

	for _, key := range resourceIDKeys {
		if _, ok := asObject[key]; ok {
			return []map[string]any{asObject}, nil
		}
	}

	// Pagination metadata only.
	return nil, nil
}

func toItemList(v any) ([]map[string]any, bool) {
	raw, ok := v.([]any)
	if !ok {
		return nil, false
	}
	items := make([]map[string]any, 0, len(raw))
	for _, el := range raw {
		if m, ok := el.(map[string]any); ok {
			items = append(items, m)
		}
	}
	return items, true
}
