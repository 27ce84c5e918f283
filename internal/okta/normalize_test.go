package okta

import "testing"

func TestNormalizeItems(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		body    string
		want    int
		firstID string
	}{
		{"bare array", `[{"id":"a"},{"id":"b"}]`, 2, "a"},
		{"value wrapper", `{"value":[{"id":"a"}]}`, 1, "a"},
		{"results wrapper", `{"results":[{"id":"x"},{"id":"y"},{"id":"z"}]}`, 3, "x"},
		{"items wrapper", `{"items":[{"id":"a"}]}`, 1, "a"},
		{"data wrapper", `{"data":[{"id":"a"}]}`, 1, "a"},
		{"embedded collection", `{"_embedded":{"devices":[{"id":"d1"}]}}`, 1, "d1"},
		{"single resource", `{"id":"solo","profile":{"name":"x"}}`, 1, "solo"},
		{"single resource by uuid", `{"uuid":"u-1","displayName":"d"}`, 1, ""},
		{"pagination metadata only", `{"after":"cursor123","count":0}`, 0, ""},
		{"empty array", `[]`, 0, ""},
		{"empty body", ``, 0, ""},
		{"null", `null`, 0, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			items, err := normalizeItems([]byte(tc.body))
			if err != nil {
				t.Fatalf("normalizeItems: %v", err)
			}
			if len(items) != tc.want {
				t.Fatalf("got %d items, want %d", len(items), tc.want)
			}
			if tc.firstID != "" {
				if got, _ := items[0]["id"].(string); got != tc.firstID {
					t.Fatalf("first id = %q, want %q", got, tc.firstID)
				}
			}
		})
	}
}

func TestNormalizeItemsRejectsScalars(t *testing.T) {
	t.Parallel()

	if _, err := normalizeItems([]byte(`"just a string"`)); err == nil {
		t.Fatal("expected an error for a scalar response")
	}
	if _, err := normalizeItems([]byte(`not json`)); err == nil {
		t.Fatal("expected an error for a non-JSON response")
	}
}
