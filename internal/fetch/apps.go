package fetch

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
)

const appsLabel = "applications"

// Applications streams all applications, one page per batch, with each
// app's group assignments attached via a bounded per-app fan-out.
func (f *Fetcher) Applications(ctx context.Context, process func([]AppRecord) error) (int, error) {
	q := url.Values{}
	q.Set("limit", "100")

	count := 0
	_, err := f.client.RequestPages(ctx, "/api/v1/apps", http.MethodGet, q, nil, 0, appsLabel,
		func(items []map[string]any) error {
			batch := make([]AppRecord, 0, len(items))
			for _, item := range items {
				batch = append(batch, mapApp(item))
			}

			softErrs, err := forEachIndexed(ctx, len(batch), f.client.MaxConcurrentApps(), isFatal,
				func(ctx context.Context, i int) error {
					groups, err := f.appGroups(ctx, batch[i].OktaID)
					if err != nil {
						slog.Warn("app group fan-out failed",
							"app_id", batch[i].OktaID, "error", err)
						return err
					}
					batch[i].Groups = groups
					return nil
				})
			if softErrs > 0 {
				f.client.IncrementEntityErrors(appsLabel, softErrs)
			}
			if err != nil {
				return err
			}

			count += len(batch)
			return process(batch)
		})
	return count, err
}

func (f *Fetcher) appGroups(ctx context.Context, appID string) ([]AppGroupAssignment, error) {
	res, err := f.client.Request(ctx, "/api/v1/apps/"+appID+"/groups", http.MethodGet, nil, nil, 0, appsLabel)
	if err != nil {
		return nil, err
	}
	out := make([]AppGroupAssignment, 0, len(res.Items))
	for _, item := range res.Items {
		out = append(out, AppGroupAssignment{
			GroupID:    str(item, "id"),
			Priority:   intVal(item, "priority"),
			AssignedAt: timeField(item, "lastUpdated"),
		})
	}
	return out, nil
}

func mapApp(item map[string]any) AppRecord {
	app := AppRecord{
		OktaID:         str(item, "id"),
		Name:           str(item, "name"),
		Label:          str(item, "label"),
		Status:         str(item, "status"),
		SignOnMode:     str(item, "signOnMode"),
		Features:       strList(item, "features"),
		Created:        timeField(item, "created"),
		LastUpdated:    timeField(item, "lastUpdated"),
		SAMLAttributes: samlAttributeStatements(item),
	}
	links := subMap(item, "_links")
	if policy := subMap(links, "accessPolicy"); policy != nil {
		app.AccessPolicyID = lastPathSegment(str(policy, "href"))
	}
	return app
}

// samlAttributeStatements preserves the statement order Okta returns;
// position is the index within the app's settings.
func samlAttributeStatements(item map[string]any) []SAMLAttributeStatement {
	settings := subMap(item, "settings")
	signOn := subMap(settings, "signOn")
	raw := subList(signOn, "attributeStatements")
	if len(raw) == 0 {
		return nil
	}
	out := make([]SAMLAttributeStatement, 0, len(raw))
	for i, st := range raw {
		out = append(out, SAMLAttributeStatement{
			Position:  i,
			Name:      str(st, "name"),
			Type:      str(st, "type"),
			Namespace: str(st, "namespace"),
			Values:    strList(st, "values"),
		})
	}
	return out
}
