package fetch

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/oktamirror/oktamirror/internal/okta"
)

const usersLabel = "users"

const statusDeprovisioned = "DEPROVISIONED"

// activeFamilyStatuses are the user statuses Okta serves by default; the
// explicit list is needed once the filter also asks for DEPROVISIONED.
var activeFamilyStatuses = []string{
	"ACTIVE", "PROVISIONED", "STAGED", "RECOVERY", "PASSWORD_EXPIRED", "LOCKED_OUT",
}

// Users streams all users, one page per batch. Each user's group, app-link,
// and factor relationships are fetched concurrently and merged before the
// batch is handed to the processor, so every user arrives as a coherent
// bundle. DEPROVISIONED users skip relationship fan-out entirely.
func (f *Fetcher) Users(ctx context.Context, since *time.Time, process func([]UserRecord) error) (int, error) {
	q := url.Values{}
	q.Set("limit", "200")
	if filter := f.buildUserFilter(since); filter != "" {
		q.Set("filter", filter)
	}

	count := 0
	_, err := f.client.RequestPages(ctx, "/api/v1/users", http.MethodGet, q, nil, 0, usersLabel,
		func(items []map[string]any) error {
			batch := make([]UserRecord, 0, len(items))
			for _, item := range items {
				batch = append(batch, f.mapUser(item))
			}

			softErrs, err := forEachIndexed(ctx, len(batch), f.client.MaxConcurrentUsers(), isFatal,
				func(ctx context.Context, i int) error {
					return f.fanOutUser(ctx, &batch[i])
				})
			if softErrs > 0 {
				f.client.IncrementEntityErrors(usersLabel, softErrs)
			}
			if err != nil {
				return err
			}

			count += len(batch)
			return process(batch)
		})
	return count, err
}

// buildUserFilter assembles the Okta filter expression for the configured
// sync regime. An empty return means the endpoint's default status filter
// applies unchanged.
func (f *Fetcher) buildUserFilter(since *time.Time) string {
	if !f.opts.SyncDeprovisionedUsers {
		if since == nil {
			return ""
		}
		return fmt.Sprintf(`lastUpdated gt "%s"`, filterTime(*since))
	}

	statusTerms := make([]string, 0, len(activeFamilyStatuses))
	for _, st := range activeFamilyStatuses {
		statusTerms = append(statusTerms, fmt.Sprintf(`status eq "%s"`, st))
	}
	active := strings.Join(statusTerms, " or ")
	if since != nil {
		active = fmt.Sprintf(`(%s) and lastUpdated gt "%s"`, active, filterTime(*since))
	}

	depr := fmt.Sprintf(`status eq "%s"`, statusDeprovisioned)
	if f.opts.DeprovisionedCreatedAfter != nil {
		depr += fmt.Sprintf(` and created gt "%s"`, filterTime(*f.opts.DeprovisionedCreatedAfter))
	}
	if f.opts.DeprovisionedUpdatedAfter != nil {
		depr += fmt.Sprintf(` and lastUpdated gt "%s"`, filterTime(*f.opts.DeprovisionedUpdatedAfter))
	}

	return fmt.Sprintf("(%s) or (%s)", active, depr)
}

func (f *Fetcher) mapUser(item map[string]any) UserRecord {
	profile := subMap(item, "profile")
	u := UserRecord{
		OktaID:          str(item, "id"),
		Status:          str(item, "status"),
		Login:           str(profile, "login"),
		Email:           str(profile, "email"),
		SecondEmail:     str(profile, "secondEmail"),
		FirstName:       str(profile, "firstName"),
		LastName:        str(profile, "lastName"),
		DisplayName:     str(profile, "displayName"),
		Title:           str(profile, "title"),
		Department:      str(profile, "department"),
		EmployeeNumber:  str(profile, "employeeNumber"),
		MobilePhone:     str(profile, "mobilePhone"),
		UserType:        str(profile, "userType"),
		ManagerLogin:    str(profile, "manager"),
		Created:         timeField(item, "created"),
		Activated:       timeField(item, "activated"),
		StatusChanged:   timeField(item, "statusChanged"),
		LastLogin:       timeField(item, "lastLogin"),
		LastUpdated:     timeField(item, "lastUpdated"),
		PasswordChanged: timeField(item, "passwordChanged"),
	}
	if len(f.opts.CustomAttributes) > 0 {
		u.CustomAttributes = extractCustomAttributes(profile, f.opts.CustomAttributes)
	}
	return u
}

// extractCustomAttributes pulls the configured profile fields, keeping only
// non-blank values.
func extractCustomAttributes(profile map[string]any, names []string) map[string]string {
	out := make(map[string]string, len(names))
	for _, name := range names {
		if v := strings.TrimSpace(str(profile, name)); v != "" {
			out[name] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// fanOutUser fills in a user's relationships with three concurrent calls.
// A 404 on any leg means the user was deprovisioned mid-sync; the leg is
// logged at debug and left empty.
func (f *Fetcher) fanOutUser(ctx context.Context, u *UserRecord) error {
	if u.Status == statusDeprovisioned {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		links, err := f.userAppLinks(gctx, u.OktaID)
		if err != nil {
			return err
		}
		u.AppLinks = links
		return nil
	})
	g.Go(func() error {
		groups, err := f.userGroups(gctx, u.OktaID)
		if err != nil {
			return err
		}
		u.GroupIDs = groups
		return nil
	})
	g.Go(func() error {
		factors, err := f.userFactors(gctx, u.OktaID)
		if err != nil {
			return err
		}
		u.Factors = factors
		return nil
	})
	return g.Wait()
}

func (f *Fetcher) userAppLinks(ctx context.Context, userID string) ([]UserAppLink, error) {
	res, err := f.client.Request(ctx, "/api/v1/users/"+userID+"/appLinks", http.MethodGet, nil, nil, 0, usersLabel)
	if err != nil {
		if okta.IsNotFound(err) {
			slog.Debug("user appLinks not found", "user_id", userID)
			return nil, nil
		}
		return nil, err
	}
	out := make([]UserAppLink, 0, len(res.Items))
	for _, item := range res.Items {
		out = append(out, UserAppLink{
			AppID:            str(item, "appInstanceId"),
			Label:            str(item, "label"),
			Scope:            str(item, "scope"),
			Hidden:           boolVal(item, "hidden"),
			CredentialsSetup: boolVal(item, "credentialsSetup"),
			SortOrder:        intVal(item, "sortOrder"),
		})
	}
	return out, nil
}

func (f *Fetcher) userGroups(ctx context.Context, userID string) ([]string, error) {
	res, err := f.client.Request(ctx, "/api/v1/users/"+userID+"/groups", http.MethodGet, nil, nil, 0, usersLabel)
	if err != nil {
		if okta.IsNotFound(err) {
			slog.Debug("user groups not found", "user_id", userID)
			return nil, nil
		}
		return nil, err
	}
	out := make([]string, 0, len(res.Items))
	for _, item := range res.Items {
		if id := str(item, "id"); id != "" {
			out = append(out, id)
		}
	}
	return out, nil
}

func (f *Fetcher) userFactors(ctx context.Context, userID string) ([]FactorRecord, error) {
	res, err := f.client.Request(ctx, "/api/v1/users/"+userID+"/factors", http.MethodGet, nil, nil, 0, usersLabel)
	if err != nil {
		if okta.IsNotFound(err) {
			slog.Debug("user factors not found", "user_id", userID)
			return nil, nil
		}
		return nil, err
	}
	out := make([]FactorRecord, 0, len(res.Items))
	for _, item := range res.Items {
		out = append(out, FactorRecord{
			OktaID:      str(item, "id"),
			FactorType:  str(item, "factorType"),
			Provider:    str(item, "provider"),
			Status:      str(item, "status"),
			Created:     timeField(item, "created"),
			LastUpdated: timeField(item, "lastUpdated"),
		})
	}
	return out, nil
}
