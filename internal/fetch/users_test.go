package fetch

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestBuildUserFilter(t *testing.T) {
	t.Parallel()

	since := time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC)
	created := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)

	t.Run("default regime without since", func(t *testing.T) {
		t.Parallel()
		f := New(nil, Options{})
		if got := f.buildUserFilter(nil); got != "" {
			t.Fatalf("filter = %q, want empty", got)
		}
	})

	t.Run("default regime with since", func(t *testing.T) {
		t.Parallel()
		f := New(nil, Options{})
		want := `lastUpdated gt "2023-06-01T00:00:00.000Z"`
		if got := f.buildUserFilter(&since); got != want {
			t.Fatalf("filter = %q, want %q", got, want)
		}
	})

	t.Run("deprovisioned regime", func(t *testing.T) {
		t.Parallel()
		f := New(nil, Options{
			SyncDeprovisionedUsers:    true,
			DeprovisionedCreatedAfter: &created,
		})
		got := f.buildUserFilter(&since)
		for _, fragment := range []string{
			`status eq "ACTIVE"`,
			`status eq "LOCKED_OUT"`,
			`and lastUpdated gt "2023-06-01T00:00:00.000Z"`,
			`or (status eq "DEPROVISIONED" and created gt "2023-01-01T00:00:00.000Z")`,
		} {
			if !strings.Contains(got, fragment) {
				t.Errorf("filter %q missing %q", got, fragment)
			}
		}
	})
}

func userListBody(users ...string) string {
	return "[" + strings.Join(users, ",") + "]"
}

func TestUsersFanOutMergesRelationships(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/users", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, userListBody(
			`{"id":"u1","status":"ACTIVE","profile":{"login":"u1@acme.com","email":"u1@acme.com","firstName":"Ada","manager":"boss@acme.com","SLT_DEPT":"ENG"}}`,
			`{"id":"u2","status":"DEPROVISIONED","profile":{"login":"u2@acme.com"}}`,
		))
	})
	mux.HandleFunc("/api/v1/users/u1/appLinks", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"appInstanceId":"a2","label":"Wiki","hidden":false,"credentialsSetup":true,"sortOrder":1}]`)
	})
	mux.HandleFunc("/api/v1/users/u1/groups", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"id":"g1","profile":{"name":"Engineering"}}]`)
	})
	mux.HandleFunc("/api/v1/users/u1/factors", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"id":"f1","factorType":"push","provider":"OKTA","status":"ACTIVE"}]`)
	})
	mux.HandleFunc("/api/v1/users/u2/", func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("deprovisioned user must not fan out, got %s", r.URL.Path)
	})

	f, _ := newTestFetcher(t, mux, Options{CustomAttributes: []string{"SLT_DEPT", "COST_CENTER"}})

	var users []UserRecord
	count, err := f.Users(context.Background(), nil, func(batch []UserRecord) error {
		users = append(users, batch...)
		return nil
	})
	if err != nil {
		t.Fatalf("Users: %v", err)
	}
	if count != 2 || len(users) != 2 {
		t.Fatalf("count=%d users=%d, want 2 and 2", count, len(users))
	}

	u1 := users[0]
	if u1.OktaID != "u1" {
		u1 = users[1]
	}
	if len(u1.GroupIDs) != 1 || u1.GroupIDs[0] != "g1" {
		t.Errorf("u1 groups = %v", u1.GroupIDs)
	}
	if len(u1.AppLinks) != 1 || u1.AppLinks[0].AppID != "a2" || !u1.AppLinks[0].CredentialsSetup {
		t.Errorf("u1 appLinks = %+v", u1.AppLinks)
	}
	if len(u1.Factors) != 1 || u1.Factors[0].FactorType != "push" {
		t.Errorf("u1 factors = %+v", u1.Factors)
	}
	if u1.ManagerLogin != "boss@acme.com" {
		t.Errorf("manager login = %q", u1.ManagerLogin)
	}
	if got := u1.CustomAttributes["SLT_DEPT"]; got != "ENG" {
		t.Errorf("SLT_DEPT = %q, want ENG", got)
	}
	if _, ok := u1.CustomAttributes["COST_CENTER"]; ok {
		t.Error("blank custom attribute must be dropped")
	}

	u2 := users[0]
	if u2.OktaID != "u2" {
		u2 = users[1]
	}
	if len(u2.GroupIDs)+len(u2.AppLinks)+len(u2.Factors) != 0 {
		t.Errorf("deprovisioned user carries relationships: %+v", u2)
	}
}

func TestUsersFanOut404IsSoft(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/users", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"id":"u1","status":"ACTIVE","profile":{"login":"u1@acme.com"}}]`)
	})
	mux.HandleFunc("/api/v1/users/u1/appLinks", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"errorCode":"E0000007","errorSummary":"Not found"}`)
	})
	mux.HandleFunc("/api/v1/users/u1/groups", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"id":"g1"}]`)
	})
	mux.HandleFunc("/api/v1/users/u1/factors", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[]`)
	})

	f, _ := newTestFetcher(t, mux, Options{})
	var users []UserRecord
	_, err := f.Users(context.Background(), nil, func(batch []UserRecord) error {
		users = append(users, batch...)
		return nil
	})
	if err != nil {
		t.Fatalf("Users: %v", err)
	}
	if len(users) != 1 {
		t.Fatalf("users = %d, want the user written without appLinks", len(users))
	}
	if len(users[0].AppLinks) != 0 || len(users[0].GroupIDs) != 1 {
		t.Fatalf("got appLinks=%v groups=%v", users[0].AppLinks, users[0].GroupIDs)
	}
}
