package fetch

import (
	"strconv"
	"strings"
	"time"
)

// GroupRecord is a normalized Okta group.
type GroupRecord struct {
	OktaID                string
	Name                  string
	Description           string
	Type                  string
	SourceType            string
	Created               *time.Time
	LastUpdated           *time.Time
	LastMembershipUpdated *time.Time
}

// SAMLAttributeStatement is one attribute statement of a SAML app, with its
// position in the app's ordered statement list.
type SAMLAttributeStatement struct {
	Position  int
	Name      string
	Type      string
	Namespace string
	Values    []string
}

// AppGroupAssignment links an application to a group assigned to it.
type AppGroupAssignment struct {
	GroupID    string
	Priority   int
	AssignedAt *time.Time
}

// AppRecord is a normalized Okta application plus its group assignments.
type AppRecord struct {
	OktaID         string
	Name           string
	Label          string
	Status         string
	SignOnMode     string
	AccessPolicyID string
	Features       []string
	SAMLAttributes []SAMLAttributeStatement
	Created        *time.Time
	LastUpdated    *time.Time

	Groups []AppGroupAssignment
}

// UserAppLink is a user's direct application assignment.
type UserAppLink struct {
	AppID            string
	Label            string
	Scope            string
	Hidden           bool
	CredentialsSetup bool
	SortOrder        int
}

// FactorRecord is an MFA enrollment belonging to one user.
type FactorRecord struct {
	OktaID      string
	FactorType  string
	Provider    string
	Status      string
	Created     *time.Time
	LastUpdated *time.Time
}

// UserRecord is a normalized Okta user plus its fan-out relationships.
type UserRecord struct {
	OktaID          string
	Status          string
	Login           string
	Email           string
	SecondEmail     string
	FirstName       string
	LastName        string
	DisplayName     string
	Title           string
	Department      string
	EmployeeNumber  string
	MobilePhone     string
	UserType        string
	ManagerLogin    string
	Created         *time.Time
	Activated       *time.Time
	StatusChanged   *time.Time
	LastLogin       *time.Time
	LastUpdated     *time.Time
	PasswordChanged *time.Time

	// CustomAttributes holds the tenant-configured profile fields,
	// keyed by the raw (unsanitized) attribute name. Blank values
	// are never present.
	CustomAttributes map[string]string

	GroupIDs []string
	AppLinks []UserAppLink
	Factors  []FactorRecord
}

// PolicyRuleRecord is one rule inside a policy.
type PolicyRuleRecord struct {
	OktaID      string
	Name        string
	Type        string
	Status      string
	Priority    int
	System      bool
	Created     *time.Time
	LastUpdated *time.Time
}

// PolicyRecord is a normalized Okta policy plus its rules.
type PolicyRecord struct {
	OktaID      string
	Type        string
	Name        string
	Description string
	Status      string
	Priority    int
	System      bool
	Created     *time.Time
	LastUpdated *time.Time

	Rules []PolicyRuleRecord
}

// DeviceUserRef links a device to one of its enrolled users.
type DeviceUserRef struct {
	UserID           string
	ManagementStatus string
	ScreenLockType   string
	AssignedAt       *time.Time
}

// DeviceRecord is a normalized Okta device plus its user relationships.
type DeviceRecord struct {
	OktaID                string
	Status                string
	DisplayName           string
	Platform              string
	Manufacturer          string
	Model                 string
	OSVersion             string
	SerialNumber          string
	UDID                  string
	DiskEncryptionType    string
	SecureHardwarePresent bool
	Registered            *time.Time
	Created               *time.Time
	LastUpdated           *time.Time

	Users []DeviceUserRef
}

// Accessors for the loosely typed items the API client returns.

func str(item map[string]any, key string) string {
	v, ok := item[key]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return ""
	}
}

func boolVal(item map[string]any, key string) bool {
	b, _ := item[key].(bool)
	return b
}

func intVal(item map[string]any, key string) int {
	if f, ok := item[key].(float64); ok {
		return int(f)
	}
	return 0
}

func subMap(item map[string]any, key string) map[string]any {
	m, _ := item[key].(map[string]any)
	return m
}

func subList(item map[string]any, key string) []map[string]any {
	raw, _ := item[key].([]any)
	out := make([]map[string]any, 0, len(raw))
	for _, el := range raw {
		if m, ok := el.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

func strList(item map[string]any, key string) []string {
	raw, _ := item[key].([]any)
	out := make([]string, 0, len(raw))
	for _, el := range raw {
		if s, ok := el.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// lastPathSegment extracts the resource id from an Okta _links href.
func lastPathSegment(href string) string {
	href = strings.TrimRight(strings.TrimSpace(href), "/")
	if href == "" {
		return ""
	}
	if i := strings.LastIndexByte(href, '/'); i >= 0 {
		return href[i+1:]
	}
	return href
}
