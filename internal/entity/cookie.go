package entity

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Cookie is a single observed cookie, enriched in place by C7 and C9.
type Cookie struct {
	Name     string `json:"name"`
	Domain   string `json:"domain"`
	Path     string `json:"path"`
	Value    string `json:"value"`
	HTTPOnly bool   `json:"httpOnly"`
	Secure   bool   `json:"secure"`
	SameSite string `json:"sameSite"`

	// Expires is the expiry time in epoch seconds.  Absent (zero Has) means
	// the cookie is a session cookie as far as this engine is concerned.
	Expires OptionalEpoch `json:"expires,omitzero"`

	// --- fields attached by analysis ---

	Persistent         bool     `json:"persistent,omitempty"`
	DaysUntilExpiry     *float64 `json:"days_until_expiry,omitempty"`
	IsFirstParty        bool     `json:"is_first_party,omitempty"`
	IsPotentialIdentifier bool   `json:"is_potential_identifier,omitempty"`
	SharedWith          []string `json:"shared_with,omitempty"`
	SharedWithThirdParties bool  `json:"shared_with_third_parties,omitempty"`
	ThirdPartyDomains   []string `json:"third_party_domains,omitempty"`
	Classification      *CookieClassification `json:"classification,omitempty"`
}

// CookieClassification is the per-cookie output of the cookie classifier
// (C9), sourced from the cookie knowledge base (C5).
type CookieClassification struct {
	Category    string `json:"category"`
	Script      string `json:"script"`
	ScriptURL   string `json:"script_url"`
	Description string `json:"description"`
	MatchType   string `json:"match_type"`
}

// OptionalEpoch is an epoch-seconds timestamp that may be entirely absent
// from the source JSON, distinct from a present-but-zero value.
type OptionalEpoch struct {
	Seconds int64
	Has     bool
}

// IsZero reports whether the value should be omitted from JSON output.
func (e OptionalEpoch) IsZero() bool { return !e.Has }

// MarshalJSON implements json.Marshaler.
func (e OptionalEpoch) MarshalJSON() ([]byte, error) {
	if !e.Has {
		return []byte("null"), nil
	}

	return json.Marshal(e.Seconds)
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *OptionalEpoch) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		*e = OptionalEpoch{}

		return nil
	}

	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return fmt.Errorf("parsing cookie expires: %w", err)
	}

	*e = OptionalEpoch{Seconds: int64(f), Has: true}

	return nil
}

// Cookies is the tagged-variant normalization of the source data's
// dynamically-typed cookie field: either a per-visit mapping, or — for
// older capture files — a flat list treated as a single synthetic visit.
// The loader normalizes every record to ByVisit form; downstream code only
// ever sees a map.
type Cookies struct {
	byVisit map[VisitID][]*Cookie
}

// flatVisitID is the synthetic visit label used when normalizing a flat
// cookie list that carries no visit structure.
const flatVisitID VisitID = "0"

// NewCookiesByVisit builds a Cookies value already in by-visit form.
func NewCookiesByVisit(m map[VisitID][]*Cookie) Cookies {
	return Cookies{byVisit: m}
}

// NewCookiesFlat normalizes a flat cookie list into by-visit form under a
// single synthetic visit ID.
func NewCookiesFlat(cookies []*Cookie) Cookies {
	return Cookies{byVisit: map[VisitID][]*Cookie{flatVisitID: cookies}}
}

// ByVisit returns the normalized per-visit mapping.
func (c Cookies) ByVisit() map[VisitID][]*Cookie {
	if c.byVisit == nil {
		return map[VisitID][]*Cookie{}
	}

	return c.byVisit
}

// All returns every cookie across every visit.
func (c Cookies) All() []*Cookie {
	var out []*Cookie
	for _, cookies := range c.byVisit {
		out = append(out, cookies...)
	}

	return out
}

// MarshalJSON implements json.Marshaler, always emitting by-visit form.
func (c Cookies) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.ByVisit())
}

// UnmarshalJSON implements json.Unmarshaler, accepting either a by-visit
// object or a flat array and normalizing to by-visit form.
func (c *Cookies) UnmarshalJSON(b []byte) error {
	trimmed := bytes.TrimSpace(b)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*c = Cookies{}

		return nil
	}

	if trimmed[0] == '[' {
		var flat []*Cookie
		if err := json.Unmarshal(b, &flat); err != nil {
			return fmt.Errorf("parsing flat cookies: %w", err)
		}

		*c = NewCookiesFlat(flat)

		return nil
	}

	var byVisit map[VisitID][]*Cookie
	if err := json.Unmarshal(b, &byVisit); err != nil {
		return fmt.Errorf("parsing by-visit cookies: %w", err)
	}

	*c = NewCookiesByVisit(byVisit)

	return nil
}

// CookieAnalysis is the per-site aggregate produced by C7 (persistence,
// sharing, identifier gate) seeded by C9's classification pass.
type CookieAnalysis struct {
	UniqueCookies       int            `json:"unique_cookies"`
	OverlappingCookies  int            `json:"overlapping_cookies"`
	IdentifiedCookies   int            `json:"identified_cookies"`
	UnidentifiedCookies int            `json:"unidentified_cookies"`
	FirstPartyCookies   int            `json:"first_party_cookies"`
	ThirdPartyCookies   int            `json:"third_party_cookies"`
	Categories          map[string]int `json:"categories"`
	Scripts             map[string]int `json:"scripts"`
	Note                string         `json:"note"`
	AnalyzedAt          string         `json:"analyzed_at"`

	ValueConsistency *ValueConsistency `json:"value_consistency,omitempty"`
	Identifiers      *IdentifierStats  `json:"identifiers,omitempty"`
	Sharing          *SharingStats     `json:"sharing,omitempty"`
}

// ValueConsistency summarizes cross-visit value stability, per §4.7.
type ValueConsistency struct {
	CookiesInMultipleVisits int     `json:"cookies_in_multiple_visits"`
	IdenticalValueCount     int     `json:"identical_value_count"`
	ChangingValueCount      int     `json:"changing_value_count"`
	IdenticalPercentage     float64 `json:"identical_percentage"`
}

// IdentifierStats summarizes the identifier gate (§4.7), including
// diagnostic failure counts per criterion.
type IdentifierStats struct {
	PotentialIdentifierNames []string       `json:"potential_identifier_names"`
	FailedChecks             map[string]int `json:"failed_checks"`
}

// SharingStats summarizes third-party sharing evidence (§4.7).
type SharingStats struct {
	SharedCookieCount   int `json:"shared_cookie_count"`
	SharedIdentifierCount int `json:"shared_identifier_count"`
}
