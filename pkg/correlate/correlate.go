// Package correlate binds decoded provisioning profiles to the bundle
// identifiers of the targets they sign.
package correlate

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/aluedeke/go-targetsign/pkg/profile"
	"github.com/containerd/errdefs"
)

// Validation rules reported by ValidationError.
const (
	RuleAssignmentsRequired  = "assignments-required"
	RuleBundleIDRequired     = "bundle-id-required"
	RuleBundleIDUnique       = "bundle-id-unique"
	RuleCredentialResolvable = "credential-resolvable"
	RuleCredentialCount      = "credential-count"
)

// ValidationError reports the first violated correlation rule.
type ValidationError struct {
	Rule  string
	Value string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("invalid profile mapping (%s): %s", e.Rule, e.Msg)
	}
	return fmt.Sprintf("invalid profile mapping (%s): %s: %q", e.Rule, e.Msg, e.Value)
}

func (e *ValidationError) Unwrap() error {
	return errdefs.ErrInvalidArgument
}

// Assignment asks for BundleID to be signed with the credential Ref names.
//
// Ref may be a profile UUID, a 1-based position ("2" or "#2"), or empty. An
// empty Ref resolves to the only credential, else to the one credential whose
// application identifier names BundleID, else to the credential at the same
// position as the assignment.
type Assignment struct {
	BundleID string
	Ref      string
}

// Entry is one bundle identifier to profile binding.
type Entry struct {
	BundleID     string
	CredentialID string
}

// Mapping is the ordered result of a correlation.
type Mapping struct {
	Entries []Entry

	creds map[string]*profile.Credential
}

// Len returns the number of entries.
func (m Mapping) Len() int {
	return len(m.Entries)
}

// Lookup returns the profile UUID bound to bundleID.
func (m Mapping) Lookup(bundleID string) (string, bool) {
	for _, e := range m.Entries {
		if e.BundleID == bundleID {
			return e.CredentialID, true
		}
	}
	return "", false
}

// Credential returns the credential bound to bundleID.
func (m Mapping) Credential(bundleID string) (*profile.Credential, bool) {
	id, ok := m.Lookup(bundleID)
	if !ok {
		return nil, false
	}
	c, ok := m.creds[id]
	return c, ok
}

// Warning is a non-fatal observation made during correlation.
type Warning struct {
	CredentialID string
	Msg          string
}

func (w Warning) String() string {
	return fmt.Sprintf("%s: %s", w.CredentialID, w.Msg)
}

// Correlator resolves assignments against decoded credentials.
type Correlator struct {
	// Strict refuses to fall back to the assignment position for an empty
	// Ref. Set it when the order of the credentials is not chosen by the
	// caller, e.g. when it follows file names in a directory.
	Strict bool
}

// Correlate resolves every assignment with the zero Correlator.
func Correlate(creds []*profile.Credential, assignments []Assignment) (Mapping, []Warning, error) {
	return Correlator{}.Correlate(creds, assignments)
}

// Correlate resolves every assignment to one of creds. Entries keep the order
// of assignments. Decoded credentials nobody references are returned as
// warnings.
func (c Correlator) Correlate(creds []*profile.Credential, assignments []Assignment) (Mapping, []Warning, error) {
	if len(assignments) == 0 {
		return Mapping{}, nil, &ValidationError{Rule: RuleAssignmentsRequired, Msg: "no bundle identifiers to correlate"}
	}

	byID := make(map[string]*profile.Credential, len(creds))
	for _, cred := range creds {
		byID[cred.UUID] = cred
	}

	mapping := Mapping{creds: byID}
	seen := make(map[string]bool, len(assignments))
	used := make(map[string]bool)

	for i, a := range assignments {
		bundleID := strings.TrimSpace(a.BundleID)
		if bundleID == "" {
			return Mapping{}, nil, &ValidationError{
				Rule: RuleBundleIDRequired,
				Msg:  fmt.Sprintf("assignment %d has an empty bundle identifier", i+1),
			}
		}
		if seen[bundleID] {
			return Mapping{}, nil, &ValidationError{Rule: RuleBundleIDUnique, Msg: "duplicate bundle identifier", Value: bundleID}
		}
		seen[bundleID] = true

		cred, err := c.resolve(creds, byID, bundleID, a.Ref, i)
		if err != nil {
			return Mapping{}, nil, err
		}
		used[cred.UUID] = true
		mapping.Entries = append(mapping.Entries, Entry{BundleID: bundleID, CredentialID: cred.UUID})
	}

	if len(used) > len(byID) {
		return Mapping{}, nil, &ValidationError{
			Rule: RuleCredentialCount,
			Msg:  fmt.Sprintf("%d distinct profiles referenced but only %d decoded", len(used), len(byID)),
		}
	}

	var warnings []Warning
	for _, cred := range creds {
		if !used[cred.UUID] {
			warnings = append(warnings, Warning{CredentialID: cred.UUID, Msg: "decoded profile is not assigned to any target"})
		}
	}

	return mapping, warnings, nil
}

func (c Correlator) resolve(creds []*profile.Credential, byID map[string]*profile.Credential, bundleID, ref string, position int) (*profile.Credential, error) {
	ref = strings.TrimSpace(ref)

	if ref == "" {
		if len(creds) == 1 {
			return creds[0], nil
		}
		matches := matchBundleID(creds, bundleID)
		if len(matches) == 1 {
			return matches[0], nil
		}
		if c.Strict {
			return nil, &ValidationError{
				Rule:  RuleCredentialResolvable,
				Msg:   fmt.Sprintf("%d profiles name this bundle identifier and %d are available; set an explicit profile", len(matches), len(creds)),
				Value: bundleID,
			}
		}
		if position < len(creds) {
			return creds[position], nil
		}
		return nil, &ValidationError{
			Rule: RuleCredentialResolvable,
			Msg:  fmt.Sprintf("no profile at position %d for unqualified assignment (%d decoded)", position+1, len(creds)),
		}
	}

	if cred, ok := byID[ref]; ok {
		return cred, nil
	}

	if n, err := strconv.Atoi(strings.TrimPrefix(ref, "#")); err == nil {
		if n >= 1 && n <= len(creds) {
			return creds[n-1], nil
		}
		return nil, &ValidationError{
			Rule:  RuleCredentialResolvable,
			Msg:   fmt.Sprintf("profile position out of range (%d decoded)", len(creds)),
			Value: ref,
		}
	}

	return nil, &ValidationError{Rule: RuleCredentialResolvable, Msg: "unknown profile", Value: ref}
}

// matchBundleID returns the credentials whose application identifier, minus
// the team prefix, is exactly bundleID. Wildcard profiles never match.
func matchBundleID(creds []*profile.Credential, bundleID string) []*profile.Credential {
	var out []*profile.Credential
	for _, cred := range creds {
		if cred.Profile == nil {
			continue
		}
		_, appID, ok := strings.Cut(cred.Profile.GetApplicationIdentifier(), ".")
		if ok && appID == bundleID {
			out = append(out, cred)
		}
	}
	return out
}
