// Package buildpatch teaches cordova-ios to sign more than one target.
//
// cordova-ios resolves signing from a single buildOpts.provisioningProfile
// string keyed by the app's bundle identifier. The patch replaces that value
// with a {bundleIdentifier: profileUUID} literal just before the tool's own
// guard, which already knows how to pass an object through to
// exportOptions.provisioningProfiles.
//
// The patch is a literal text splice around an anchor line, not a syntax
// aware rewrite. If a cordova-ios release reformats the anchor, patching
// reports AnchorNotFoundError and the build falls back to single-target
// signing.
package buildpatch

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aluedeke/go-targetsign/pkg/correlate"
	"github.com/containerd/errdefs"
)

const (
	// DefaultAnchor is the guard in cordova-ios lib/build.js that decides
	// whether a provisioning profile is exported.
	DefaultAnchor = "if (buildOpts.provisioningProfile && bundleIdentifier) {"

	// DefaultMarker only exists in patched sources.
	DefaultMarker = "buildOpts.provisioningProfile = {"

	indentUnit = "    "
)

// State describes a source relative to a mapping.
type State int

const (
	Unpatched State = iota
	Patched
	// PatchedStale means the source was patched for a different mapping.
	PatchedStale
	AnchorMissing
)

func (s State) String() string {
	switch s {
	case Unpatched:
		return "unpatched"
	case Patched:
		return "patched"
	case PatchedStale:
		return "patched-stale"
	case AnchorMissing:
		return "anchor-missing"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// AnchorNotFoundError reports a source that lacks the anchor, typically
// because the build tool was upgraded. It is recoverable: the caller may carry
// on with single-target signing.
type AnchorNotFoundError struct {
	Anchor string
	Path   string
}

func (e *AnchorNotFoundError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("patch anchor not found: %q", e.Anchor)
	}
	return fmt.Sprintf("patch anchor not found in %s: %q", e.Path, e.Anchor)
}

func (e *AnchorNotFoundError) Unwrap() error {
	return errdefs.ErrNotFound
}

// StalePatchError reports a source already patched for a different mapping.
// The inserted block cannot be rewritten in place; the build tool has to be
// reinstalled before it can be patched again.
type StalePatchError struct {
	Path string
}

func (e *StalePatchError) Error() string {
	return fmt.Sprintf("%s is patched for a different profile mapping; reinstall cordova-ios to re-patch", e.Path)
}

func (e *StalePatchError) Unwrap() error {
	return errdefs.ErrConflict
}

// Patcher rewrites build tool sources. The zero value uses DefaultAnchor and
// DefaultMarker.
type Patcher struct {
	Anchor string
	Marker string
}

func (p Patcher) anchor() string {
	if p.Anchor != "" {
		return p.Anchor
	}
	return DefaultAnchor
}

func (p Patcher) marker() string {
	if p.Marker != "" {
		return p.Marker
	}
	return DefaultMarker
}

// Inspect reports the state of source with respect to m.
func (p Patcher) Inspect(source string, m correlate.Mapping) State {
	if idx := strings.Index(source, p.marker()); idx >= 0 {
		if sameEntries(source[idx+len(p.marker()):], m) {
			return Patched
		}
		return PatchedStale
	}
	if !strings.Contains(source, p.anchor()) {
		return AnchorMissing
	}
	return Unpatched
}

// Patch splices the mapping into source in front of the first anchor. It
// returns the source unchanged with applied=false when the marker is already
// present, and unchanged with an AnchorNotFoundError when the anchor is
// missing.
func (p Patcher) Patch(source string, m correlate.Mapping) (string, bool, error) {
	if m.Len() == 0 {
		return source, false, fmt.Errorf("cannot patch with an empty profile mapping")
	}
	if strings.Contains(source, p.marker()) {
		return source, false, nil
	}

	anchor := p.anchor()
	idx := strings.Index(source, anchor)
	if idx < 0 {
		return source, false, &AnchorNotFoundError{Anchor: anchor}
	}

	lineStart := strings.LastIndex(source[:idx], "\n") + 1
	indent := source[lineStart:idx]
	if strings.TrimSpace(indent) != "" {
		// anchor shares its line with other code; keep the block flush
		indent = ""
	}

	var b strings.Builder
	b.WriteString(source[:idx])
	b.WriteString(p.render(m, indent))
	b.WriteString(source[idx:])
	return b.String(), true, nil
}

// render returns the block inserted before the anchor. The first line is
// not indented because the anchor's own indentation precedes it.
func (p Patcher) render(m correlate.Mapping, indent string) string {
	var b strings.Builder
	b.WriteString("const originalProvisioningProfile = buildOpts.provisioningProfile;\n")
	b.WriteString(indent + "if (originalProvisioningProfile) " + p.marker() + "\n")
	b.WriteString(renderEntries(m, indent+indentUnit))
	b.WriteString(indent + "};\n")
	b.WriteString(indent)
	return b.String()
}

func renderEntries(m correlate.Mapping, indent string) string {
	var b strings.Builder
	for i, e := range m.Entries {
		b.WriteString(indent)
		b.WriteString(jsString(e.BundleID))
		b.WriteString(": ")
		b.WriteString(jsString(e.CredentialID))
		if i < len(m.Entries)-1 {
			b.WriteString(",")
		}
		b.WriteString("\n")
	}
	return b.String()
}

// sameEntries compares the literal body following the marker with the
// entries m would render, ignoring indentation.
func sameEntries(body string, m correlate.Mapping) bool {
	end := strings.Index(body, "};")
	if end < 0 {
		return false
	}
	var got []string
	for _, line := range strings.Split(body[:end], "\n") {
		if line = strings.TrimSpace(line); line != "" {
			got = append(got, line)
		}
	}
	want := strings.Split(strings.TrimSuffix(renderEntries(m, ""), "\n"), "\n")
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

// jsString quotes s as a JSON string, which is also a valid JavaScript
// string literal.
func jsString(s string) string {
	out, err := json.Marshal(s)
	if err != nil {
		// strings always marshal
		panic(err)
	}
	return string(out)
}
