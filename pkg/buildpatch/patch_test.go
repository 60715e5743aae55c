package buildpatch

import (
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/aluedeke/go-targetsign/pkg/correlate"
	"github.com/containerd/errdefs"
)

func readBuildJS(t *testing.T) string {
	t.Helper()
	data, err := os.ReadFile("testdata/build.js")
	if err != nil {
		t.Fatalf("Failed to read fixture: %v", err)
	}
	return string(data)
}

func twoEntries() correlate.Mapping {
	return correlate.Mapping{Entries: []correlate.Entry{
		{BundleID: "com.app.widget", CredentialID: "UUID-1"},
		{BundleID: "com.app.share", CredentialID: "UUID-2"},
	}}
}

func TestPatchTwoEntries(t *testing.T) {
	source := readBuildJS(t)

	patched, applied, err := Patcher{}.Patch(source, twoEntries())
	if err != nil {
		t.Fatalf("Patch failed: %v", err)
	}
	if !applied {
		t.Fatal("Expected patch to be applied")
	}

	want := strings.Join([]string{
		`        const originalProvisioningProfile = buildOpts.provisioningProfile;`,
		`        if (originalProvisioningProfile) buildOpts.provisioningProfile = {`,
		`            "com.app.widget": "UUID-1",`,
		`            "com.app.share": "UUID-2"`,
		`        };`,
		`        if (buildOpts.provisioningProfile && bundleIdentifier) {`,
		`            if (typeof buildOpts.provisioningProfile === 'string') {`,
	}, "\n")
	if !strings.Contains(patched, want) {
		t.Errorf("Patched source does not contain expected block.\nwant:\n%s\n\ngot:\n%s", want, patched)
	}

	if strings.Count(patched, DefaultAnchor) != 1 {
		t.Errorf("Expected the guard exactly once, found %d", strings.Count(patched, DefaultAnchor))
	}

	// everything outside the inserted block is untouched
	idx := strings.Index(source, DefaultAnchor)
	if !strings.HasPrefix(patched, source[:idx]) {
		t.Error("Text before the anchor changed")
	}
	if !strings.HasSuffix(patched, source[idx:]) {
		t.Error("Text from the anchor onward changed")
	}
}

func TestPatchIsIdempotent(t *testing.T) {
	m := twoEntries()
	once, applied, err := Patcher{}.Patch(readBuildJS(t), m)
	if err != nil || !applied {
		t.Fatalf("First patch: applied=%v err=%v", applied, err)
	}

	twice, applied, err := Patcher{}.Patch(once, m)
	if err != nil {
		t.Fatalf("Second patch failed: %v", err)
	}
	if applied {
		t.Error("Second patch must report applied=false")
	}
	if twice != once {
		t.Error("Second patch must leave the text unchanged")
	}
}

func TestPatchAnchorMissing(t *testing.T) {
	source := strings.Replace(readBuildJS(t), DefaultAnchor, "if (buildOpts.provisioningProfile) {", 1)

	patched, applied, err := Patcher{}.Patch(source, twoEntries())
	var anchorErr *AnchorNotFoundError
	if !errors.As(err, &anchorErr) {
		t.Fatalf("Expected AnchorNotFoundError, got %v", err)
	}
	if anchorErr.Anchor != DefaultAnchor {
		t.Errorf("Error names anchor %q", anchorErr.Anchor)
	}
	if !errdefs.IsNotFound(err) {
		t.Error("AnchorNotFoundError should classify as not found")
	}
	if applied {
		t.Error("applied must be false")
	}
	if patched != source {
		t.Error("Source must be returned unmodified")
	}
}

func TestPatchEmptyMapping(t *testing.T) {
	source := readBuildJS(t)
	patched, applied, err := Patcher{}.Patch(source, correlate.Mapping{})
	if err == nil {
		t.Fatal("Expected error for empty mapping")
	}
	if applied || patched != source {
		t.Error("Empty mapping must not modify the source")
	}
}

func TestPatchEscapesValues(t *testing.T) {
	m := correlate.Mapping{Entries: []correlate.Entry{{BundleID: `com.app."quoted"`, CredentialID: `back\slash`}}}
	patched, _, err := Patcher{}.Patch(DefaultAnchor+"\n}\n", m)
	if err != nil {
		t.Fatalf("Patch failed: %v", err)
	}
	if !strings.Contains(patched, `"com.app.\"quoted\"": "back\\slash"`) {
		t.Errorf("Values not escaped:\n%s", patched)
	}
	if !strings.HasPrefix(patched, "const originalProvisioningProfile") {
		t.Errorf("Unindented anchor should produce an unindented block:\n%s", patched)
	}
}

func TestPatchCustomAnchor(t *testing.T) {
	p := Patcher{Anchor: "if (opts.profile) {"}
	patched, applied, err := p.Patch("\tif (opts.profile) {\n\t}\n", correlate.Mapping{Entries: []correlate.Entry{{BundleID: "a", CredentialID: "b"}}})
	if err != nil || !applied {
		t.Fatalf("applied=%v err=%v", applied, err)
	}
	if !strings.Contains(patched, "\t};\n\tif (opts.profile) {") {
		t.Errorf("Custom anchor not preserved with its indentation:\n%s", patched)
	}
}

func TestInspect(t *testing.T) {
	source := readBuildJS(t)
	m := twoEntries()
	patched, _, err := Patcher{}.Patch(source, m)
	if err != nil {
		t.Fatal(err)
	}

	other := correlate.Mapping{Entries: []correlate.Entry{{BundleID: "com.app.widget", CredentialID: "UUID-9"}}}
	reordered := correlate.Mapping{Entries: []correlate.Entry{m.Entries[1], m.Entries[0]}}

	tests := []struct {
		name   string
		source string
		m      correlate.Mapping
		want   State
	}{
		{"unpatched", source, m, Unpatched},
		{"patched", patched, m, Patched},
		{"different mapping", patched, other, PatchedStale},
		{"different order", patched, reordered, PatchedStale},
		{"anchor missing", "module.exports = {};\n", m, AnchorMissing},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := (Patcher{}).Inspect(tt.source, tt.m); got != tt.want {
				t.Errorf("Inspect() = %v, want %v", got, tt.want)
			}
		})
	}
}
