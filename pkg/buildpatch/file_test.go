package buildpatch

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aluedeke/go-targetsign/pkg/correlate"
	"github.com/containerd/errdefs"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

func TestPatchFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "build.js")
	assert.NilError(t, os.WriteFile(path, []byte(readBuildJS(t)), 0640))

	ctx := context.Background()
	res, err := Patcher{}.PatchFile(ctx, path, twoEntries())
	assert.NilError(t, err)
	assert.Check(t, res.Applied)
	assert.Check(t, is.Equal(res.State, Unpatched))

	info, err := os.Stat(path)
	assert.NilError(t, err)
	assert.Check(t, is.Equal(info.Mode().Perm(), os.FileMode(0640)))

	data, err := os.ReadFile(path)
	assert.NilError(t, err)
	assert.Check(t, is.Contains(string(data), `"com.app.share": "UUID-2"`))

	res, err = Patcher{}.PatchFile(ctx, path, twoEntries())
	assert.NilError(t, err)
	assert.Check(t, !res.Applied)
	assert.Check(t, is.Equal(res.State, Patched))

	again, err := os.ReadFile(path)
	assert.NilError(t, err)
	assert.Check(t, is.Equal(string(again), string(data)))
	assert.Check(t, is.Equal(strings.Count(string(again), DefaultMarker), 1))
}

func TestPatchFileAnchorMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "build.js")
	assert.NilError(t, os.WriteFile(path, []byte("module.exports = {};\n"), 0644))

	res, err := Patcher{}.PatchFile(context.Background(), path, twoEntries())
	var anchorErr *AnchorNotFoundError
	assert.Assert(t, errors.As(err, &anchorErr))
	assert.Check(t, is.Equal(anchorErr.Path, path))
	assert.Check(t, is.Equal(res.State, AnchorMissing))

	data, err := os.ReadFile(path)
	assert.NilError(t, err)
	assert.Check(t, is.Equal(string(data), "module.exports = {};\n"))
}

func TestPatchFileMissing(t *testing.T) {
	dir := t.TempDir()
	_, err := Patcher{}.PatchFile(context.Background(), filepath.Join(dir, "nope", "build.js"), twoEntries())
	assert.Check(t, errors.Is(err, fs.ErrNotExist))

	_, err = os.Stat(filepath.Join(dir, "nope"))
	assert.Check(t, os.IsNotExist(err), "no lock directory should be created for a missing file")
}

func TestPatchFileStaleMappingIsConflict(t *testing.T) {
	path := filepath.Join(t.TempDir(), "build.js")
	assert.NilError(t, os.WriteFile(path, []byte(readBuildJS(t)), 0644))

	ctx := context.Background()
	_, err := Patcher{}.PatchFile(ctx, path, twoEntries())
	assert.NilError(t, err)
	patched, err := os.ReadFile(path)
	assert.NilError(t, err)

	swapped := correlate.Mapping{Entries: []correlate.Entry{
		{BundleID: "com.app.widget", CredentialID: "UUID-2"},
		{BundleID: "com.app.share", CredentialID: "UUID-1"},
	}}
	res, err := Patcher{}.PatchFile(ctx, path, swapped)
	var staleErr *StalePatchError
	assert.Assert(t, errors.As(err, &staleErr))
	assert.Check(t, is.Equal(staleErr.Path, path))
	assert.Check(t, errdefs.IsConflict(err))
	assert.Check(t, is.Equal(res.State, PatchedStale))
	assert.Check(t, !res.Applied)

	again, err := os.ReadFile(path)
	assert.NilError(t, err)
	assert.Check(t, is.Equal(string(again), string(patched)))
}
