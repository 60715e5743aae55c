package buildpatch

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/aluedeke/go-targetsign/pkg/correlate"
	"github.com/aluedeke/go-targetsign/pkg/fslock"
	"github.com/containerd/log"
	"github.com/moby/sys/atomicwriter"
)

// FileResult describes what PatchFile did.
type FileResult struct {
	Path string
	// State is the state of the file before patching.
	State   State
	Applied bool
}

// PatchFile patches the build tool source at path in place. The whole
// read-modify-write runs under an exclusive lock so concurrent builds cannot
// insert the block twice. A source patched for a different mapping is left
// alone and reported as a StalePatchError.
func (p Patcher) PatchFile(ctx context.Context, path string, m correlate.Mapping) (FileResult, error) {
	res := FileResult{Path: path}
	// checked before locking so a missing file leaves no lock file behind
	if _, err := os.Stat(path); err != nil {
		return res, err
	}

	err := fslock.WithFileLock(ctx, path, func() error {
		info, err := os.Stat(path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}

		source := string(data)
		res.State = p.Inspect(source, m)
		if res.State == PatchedStale {
			return &StalePatchError{Path: path}
		}

		patched, applied, err := p.Patch(source, m)
		if err != nil {
			var anchorErr *AnchorNotFoundError
			if errors.As(err, &anchorErr) {
				anchorErr.Path = path
			}
			return err
		}
		if !applied {
			return nil
		}

		if err := atomicwriter.WriteFile(path, []byte(patched), info.Mode().Perm()); err != nil {
			return fmt.Errorf("failed to write %s: %w", path, err)
		}
		res.Applied = true
		return nil
	})

	logger := log.G(ctx).WithFields(log.Fields{"path": path, "state": res.State})
	switch {
	case err != nil:
		logger.WithError(err).Debug("build tool not patched")
	case res.Applied:
		logger.WithField("entries", m.Len()).Info("patched build tool for multiple provisioning profiles")
	default:
		logger.Info("build tool already patched")
	}
	return res, err
}
