// Package placement installs decoded provisioning profiles into every
// directory the toolchain looks for them in.
package placement

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/aluedeke/go-targetsign/pkg/fslock"
	"github.com/aluedeke/go-targetsign/pkg/fswait"
	"github.com/aluedeke/go-targetsign/pkg/profile"
	"github.com/containerd/log"
	"github.com/moby/sys/atomicwriter"
)

// Destination is a directory that should receive a copy of each profile.
type Destination struct {
	// Name identifies the destination in reports, e.g. "trust-store".
	Name string
	Path string
	// IfExists skips the destination when the directory is absent instead of
	// creating it.
	IfExists bool
}

// Result is the outcome for one destination.
type Result struct {
	Destination Destination
	// Path is the placed file, empty unless Placed.
	Path    string
	Placed  bool
	Skipped bool
	Err     error
}

// Report lists per-destination results for one credential.
type Report struct {
	Credential *profile.Credential
	Results    []Result
}

// Placed returns the number of destinations that received the profile.
func (r Report) Placed() int {
	n := 0
	for _, res := range r.Results {
		if res.Placed {
			n++
		}
	}
	return n
}

// Err joins every destination failure, nil when none failed.
func (r Report) Err() error {
	var errs []error
	for _, res := range r.Results {
		if res.Err != nil {
			errs = append(errs, res.Err)
		}
	}
	return errors.Join(errs...)
}

// PlacementError reports a destination that did not receive the profile.
type PlacementError struct {
	Destination string
	Path        string
	Err         error
}

func (e *PlacementError) Error() string {
	return fmt.Sprintf("failed to place profile in %s (%s): %v", e.Destination, e.Path, e.Err)
}

func (e *PlacementError) Unwrap() error {
	return e.Err
}

// Placer copies profiles and confirms they are visible afterwards.
type Placer struct {
	WaitAttempts int
	WaitInterval time.Duration
}

// New returns a Placer using the default visibility wait.
func New() *Placer {
	return &Placer{
		WaitAttempts: fswait.DefaultAttempts,
		WaitInterval: fswait.DefaultInterval,
	}
}

// Place copies payloadPath to <destination>/<UUID><ext> for every
// destination. A failure at one destination does not stop the others.
func (p *Placer) Place(ctx context.Context, cred *profile.Credential, payloadPath string, destinations []Destination) Report {
	report := Report{Credential: cred}
	fileName := cred.UUID + cred.Ext()

	for _, dest := range destinations {
		res := Result{Destination: dest}
		logger := log.G(ctx).WithFields(log.Fields{
			"profile":     cred.UUID,
			"destination": dest.Name,
		})

		if dest.IfExists {
			if info, err := os.Stat(dest.Path); err != nil || !info.IsDir() {
				logger.WithField("path", dest.Path).Debug("destination absent, skipping")
				res.Skipped = true
				report.Results = append(report.Results, res)
				continue
			}
		}

		target := filepath.Join(dest.Path, fileName)
		if err := p.placeOne(ctx, payloadPath, dest.Path, target); err != nil {
			res.Err = &PlacementError{Destination: dest.Name, Path: target, Err: err}
			logger.WithError(err).Warn("profile placement failed")
		} else {
			res.Path = target
			res.Placed = true
			logger.WithField("path", target).Info("profile placed")
		}
		report.Results = append(report.Results, res)
	}

	return report
}

func (p *Placer) placeOne(ctx context.Context, src, dir, target string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	err := fslock.WithDirLock(ctx, dir, func() error {
		srcInfo, err := os.Stat(src)
		if err != nil {
			return err
		}
		if dstInfo, err := os.Stat(target); err == nil && os.SameFile(srcInfo, dstInfo) {
			log.G(ctx).WithField("path", target).Debug("profile already in place")
			return nil
		}
		return copyFile(src, target, 0644)
	})
	if err != nil {
		return err
	}

	if !fswait.AwaitVisible(ctx, target, p.WaitAttempts, p.WaitInterval) {
		return fmt.Errorf("file not visible after %d attempts", p.WaitAttempts)
	}
	return nil
}

// Stage renames payloadPath to <UUID><ext> next to itself and waits for the
// renamed file to become visible. It returns the new path.
func (p *Placer) Stage(ctx context.Context, cred *profile.Credential, payloadPath string) (string, error) {
	staged := filepath.Join(filepath.Dir(payloadPath), cred.UUID+cred.Ext())
	if staged == payloadPath {
		return payloadPath, nil
	}

	if err := os.Rename(payloadPath, staged); err != nil {
		return "", fmt.Errorf("failed to rename %s: %w", payloadPath, err)
	}
	log.G(ctx).WithFields(log.Fields{"from": payloadPath, "to": staged}).Debug("renamed profile")

	if !fswait.AwaitVisible(ctx, staged, p.WaitAttempts, p.WaitInterval) {
		return "", fmt.Errorf("renamed profile %s not visible after %d attempts", staged, p.WaitAttempts)
	}
	return staged, nil
}

// copyFile replaces dst with the contents of src. dst is written through a
// temporary file and renamed, so it is never left truncated.
func copyFile(src, dst string, mode os.FileMode) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return atomicwriter.WriteFile(dst, data, mode)
}
