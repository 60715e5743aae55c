// Package xcodeproj adds signed targets to an Xcode project.
//
// Editing project.pbxproj is delegated to the xcodeproj Ruby gem through an
// embedded script.
package xcodeproj

import (
	"bytes"
	"context"
	_ "embed"
	"fmt"
	"os/exec"
	"strings"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"
)

//go:embed add_target.rb
var addTargetScript []byte

// Kind is the xcodeproj product type symbol of a new target.
type Kind string

const (
	KindAppExtension Kind = "app_extension"
	KindApplication  Kind = "application"
	KindWatchApp     Kind = "watch2_app"
)

// Signing is the manual signing configuration written to a target.
type Signing struct {
	ProfileName string
	ProfileUUID string
	TeamID      string
}

// Target describes a target to add.
type Target struct {
	Name     string
	Kind     Kind
	BundleID string
	Signing  Signing
}

// TargetAdder adds a target to a project. Adding a target that already
// exists updates its bundle identifier and signing settings.
type TargetAdder interface {
	AddTarget(ctx context.Context, target Target) error
}

type runFunc func(ctx context.Context, stdin []byte, name string, args ...string) ([]byte, error)

// RubyTargetAdder runs the embedded add_target.rb script.
type RubyTargetAdder struct {
	// Project is the path of the .xcodeproj bundle.
	Project string
	// ProjectRoot is the Cordova project root.
	ProjectRoot string
	// Ruby and Gem default to the executables found in PATH.
	Ruby string
	Gem  string

	run runFunc
}

// NewRubyTargetAdder returns an adder for the given project.
func NewRubyTargetAdder(project, projectRoot string) *RubyTargetAdder {
	return &RubyTargetAdder{Project: project, ProjectRoot: projectRoot}
}

func (r *RubyTargetAdder) runner() runFunc {
	if r.run != nil {
		return r.run
	}
	return runCommand
}

func (r *RubyTargetAdder) ruby() string {
	if r.Ruby != "" {
		return r.Ruby
	}
	return "ruby"
}

func (r *RubyTargetAdder) gem() string {
	if r.Gem != "" {
		return r.Gem
	}
	return "gem"
}

// CheckGem returns an error unless the xcodeproj gem is installed.
func (r *RubyTargetAdder) CheckGem(ctx context.Context) error {
	if _, err := r.runner()(ctx, nil, r.gem(), "list", "xcodeproj", "-i"); err != nil {
		return fmt.Errorf("xcodeproj gem not available (gem install xcodeproj): %w", err)
	}
	return nil
}

// AddTarget implements TargetAdder.
func (r *RubyTargetAdder) AddTarget(ctx context.Context, target Target) error {
	if target.Name == "" || target.BundleID == "" {
		return fmt.Errorf("target name and bundle identifier are required: %w", errdefs.ErrInvalidArgument)
	}
	if r.Project == "" {
		return fmt.Errorf("xcodeproj path is required: %w", errdefs.ErrInvalidArgument)
	}
	kind := target.Kind
	if kind == "" {
		kind = KindAppExtension
	}

	// "-" makes ruby read the program from stdin; the rest is ARGV.
	args := []string{
		"-",
		target.Name,
		target.BundleID,
		r.Project,
		r.ProjectRoot,
		target.Signing.ProfileName,
		target.Signing.ProfileUUID,
		target.Signing.TeamID,
		string(kind),
	}

	logger := log.G(ctx).WithFields(log.Fields{
		"target":   target.Name,
		"bundleID": target.BundleID,
		"profile":  target.Signing.ProfileUUID,
	})
	logger.Debug("adding target")

	out, err := r.runner()(ctx, addTargetScript, r.ruby(), args...)
	if err != nil {
		return fmt.Errorf("failed to add target %s: %w: %s", target.Name, err, strings.TrimSpace(string(out)))
	}
	logger.WithField("output", strings.TrimSpace(string(out))).Info("target added")
	return nil
}

func runCommand(ctx context.Context, stdin []byte, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	return cmd.CombinedOutput()
}
