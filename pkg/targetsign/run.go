// Package targetsign runs the multi-target signing pipeline for a Cordova
// iOS project: decode profiles, place them, bind them to bundle
// identifiers, patch the build tool and add the targets.
package targetsign

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/aluedeke/go-targetsign/pkg/archive"
	"github.com/aluedeke/go-targetsign/pkg/buildpatch"
	"github.com/aluedeke/go-targetsign/pkg/correlate"
	"github.com/aluedeke/go-targetsign/pkg/placement"
	"github.com/aluedeke/go-targetsign/pkg/profile"
	"github.com/aluedeke/go-targetsign/pkg/xcodeproj"
	"github.com/containerd/errdefs"
	"github.com/containerd/log"
	"golang.org/x/sync/errgroup"
)

// Deps are the collaborators of a run. Nil fields get defaults derived from
// the configuration.
type Deps struct {
	Unpacker    archive.Unpacker
	Decoder     *profile.Decoder
	Placer      *placement.Placer
	Patcher     buildpatch.Patcher
	TargetAdder xcodeproj.TargetAdder
}

func (d Deps) withDefaults(cfg Config) Deps {
	if d.Unpacker == nil {
		d.Unpacker = archive.Zip{}
	}
	if d.Decoder == nil {
		d.Decoder = &profile.Decoder{}
	}
	if d.Placer == nil {
		d.Placer = &placement.Placer{WaitAttempts: cfg.WaitAttempts, WaitInterval: cfg.WaitInterval}
	}
	if d.TargetAdder == nil && cfg.Xcodeproj != "" {
		d.TargetAdder = xcodeproj.NewRubyTargetAdder(cfg.Xcodeproj, cfg.ProjectRoot)
	}
	return d
}

// gemChecker is implemented by adders that depend on external tooling.
type gemChecker interface {
	CheckGem(ctx context.Context) error
}

type input struct {
	path string
	// discovered inputs come from the profile directory or the archive and
	// are renamed to <UUID><ext> once decoded.
	discovered bool
}

type run struct {
	cfg    Config
	deps   Deps
	result RunResult
}

// Run executes the pipeline. cfg should already be resolved. The first fatal
// outcome stops the run; everything done before it stays in place.
func Run(ctx context.Context, cfg Config, deps Deps) RunResult {
	r := &run{cfg: cfg, deps: deps.withDefaults(cfg)}

	if err := cfg.Validate(); err != nil {
		return r.fatal(ctx, StepValidate, err)
	}
	r.record(ctx, StepOutcome{Step: StepValidate, Kind: KindOK, Message: fmt.Sprintf("%d target(s)", len(cfg.Targets))})

	inputs, err := r.collect(ctx)
	if err != nil {
		return r.fatal(ctx, StepUnpack, err)
	}

	creds, discovered, err := r.decode(ctx, inputs)
	if err != nil {
		return r.fatal(ctx, StepDecode, err)
	}

	r.prepare(ctx, creds, discovered)

	mapping, err := r.correlate(ctx, creds, discovered)
	if err != nil {
		return r.fatal(ctx, StepCorrelate, err)
	}
	r.result.Mapping = mapping

	if err := r.patch(ctx, mapping); err != nil {
		return r.fatal(ctx, StepPatch, err)
	}
	r.patchExportOptions(ctx, mapping)

	if err := r.addTargets(ctx, mapping); err != nil {
		return r.fatal(ctx, StepAddTarget, err)
	}

	r.result.Success = true
	return r.result
}

func (r *run) record(ctx context.Context, o StepOutcome) {
	r.result.Steps = append(r.result.Steps, o)

	logger := log.G(ctx).WithFields(log.Fields{"step": o.Step, "outcome": o.Kind})
	if o.Err != nil {
		logger = logger.WithError(o.Err)
	}
	switch o.Kind {
	case KindOK:
		logger.Info(o.Message)
	case KindSkipped:
		logger.Debug(o.Message)
	case KindWarning:
		logger.Warn(o.Message)
	default:
		logger.Error(o.Message)
	}
}

func (r *run) fatal(ctx context.Context, step string, err error) RunResult {
	r.record(ctx, StepOutcome{Step: step, Kind: KindFatal, Message: err.Error(), Err: err})
	r.result.Success = false
	return r.result
}

// collect gathers explicit profiles, the unpacked archive and the profile
// directory, without duplicates.
func (r *run) collect(ctx context.Context) ([]input, error) {
	var inputs []input
	seen := make(map[string]bool)
	add := func(path string, discovered bool) {
		if !seen[path] {
			seen[path] = true
			inputs = append(inputs, input{path: path, discovered: discovered})
		}
	}

	for _, p := range r.cfg.Profiles {
		add(p, false)
	}

	if r.cfg.Archive != "" {
		dest := r.cfg.ProfileDir
		if dest == "" {
			return nil, fmt.Errorf("no directory to unpack %s into", r.cfg.Archive)
		}
		if err := r.deps.Unpacker.Unpack(ctx, r.cfg.Archive, dest); err != nil {
			return nil, fmt.Errorf("failed to unpack profiles: %w", err)
		}
		r.record(ctx, StepOutcome{Step: StepUnpack, Kind: KindOK, Message: fmt.Sprintf("unpacked %s into %s", r.cfg.Archive, dest)})
	}

	if r.cfg.ProfileDir != "" {
		if info, err := os.Stat(r.cfg.ProfileDir); err == nil && info.IsDir() {
			found, err := archive.FindProfiles(r.cfg.ProfileDir)
			if err != nil {
				return nil, err
			}
			for _, p := range found {
				add(p, true)
			}
		}
	}
	return inputs, nil
}

func (r *run) decode(ctx context.Context, inputs []input) ([]*profile.Credential, map[*profile.Credential]bool, error) {
	if len(inputs) == 0 {
		return nil, nil, fmt.Errorf("no provisioning profiles supplied or found in %s: %w", r.cfg.ProfileDir, errdefs.ErrNotFound)
	}

	paths := make([]string, len(inputs))
	fromDir := make(map[string]bool, len(inputs))
	for i, in := range inputs {
		paths[i] = in.path
		fromDir[in.path] = in.discovered
	}
	results := r.deps.Decoder.DecodeAll(ctx, paths)

	var firstErr error
	for _, res := range results {
		if res.Err != nil {
			if firstErr == nil {
				firstErr = res.Err
			}
			r.record(ctx, StepOutcome{Step: StepDecode, Kind: KindFailed, Message: res.Err.Error(), Err: res.Err})
		}
	}

	var (
		creds      []*profile.Credential
		discovered = make(map[*profile.Credential]bool)
		seen       = make(map[string]bool)
	)
	for _, cred := range profile.Credentials(results) {
		if seen[cred.UUID] {
			r.record(ctx, StepOutcome{Step: StepDecode, Kind: KindWarning, Message: fmt.Sprintf("%s duplicates profile %s, ignored", cred.SourcePath, cred.UUID)})
			continue
		}
		seen[cred.UUID] = true
		discovered[cred] = fromDir[cred.SourcePath]
		creds = append(creds, cred)
		r.record(ctx, StepOutcome{Step: StepDecode, Kind: KindOK, Message: fmt.Sprintf("decoded %s from %s", cred, cred.SourcePath)})
	}

	if len(creds) == 0 {
		return nil, nil, firstErr
	}
	return creds, discovered, nil
}

// prepare stages, checks and places every credential concurrently. Nothing
// here is fatal.
func (r *run) prepare(ctx context.Context, creds []*profile.Credential, discovered map[*profile.Credential]bool) {
	identity := r.loadIdentity(ctx)
	dests := r.cfg.PlacementDestinations()
	outcomes := make([][]StepOutcome, len(creds))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, cred := range creds {
		isDiscovered := discovered[cred]
		g.Go(func() error {
			outcomes[i] = r.prepareOne(gctx, cred, isDiscovered, identity, dests)
			return nil
		})
	}
	_ = g.Wait()

	for _, list := range outcomes {
		for _, o := range list {
			r.record(ctx, o)
		}
	}
}

func (r *run) loadIdentity(ctx context.Context) *profile.SigningIdentity {
	if r.cfg.P12 == "" {
		return nil
	}
	data, err := os.ReadFile(r.cfg.P12)
	if err == nil {
		var identity *profile.SigningIdentity
		if identity, err = profile.LoadSigningIdentity(data, r.cfg.P12Password); err == nil {
			return identity
		}
	}
	r.record(ctx, StepOutcome{Step: StepIdentity, Kind: KindWarning, Message: "signing identity not loaded, skipping certificate checks", Err: err})
	return nil
}

func (r *run) prepareOne(ctx context.Context, cred *profile.Credential, discovered bool, identity *profile.SigningIdentity, dests []placement.Destination) []StepOutcome {
	var out []StepOutcome
	payload := cred.SourcePath

	if discovered && cred.Signed {
		staged, err := r.deps.Placer.Stage(ctx, cred, payload)
		if err != nil {
			out = append(out, StepOutcome{Step: StepStage, Kind: KindWarning, Message: fmt.Sprintf("%s not renamed", cred.UUID), Err: err})
		} else {
			payload = staged
			out = append(out, StepOutcome{Step: StepStage, Kind: KindOK, Message: fmt.Sprintf("%s staged as %s", cred.UUID, staged)})
		}
	}

	if identity != nil {
		if err := cred.VerifyIdentity(identity); err != nil {
			out = append(out, StepOutcome{Step: StepIdentity, Kind: KindWarning, Message: fmt.Sprintf("%s does not match the signing identity", cred.UUID), Err: err})
		} else {
			msg := fmt.Sprintf("%s matches the signing identity", cred.UUID)
			if identity.TeamID != "" {
				msg += " of team " + identity.TeamID
			}
			out = append(out, StepOutcome{Step: StepIdentity, Kind: KindOK, Message: msg})
		}
	}

	if cred.Profile != nil && cred.Profile.IsExpired() {
		out = append(out, StepOutcome{
			Step:    StepExpiry,
			Kind:    KindWarning,
			Message: fmt.Sprintf("%s expired on %s", cred, cred.Profile.ExpirationDate.Format(time.RFC3339)),
		})
	}

	if !cred.Signed {
		return append(out, StepOutcome{Step: StepPlace, Kind: KindSkipped, Message: fmt.Sprintf("%s was decoded from a plain plist and is not installable", cred.UUID)})
	}

	report := r.deps.Placer.Place(ctx, cred, payload, dests)
	for _, res := range report.Results {
		switch {
		case res.Err != nil:
			out = append(out, StepOutcome{Step: StepPlace, Kind: KindFailed, Message: res.Err.Error(), Err: res.Err})
		case res.Skipped:
			out = append(out, StepOutcome{Step: StepPlace, Kind: KindSkipped, Message: fmt.Sprintf("%s: %s absent", res.Destination.Name, res.Destination.Path)})
		default:
			out = append(out, StepOutcome{Step: StepPlace, Kind: KindOK, Message: fmt.Sprintf("%s placed at %s", cred.UUID, res.Path)})
		}
	}
	return out
}

// assignments lists the main app first, then every target.
func (r *run) assignments() []correlate.Assignment {
	var out []correlate.Assignment
	if r.cfg.MainBundleID != "" {
		out = append(out, correlate.Assignment{BundleID: r.cfg.MainBundleID, Ref: r.cfg.MainProfile})
	}
	for _, t := range r.cfg.Targets {
		out = append(out, correlate.Assignment{BundleID: t.BundleID, Ref: t.Profile})
	}
	return out
}

// correlate binds assignments to creds. Discovered profiles are ordered by
// file name, and staging renames them, so an empty ref may only fall back to
// its position when the caller listed every profile.
func (r *run) correlate(ctx context.Context, creds []*profile.Credential, discovered map[*profile.Credential]bool) (correlate.Mapping, error) {
	c := correlate.Correlator{}
	if len(creds) > 1 {
		for _, cred := range creds {
			if discovered[cred] {
				c.Strict = true
				break
			}
		}
	}
	mapping, warnings, err := c.Correlate(creds, r.assignments())
	if err != nil {
		return mapping, err
	}
	for _, w := range warnings {
		r.record(ctx, StepOutcome{Step: StepCorrelate, Kind: KindWarning, Message: w.String()})
	}
	if r.cfg.MainBundleID == "" {
		r.record(ctx, StepOutcome{
			Step:    StepCorrelate,
			Kind:    KindWarning,
			Message: "main bundle identifier not set; the patched build will not export a profile for the app itself",
		})
	}
	for _, e := range mapping.Entries {
		r.record(ctx, StepOutcome{Step: StepCorrelate, Kind: KindOK, Message: fmt.Sprintf("%s -> %s", e.BundleID, e.CredentialID)})
	}
	return mapping, nil
}

// patch returns an error only when the outcome is fatal.
func (r *run) patch(ctx context.Context, mapping correlate.Mapping) error {
	res, err := r.deps.Patcher.PatchFile(ctx, r.cfg.BuildJS, mapping)

	var (
		anchorErr *buildpatch.AnchorNotFoundError
		staleErr  *buildpatch.StalePatchError
	)
	switch {
	case err == nil && res.Applied:
		r.record(ctx, StepOutcome{Step: StepPatch, Kind: KindOK, Message: fmt.Sprintf("patched %s with %d profile(s)", res.Path, mapping.Len())})
	case err == nil:
		r.record(ctx, StepOutcome{Step: StepPatch, Kind: KindOK, Message: fmt.Sprintf("%s already patched", res.Path)})
	case errors.As(err, &staleErr):
		// The build would sign with the old mapping.
		return err
	case errors.Is(err, fs.ErrNotExist) && !r.cfg.RequirePatch:
		r.record(ctx, StepOutcome{Step: StepPatch, Kind: KindSkipped, Message: fmt.Sprintf("%s not found", r.cfg.BuildJS), Err: err})
	case r.cfg.RequirePatch:
		return err
	case errors.As(err, &anchorErr):
		r.record(ctx, StepOutcome{Step: StepPatch, Kind: KindWarning, Message: "falling back to single-target signing: " + err.Error(), Err: err})
	default:
		r.record(ctx, StepOutcome{Step: StepPatch, Kind: KindFailed, Message: err.Error(), Err: err})
	}
	return nil
}

func (r *run) patchExportOptions(ctx context.Context, mapping correlate.Mapping) {
	if r.cfg.ExportOptions == "" {
		return
	}
	applied, err := buildpatch.PatchExportOptionsFile(ctx, r.cfg.ExportOptions, mapping)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		r.record(ctx, StepOutcome{Step: StepExportOptions, Kind: KindSkipped, Message: fmt.Sprintf("%s not found", r.cfg.ExportOptions)})
	case err != nil:
		r.record(ctx, StepOutcome{Step: StepExportOptions, Kind: KindFailed, Message: err.Error(), Err: err})
	case applied:
		r.record(ctx, StepOutcome{Step: StepExportOptions, Kind: KindOK, Message: fmt.Sprintf("updated %s", r.cfg.ExportOptions)})
	default:
		r.record(ctx, StepOutcome{Step: StepExportOptions, Kind: KindOK, Message: fmt.Sprintf("%s already up to date", r.cfg.ExportOptions)})
	}
}

// teamID returns the team for cred; a configured team always wins.
func (r *run) teamID(ctx context.Context, cred *profile.Credential) string {
	if r.cfg.TeamID == "" {
		return cred.TeamID
	}
	if cred.TeamID != "" && cred.TeamID != r.cfg.TeamID {
		r.record(ctx, StepOutcome{
			Step:    StepTeam,
			Kind:    KindWarning,
			Message: fmt.Sprintf("%s belongs to team %s, using configured team %s", cred.UUID, cred.TeamID, r.cfg.TeamID),
		})
	}
	return r.cfg.TeamID
}

func (r *run) addTargets(ctx context.Context, mapping correlate.Mapping) error {
	adder := r.deps.TargetAdder
	if adder == nil {
		r.record(ctx, StepOutcome{Step: StepAddTarget, Kind: KindSkipped, Message: "no Xcode project configured"})
		return nil
	}
	if checker, ok := adder.(gemChecker); ok {
		if err := checker.CheckGem(ctx); err != nil {
			return &CollaboratorError{Target: r.cfg.Targets[0].Name, Err: err}
		}
	}

	for _, t := range r.cfg.Targets {
		cred, ok := mapping.Credential(strings.TrimSpace(t.BundleID))
		if !ok {
			return &CollaboratorError{Target: t.Name, Err: fmt.Errorf("no profile bound to %s", t.BundleID)}
		}
		target := xcodeproj.Target{
			Name:     t.Name,
			Kind:     xcodeproj.Kind(t.Kind),
			BundleID: t.BundleID,
			Signing: xcodeproj.Signing{
				ProfileName: cred.Name,
				ProfileUUID: cred.UUID,
				TeamID:      r.teamID(ctx, cred),
			},
		}
		if err := adder.AddTarget(ctx, target); err != nil {
			return &CollaboratorError{Target: t.Name, Err: err}
		}
		r.record(ctx, StepOutcome{Step: StepAddTarget, Kind: KindOK, Message: fmt.Sprintf("added %s (%s) signed with %s", t.Name, t.BundleID, cred.UUID)})
	}
	return nil
}
