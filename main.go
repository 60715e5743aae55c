package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/aluedeke/go-targetsign/pkg/buildpatch"
	"github.com/aluedeke/go-targetsign/pkg/correlate"
	"github.com/aluedeke/go-targetsign/pkg/profile"
	"github.com/aluedeke/go-targetsign/pkg/targetsign"
	"github.com/containerd/errdefs"
	"github.com/containerd/log"
	"github.com/docopt/docopt-go"
)

const version = "1.0.0"

const usage = `targetsign - Multi-target signing for Cordova iOS projects

Adds independently signed targets (app extensions) to a Cordova iOS project and
patches cordova-ios so the build exports one provisioning profile per bundle identifier.

Usage:
  targetsign run [options] [--profile=<path>...] [--target=<name>...] [--bundleid=<id>...] [--profile-ref=<ref>...] [--kind=<kind>...] [<var>...]
  targetsign info --profile=<path>... [--debug]
  targetsign patch --buildjs=<path> --map=<pair>... [--export-options=<path>] [--debug]
  targetsign -h | --help
  targetsign --version

Commands:
  run       Decode, install and correlate profiles, patch the build and add the targets
  info      Display information about provisioning profiles
  patch     Patch cordova-ios build.js with an explicit bundle=uuid mapping

Options:
  --project=<path>         Cordova project root (or TARGETSIGN_PROJECT_ROOT, default .)
  --config=<path>          YAML configuration file
  --profile=<path>         Provisioning profile or decoded plist, repeatable
  --archive=<path>         Zip of provisioning profiles to unpack first
  --target=<name>          Name of a target to add, repeatable
  --bundleid=<id>          Bundle identifier of the target at the same position
  --profile-ref=<ref>      Profile of the target at the same position: UUID or 1-based index
  --kind=<kind>            Product type of the target at the same position [default: app_extension]
  --main-bundleid=<id>     Bundle identifier of the app itself
  --main-profile=<ref>     Profile of the app itself: UUID or 1-based index
  --team=<id>              Team ID, overrides the one decoded from the profiles
  --xcodeproj=<path>       Xcode project (default from config.xml)
  --buildjs=<path>         cordova-ios lib/build.js to patch
  --export-options=<path>  exportOptions.plist to patch
  --map=<pair>             bundle=uuid pair for the patch command, repeatable
  --p12=<path>             P12 certificate to check the profiles against (or TARGETSIGN_P12)
  --password=<password>    Password for the P12 certificate (or TARGETSIGN_P12_PASSWORD)
  --require-patch          Fail when build.js cannot be patched
  --debug                  Enable debug logging
  -h --help                Show this help message
  --version                Show version

Cordova variables:
  NAME=value arguments and environment variables TARGET_NAME, BUNDLE_ID,
  FIRST_TARGET_BUNDLEID, SECOND_TARGET_NAME and SECOND_TARGET_BUNDLE_ID are
  accepted as passed to Cordova hooks. Precedence: flags, then variables and
  TARGETSIGN_* environment, then the YAML file.

Examples:
  # Add a widget extension signed with its own profile
  targetsign run --project=. --profile=app.mobileprovision --profile=widget.mobileprovision \
    --main-bundleid=com.example.app --target=Widget --bundleid=com.example.app.widget

  # From a Cordova hook
  targetsign run FIRST_TARGET_BUNDLEID=com.example.app SECOND_TARGET_NAME=Widget SECOND_TARGET_BUNDLE_ID=com.example.app.widget

  # View provisioning profile information
  targetsign info --profile=widget.mobileprovision

  # Patch build.js only
  targetsign patch --buildjs=node_modules/cordova-ios/lib/build.js --map=com.example.app=UUID-1 --map=com.example.app.widget=UUID-2
`

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], version)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing arguments: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if debug, _ := opts.Bool("--debug"); debug {
		if err := log.SetLevel("debug"); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
	}

	if run, _ := opts.Bool("run"); run {
		err = runTargets(ctx, opts)
	} else if info, _ := opts.Bool("info"); info {
		err = runInfo(ctx, opts)
	} else if patch, _ := opts.Bool("patch"); patch {
		err = runPatch(ctx, opts)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	if errdefs.IsInvalidArgument(err) {
		return 2
	}
	return 1
}

func stringList(opts docopt.Opts, key string) []string {
	v, _ := opts[key].([]string)
	return v
}

func flagConfig(opts docopt.Opts) targetsign.Config {
	var c targetsign.Config
	c.ProjectRoot, _ = opts.String("--project")
	c.Archive, _ = opts.String("--archive")
	c.MainBundleID, _ = opts.String("--main-bundleid")
	c.MainProfile, _ = opts.String("--main-profile")
	c.TeamID, _ = opts.String("--team")
	c.Xcodeproj, _ = opts.String("--xcodeproj")
	c.BuildJS, _ = opts.String("--buildjs")
	c.ExportOptions, _ = opts.String("--export-options")
	c.P12, _ = opts.String("--p12")
	c.P12Password, _ = opts.String("--password")
	c.RequirePatch, _ = opts.Bool("--require-patch")
	c.Profiles = stringList(opts, "--profile")
	if debug, _ := opts.Bool("--debug"); debug {
		c.LogLevel = "debug"
	}

	names := stringList(opts, "--target")
	bundles := stringList(opts, "--bundleid")
	refs := stringList(opts, "--profile-ref")
	kinds := stringList(opts, "--kind")
	n := max(len(names), len(bundles))
	for i := 0; i < n; i++ {
		kind := at(kinds, i)
		if kind == "" && len(kinds) == 1 {
			// a single --kind applies to every target
			kind = kinds[0]
		}
		c.Targets = append(c.Targets, targetsign.TargetConfig{
			Name:     at(names, i),
			BundleID: at(bundles, i),
			Profile:  at(refs, i),
			Kind:     kind,
		})
	}
	return c
}

func at(list []string, i int) string {
	if i < len(list) {
		return list[i]
	}
	return ""
}

func loadConfig(opts docopt.Opts) (targetsign.Config, error) {
	lookup := targetsign.ChainLookup(targetsign.ParseVariables(stringList(opts, "<var>")), os.LookupEnv)

	var fileCfg targetsign.Config
	if path, _ := opts.String("--config"); path != "" {
		var err error
		if fileCfg, err = targetsign.LoadYAMLFile(path, lookup); err != nil {
			return fileCfg, err
		}
	}
	envCfg, err := targetsign.FromEnv(lookup)
	if err != nil {
		return envCfg, err
	}
	return targetsign.Assemble(fileCfg, envCfg, flagConfig(opts)).Resolve(), nil
}

func runTargets(ctx context.Context, opts docopt.Opts) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	if err := log.SetLevel(cfg.LogLevel); err != nil {
		return fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, errdefs.ErrInvalidArgument)
	}

	fmt.Printf("Project:        %s\n", cfg.ProjectRoot)
	fmt.Printf("Build tool:     %s\n", cfg.BuildJS)
	if cfg.Xcodeproj != "" {
		fmt.Printf("Xcode project:  %s\n", cfg.Xcodeproj)
	}
	fmt.Println()

	res := targetsign.Run(ctx, cfg, targetsign.Deps{})
	printResult(res)
	if !res.Success {
		return res.Err()
	}
	return nil
}

func printResult(res targetsign.RunResult) {
	fmt.Println("Steps")
	fmt.Println("=====")
	for _, s := range res.Steps {
		fmt.Printf("  %-9s %-21s %s\n", s.Kind, s.Step, s.Message)
	}

	if res.Mapping.Len() > 0 {
		fmt.Println()
		fmt.Println("Profile mapping:")
		for _, e := range res.Mapping.Entries {
			fmt.Printf("  %s -> %s\n", e.BundleID, e.CredentialID)
		}
	}

	fmt.Println()
	if res.Success {
		fmt.Printf("Done: %d warning(s), %d failure(s)\n", len(res.Outcomes(targetsign.KindWarning)), len(res.Outcomes(targetsign.KindFailed)))
	}
}

func runInfo(ctx context.Context, opts docopt.Opts) error {
	decoder := &profile.Decoder{}
	results := decoder.DecodeAll(ctx, stringList(opts, "--profile"))

	var failed error
	for i, r := range results {
		if i > 0 {
			fmt.Println()
		}
		if r.Err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", r.Err)
			failed = r.Err
			continue
		}
		showProfileInfo(r.Credential)
	}
	return failed
}

func showProfileInfo(cred *profile.Credential) {
	p := cred.Profile

	fmt.Println("Provisioning Profile Information")
	fmt.Println("================================")
	fmt.Printf("File:           %s\n", cred.SourcePath)
	fmt.Printf("Signed:         %v\n", cred.Signed)
	fmt.Printf("Name:           %s\n", cred.Name)
	fmt.Printf("Team ID:        %s\n", cred.TeamID)
	fmt.Printf("App ID:         %s\n", p.GetApplicationIdentifier())
	fmt.Printf("UUID:           %s\n", cred.UUID)
	fmt.Printf("Created:        %s\n", p.CreationDate.Format("2006-01-02 15:04:05"))
	fmt.Printf("Expiration:     %s\n", p.ExpirationDate.Format("2006-01-02 15:04:05"))
	fmt.Printf("Expired:        %v\n", p.IsExpired())
	fmt.Printf("Placed as:      %s%s\n", cred.UUID, cred.Ext())
	if certs, err := p.GetCertificates(); err == nil {
		fmt.Printf("Certificates:   %d\n", len(certs))
		for i, cert := range certs {
			fmt.Printf("  [%d] %s\n", i+1, cert.Subject.CommonName)
			fmt.Printf("      Expires: %s\n", cert.NotAfter.Format("2006-01-02"))
			if len(cert.Subject.OrganizationalUnit) > 0 {
				fmt.Printf("      Team ID: %s\n", cert.Subject.OrganizationalUnit[0])
			}
		}
	}
	if len(p.ProvisionedDevices) > 0 {
		fmt.Printf("Devices:        %d\n", len(p.ProvisionedDevices))
	}
}

// parseMap turns bundle=uuid pairs into a validated mapping.
func parseMap(pairs []string) (correlate.Mapping, error) {
	var (
		creds       []*profile.Credential
		assignments []correlate.Assignment
		seen        = make(map[string]bool)
	)
	for _, pair := range pairs {
		bundle, uuid, ok := strings.Cut(pair, "=")
		if !ok || uuid == "" {
			return correlate.Mapping{}, fmt.Errorf("invalid --map %q, want bundle=uuid: %w", pair, errdefs.ErrInvalidArgument)
		}
		if !seen[uuid] {
			seen[uuid] = true
			creds = append(creds, &profile.Credential{UUID: uuid})
		}
		assignments = append(assignments, correlate.Assignment{BundleID: bundle, Ref: uuid})
	}
	mapping, _, err := correlate.Correlate(creds, assignments)
	return mapping, err
}

func runPatch(ctx context.Context, opts docopt.Opts) error {
	buildJS, _ := opts.String("--buildjs")
	exportOptions, _ := opts.String("--export-options")

	mapping, err := parseMap(stringList(opts, "--map"))
	if err != nil {
		return err
	}

	res, err := buildpatch.Patcher{}.PatchFile(ctx, buildJS, mapping)
	if err != nil {
		return err
	}
	if res.Applied {
		fmt.Printf("Patched %s with %d profile(s)\n", buildJS, mapping.Len())
	} else {
		fmt.Printf("%s is %s, nothing to do\n", buildJS, res.State)
	}

	if exportOptions != "" {
		applied, err := buildpatch.PatchExportOptionsFile(ctx, exportOptions, mapping)
		if err != nil {
			return err
		}
		fmt.Printf("Export options %s updated: %v\n", exportOptions, applied)
	}
	return nil
}
