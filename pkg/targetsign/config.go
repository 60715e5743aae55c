package targetsign

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/aluedeke/go-targetsign/pkg/fswait"
	"github.com/aluedeke/go-targetsign/pkg/placement"
	"github.com/containerd/errdefs"
	"go.uber.org/config"
)

const (
	// DefaultPlugin is the plugin directory name used for the plugin cache
	// destination.
	DefaultPlugin = "cordova-plugin-targetsign"

	// EnvPrefix prefixes every environment variable read by FromEnv.
	EnvPrefix = "TARGETSIGN_"
)

// TargetConfig describes one target to add and sign.
type TargetConfig struct {
	Name     string `yaml:"name"`
	BundleID string `yaml:"bundleId"`
	// Profile selects the profile by UUID or 1-based position. Empty picks
	// the profile at the target's position.
	Profile string `yaml:"profile"`
	Kind    string `yaml:"kind"`
}

// DestinationConfig is a placement directory.
type DestinationConfig struct {
	Name     string `yaml:"name"`
	Path     string `yaml:"path"`
	IfExists bool   `yaml:"ifExists"`
}

// Config is everything a run needs. It is assembled once from layers with
// Assemble and completed with Resolve.
type Config struct {
	ProjectRoot string `yaml:"projectRoot"`
	Plugin      string `yaml:"plugin"`

	// Profiles are explicit profile paths. ProfileDir is scanned in addition
	// and its files are renamed to <UUID><ext> after decoding.
	Profiles   []string `yaml:"profiles"`
	ProfileDir string   `yaml:"profileDir"`
	Archive    string   `yaml:"archive"`

	MainBundleID string         `yaml:"mainBundleId"`
	MainProfile  string         `yaml:"mainProfile"`
	Targets      []TargetConfig `yaml:"targets"`
	TeamID       string         `yaml:"teamId"`

	Xcodeproj     string `yaml:"xcodeproj"`
	BuildJS       string `yaml:"buildJs"`
	ExportOptions string `yaml:"exportOptions"`
	// RequirePatch makes a missing patch anchor fatal.
	RequirePatch bool `yaml:"requirePatch"`

	Destinations []DestinationConfig `yaml:"destinations"`
	WaitAttempts int                 `yaml:"waitAttempts"`
	WaitInterval time.Duration       `yaml:"waitInterval"`

	P12         string `yaml:"p12"`
	P12Password string `yaml:"p12Password"`

	LogLevel string `yaml:"logLevel"`
}

// LookupFunc resolves a variable, like os.LookupEnv.
type LookupFunc = func(string) (string, bool)

// ReadYAML reads a YAML configuration. ${VAR} references are expanded with
// lookup.
func ReadYAML(r io.Reader, lookup LookupFunc) (Config, error) {
	var c Config
	data, err := io.ReadAll(r)
	if err != nil {
		return c, fmt.Errorf("failed to read yaml config: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return c, nil
	}

	if lookup == nil {
		lookup = os.LookupEnv
	}
	provider, err := config.NewYAML(config.Source(bytes.NewReader(data)), config.Expand(lookup))
	if err != nil {
		return c, fmt.Errorf("failed to parse yaml config: %w", err)
	}
	if err := provider.Get(config.Root).Populate(&c); err != nil {
		return c, fmt.Errorf("failed to read yaml config: %w", err)
	}
	return c, nil
}

// LoadYAMLFile reads the YAML configuration at path.
func LoadYAMLFile(path string, lookup LookupFunc) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to open config: %w", err)
	}
	defer f.Close()
	return ReadYAML(f, lookup)
}

// ParseVariables extracts NAME=value arguments as passed by Cordova hooks.
// Arguments without '=' are ignored; the first occurrence of a name wins.
func ParseVariables(args []string) map[string]string {
	vars := make(map[string]string)
	for _, arg := range args {
		name, value, ok := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if !ok || name == "" {
			continue
		}
		if _, seen := vars[name]; !seen {
			vars[name] = value
		}
	}
	return vars
}

// ChainLookup consults vars first and falls back to next.
func ChainLookup(vars map[string]string, next LookupFunc) LookupFunc {
	return func(name string) (string, bool) {
		if v, ok := vars[name]; ok {
			return v, true
		}
		if next == nil {
			return "", false
		}
		return next(name)
	}
}

// FromEnv builds a configuration layer from TARGETSIGN_* variables and the
// Cordova plugin variables TARGET_NAME, BUNDLE_ID, FIRST_TARGET_BUNDLEID,
// SECOND_TARGET_NAME and SECOND_TARGET_BUNDLE_ID.
func FromEnv(lookup LookupFunc) (Config, error) {
	get := func(name string) string {
		v, _ := lookup(name)
		return strings.TrimSpace(v)
	}
	env := func(name string) string {
		return get(EnvPrefix + name)
	}

	c := Config{
		ProjectRoot:   env("PROJECT_ROOT"),
		Plugin:        env("PLUGIN"),
		ProfileDir:    env("PROFILE_DIR"),
		Archive:       env("ARCHIVE"),
		MainBundleID:  env("MAIN_BUNDLE_ID"),
		MainProfile:   env("MAIN_PROFILE"),
		TeamID:        env("TEAM_ID"),
		Xcodeproj:     env("XCODEPROJ"),
		BuildJS:       env("BUILD_JS"),
		ExportOptions: env("EXPORT_OPTIONS"),
		P12:           env("P12"),
		P12Password:   env("P12_PASSWORD"),
		LogLevel:      env("LOG_LEVEL"),
	}
	if v := env("PROFILES"); v != "" {
		c.Profiles = splitList(v)
	}
	if v := env("REQUIRE_PATCH"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return c, invalidEnv("REQUIRE_PATCH", v, err)
		}
		c.RequirePatch = b
	}
	if v := env("WAIT_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return c, invalidEnv("WAIT_ATTEMPTS", v, err)
		}
		c.WaitAttempts = n
	}
	if v := env("WAIT_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return c, invalidEnv("WAIT_INTERVAL", v, err)
		}
		c.WaitInterval = d
	}

	if c.MainBundleID == "" {
		c.MainBundleID = get("FIRST_TARGET_BUNDLEID")
	}
	if name, bundle := get("TARGET_NAME"), get("BUNDLE_ID"); name != "" || bundle != "" {
		c.Targets = append(c.Targets, TargetConfig{Name: name, BundleID: bundle})
	}
	if name, bundle := get("SECOND_TARGET_NAME"), get("SECOND_TARGET_BUNDLE_ID"); name != "" || bundle != "" {
		c.Targets = append(c.Targets, TargetConfig{Name: name, BundleID: bundle})
	}
	return c, nil
}

func invalidEnv(name, value string, err error) error {
	return fmt.Errorf("invalid %s%s=%q: %v: %w", EnvPrefix, name, value, err, errdefs.ErrInvalidArgument)
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Assemble overlays layers in order; a non-zero field in a later layer
// replaces the earlier value. Pass layers lowest precedence first.
func Assemble(layers ...Config) Config {
	var c Config
	for _, l := range layers {
		str(&c.ProjectRoot, l.ProjectRoot)
		str(&c.Plugin, l.Plugin)
		str(&c.ProfileDir, l.ProfileDir)
		str(&c.Archive, l.Archive)
		str(&c.MainBundleID, l.MainBundleID)
		str(&c.MainProfile, l.MainProfile)
		str(&c.TeamID, l.TeamID)
		str(&c.Xcodeproj, l.Xcodeproj)
		str(&c.BuildJS, l.BuildJS)
		str(&c.ExportOptions, l.ExportOptions)
		str(&c.P12, l.P12)
		str(&c.P12Password, l.P12Password)
		str(&c.LogLevel, l.LogLevel)
		if len(l.Profiles) > 0 {
			c.Profiles = l.Profiles
		}
		if len(l.Targets) > 0 {
			c.Targets = l.Targets
		}
		if len(l.Destinations) > 0 {
			c.Destinations = l.Destinations
		}
		if l.WaitAttempts != 0 {
			c.WaitAttempts = l.WaitAttempts
		}
		if l.WaitInterval != 0 {
			c.WaitInterval = l.WaitInterval
		}
		c.RequirePatch = c.RequirePatch || l.RequirePatch
	}
	return c
}

func str(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// Resolve fills unset paths with the Cordova project layout below
// ProjectRoot and applies the default wait policy. It reads config.xml but
// never writes.
func (c Config) Resolve() Config {
	if c.ProjectRoot == "" {
		c.ProjectRoot = "."
	}
	root := c.ProjectRoot
	ios := filepath.Join(root, "platforms", "ios")

	if c.Plugin == "" {
		c.Plugin = DefaultPlugin
	}
	if c.ProfileDir == "" {
		c.ProfileDir = filepath.Join(ios, "www", "provisioning-profiles")
	}
	if c.Archive == "" {
		if candidate := filepath.Join(c.ProfileDir, "provisioning-profiles.zip"); fileExists(candidate) {
			c.Archive = candidate
		}
	}
	if c.BuildJS == "" {
		c.BuildJS = filepath.Join(root, "node_modules", "cordova-ios", "lib", "build.js")
	}
	if c.ExportOptions == "" {
		c.ExportOptions = filepath.Join(ios, "exportOptions.plist")
	}
	if c.Xcodeproj == "" {
		if name, err := ProjectName(root); err == nil && name != "" {
			c.Xcodeproj = filepath.Join(ios, name+".xcodeproj")
		}
	}
	if len(c.Destinations) == 0 {
		c.Destinations = DefaultDestinations(root, c.Plugin)
	}
	if c.WaitAttempts <= 0 {
		c.WaitAttempts = fswait.DefaultAttempts
	}
	if c.WaitInterval <= 0 {
		c.WaitInterval = fswait.DefaultInterval
	}
	if c.LogLevel == "" {
		c.LogLevel = "warn"
	}
	return c
}

// DefaultDestinations are the plugin cache, the platform app directory and
// the user's provisioning profile store.
func DefaultDestinations(root, plugin string) []DestinationConfig {
	dests := []DestinationConfig{
		{Name: "plugin-cache", Path: filepath.Join(root, "plugins", plugin, "provisioning-profiles")},
		{Name: "app-support", Path: filepath.Join(root, "platforms", "ios", "app"), IfExists: true},
	}
	if home, err := os.UserHomeDir(); err == nil {
		dests = append(dests, DestinationConfig{
			Name: "trust-store",
			Path: filepath.Join(home, "Library", "MobileDevice", "Provisioning Profiles"),
		})
	}
	return dests
}

// PlacementDestinations converts the configured destinations.
func (c Config) PlacementDestinations() []placement.Destination {
	out := make([]placement.Destination, 0, len(c.Destinations))
	for _, d := range c.Destinations {
		name := d.Name
		if name == "" {
			name = d.Path
		}
		out = append(out, placement.Destination{Name: name, Path: d.Path, IfExists: d.IfExists})
	}
	return out
}

// Validate reports every missing required parameter at once.
func (c Config) Validate() error {
	var missing []string
	if len(c.Targets) == 0 {
		missing = append(missing, "target name", "bundle identifier")
	}
	for i, t := range c.Targets {
		suffix := ""
		if len(c.Targets) > 1 {
			suffix = fmt.Sprintf(" (target %d)", i+1)
		}
		if strings.TrimSpace(t.Name) == "" {
			missing = append(missing, "target name"+suffix)
		}
		if strings.TrimSpace(t.BundleID) == "" {
			missing = append(missing, "bundle identifier"+suffix)
		}
	}
	if len(missing) > 0 {
		return &MissingParameterError{Names: missing}
	}
	return nil
}

// ProjectName returns the <name> element of the Cordova config.xml in root.
func ProjectName(root string) (string, error) {
	data, err := os.ReadFile(filepath.Join(root, "config.xml"))
	if err != nil {
		return "", err
	}
	var widget struct {
		Name string `xml:"name"`
	}
	if err := xml.Unmarshal(data, &widget); err != nil {
		return "", fmt.Errorf("failed to parse config.xml: %w", err)
	}
	return strings.TrimSpace(widget.Name), nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
