package targetsign

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/containerd/errdefs"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
	"gotest.tools/v3/fs"
)

func lookupMap(m map[string]string) LookupFunc {
	return func(name string) (string, bool) {
		v, ok := m[name]
		return v, ok
	}
}

func TestReadYAML(t *testing.T) {
	doc := `
projectRoot: ${PROJECT_DIR}/app
teamId: ABCDE12345
waitAttempts: 5
waitInterval: 50ms
targets:
  - name: Widget
    bundleId: com.app.widget
    profile: "#2"
    kind: app_extension
destinations:
  - name: cache
    path: /tmp/cache
    ifExists: true
`
	c, err := ReadYAML(strings.NewReader(doc), lookupMap(map[string]string{"PROJECT_DIR": "/work"}))
	assert.NilError(t, err)
	assert.Check(t, is.Equal(c.ProjectRoot, "/work/app"))
	assert.Check(t, is.Equal(c.TeamID, "ABCDE12345"))
	assert.Check(t, is.Equal(c.WaitAttempts, 5))
	assert.Check(t, is.Equal(c.WaitInterval, 50*time.Millisecond))
	assert.Check(t, is.DeepEqual(c.Targets, []TargetConfig{{Name: "Widget", BundleID: "com.app.widget", Profile: "#2", Kind: "app_extension"}}))
	assert.Check(t, is.DeepEqual(c.Destinations, []DestinationConfig{{Name: "cache", Path: "/tmp/cache", IfExists: true}}))
}

func TestReadYAMLEmpty(t *testing.T) {
	c, err := ReadYAML(strings.NewReader("\n"), nil)
	assert.NilError(t, err)
	assert.Check(t, is.DeepEqual(c, Config{}))
}

func TestFromEnvCordovaVariables(t *testing.T) {
	vars := ParseVariables([]string{
		"FIRST_TARGET_BUNDLEID=com.app",
		"--SECOND_TARGET_NAME=Share",
		"SECOND_TARGET_BUNDLE_ID=com.app.share",
		"SECOND_TARGET_NAME=Ignored",
		"positional",
	})
	c, err := FromEnv(ChainLookup(vars, lookupMap(map[string]string{
		"TARGET_NAME":              "Widget",
		"BUNDLE_ID":                "com.app.widget",
		"TARGETSIGN_PROFILES":      "a.mobileprovision, b.mobileprovision",
		"TARGETSIGN_WAIT_INTERVAL": "1s",
	})))
	assert.NilError(t, err)
	assert.Check(t, is.Equal(c.MainBundleID, "com.app"))
	assert.Check(t, is.DeepEqual(c.Targets, []TargetConfig{
		{Name: "Widget", BundleID: "com.app.widget"},
		{Name: "Share", BundleID: "com.app.share"},
	}))
	assert.Check(t, is.DeepEqual(c.Profiles, []string{"a.mobileprovision", "b.mobileprovision"}))
	assert.Check(t, is.Equal(c.WaitInterval, time.Second))
}

func TestFromEnvInvalidValue(t *testing.T) {
	_, err := FromEnv(lookupMap(map[string]string{"TARGETSIGN_WAIT_ATTEMPTS": "many"}))
	assert.Check(t, errdefs.IsInvalidArgument(err))
	assert.Check(t, is.ErrorContains(err, "TARGETSIGN_WAIT_ATTEMPTS"))
}

func TestAssemblePrecedence(t *testing.T) {
	file := Config{ProjectRoot: "/from/file", TeamID: "FILE", WaitAttempts: 10, Plugin: "file-plugin"}
	env := Config{TeamID: "ENV", Targets: []TargetConfig{{Name: "EnvTarget", BundleID: "com.env"}}}
	flags := Config{TeamID: "FLAG", RequirePatch: true}

	c := Assemble(file, env, flags)
	assert.Check(t, is.Equal(c.ProjectRoot, "/from/file"))
	assert.Check(t, is.Equal(c.TeamID, "FLAG"))
	assert.Check(t, is.Equal(c.WaitAttempts, 10))
	assert.Check(t, is.Equal(c.Plugin, "file-plugin"))
	assert.Check(t, c.RequirePatch)
	assert.Check(t, is.Equal(c.Targets[0].Name, "EnvTarget"))
}

func TestResolveDefaults(t *testing.T) {
	dir := fs.NewDir(t, "project",
		fs.WithFile("config.xml", `<?xml version='1.0' encoding='utf-8'?>
<widget id="com.app" version="1.0.0" xmlns="http://www.w3.org/ns/widgets">
    <name> MyApp </name>
</widget>
`),
		fs.WithDir("platforms", fs.WithDir("ios", fs.WithDir("www", fs.WithDir("provisioning-profiles",
			fs.WithFile("provisioning-profiles.zip", "zip"),
		)))),
	)
	t.Setenv("HOME", dir.Join("home"))

	c := Config{ProjectRoot: dir.Path()}.Resolve()
	ios := dir.Join("platforms", "ios")
	assert.Check(t, is.Equal(c.Xcodeproj, filepath.Join(ios, "MyApp.xcodeproj")))
	assert.Check(t, is.Equal(c.BuildJS, dir.Join("node_modules", "cordova-ios", "lib", "build.js")))
	assert.Check(t, is.Equal(c.ExportOptions, filepath.Join(ios, "exportOptions.plist")))
	assert.Check(t, is.Equal(c.Archive, filepath.Join(ios, "www", "provisioning-profiles", "provisioning-profiles.zip")))
	assert.Check(t, is.Equal(c.WaitAttempts, 30))
	assert.Check(t, is.Equal(c.WaitInterval, 200*time.Millisecond))

	dests := c.PlacementDestinations()
	assert.Assert(t, is.Len(dests, 3))
	assert.Check(t, is.Equal(dests[0].Path, dir.Join("plugins", DefaultPlugin, "provisioning-profiles")))
	assert.Check(t, dests[1].IfExists)
	assert.Check(t, is.Equal(dests[2].Path, dir.Join("home", "Library", "MobileDevice", "Provisioning Profiles")))
}

func TestValidateNamesEveryMissingParameter(t *testing.T) {
	err := Config{Targets: []TargetConfig{{Name: "Widget"}, {BundleID: "com.app.share"}}}.Validate()
	var missing *MissingParameterError
	assert.Assert(t, errors.As(err, &missing))
	assert.Check(t, is.DeepEqual(missing.Names, []string{"bundle identifier (target 1)", "target name (target 2)"}))

	assert.NilError(t, Config{Targets: []TargetConfig{{Name: "Widget", BundleID: "com.app.widget"}}}.Validate())
}
