package main

import (
	"errors"
	"testing"

	"github.com/aluedeke/go-targetsign/pkg/correlate"
	"github.com/aluedeke/go-targetsign/pkg/targetsign"
	"github.com/docopt/docopt-go"
)

func parse(t *testing.T, args ...string) docopt.Opts {
	t.Helper()
	opts, err := docopt.ParseArgs(usage, args, version)
	if err != nil {
		t.Fatalf("Failed to parse %v: %v", args, err)
	}
	return opts
}

func TestFlagConfigPairsTargets(t *testing.T) {
	opts := parse(t, "run",
		"--target=Widget", "--bundleid=com.app.widget", "--profile-ref=2",
		"--target=Share", "--bundleid=com.app.share",
		"--team=ABCDE12345", "--require-patch",
		"SECOND_TARGET_NAME=Ignored",
	)
	c := flagConfig(opts)

	want := []targetsign.TargetConfig{
		{Name: "Widget", BundleID: "com.app.widget", Profile: "2", Kind: "app_extension"},
		{Name: "Share", BundleID: "com.app.share", Kind: "app_extension"},
	}
	if len(c.Targets) != len(want) {
		t.Fatalf("Targets = %v, want %v", c.Targets, want)
	}
	for i := range want {
		if c.Targets[i] != want[i] {
			t.Errorf("Target %d = %+v, want %+v", i, c.Targets[i], want[i])
		}
	}
	if c.TeamID != "ABCDE12345" || !c.RequirePatch {
		t.Errorf("Unexpected config: %+v", c)
	}
	if vars := stringList(opts, "<var>"); len(vars) != 1 {
		t.Errorf("Expected the Cordova variable as positional argument, got %v", vars)
	}
}

func TestFlagConfigUnpairedTargetIsMissingParameter(t *testing.T) {
	c := flagConfig(parse(t, "run", "--target=Widget", "--target=Share", "--bundleid=com.app.widget"))

	var missing *targetsign.MissingParameterError
	if err := c.Validate(); !errors.As(err, &missing) {
		t.Fatalf("Expected MissingParameterError, got %v", err)
	}
	if exitCode(c.Validate()) != 2 {
		t.Errorf("Missing parameters should exit with 2")
	}
}

func TestParseMap(t *testing.T) {
	m, err := parseMap([]string{"com.app=UUID-1", "com.app.widget=UUID-2", "com.app.share=UUID-2"})
	if err != nil {
		t.Fatalf("parseMap failed: %v", err)
	}
	if id, _ := m.Lookup("com.app.share"); id != "UUID-2" {
		t.Errorf("com.app.share -> %s, want UUID-2", id)
	}

	_, err = parseMap([]string{"com.app=UUID-1", "com.app=UUID-2"})
	var verr *correlate.ValidationError
	if !errors.As(err, &verr) {
		t.Errorf("Expected ValidationError for duplicate bundle, got %v", err)
	}

	if _, err := parseMap([]string{"com.app"}); exitCode(err) != 2 {
		t.Errorf("Malformed pair should be an invalid argument: %v", err)
	}
}

func TestExitCode(t *testing.T) {
	if exitCode(errors.New("boom")) != 1 {
		t.Errorf("Generic errors should exit with 1")
	}
}
