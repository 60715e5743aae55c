package xcodeproj

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/containerd/errdefs"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

type call struct {
	stdin []byte
	name  string
	args  []string
}

func recorder(calls *[]call, out string, err error) runFunc {
	return func(_ context.Context, stdin []byte, name string, args ...string) ([]byte, error) {
		*calls = append(*calls, call{stdin: stdin, name: name, args: args})
		return []byte(out), err
	}
}

func TestAddTargetArguments(t *testing.T) {
	var calls []call
	adder := NewRubyTargetAdder("/p/platforms/ios/App.xcodeproj", "/p")
	adder.run = recorder(&calls, "target Widget signed", nil)

	err := adder.AddTarget(context.Background(), Target{
		Name:     "Widget",
		BundleID: "com.example.app.widget",
		Signing:  Signing{ProfileName: "Widget Dist", ProfileUUID: "UUID-1", TeamID: "ABCDE12345"},
	})
	assert.NilError(t, err)
	assert.Assert(t, is.Len(calls, 1))

	c := calls[0]
	assert.Check(t, is.Equal(c.name, "ruby"))
	assert.Check(t, is.DeepEqual(c.args, []string{
		"-", "Widget", "com.example.app.widget", "/p/platforms/ios/App.xcodeproj", "/p",
		"Widget Dist", "UUID-1", "ABCDE12345", "app_extension",
	}))
	assert.Check(t, is.Contains(string(c.stdin), "require 'xcodeproj'"))
}

func TestAddTargetFailureIncludesOutput(t *testing.T) {
	var calls []call
	adder := &RubyTargetAdder{Project: "App.xcodeproj", Ruby: "/usr/bin/ruby"}
	adder.run = recorder(&calls, "cannot load such file -- xcodeproj\n", errors.New("exit status 1"))

	err := adder.AddTarget(context.Background(), Target{Name: "Share", BundleID: "com.a.share", Kind: KindApplication})
	assert.Check(t, is.ErrorContains(err, "cannot load such file"))
	assert.Check(t, is.Equal(calls[0].name, "/usr/bin/ruby"))
	assert.Check(t, is.Equal(calls[0].args[len(calls[0].args)-1], "application"))
}

func TestAddTargetRequiresParameters(t *testing.T) {
	var calls []call
	tests := []struct {
		name   string
		adder  *RubyTargetAdder
		target Target
	}{
		{"missing name", &RubyTargetAdder{Project: "App.xcodeproj"}, Target{BundleID: "com.a"}},
		{"missing bundle", &RubyTargetAdder{Project: "App.xcodeproj"}, Target{Name: "W"}},
		{"missing project", &RubyTargetAdder{}, Target{Name: "W", BundleID: "com.a"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.adder.run = recorder(&calls, "", nil)
			err := tt.adder.AddTarget(context.Background(), tt.target)
			assert.Check(t, errdefs.IsInvalidArgument(err))
		})
	}
	assert.Check(t, is.Len(calls, 0))
}

func TestCheckGem(t *testing.T) {
	var calls []call
	adder := &RubyTargetAdder{Gem: "gem3"}
	adder.run = recorder(&calls, "false", errors.New("exit status 1"))

	err := adder.CheckGem(context.Background())
	assert.Check(t, is.ErrorContains(err, "gem install xcodeproj"))
	assert.Check(t, is.Equal(calls[0].name, "gem3"))
	assert.Check(t, is.DeepEqual(calls[0].args, []string{"list", "xcodeproj", "-i"}))
}

func TestEmbeddedScriptReadsAllArguments(t *testing.T) {
	script := string(addTargetScript)
	for _, setting := range []string{"PRODUCT_BUNDLE_IDENTIFIER", "PROVISIONING_PROFILE_SPECIFIER", "DEVELOPMENT_TEAM", "CODE_SIGN_STYLE"} {
		assert.Check(t, strings.Contains(script, setting), setting)
	}
}
