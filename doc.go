// Package main provides the targetsign CLI, which adds independently signed
// targets to a Cordova iOS project.
//
// The pipeline itself lives in the targetsign subpackage:
//
//	import "github.com/aluedeke/go-targetsign/pkg/targetsign"
//
// # Installation
//
//	go install github.com/aluedeke/go-targetsign@latest
//
// # Cordova hooks
//
// Plugin variables may be passed straight through as NAME=value arguments:
//
//	targetsign run FIRST_TARGET_BUNDLEID=$BUNDLE SECOND_TARGET_NAME=Widget SECOND_TARGET_BUNDLE_ID=$BUNDLE.widget
package main
