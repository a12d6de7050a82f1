// Package main provides the live audio scene classification CLI.
//
// Usage:
//
//	asclive [flags] <command> [args]
//
// Commands:
//
//	serve     - HTTP API controlling live sessions
//	listen    - Headless live classification, printing predictions
//	model     - Classification service model management
//	batch     - Classify audio files in one request
//	evaluate  - Evaluate the loaded model on a labeled dataset archive
//	tone      - Write a synthetic test tone as WAV
//
// Configuration:
//
//	A YAML file given with --config. ASC_CLASSIFIER_ENDPOINT and
//	ASC_CLASSIFIER_API_KEY, from the environment or a .env file, override it.
package main

import (
	"fmt"
	"os"

	"github.com/s0l0l0b0/universal-asc-eval-app/cmd/asclive/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
