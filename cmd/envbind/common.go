package main

import (
	"encoding/json"
	"log"
	"os"

	"github.com/distr1/envbind/internal/model"
)

// stderrLogger returns the *log.Logger every subcommand hands to its
// orchestrator/store collaborators, matching how cmd/distri threads a
// single logger through build/install operations.
func stderrLogger() *log.Logger {
	return log.New(os.Stderr, "", log.LstdFlags)
}

// marshalManifest renders m as indented JSON, the format internal/config
// reads back in.
func marshalManifest(m model.Manifest) ([]byte, error) {
	return json.MarshalIndent(m, "", "  ")
}
