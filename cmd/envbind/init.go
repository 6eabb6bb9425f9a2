package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/distr1/envbind/internal/env"
	"github.com/distr1/envbind/internal/model"
)

const initHelp = `envbind init [-flags]

Scaffold a starter configuration file and create the store root if it
doesn't already exist. The scaffolded file declares no builds or binds;
edit it (or regenerate it from your own tooling) before running apply.

Example:
  % envbind init
  % envbind init -config ./envbind.json
`

// exampleManifest is an empty-but-valid manifest, the smallest input
// envbind apply will accept.
func exampleManifest() model.Manifest {
	return model.NewManifest()
}

func cmdinit(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("init", flag.ExitOnError)
	var (
		configPath = fset.String("config", "envbind.json", "path to scaffold the configuration file at")
		system     = fset.Bool("system", false, "create the system store instead of the user store")
	)
	fset.Usage = usage(fset, initHelp)
	fset.Parse(args)

	if _, err := os.Stat(*configPath); err == nil {
		return fmt.Errorf("init: %s already exists", *configPath)
	} else if !os.IsNotExist(err) {
		return err
	}

	b, err := marshalManifest(exampleManifest())
	if err != nil {
		return err
	}
	if err := os.WriteFile(*configPath, b, 0o644); err != nil {
		return err
	}

	cfg := env.LoadStoreConfig()
	root := cfg.Root(*system)
	if root == "" {
		return fmt.Errorf("init: no store root configured (set ENVBIND_SYSTEM_STORE to use -system)")
	}
	if err := os.MkdirAll(filepath.Join(root, "build"), 0o755); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Join(root, "bind"), 0o755); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Join(root, "snapshots"), 0o755); err != nil {
		return err
	}

	fmt.Printf("initialized %s and store root %s\n", *configPath, root)
	return nil
}
