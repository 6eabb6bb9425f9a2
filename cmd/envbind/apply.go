package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/distr1/envbind/internal/config"
	"github.com/distr1/envbind/internal/env"
	"github.com/distr1/envbind/internal/orchestrator"
)

const applyHelp = `envbind apply [-flags]

Diff the configuration at -config against the current snapshot, apply the
difference (realize new builds, apply/update/destroy binds), and commit a
new snapshot.

Example:
  % envbind apply
  % envbind apply -dry_run -config ./envbind.json
`

func cmdapply(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("apply", flag.ExitOnError)
	var (
		configPath  = fset.String("config", "envbind.json", "path to the manifest file to apply")
		system      = fset.Bool("system", false, "operate on the system store instead of the user store")
		dryRun      = fset.Bool("dry_run", false, "print what would change without touching the store")
		parallelism = fset.Int("parallelism", 4, "maximum number of builds/binds to run concurrently per wave")
	)
	fset.Usage = usage(fset, applyHelp)
	fset.Parse(args)

	desired, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	o := orchestrator.New(env.LoadStoreConfig(), stderrLogger(), orchestrator.Options{
		System:      *system,
		DryRun:      *dryRun,
		Parallelism: *parallelism,
	})

	result, err := o.Apply(ctx, *configPath, desired)
	if err != nil {
		return err
	}

	d := result.Diff
	if *dryRun {
		fmt.Printf("dry run: %d build(s) to realize, %d cached, %d orphaned; %d bind(s) to apply, %d to destroy, %d to update, %d unchanged\n",
			len(d.BuildsToRealize), len(d.BuildsCached), len(d.BuildsOrphaned),
			len(d.BindsToApply), len(d.BindsToDestroy), len(d.BindsToUpdate), len(d.BindsUnchanged))
		return nil
	}

	fmt.Printf("applied: snapshot %s (%d build(s), %d bind(s))\n",
		result.Snapshot.ID, len(result.Snapshot.Manifest.Builds), len(result.Snapshot.Manifest.Bindings))
	if result.BindsDestroyed > 0 {
		fmt.Printf("  destroyed %d bind(s)\n", result.BindsDestroyed)
	}
	if result.BindsUpdated > 0 {
		fmt.Printf("  updated %d bind(s)\n", result.BindsUpdated)
	}
	return nil
}
