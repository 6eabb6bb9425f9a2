package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/distr1/envbind/internal/env"
	"github.com/distr1/envbind/internal/orchestrator"
)

const destroyHelp = `envbind destroy [-flags]

Destroy every bind in the current snapshot (one at a time, in bind-hash
order) and clear the current-snapshot pointer. Orphaned build directories are left in the
store; run a separate garbage collection pass to reclaim them.

Example:
  % envbind destroy
  % envbind destroy -dry_run
`

func cmddestroy(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("destroy", flag.ExitOnError)
	var (
		system      = fset.Bool("system", false, "operate on the system store instead of the user store")
		dryRun      = fset.Bool("dry_run", false, "print what would be destroyed without touching the store")
		parallelism = fset.Int("parallelism", 4, "parallelism setting passed to the orchestrator (destroy runs binds one at a time, so it has no effect here)")
	)
	fset.Usage = usage(fset, destroyHelp)
	fset.Parse(args)

	o := orchestrator.New(env.LoadStoreConfig(), stderrLogger(), orchestrator.Options{
		System:      *system,
		DryRun:      *dryRun,
		Parallelism: *parallelism,
	})

	result, err := o.Destroy(ctx)
	if err != nil {
		return err
	}

	if *dryRun {
		fmt.Printf("dry run: %d bind(s) would be destroyed\n", result.BindsDestroyed)
		return nil
	}
	fmt.Printf("destroyed %d bind(s); %d build(s) left orphaned in the store\n", result.BindsDestroyed, result.BuildsOrphaned)
	return nil
}
