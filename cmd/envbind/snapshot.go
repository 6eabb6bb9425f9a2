package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/distr1/envbind/internal/env"
	"github.com/distr1/envbind/internal/snapshotstore"
)

const snapshotHelp = `envbind snapshot <list|show|delete|tag|untag> [-flags] [args]

Inspect and manage stored snapshots.

Example:
  % envbind snapshot list -v
  % envbind snapshot show 17a2c3e4f5b6d7e8-9c4e2a17
  % envbind snapshot delete -older_than 168h
  % envbind snapshot tag 17a2c3e4f5b6d7e8-9c4e2a17 known-good
`

func cmdsnapshot(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("snapshot: missing subcommand (list|show|delete|tag|untag)")
	}
	sub, args := args[0], args[1:]
	switch sub {
	case "list":
		return snapshotList(args)
	case "show":
		return snapshotShow(args)
	case "delete":
		return snapshotDelete(args)
	case "tag":
		return snapshotTag(args)
	case "untag":
		return snapshotUntag(args)
	default:
		return fmt.Errorf("snapshot: unknown subcommand %q", sub)
	}
}

func snapshotList(args []string) error {
	fset := flag.NewFlagSet("snapshot list", flag.ExitOnError)
	var (
		verbose = fset.Bool("v", false, "show config path and tag details")
		system  = fset.Bool("system", false, "list system-store snapshots instead of the user store")
	)
	fset.Usage = usage(fset, snapshotHelp)
	fset.Parse(args)

	store := snapshotstore.New(env.LoadStoreConfig(), stderrLogger())
	snapshots, err := store.List(*system)
	if err != nil {
		return err
	}
	current, err := store.CurrentSnapshot(*system)
	if err != nil {
		return err
	}
	var currentID string
	if current != nil {
		currentID = current.ID
	}

	if len(snapshots) == 0 {
		fmt.Println("no snapshots")
		return nil
	}
	for i := len(snapshots) - 1; i >= 0; i-- {
		s := snapshots[i]
		marker := " "
		if s.ID == currentID {
			marker = "*"
		}
		fmt.Printf("%s %s  %s\n", marker, s.ID, time.Unix(int64(s.CreatedAt), 0).Format(time.RFC3339))
		if *verbose {
			if s.ConfigPath != nil {
				fmt.Printf("    config: %s\n", *s.ConfigPath)
			}
			if len(s.Tags) > 0 {
				fmt.Printf("    tags: %v\n", s.Tags)
			}
		}
	}
	return nil
}

func snapshotShow(args []string) error {
	fset := flag.NewFlagSet("snapshot show", flag.ExitOnError)
	var (
		verbose = fset.Bool("v", false, "include the full build/bind list")
		system  = fset.Bool("system", false, "look up a system-store snapshot instead of the user store")
	)
	fset.Usage = usage(fset, snapshotHelp)
	fset.Parse(args)
	if fset.NArg() != 1 {
		return fmt.Errorf("snapshot show: expected exactly one snapshot id")
	}

	store := snapshotstore.New(env.LoadStoreConfig(), stderrLogger())
	snap, err := store.LoadSnapshot(fset.Arg(0), *system)
	if err != nil {
		return err
	}

	fmt.Printf("id:         %s\n", snap.ID)
	fmt.Printf("created_at: %s\n", time.Unix(int64(snap.CreatedAt), 0).Format(time.RFC3339))
	if snap.ConfigPath != nil {
		fmt.Printf("config:     %s\n", *snap.ConfigPath)
	}
	fmt.Printf("tags:       %v\n", snap.Tags)
	fmt.Printf("builds:     %d\n", len(snap.Manifest.Builds))
	fmt.Printf("binds:      %d\n", len(snap.Manifest.Bindings))
	if *verbose {
		for _, h := range snap.Manifest.SortedBuildHashes() {
			fmt.Printf("  build %s\n", h)
		}
		for _, h := range snap.Manifest.SortedBindHashes() {
			fmt.Printf("  bind  %s\n", h)
		}
	}
	return nil
}

func snapshotDelete(args []string) error {
	fset := flag.NewFlagSet("snapshot delete", flag.ExitOnError)
	var (
		olderThan = fset.Duration("older_than", 0, "delete snapshots older than this duration instead of by id")
		dryRun    = fset.Bool("dry_run", false, "preview what would be deleted")
		system    = fset.Bool("system", false, "operate on the system store instead of the user store")
	)
	fset.Usage = usage(fset, snapshotHelp)
	fset.Parse(args)

	store := snapshotstore.New(env.LoadStoreConfig(), stderrLogger())
	candidates := append([]string(nil), fset.Args()...)

	if *olderThan > 0 {
		all, err := store.List(*system)
		if err != nil {
			return err
		}
		cutoff := time.Now().Add(-*olderThan).Unix()
		for _, s := range all {
			if int64(s.CreatedAt) < cutoff && !contains(candidates, s.ID) {
				candidates = append(candidates, s.ID)
			}
		}
	}

	if len(candidates) == 0 {
		fmt.Println("no snapshots to delete")
		return nil
	}

	current, err := store.CurrentSnapshot(*system)
	if err != nil {
		return err
	}
	if current != nil {
		filtered := candidates[:0]
		skippedCurrent := false
		for _, id := range candidates {
			if id == current.ID {
				skippedCurrent = true
				continue
			}
			filtered = append(filtered, id)
		}
		candidates = filtered
		if skippedCurrent {
			fmt.Println("skipping the current snapshot; run `envbind destroy` first")
		}
	}

	if len(candidates) == 0 {
		return nil
	}
	if *dryRun {
		fmt.Printf("would delete %d snapshot(s): %v\n", len(candidates), candidates)
		return nil
	}

	var deleted, failed int
	for _, id := range candidates {
		if err := store.DeleteSnapshot(id, *system); err != nil {
			fmt.Printf("failed to delete %s: %v\n", id, err)
			failed++
			continue
		}
		deleted++
	}
	fmt.Printf("deleted %d snapshot(s), %d failure(s)\n", deleted, failed)
	return nil
}

func snapshotTag(args []string) error {
	fset := flag.NewFlagSet("snapshot tag", flag.ExitOnError)
	system := fset.Bool("system", false, "operate on the system store instead of the user store")
	fset.Usage = usage(fset, snapshotHelp)
	fset.Parse(args)
	if fset.NArg() != 2 {
		return fmt.Errorf("snapshot tag: expected <id> <name>")
	}

	store := snapshotstore.New(env.LoadStoreConfig(), stderrLogger())
	tags, err := currentTags(store, fset.Arg(0), *system)
	if err != nil {
		return err
	}
	if !contains(tags, fset.Arg(1)) {
		tags = append(tags, fset.Arg(1))
	}
	return store.SetTags(fset.Arg(0), tags, *system)
}

func snapshotUntag(args []string) error {
	fset := flag.NewFlagSet("snapshot untag", flag.ExitOnError)
	system := fset.Bool("system", false, "operate on the system store instead of the user store")
	fset.Usage = usage(fset, snapshotHelp)
	fset.Parse(args)
	if fset.NArg() < 1 || fset.NArg() > 2 {
		return fmt.Errorf("snapshot untag: expected <id> [name]")
	}

	store := snapshotstore.New(env.LoadStoreConfig(), stderrLogger())
	tags, err := currentTags(store, fset.Arg(0), *system)
	if err != nil {
		return err
	}
	if fset.NArg() == 1 {
		return store.SetTags(fset.Arg(0), nil, *system)
	}
	filtered := tags[:0]
	for _, t := range tags {
		if t != fset.Arg(1) {
			filtered = append(filtered, t)
		}
	}
	return store.SetTags(fset.Arg(0), filtered, *system)
}

func currentTags(store *snapshotstore.Store, id string, system bool) ([]string, error) {
	snap, err := store.LoadSnapshot(id, system)
	if err != nil {
		return nil, err
	}
	return append([]string(nil), snap.Tags...), nil
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}
