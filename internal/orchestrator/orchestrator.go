// Package orchestrator drives the top-level apply/destroy flow: load
// current state, diff against a desired manifest, destroy removed binds,
// update modified binds, realize new builds and apply new binds, commit a
// fresh snapshot, and roll back (restore) on failure (§4.J, §4.K).
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/distr1/envbind/internal/action"
	"github.com/distr1/envbind/internal/bindstate"
	"github.com/distr1/envbind/internal/dag"
	"github.com/distr1/envbind/internal/diff"
	"github.com/distr1/envbind/internal/env"
	"github.com/distr1/envbind/internal/model"
	"github.com/distr1/envbind/internal/placeholder"
	"github.com/distr1/envbind/internal/scheduler"
	"github.com/distr1/envbind/internal/snapshotstore"
	"github.com/distr1/envbind/internal/storelock"
	"github.com/distr1/envbind/internal/storeops"
	"golang.org/x/sync/semaphore"
	"golang.org/x/xerrors"
)

// ConfigNotFoundError reports a missing config file passed to Apply.
type ConfigNotFoundError struct{ Path string }

func (e *ConfigNotFoundError) Error() string {
	return fmt.Sprintf("orchestrator: config file not found: %s", e.Path)
}

// DestroyFailedError reports a bind that failed to destroy, with the set
// of hashes already destroyed before it (needed by the caller for restore
// bookkeeping in Apply, informational in Destroy).
type DestroyFailedError struct {
	Hash      model.ObjectHash
	Destroyed []model.ObjectHash
	Err       error
}

func (e *DestroyFailedError) Error() string {
	return fmt.Sprintf("orchestrator: failed to destroy bind %s: %v", e.Hash, e.Err)
}
func (e *DestroyFailedError) Unwrap() error { return e.Err }

// UpdateFailedError reports an (old, new) bind update that failed. Update
// failures never trigger rollback (§4.J step 8).
type UpdateFailedError struct {
	Old, New model.ObjectHash
	Err      error
}

func (e *UpdateFailedError) Error() string {
	return fmt.Sprintf("orchestrator: failed to update bind %s -> %s: %v", e.Old, e.New, e.Err)
}
func (e *UpdateFailedError) Unwrap() error { return e.Err }

// RestoreFailedError reports a bind that failed to restore during
// rollback. The snapshot pointer is cleared (not restored) when this
// occurs, relying on the next apply to self-heal.
type RestoreFailedError struct {
	Hash model.ObjectHash
	Err  error
}

func (e *RestoreFailedError) Error() string {
	return fmt.Sprintf("orchestrator: failed to restore bind %s during rollback: %v", e.Hash, e.Err)
}
func (e *RestoreFailedError) Unwrap() error { return e.Err }

// Options configures one Orchestrator run.
type Options struct {
	System      bool
	DryRun      bool
	Parallelism int
}

// ApplyResult is returned by a successful (or empty-diff / dry-run) Apply.
type ApplyResult struct {
	Snapshot       model.Snapshot
	Diff           diff.StateDiff
	Execution      *scheduler.DagResult
	BindsDestroyed int
	BindsUpdated   int
}

// DestroyResult is returned by Destroy.
type DestroyResult struct {
	BindsDestroyed int
	BuildsOrphaned int
}

// Orchestrator owns the collaborators one apply/destroy run needs: the
// store layout, snapshot and bind-state stores, and a Scheduler.
type Orchestrator struct {
	Config     env.StoreConfig
	Opts       Options
	Layout     *storeops.Layout
	Snapshots  *snapshotstore.Store
	BindStates *bindstate.Store
	Scheduler  *scheduler.Scheduler
	Log        *log.Logger
}

// New wires an Orchestrator's collaborators the way cmd/envbind does for
// every subcommand: one store layout, one snapshot store, one bind-state
// store, one executor-backed scheduler, sharing a single logger.
func New(cfg env.StoreConfig, logger *log.Logger, opts Options) *Orchestrator {
	if logger == nil {
		logger = log.Default()
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = 4
	}
	layout := storeops.New(cfg, logger)
	bindStates := bindstate.New(cfg, logger)
	snapshots := snapshotstore.New(cfg, logger)
	executor := action.NewExecutor(filepath.Join(cfg.Root(opts.System), "cache", "fetch"))
	sched := scheduler.New(layout, bindStates, executor, logger, scheduler.Config{
		Parallelism: opts.Parallelism,
		System:      opts.System,
	})
	return &Orchestrator{
		Config:     cfg,
		Opts:       opts,
		Layout:     layout,
		Snapshots:  snapshots,
		BindStates: bindStates,
		Scheduler:  sched,
		Log:        logger,
	}
}

// Apply realizes desired against the current snapshot (§4.J). configPath
// is recorded on the resulting snapshot and, if non-empty, validated to
// exist; the config-evaluation step itself (turning a config file into
// desired) is an external collaborator's responsibility, not the core's
// (§6), so desired is supplied already evaluated.
func (o *Orchestrator) Apply(ctx context.Context, configPath string, desired model.Manifest) (*ApplyResult, error) {
	if configPath != "" {
		if _, err := os.Stat(configPath); err != nil {
			return nil, &ConfigNotFoundError{Path: configPath}
		}
	}

	current, err := o.Snapshots.CurrentSnapshot(o.Opts.System)
	if err != nil {
		return nil, xerrors.Errorf("orchestrator: load current snapshot: %w", err)
	}
	var currentManifest *model.Manifest
	var previousID *string
	if current != nil {
		m := current.Manifest
		currentManifest = &m
		id := current.ID
		previousID = &id
	}

	d := diff.Compute(desired, currentManifest, o.Layout, o.Opts.System)
	o.Log.Printf("orchestrator: diff: realize=%d cached=%d apply=%d update=%d destroy=%d unchanged=%d",
		len(d.BuildsToRealize), len(d.BuildsCached), len(d.BindsToApply), len(d.BindsToUpdate), len(d.BindsToDestroy), len(d.BindsUnchanged))

	if d.IsEmpty() && !o.Opts.DryRun {
		snap := newSnapshot(configPath, desired)
		if err := o.Snapshots.SaveAndSetCurrent(snap, o.Opts.System); err != nil {
			return nil, xerrors.Errorf("orchestrator: save snapshot: %w", err)
		}
		return &ApplyResult{Snapshot: snap, Diff: d, Execution: &scheduler.DagResult{}}, nil
	}

	if o.Opts.DryRun {
		return &ApplyResult{
			Snapshot:  model.Snapshot{ID: "dry-run", ConfigPath: strp(configPath), Manifest: desired},
			Diff:      d,
			Execution: &scheduler.DagResult{},
		}, nil
	}

	lock, err := storelock.Acquire(o.Config, o.Opts.System, storelock.Exclusive, "apply", o.Log)
	if err != nil {
		return nil, xerrors.Errorf("orchestrator: acquire store lock: %w", err)
	}
	defer lock.Release()

	// 7. Destroy phase.
	destroyedHashes, err := o.destroyRemovedBinds(ctx, d.BindsToDestroy, currentManifest)
	if err != nil {
		var dfe *DestroyFailedError
		if errors.As(err, &dfe) && currentManifest != nil && len(dfe.Destroyed) > 0 {
			if restoreErr := o.restoreDestroyedBinds(ctx, dfe.Destroyed, *currentManifest); restoreErr != nil {
				o.Log.Printf("orchestrator: restore after destroy failure also failed: %v", restoreErr)
				if err := o.Snapshots.ClearCurrent(o.Opts.System); err != nil {
					o.Log.Printf("orchestrator: clear current snapshot: %v", err)
				}
			}
		}
		return nil, err
	}

	// 8. Update phase: no rollback on failure, fail fast.
	completedBuilds := o.buildResultsFromManifest(desired)
	completedBinds, err := o.bindResultsFromManifest(desired)
	if err != nil {
		return nil, xerrors.Errorf("orchestrator: load bind state for update resolver: %w", err)
	}
	updatedHashes, err := o.updateModifiedBinds(ctx, d.BindsToUpdate, desired, completedBuilds, completedBinds)
	if err != nil {
		return nil, err
	}

	// 9. Build-and-apply phase.
	execManifest := buildExecutionManifest(desired, d)
	o.Log.Printf("orchestrator: executing manifest: builds=%d binds=%d", len(execManifest.Builds), len(execManifest.Bindings))

	dagResult, runErr := o.Scheduler.Run(ctx, execManifest)
	if runErr != nil {
		if currentManifest != nil && len(destroyedHashes) > 0 {
			if restoreErr := o.restoreDestroyedBinds(ctx, destroyedHashes, *currentManifest); restoreErr != nil {
				o.Log.Printf("orchestrator: restore after execution failure also failed: %v", restoreErr)
				if err := o.Snapshots.ClearCurrent(o.Opts.System); err != nil {
					o.Log.Printf("orchestrator: clear current snapshot: %v", err)
				}
			} else if previousID != nil {
				if err := o.Snapshots.SetCurrent(*previousID, o.Opts.System); err != nil {
					o.Log.Printf("orchestrator: restore previous snapshot pointer: %v", err)
				} else {
					o.Log.Printf("orchestrator: restored previous snapshot %s", *previousID)
				}
			}
		}
		return nil, xerrors.Errorf("orchestrator: execute: %w", runErr)
	}

	// 10. Commit: bind state for newly applied binds was already persisted
	// by the scheduler as each bind completed; only destroyed-bind cleanup
	// and the new snapshot remain.
	for _, h := range destroyedHashes {
		if err := o.BindStates.Remove(h, o.Opts.System); err != nil {
			return nil, xerrors.Errorf("orchestrator: remove state for destroyed bind %s: %w", h, err)
		}
	}

	snap := newSnapshot(configPath, desired)
	if err := o.Snapshots.SaveAndSetCurrent(snap, o.Opts.System); err != nil {
		return nil, xerrors.Errorf("orchestrator: save snapshot: %w", err)
	}
	o.Log.Printf("orchestrator: snapshot %s saved", snap.ID)

	return &ApplyResult{
		Snapshot:       snap,
		Diff:           d,
		Execution:      dagResult,
		BindsDestroyed: len(destroyedHashes),
		BindsUpdated:   len(updatedHashes),
	}, nil
}

// Destroy tears down every bind in the current snapshot, leaving its
// builds as orphaned leaves for a later GC pass (§4.J).
func (o *Orchestrator) Destroy(ctx context.Context) (*DestroyResult, error) {
	current, err := o.Snapshots.CurrentSnapshot(o.Opts.System)
	if err != nil {
		return nil, xerrors.Errorf("orchestrator: load current snapshot: %w", err)
	}
	if current == nil {
		o.Log.Printf("orchestrator: no current snapshot, nothing to destroy")
		return &DestroyResult{}, nil
	}

	manifest := current.Manifest
	bindCount := len(manifest.Bindings)
	buildCount := len(manifest.Builds)

	if bindCount == 0 && !o.Opts.DryRun {
		if err := o.Snapshots.ClearCurrent(o.Opts.System); err != nil {
			return nil, xerrors.Errorf("orchestrator: clear current snapshot: %w", err)
		}
		return &DestroyResult{BuildsOrphaned: buildCount}, nil
	}

	if o.Opts.DryRun {
		return &DestroyResult{BindsDestroyed: bindCount, BuildsOrphaned: buildCount}, nil
	}

	lock, err := storelock.Acquire(o.Config, o.Opts.System, storelock.Exclusive, "destroy", o.Log)
	if err != nil {
		return nil, xerrors.Errorf("orchestrator: acquire store lock: %w", err)
	}
	defer lock.Release()

	bindHashes := manifest.SortedBindHashes()
	destroyedHashes, err := o.destroyRemovedBinds(ctx, bindHashes, &manifest)
	if err != nil {
		var dfe *DestroyFailedError
		if errors.As(err, &dfe) {
			for _, h := range dfe.Destroyed {
				if rmErr := o.BindStates.Remove(h, o.Opts.System); rmErr != nil {
					o.Log.Printf("orchestrator: clean up state for destroyed bind %s: %v", h, rmErr)
				}
			}
		}
		return nil, err
	}

	for _, h := range destroyedHashes {
		if err := o.BindStates.Remove(h, o.Opts.System); err != nil {
			return nil, xerrors.Errorf("orchestrator: remove state for destroyed bind %s: %w", h, err)
		}
	}

	if err := o.Snapshots.ClearCurrent(o.Opts.System); err != nil {
		return nil, xerrors.Errorf("orchestrator: clear current snapshot: %w", err)
	}
	o.Log.Printf("orchestrator: destroy complete, %d binds destroyed", len(destroyedHashes))

	return &DestroyResult{BindsDestroyed: len(destroyedHashes), BuildsOrphaned: buildCount}, nil
}

// destroyRemovedBinds runs destroy_actions for each hash in order, stopping
// at the first failure. Bind-state cleanup is deferred to the caller, who
// decides whether cleanup happens now (Destroy) or only after a later full
// success (Apply's commit phase), per §4.J step 10's atomicity note.
func (o *Orchestrator) destroyRemovedBinds(ctx context.Context, hashes []model.ObjectHash, manifest *model.Manifest) ([]model.ObjectHash, error) {
	if len(hashes) == 0 {
		return nil, nil
	}
	o.Log.Printf("orchestrator: destroying %d removed binds", len(hashes))

	var destroyed []model.ObjectHash
	for _, h := range hashes {
		b, ok := manifestBinding(manifest, h)
		if !ok {
			o.Log.Printf("orchestrator: bind %s missing from manifest, skipping destroy", h)
			continue
		}
		if err := o.Scheduler.DestroyBindFromManifest(ctx, b, h); err != nil {
			return destroyed, &DestroyFailedError{Hash: h, Destroyed: destroyed, Err: err}
		}
		destroyed = append(destroyed, h)
	}
	return destroyed, nil
}

func manifestBinding(m *model.Manifest, h model.ObjectHash) (model.BindDef, bool) {
	if m == nil {
		return model.BindDef{}, false
	}
	b, ok := m.Bindings[h]
	return b, ok
}

// updateModifiedBinds runs UpdateBind for each pair, failing fast on the
// first error with no rollback (§4.J step 8).
func (o *Orchestrator) updateModifiedBinds(ctx context.Context, pairs []diff.UpdatePair, desired model.Manifest, completedBuilds, completedBinds map[model.ObjectHash]map[string]string) ([]model.ObjectHash, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	o.Log.Printf("orchestrator: updating %d modified binds", len(pairs))

	var updated []model.ObjectHash
	for _, p := range pairs {
		if _, err := o.Scheduler.UpdateBind(ctx, desired, p.Old, p.New, completedBuilds, completedBinds); err != nil {
			return updated, &UpdateFailedError{Old: p.Old, New: p.New, Err: err}
		}
		updated = append(updated, p.New)
	}
	return updated, nil
}

// restoreDestroyedBinds re-applies create_actions for destroyedHashes in
// previous-manifest wave order, parallel within a wave and bounded by the
// same parallelism as a normal run, persisting BindState as each completes
// (ApplyBindFromManifest does this internally). Any per-bind failure aborts
// with RestoreFailedError (§4.J "Restore sub-protocol").
func (o *Orchestrator) restoreDestroyedBinds(ctx context.Context, destroyedHashes []model.ObjectHash, previous model.Manifest) error {
	if len(destroyedHashes) == 0 {
		return nil
	}
	o.Log.Printf("orchestrator: restoring %d destroyed binds", len(destroyedHashes))

	destroyedSet := make(map[model.ObjectHash]bool, len(destroyedHashes))
	for _, h := range destroyedHashes {
		destroyedSet[h] = true
	}

	completedBuilds := o.buildResultsFromManifest(previous)
	completedBinds, err := o.bindResultsFromManifest(previous)
	if err != nil {
		return xerrors.Errorf("orchestrator: restore: load bind state: %w", err)
	}

	d, err := dag.New(previous)
	if err != nil {
		return xerrors.Errorf("orchestrator: restore: build dag: %w", err)
	}
	waves, err := d.ExecutionWaves()
	if err != nil {
		return xerrors.Errorf("orchestrator: restore: compute waves: %w", err)
	}

	var mu sync.Mutex
	for _, wave := range waves {
		var toRestore []model.ObjectHash
		for _, n := range wave {
			if n.Kind == dag.KindBind && destroyedSet[n.Hash] {
				toRestore = append(toRestore, n.Hash)
			}
		}
		if len(toRestore) == 0 {
			continue
		}

		// A weighted semaphore plus WaitGroup, not errgroup.WithContext:
		// one bind's restore failure must not cancel a sibling bind's
		// in-flight restore within the same wave (§5), matching
		// internal/scheduler's runNodes.
		errs := make([]error, len(toRestore))
		var wg sync.WaitGroup
		sem := semaphore.NewWeighted(int64(o.Opts.Parallelism))
		for i, h := range toRestore {
			i, h := i, h
			if err := sem.Acquire(ctx, 1); err != nil {
				errs[i] = err
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer sem.Release(1)
				res, err := o.Scheduler.ApplyBindFromManifest(ctx, previous, h, completedBuilds, completedBinds)
				if err != nil {
					errs[i] = err
					return
				}
				mu.Lock()
				completedBinds[h] = res.Outputs
				mu.Unlock()
			}()
		}
		wg.Wait()

		for i, err := range errs {
			if err != nil {
				return &RestoreFailedError{Hash: toRestore[i], Err: err}
			}
		}
	}
	return nil
}

// buildResultsFromManifest approximates each build's resolved outputs from
// its already-committed store path, for placeholder resolution during
// update/restore. Only "${out}"-shaped templates resolve; a build whose
// output template needs ${action:N} can't be reconstructed after the fact
// without re-running actions, matching the upstream restore path's own
// simplifying assumption that store outputs are already resolved on disk.
func (o *Orchestrator) buildResultsFromManifest(m model.Manifest) map[model.ObjectHash]map[string]string {
	out := make(map[model.ObjectHash]map[string]string, len(m.Builds))
	for hash, b := range m.Builds {
		storePath := o.Layout.BuildDirPath(hash, o.Opts.System)
		r := &outOnlyResolver{out: storePath}
		outputs := make(map[string]string, len(b.Outputs)+1)
		for name, tmpl := range b.Outputs {
			if val, err := placeholder.Substitute(tmpl, r); err == nil {
				outputs[name] = val
			}
		}
		if _, ok := outputs["out"]; !ok {
			outputs["out"] = storePath
		}
		out[hash] = outputs
	}
	return out
}

// bindResultsFromManifest loads BindState for every bind hash in m,
// skipping (not erroring on) hashes with no recorded state.
func (o *Orchestrator) bindResultsFromManifest(m model.Manifest) (map[model.ObjectHash]map[string]string, error) {
	out := make(map[model.ObjectHash]map[string]string, len(m.Bindings))
	for hash := range m.Bindings {
		state, err := o.BindStates.Load(hash, o.Opts.System)
		if err != nil {
			return nil, err
		}
		if state != nil {
			out[hash] = state.Outputs
		}
	}
	return out, nil
}

// outOnlyResolver resolves only ${out}; used where actions cannot be
// re-run, so action/build/bind placeholders are errors rather than silent
// defaults.
type outOnlyResolver struct{ out string }

func (r *outOnlyResolver) ResolveAction(index int) (string, error) {
	return "", &placeholder.UnresolvedActionError{Index: index}
}
func (r *outOnlyResolver) ResolveBuild(hashPrefix, output string) (string, error) {
	return "", &placeholder.UnresolvedBuildError{Hash: hashPrefix, Output: output}
}
func (r *outOnlyResolver) ResolveBind(hashPrefix, output string) (string, error) {
	return "", &placeholder.UnresolvedBindError{Hash: hashPrefix, Output: output}
}
func (r *outOnlyResolver) ResolveOut() (string, error) { return r.out, nil }

// buildExecutionManifest restricts desired to what the scheduler actually
// needs to touch this run: builds to realize plus already-cached builds
// (so bind placeholders can resolve against them), and binds to apply.
func buildExecutionManifest(desired model.Manifest, d diff.StateDiff) model.Manifest {
	m := model.NewManifest()
	for _, h := range d.BuildsToRealize {
		if b, ok := desired.Builds[h]; ok {
			m.Builds[h] = b
		}
	}
	for _, h := range d.BuildsCached {
		if b, ok := desired.Builds[h]; ok {
			m.Builds[h] = b
		}
	}
	for _, h := range d.BindsToApply {
		if b, ok := desired.Bindings[h]; ok {
			m.Bindings[h] = b
		}
	}
	return m
}

func newSnapshot(configPath string, manifest model.Manifest) model.Snapshot {
	return model.Snapshot{
		ID:         snapshotstore.NewSnapshotID(),
		CreatedAt:  uint64(time.Now().Unix()),
		ConfigPath: strp(configPath),
		Manifest:   manifest,
	}
}

func strp(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
