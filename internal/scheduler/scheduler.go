// Package scheduler executes the waves of an ExecutionDag: realizing builds
// (or hitting their store cache), applying/updating/destroying binds, and
// rolling back the binds a failed run has already applied (§4.F).
package scheduler

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/distr1/envbind/internal/action"
	"github.com/distr1/envbind/internal/bindstate"
	"github.com/distr1/envbind/internal/dag"
	"github.com/distr1/envbind/internal/model"
	"github.com/distr1/envbind/internal/placeholder"
	"github.com/distr1/envbind/internal/storeops"
	"golang.org/x/sync/semaphore"
	"golang.org/x/xerrors"
)

// Config bounds one scheduler run (§4.F "ExecuteConfig").
type Config struct {
	Parallelism int
	System      bool
}

// BuildResult is what realizing (or cache-hitting) one build produces.
type BuildResult struct {
	StorePath     string
	Outputs       map[string]string
	ActionResults []action.Result
	CacheHit      bool
}

// BindResult is what applying one bind produces.
type BindResult struct {
	Outputs map[string]string
}

// FailedDep names the dependency that caused a node to be skipped.
type FailedDep struct {
	Hash model.ObjectHash
}

// FailureRecord is the (hash, error) pair for the first build or bind
// failure a run encountered.
type FailureRecord struct {
	Hash model.ObjectHash
	Err  error
}

// DagResult is the accumulated outcome of one Scheduler.Run call.
type DagResult struct {
	Realized map[model.ObjectHash]BuildResult
	Applied  map[model.ObjectHash]BindResult

	BuildFailed *FailureRecord
	BindFailed  *FailureRecord

	BuildSkipped map[model.ObjectHash]FailedDep
	BindSkipped  map[model.ObjectHash]FailedDep

	// AppliedOrder is the ordered, append-only list of bind hashes in
	// actual completion order, the order a rollback reverses (§5).
	AppliedOrder []model.ObjectHash
}

func newDagResult() *DagResult {
	return &DagResult{
		Realized:     make(map[model.ObjectHash]BuildResult),
		Applied:      make(map[model.ObjectHash]BindResult),
		BuildSkipped: make(map[model.ObjectHash]FailedDep),
		BindSkipped:  make(map[model.ObjectHash]FailedDep),
	}
}

// FailedError is returned by Run when a build or bind failed; the caller
// (the orchestrator) inspects DagResult to decide on restore.
type FailedError struct {
	Result *DagResult
}

func (e *FailedError) Error() string {
	if e.Result.BuildFailed != nil {
		return fmt.Sprintf("scheduler: build %s failed: %v", e.Result.BuildFailed.Hash, e.Result.BuildFailed.Err)
	}
	if e.Result.BindFailed != nil {
		return fmt.Sprintf("scheduler: bind %s failed: %v", e.Result.BindFailed.Hash, e.Result.BindFailed.Err)
	}
	return "scheduler: failed"
}

// Scheduler runs a Manifest's ExecutionDag wave by wave.
type Scheduler struct {
	Layout     *storeops.Layout
	BindStates *bindstate.Store
	Executor   *action.Executor
	Log        *log.Logger
	Config     Config

	progress *progressReporter
}

// New returns a Scheduler over the given collaborators. Wave progress is
// drawn to os.Stderr when it's a terminal; use SetProgressOutput to redirect
// or silence it (e.g. in tests).
func New(layout *storeops.Layout, bindStates *bindstate.Store, executor *action.Executor, logger *log.Logger, cfg Config) *Scheduler {
	if logger == nil {
		logger = log.Default()
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 1
	}
	return &Scheduler{
		Layout:     layout,
		BindStates: bindStates,
		Executor:   executor,
		Log:        logger,
		Config:     cfg,
		progress:   newProgressReporter(os.Stderr),
	}
}

// SetProgressOutput redirects wave-progress status lines to w. w is only
// ever drawn to when it looks like a terminal (via an Fd() method), so
// passing a plain io.Writer such as a test buffer effectively disables it.
func (s *Scheduler) SetProgressOutput(w io.Writer) {
	s.progress = newProgressReporter(w)
}

type nodeOutcome struct {
	node dag.Node
	err  error
}

// runNodes executes fn for every node in nodes, bounded by s.Config.Parallelism
// in-flight at once, and waits for every one of them to finish (§5:
// in-flight peers in a wave are never killed on a sibling's failure, so this
// deliberately uses a weighted semaphore plus WaitGroup rather than
// errgroup.WithContext, whose first error cancels the shared context and
// would abort every other in-flight goroutine in the wave).
func (s *Scheduler) runNodes(ctx context.Context, nodes []dag.Node, fn func(dag.Node) error) []nodeOutcome {
	outcomes := make([]nodeOutcome, len(nodes))
	s.progress.start(nodes)
	defer s.progress.finish()
	sem := semaphore.NewWeighted(int64(s.Config.Parallelism))
	var wg sync.WaitGroup
	for i, n := range nodes {
		i, n := i, n
		if err := sem.Acquire(ctx, 1); err != nil {
			outcomes[i] = nodeOutcome{node: n, err: err}
			continue
		}
		wg.Add(1)
		s.progress.update(i, nodeLabel(n, "running"))
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			err := fn(n)
			outcomes[i] = nodeOutcome{node: n, err: err}
			if err != nil {
				s.progress.update(i, nodeLabel(n, "failed"))
			} else {
				s.progress.update(i, nodeLabel(n, "done"))
			}
		}()
	}
	wg.Wait()
	return outcomes
}

// Run executes every wave of m in order, returning a *FailedError wrapping
// the partial DagResult if a build or bind failed (§4.F).
func (s *Scheduler) Run(ctx context.Context, m model.Manifest) (*DagResult, error) {
	d, err := dag.New(m)
	if err != nil {
		return nil, xerrors.Errorf("scheduler: build dag: %w", err)
	}
	waves, err := d.ExecutionWaves()
	if err != nil {
		return nil, xerrors.Errorf("scheduler: compute waves: %w", err)
	}

	result := newDagResult()
	failed := make(map[model.ObjectHash]bool)
	completedBuilds := make(map[model.ObjectHash]map[string]string)
	completedBinds := make(map[model.ObjectHash]map[string]string)
	var mu sync.Mutex

	// halted flips on the first build or bind failure: no further nodes
	// are dispatched, but the remaining waves are still walked so every
	// transitive dependent of a failed node is recorded as skipped.
	halted := false
	for _, wave := range waves {
		var readyBuilds, readyBinds []dag.Node
		for _, n := range wave {
			deps := nodeDependencies(d, n)
			if dep, skip := firstFailed(deps, failed); skip {
				// A skipped node never ran, so its own dependents
				// must skip too: mark it failed as well.
				failed[n.Hash] = true
				if n.Kind == dag.KindBuild {
					result.BuildSkipped[n.Hash] = FailedDep{Hash: dep}
				} else {
					result.BindSkipped[n.Hash] = FailedDep{Hash: dep}
				}
				continue
			}
			if halted {
				// Ready but never started: its dependencies all
				// succeeded, it just lost its wave (§5: no further
				// waves are started after a failure).
				continue
			}
			if n.Kind == dag.KindBuild {
				readyBuilds = append(readyBuilds, n)
			} else {
				readyBinds = append(readyBinds, n)
			}
		}
		if halted {
			continue
		}

		if len(readyBuilds) > 0 {
			outcomes := s.runNodes(ctx, readyBuilds, func(n dag.Node) error {
				br, err := s.realizeBuild(ctx, m, n.Hash, completedBuilds, completedBinds)
				if err != nil {
					return err
				}
				mu.Lock()
				result.Realized[n.Hash] = br
				completedBuilds[n.Hash] = br.Outputs
				mu.Unlock()
				return nil
			})
			if buildFailed(outcomes, result, failed) {
				s.rollback(ctx, m, completedBinds, result.AppliedOrder)
				halted = true
				continue
			}
		}

		if len(readyBinds) > 0 {
			outcomes := s.runNodes(ctx, readyBinds, func(n dag.Node) error {
				res, err := s.applyBind(ctx, m, n.Hash, completedBuilds, completedBinds)
				if err != nil {
					return err
				}
				mu.Lock()
				result.Applied[n.Hash] = res
				completedBinds[n.Hash] = res.Outputs
				result.AppliedOrder = append(result.AppliedOrder, n.Hash)
				mu.Unlock()
				return nil
			})
			if bindFailed(outcomes, result, failed) {
				s.rollback(ctx, m, completedBinds, result.AppliedOrder)
				halted = true
			}
		}
	}

	if result.BuildFailed != nil || result.BindFailed != nil {
		return result, &FailedError{Result: result}
	}
	return result, nil
}

func nodeDependencies(d *dag.ExecutionDag, n dag.Node) []model.ObjectHash {
	if n.Kind == dag.KindBuild {
		return d.BuildDependencies(n.Hash)
	}
	deps := append([]model.ObjectHash{}, d.BindBuildDependencies(n.Hash)...)
	return append(deps, d.BindBindDependencies(n.Hash)...)
}

func firstFailed(deps []model.ObjectHash, failed map[model.ObjectHash]bool) (model.ObjectHash, bool) {
	for _, h := range deps {
		if failed[h] {
			return h, true
		}
	}
	return "", false
}

func buildFailed(outcomes []nodeOutcome, result *DagResult, failed map[model.ObjectHash]bool) bool {
	anyFailed := false
	for _, oc := range outcomes {
		if oc.err != nil {
			failed[oc.node.Hash] = true
			if result.BuildFailed == nil {
				result.BuildFailed = &FailureRecord{Hash: oc.node.Hash, Err: oc.err}
			}
			anyFailed = true
		}
	}
	return anyFailed
}

func bindFailed(outcomes []nodeOutcome, result *DagResult, failed map[model.ObjectHash]bool) bool {
	anyFailed := false
	for _, oc := range outcomes {
		if oc.err != nil {
			failed[oc.node.Hash] = true
			if result.BindFailed == nil {
				result.BindFailed = &FailureRecord{Hash: oc.node.Hash, Err: oc.err}
			}
			anyFailed = true
		}
	}
	return anyFailed
}

// realizeBuild is the build realization path (§4.F): a cache hit re-derives
// outputs from templates with no actions run; otherwise actions execute in
// order and the directory is made immutable on success.
func (s *Scheduler) realizeBuild(ctx context.Context, m model.Manifest, hash model.ObjectHash, completedBuilds, completedBinds map[model.ObjectHash]map[string]string) (BuildResult, error) {
	b, ok := m.Builds[hash]
	if !ok {
		return BuildResult{}, xerrors.Errorf("scheduler: build %s not in execution manifest", hash)
	}

	storePath := s.Layout.BuildDirPath(hash, s.Config.System)

	if s.Layout.BuildExists(hash, s.Config.System) {
		r := newBuildResolver(completedBuilds, storePath)
		outputs, err := resolveOutputs(b.Outputs, r)
		if err != nil {
			return BuildResult{}, xerrors.Errorf("scheduler: cache-hit build %s: resolve outputs: %w", hash, err)
		}
		return BuildResult{StorePath: storePath, Outputs: outputs, CacheHit: true}, nil
	}

	if err := os.MkdirAll(storePath, 0755); err != nil {
		return BuildResult{}, xerrors.Errorf("scheduler: create build dir %s: %w", storePath, err)
	}

	r := newBuildResolver(completedBuilds, storePath)
	var actionResults []action.Result
	for _, act := range b.CreateActions {
		resolved, err := resolveAction(act, r)
		if err != nil {
			return BuildResult{}, xerrors.Errorf("scheduler: build %s: resolve action: %w", hash, err)
		}
		res, err := s.Executor.Run(ctx, resolved, storePath)
		if err != nil {
			return BuildResult{}, xerrors.Errorf("scheduler: build %s: %w", hash, err)
		}
		actionResults = append(actionResults, res)
		r.pushActionResult(res.Output)
	}

	outputs, err := resolveOutputs(b.Outputs, r)
	if err != nil {
		return BuildResult{}, xerrors.Errorf("scheduler: build %s: resolve outputs: %w", hash, err)
	}

	if err := s.Layout.MakeImmutable(storePath); err != nil {
		return BuildResult{}, xerrors.Errorf("scheduler: build %s: make immutable: %w", hash, err)
	}

	return BuildResult{StorePath: storePath, Outputs: outputs, ActionResults: actionResults}, nil
}

// applyBind is the bind application path (§4.F): the bind's persistent
// working directory (<bind state dir>/work) is ${out} for create_actions,
// run against a child of the parent resolver.
func (s *Scheduler) applyBind(ctx context.Context, m model.Manifest, hash model.ObjectHash, completedBuilds, completedBinds map[model.ObjectHash]map[string]string) (BindResult, error) {
	b, ok := m.Bindings[hash]
	if !ok {
		return BindResult{}, xerrors.Errorf("scheduler: bind %s not in execution manifest", hash)
	}

	workDir, err := bindWorkDir(s.Layout, hash, s.Config.System)
	if err != nil {
		return BindResult{}, err
	}

	parent := newBindResolver(completedBuilds, completedBinds, workDir)
	r := parent.withOut(workDir)

	for _, act := range b.CreateActions {
		resolved, err := resolveAction(act, r)
		if err != nil {
			return BindResult{}, xerrors.Errorf("scheduler: bind %s: resolve action: %w", hash, err)
		}
		res, err := s.Executor.Run(ctx, resolved, workDir)
		if err != nil {
			return BindResult{}, xerrors.Errorf("scheduler: bind %s: %w", hash, err)
		}
		r.pushActionResult(res.Output)
	}

	outputs, err := resolveOutputs(b.Outputs, r)
	if err != nil {
		return BindResult{}, xerrors.Errorf("scheduler: bind %s: resolve outputs: %w", hash, err)
	}

	if err := s.BindStates.Save(hash, model.BindState{Outputs: outputs}, s.Config.System); err != nil {
		return BindResult{}, xerrors.Errorf("scheduler: bind %s: persist state: %w", hash, err)
	}

	return BindResult{Outputs: outputs}, nil
}

// ApplyBindFromManifest re-applies a single bind's create_actions against
// caller-supplied completed-builds/binds maps, persisting its BindState on
// success. It is applyBind exported for the orchestrator's restore
// sub-protocol (§4.J), which re-applies destroyed binds wave-by-wave over
// a DAG built from the *previous* manifest rather than the Scheduler's own
// full Run.
func (s *Scheduler) ApplyBindFromManifest(ctx context.Context, m model.Manifest, hash model.ObjectHash, completedBuilds, completedBinds map[model.ObjectHash]map[string]string) (BindResult, error) {
	return s.applyBind(ctx, m, hash, completedBuilds, completedBinds)
}

// UpdateBind is the bind update path (§4.F), invoked by the orchestrator
// for each (old, new) pair in StateDiff.BindsToUpdate.
func (s *Scheduler) UpdateBind(ctx context.Context, m model.Manifest, oldHash, newHash model.ObjectHash, completedBuilds, completedBinds map[model.ObjectHash]map[string]string) (BindResult, error) {
	newDef, ok := m.Bindings[newHash]
	if !ok {
		return BindResult{}, xerrors.Errorf("scheduler: update: new bind %s not in manifest", newHash)
	}
	if newDef.UpdateActions == nil {
		return BindResult{}, xerrors.Errorf("scheduler: update: bind %s has no update_actions", newHash)
	}

	oldState, err := s.BindStates.Load(oldHash, s.Config.System)
	if err != nil {
		return BindResult{}, xerrors.Errorf("scheduler: update: load old state for %s: %w", oldHash, err)
	}
	if oldState == nil {
		return BindResult{}, xerrors.Errorf("scheduler: update: no prior state for bind %s", oldHash)
	}

	workDir, err := bindWorkDir(s.Layout, newHash, s.Config.System)
	if err != nil {
		return BindResult{}, err
	}

	oldOutputsByHash := map[model.ObjectHash]map[string]string{oldHash: oldState.Outputs}
	builds := completedBuilds
	binds := mergeBindMaps(completedBinds, oldOutputsByHash)
	r := newBindResolver(builds, binds, workDir)

	for _, act := range *newDef.UpdateActions {
		resolved, err := resolveAction(act, r)
		if err != nil {
			return BindResult{}, xerrors.Errorf("scheduler: update bind %s: resolve action: %w", newHash, err)
		}
		res, err := s.Executor.Run(ctx, resolved, workDir)
		if err != nil {
			return BindResult{}, xerrors.Errorf("scheduler: update bind %s: %w", newHash, err)
		}
		r.pushActionResult(res.Output)
	}

	outputs, err := resolveOutputs(newDef.Outputs, r)
	if err != nil {
		return BindResult{}, xerrors.Errorf("scheduler: update bind %s: resolve outputs: %w", newHash, err)
	}
	if err := validateSameKeySet(oldState.Outputs, outputs); err != nil {
		return BindResult{}, xerrors.Errorf("scheduler: update bind %s: %w", newHash, err)
	}

	if err := s.BindStates.Save(newHash, model.BindState{Outputs: outputs}, s.Config.System); err != nil {
		return BindResult{}, xerrors.Errorf("scheduler: update bind %s: persist state: %w", newHash, err)
	}
	if oldHash != newHash {
		if err := s.BindStates.Remove(oldHash, s.Config.System); err != nil {
			return BindResult{}, xerrors.Errorf("scheduler: update bind %s: remove old state: %w", newHash, err)
		}
	}

	return BindResult{Outputs: outputs}, nil
}

// destroyWithState runs destroy_actions against a resolver seeded only with
// the bind's own prior outputs (no completed builds/binds, per §4.F
// rollback/destroy contract).
func (s *Scheduler) destroyWithState(ctx context.Context, hash model.ObjectHash, destroyActions []action.Action, outputs map[string]string) error {
	workDir, err := bindWorkDir(s.Layout, hash, s.Config.System)
	if err != nil {
		return err
	}

	selfBinds := map[model.ObjectHash]map[string]string{hash: outputs}
	r := newBindResolver(nil, selfBinds, workDir)

	for _, act := range destroyActions {
		resolved, err := resolveAction(act, r)
		if err != nil {
			return xerrors.Errorf("scheduler: destroy bind %s: resolve action: %w", hash, err)
		}
		res, err := s.Executor.Run(ctx, resolved, workDir)
		if err != nil {
			return xerrors.Errorf("scheduler: destroy bind %s: %w", hash, err)
		}
		r.pushActionResult(res.Output)
	}
	return nil
}

// DestroyBindFromManifest is the bind destroy path (§4.F): load the
// bind's prior BindState (a missing one means already clean, not an
// error), then run destroy_actions against a resolver seeded only with its
// own outputs. The BindState is left in place; the caller removes it once
// the surrounding operation has succeeded.
func (s *Scheduler) DestroyBindFromManifest(ctx context.Context, b model.BindDef, hash model.ObjectHash) error {
	state, err := s.BindStates.Load(hash, s.Config.System)
	if err != nil {
		return xerrors.Errorf("scheduler: destroy: load state for %s: %w", hash, err)
	}
	if state == nil {
		s.Log.Printf("scheduler: no recorded state for bind %s, nothing to destroy", hash)
		return nil
	}
	return s.destroyWithState(ctx, hash, b.DestroyActions, state.Outputs)
}

// rollback traverses appliedOrder in reverse, destroying each bind with a
// resolver seeded with no completed builds/binds beyond its own outputs.
// Best-effort: logs and continues past individual failures (§4.F).
func (s *Scheduler) rollback(ctx context.Context, m model.Manifest, completedBinds map[model.ObjectHash]map[string]string, appliedOrder []model.ObjectHash) {
	for i := len(appliedOrder) - 1; i >= 0; i-- {
		hash := appliedOrder[i]
		b, ok := m.Bindings[hash]
		if !ok {
			s.Log.Printf("scheduler: rollback: bind %s missing from manifest, skipping", hash)
			continue
		}
		outputs := completedBinds[hash]
		if err := s.destroyWithState(ctx, hash, b.DestroyActions, outputs); err != nil {
			s.Log.Printf("scheduler: rollback: destroy bind %s: %v", hash, err)
			continue
		}
		if err := s.BindStates.Remove(hash, s.Config.System); err != nil {
			s.Log.Printf("scheduler: rollback: remove state for bind %s: %v", hash, err)
		}
	}
}

func bindWorkDir(layout *storeops.Layout, hash model.ObjectHash, system bool) (string, error) {
	dir := filepath.Join(layout.BindStateDirPath(hash, system), "work")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", xerrors.Errorf("scheduler: create bind work dir %s: %w", dir, err)
	}
	return dir, nil
}

func resolveAction(act action.Action, r *resolver) (action.Action, error) {
	bin, err := placeholder.Substitute(act.Bin, r)
	if err != nil {
		return action.Action{}, err
	}
	args := make([]string, len(act.Args))
	for i, a := range act.Args {
		v, err := placeholder.Substitute(a, r)
		if err != nil {
			return action.Action{}, err
		}
		args[i] = v
	}
	env := make(map[string]string, len(act.Env))
	for k, v := range act.Env {
		rv, err := placeholder.Substitute(v, r)
		if err != nil {
			return action.Action{}, err
		}
		env[k] = rv
	}
	cwd := act.Cwd
	if cwd != "" {
		cwd, err = placeholder.Substitute(cwd, r)
		if err != nil {
			return action.Action{}, err
		}
	}
	url, err := placeholder.Substitute(act.URL, r)
	if err != nil {
		return action.Action{}, err
	}

	resolved := act
	resolved.Bin = bin
	resolved.Args = args
	resolved.Env = env
	resolved.Cwd = cwd
	resolved.URL = url
	return resolved, nil
}

func mergeBindMaps(a, b map[model.ObjectHash]map[string]string) map[model.ObjectHash]map[string]string {
	out := make(map[model.ObjectHash]map[string]string, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}

func validateSameKeySet(old, updated map[string]string) error {
	if len(old) != len(updated) {
		return fmt.Errorf("update changed output key set: had %d keys, now %d", len(old), len(updated))
	}
	for k := range old {
		if _, ok := updated[k]; !ok {
			return fmt.Errorf("update dropped output key %q", k)
		}
	}
	return nil
}
