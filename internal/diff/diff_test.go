package diff

import (
	"log"
	"os"
	"sort"
	"testing"

	"github.com/distr1/envbind/internal/action"
	"github.com/distr1/envbind/internal/env"
	"github.com/distr1/envbind/internal/model"
	"github.com/distr1/envbind/internal/storeops"
)

func strp(s string) *string { return &s }

func newTestLayout(t *testing.T) *storeops.Layout {
	t.Helper()
	cfg := env.StoreConfig{UserRoot: t.TempDir()}
	return storeops.New(cfg, log.New(os.Stderr, "", 0))
}

func sortedHashes(hs []model.ObjectHash) []model.ObjectHash {
	out := append([]model.ObjectHash(nil), hs...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func assertHashes(t *testing.T, label string, got, want []model.ObjectHash) {
	t.Helper()
	got, want = sortedHashes(got), sortedHashes(want)
	if len(got) != len(want) {
		t.Fatalf("%s = %v, want %v", label, got, want)
	}
	for i := range got {
		if got[i] != want[i] {
			t.Fatalf("%s = %v, want %v", label, got, want)
		}
	}
}

func TestCompute_BuildCachedVsToRealize(t *testing.T) {
	layout := newTestLayout(t)
	hashCached := model.ObjectHash("cached0000000000000000000")
	hashNew := model.ObjectHash("new000000000000000000000")

	if err := os.MkdirAll(layout.BuildDirPath(hashCached, false), 0755); err != nil {
		t.Fatal(err)
	}

	desired := model.NewManifest()
	desired.Builds[hashCached] = model.BuildDef{CreateActions: []action.Action{action.Exec("true", nil, nil, "")}}
	desired.Builds[hashNew] = model.BuildDef{CreateActions: []action.Action{action.Exec("true", nil, nil, "")}}

	d := Compute(desired, nil, layout, false)
	assertHashes(t, "BuildsCached", d.BuildsCached, []model.ObjectHash{hashCached})
	assertHashes(t, "BuildsToRealize", d.BuildsToRealize, []model.ObjectHash{hashNew})
	assertHashes(t, "BuildsOrphaned", d.BuildsOrphaned, nil)
}

func TestCompute_OrphanedBuilds(t *testing.T) {
	layout := newTestLayout(t)
	hashGone := model.ObjectHash("gone00000000000000000000")

	current := model.NewManifest()
	current.Builds[hashGone] = model.BuildDef{CreateActions: []action.Action{action.Exec("true", nil, nil, "")}}
	desired := model.NewManifest()

	d := Compute(desired, &current, layout, false)
	assertHashes(t, "BuildsOrphaned", d.BuildsOrphaned, []model.ObjectHash{hashGone})
}

// S2 from spec.md §8: identical manifest re-applied with all builds cached.
func TestCompute_Idempotence(t *testing.T) {
	layout := newTestLayout(t)
	hashA := model.ObjectHash("a00000000000000000000000")
	hashBind := model.ObjectHash("bind00000000000000000000")

	if err := os.MkdirAll(layout.BuildDirPath(hashA, false), 0755); err != nil {
		t.Fatal(err)
	}

	m := model.NewManifest()
	m.Builds[hashA] = model.BuildDef{CreateActions: []action.Action{action.Exec("true", nil, nil, "")}}
	m.Bindings[hashBind] = model.BindDef{ID: strp("X"), CreateActions: []action.Action{action.Exec("true", nil, nil, "")}, DestroyActions: []action.Action{action.Exec("true", nil, nil, "")}}

	d := Compute(m, &m, layout, false)
	if !d.IsEmpty() {
		t.Fatalf("Compute(m, m) not empty: %+v", d)
	}
}

func TestCompute_BindByIDSameHashUnchanged(t *testing.T) {
	layout := newTestLayout(t)
	hash := model.ObjectHash("x00000000000000000000000")

	m := model.NewManifest()
	m.Bindings[hash] = model.BindDef{ID: strp("X"), CreateActions: []action.Action{action.Exec("true", nil, nil, "")}, DestroyActions: []action.Action{action.Exec("true", nil, nil, "")}}

	d := Compute(m, &m, layout, false)
	assertHashes(t, "BindsUnchanged", d.BindsUnchanged, []model.ObjectHash{hash})
	assertHashes(t, "BindsToApply", d.BindsToApply, nil)
	assertHashes(t, "BindsToDestroy", d.BindsToDestroy, nil)
}

func TestCompute_BindByIDChangedHashWithUpdateActions(t *testing.T) {
	layout := newTestLayout(t)
	oldHash := model.ObjectHash("old00000000000000000000000000")[:24]
	newHash := model.ObjectHash("new00000000000000000000000000")[:24]

	current := model.NewManifest()
	current.Bindings[oldHash] = model.BindDef{ID: strp("X"), CreateActions: []action.Action{action.Exec("true", nil, nil, "")}, DestroyActions: []action.Action{action.Exec("true", nil, nil, "")}}

	updateActions := []action.Action{action.Exec("true", nil, nil, "")}
	desired := model.NewManifest()
	desired.Bindings[newHash] = model.BindDef{ID: strp("X"), CreateActions: []action.Action{action.Exec("true", nil, nil, "")}, UpdateActions: &updateActions, DestroyActions: []action.Action{action.Exec("true", nil, nil, "")}}

	d := Compute(desired, &current, layout, false)
	if len(d.BindsToUpdate) != 1 || d.BindsToUpdate[0] != (UpdatePair{Old: oldHash, New: newHash}) {
		t.Fatalf("BindsToUpdate = %v, want [{%s %s}]", d.BindsToUpdate, oldHash, newHash)
	}
	assertHashes(t, "BindsToDestroy", d.BindsToDestroy, nil)
	assertHashes(t, "BindsToApply", d.BindsToApply, nil)
}

func TestCompute_BindByIDChangedHashWithoutUpdateActions(t *testing.T) {
	layout := newTestLayout(t)
	oldHash := model.ObjectHash("old00000000000000000000000000")[:24]
	newHash := model.ObjectHash("new00000000000000000000000000")[:24]

	current := model.NewManifest()
	current.Bindings[oldHash] = model.BindDef{ID: strp("X"), CreateActions: []action.Action{action.Exec("true", nil, nil, "")}, DestroyActions: []action.Action{action.Exec("true", nil, nil, "")}}

	desired := model.NewManifest()
	desired.Bindings[newHash] = model.BindDef{ID: strp("X"), CreateActions: []action.Action{action.Exec("true", nil, nil, "")}, DestroyActions: []action.Action{action.Exec("true", nil, nil, "")}}

	d := Compute(desired, &current, layout, false)
	assertHashes(t, "BindsToDestroy", d.BindsToDestroy, []model.ObjectHash{oldHash})
	assertHashes(t, "BindsToApply", d.BindsToApply, []model.ObjectHash{newHash})
	if len(d.BindsToUpdate) != 0 {
		t.Fatalf("BindsToUpdate = %v, want none", d.BindsToUpdate)
	}
}

func TestCompute_BindIDOnlyInDesiredOrCurrent(t *testing.T) {
	layout := newTestLayout(t)
	hashNew := model.ObjectHash("new00000000000000000000000000")[:24]
	hashGone := model.ObjectHash("gone0000000000000000000000000")[:24]

	current := model.NewManifest()
	current.Bindings[hashGone] = model.BindDef{ID: strp("Gone"), CreateActions: []action.Action{action.Exec("true", nil, nil, "")}, DestroyActions: []action.Action{action.Exec("true", nil, nil, "")}}

	desired := model.NewManifest()
	desired.Bindings[hashNew] = model.BindDef{ID: strp("New"), CreateActions: []action.Action{action.Exec("true", nil, nil, "")}, DestroyActions: []action.Action{action.Exec("true", nil, nil, "")}}

	d := Compute(desired, &current, layout, false)
	assertHashes(t, "BindsToApply", d.BindsToApply, []model.ObjectHash{hashNew})
	assertHashes(t, "BindsToDestroy", d.BindsToDestroy, []model.ObjectHash{hashGone})
}

func TestCompute_BindWithoutIDHashIdentity(t *testing.T) {
	layout := newTestLayout(t)
	shared := model.ObjectHash("shared000000000000000000000000")[:24]
	onlyCurrent := model.ObjectHash("onlycur00000000000000000000000")[:24]
	onlyDesired := model.ObjectHash("onlydes00000000000000000000000")[:24]

	current := model.NewManifest()
	current.Bindings[shared] = model.BindDef{CreateActions: []action.Action{action.Exec("true", nil, nil, "")}, DestroyActions: []action.Action{action.Exec("true", nil, nil, "")}}
	current.Bindings[onlyCurrent] = model.BindDef{CreateActions: []action.Action{action.Exec("true", nil, nil, "")}, DestroyActions: []action.Action{action.Exec("true", nil, nil, "")}}

	desired := model.NewManifest()
	desired.Bindings[shared] = model.BindDef{CreateActions: []action.Action{action.Exec("true", nil, nil, "")}, DestroyActions: []action.Action{action.Exec("true", nil, nil, "")}}
	desired.Bindings[onlyDesired] = model.BindDef{CreateActions: []action.Action{action.Exec("true", nil, nil, "")}, DestroyActions: []action.Action{action.Exec("true", nil, nil, "")}}

	d := Compute(desired, &current, layout, false)
	assertHashes(t, "BindsUnchanged", d.BindsUnchanged, []model.ObjectHash{shared})
	assertHashes(t, "BindsToApply", d.BindsToApply, []model.ObjectHash{onlyDesired})
	assertHashes(t, "BindsToDestroy", d.BindsToDestroy, []model.ObjectHash{onlyCurrent})
}

func TestStateDiff_IsEmpty(t *testing.T) {
	var d StateDiff
	if !d.IsEmpty() {
		t.Fatal("zero-value StateDiff should be empty")
	}
	d.BuildsCached = []model.ObjectHash{"x"}
	if !d.IsEmpty() {
		t.Fatal("cached-only diff should still be empty (no changes)")
	}
	d.BuildsToRealize = []model.ObjectHash{"y"}
	if d.IsEmpty() {
		t.Fatal("diff with a build to realize should not be empty")
	}
}
