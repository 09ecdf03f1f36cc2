package registry

import (
	"errors"
	"os"
	"testing"

	"github.com/velkara/matchsight/pkg/inference"
)

func writeArtifacts(t *testing.T, r *Registry, v Version, goldWeight float64) {
	t.Helper()
	m := &inference.Model{
		Version:      v.Version,
		Tag:          v.Tag,
		FeatureNames: []string{"gold"},
		Weights:      []float64{goldWeight},
	}
	if err := m.Save(v.ModelPath(r.Dir())); err != nil {
		t.Fatalf("save model artifact: %v", err)
	}
}

func TestNextVersion(t *testing.T) {
	r, err := New(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := r.NextVersion(); got != 1 {
		t.Errorf("empty registry NextVersion = %d, want 1", got)
	}

	v := Version{Version: 1, Tag: "7.39e"}
	writeArtifacts(t, r, v, 1.0)
	if err := r.Register(v); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if got := r.NextVersion(); got != 2 {
		t.Errorf("NextVersion = %d, want 2", got)
	}
}

func TestRegisterImmutable(t *testing.T) {
	r, _ := New(t.TempDir(), nil)
	v := Version{Version: 1, Tag: "a", Metrics: Metrics{AUC: 0.7}}
	writeArtifacts(t, r, v, 1.0)
	if err := r.Register(v); err != nil {
		t.Fatalf("Register: %v", err)
	}

	clash := Version{Version: 1, Tag: "b", Metrics: Metrics{AUC: 0.9}}
	if err := r.Register(clash); !errors.Is(err, ErrVersionExists) {
		t.Fatalf("re-register err = %v, want ErrVersionExists", err)
	}

	got, _ := r.Get(1)
	if got.Tag != "a" || got.Metrics.AUC != 0.7 {
		t.Errorf("registered version mutated: %+v", got)
	}
}

func TestSetCurrentPublishesAlias(t *testing.T) {
	r, _ := New(t.TempDir(), nil)

	v1 := Version{Version: 1, Tag: "x"}
	writeArtifacts(t, r, v1, 1.0)
	r.Register(v1)
	v2 := Version{Version: 2, Tag: "x"}
	writeArtifacts(t, r, v2, 2.0)
	r.Register(v2)

	var swapped []int
	r.OnSwap(func(v Version) { swapped = append(swapped, v.Version) })

	if err := r.SetCurrent(1); err != nil {
		t.Fatalf("SetCurrent(1): %v", err)
	}
	if err := r.SetCurrent(2); err != nil {
		t.Fatalf("SetCurrent(2): %v", err)
	}

	m, err := inference.LoadModel(r.CurrentModelPath())
	if err != nil {
		t.Fatalf("load current alias: %v", err)
	}
	if m.Version != 2 || m.Weights[0] != 2.0 {
		t.Errorf("current alias holds v%d w=%v, want v2 w=2", m.Version, m.Weights[0])
	}

	if len(swapped) != 2 || swapped[0] != 1 || swapped[1] != 2 {
		t.Errorf("swap hooks fired with %v, want [1 2]", swapped)
	}
}

func TestSetCurrentUnknownVersion(t *testing.T) {
	r, _ := New(t.TempDir(), nil)
	if err := r.SetCurrent(7); !errors.Is(err, ErrVersionNotFound) {
		t.Errorf("SetCurrent err = %v, want ErrVersionNotFound", err)
	}
}

func TestRegistryPersistence(t *testing.T) {
	dir := t.TempDir()
	r, _ := New(dir, nil)
	v := Version{Version: 1, Tag: "x", LastSourceID: 8123456, Metrics: Metrics{AUC: 0.71}}
	writeArtifacts(t, r, v, 1.0)
	r.Register(v)
	if err := r.SetCurrent(1); err != nil {
		t.Fatalf("SetCurrent: %v", err)
	}

	reopened, err := New(dir, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	cur, ok := reopened.Current()
	if !ok || cur.Version != 1 {
		t.Fatalf("reopened current = %+v (%v), want v1", cur, ok)
	}
	if got := reopened.LastSourceID(); got != 8123456 {
		t.Errorf("LastSourceID = %d, want 8123456", got)
	}
	if got := reopened.NextVersion(); got != 2 {
		t.Errorf("NextVersion after reopen = %d, want 2", got)
	}
}

func TestListNewestFirst(t *testing.T) {
	r, _ := New(t.TempDir(), nil)
	for i := 1; i <= 3; i++ {
		v := Version{Version: i, Tag: "x"}
		writeArtifacts(t, r, v, float64(i))
		r.Register(v)
	}
	list := r.List()
	if len(list) != 3 || list[0].Version != 3 || list[2].Version != 1 {
		t.Errorf("List order wrong: %+v", list)
	}
}

func TestSetCurrentWithoutCalibratorRemovesAlias(t *testing.T) {
	r, _ := New(t.TempDir(), nil)

	v1 := Version{Version: 1, Tag: "x"}
	writeArtifacts(t, r, v1, 1.0)
	cal := &inference.Calibrator{X: []float64{0, 1}, Y: []float64{0, 1}}
	if err := cal.Save(v1.CalibratorPath(r.Dir())); err != nil {
		t.Fatalf("save calibrator: %v", err)
	}
	r.Register(v1)
	r.SetCurrent(1)
	if _, err := os.Stat(r.CurrentCalibratorPath()); err != nil {
		t.Fatalf("calibrator alias should exist: %v", err)
	}

	v2 := Version{Version: 2, Tag: "x"}
	writeArtifacts(t, r, v2, 2.0)
	r.Register(v2)
	r.SetCurrent(2)
	if _, err := os.Stat(r.CurrentCalibratorPath()); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("stale calibrator alias should be removed, stat err = %v", err)
	}
}
