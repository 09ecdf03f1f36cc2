// Package registry tracks trained model versions and which one serves
// production.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Registry errors.
var (
	ErrVersionNotFound = errors.New("model version not found")
	ErrVersionExists   = errors.New("model version already registered")
)

// Current-model alias filenames. The serving predictor only ever reads
// these; promotion republishes them.
const (
	CurrentModelFile      = "model_current.json"
	CurrentCalibratorFile = "calibrator_current.json"
)

// Metrics holds a version's held-out evaluation results.
type Metrics struct {
	LogLoss           float64 `json:"logloss"`
	Accuracy          float64 `json:"accuracy"`
	AUC               float64 `json:"auc"`
	CalibratedLogLoss float64 `json:"calibrated_logloss"`
}

// Version is one immutable registered model version.
type Version struct {
	Version           int                `json:"version"`
	Tag               string             `json:"tag"`
	CreatedAt         time.Time          `json:"created_at"`
	TrainingSamples   int                `json:"training_samples"`
	TestSamples       int                `json:"test_samples"`
	Metrics           Metrics            `json:"metrics"`
	FeatureImportance map[string]float64 `json:"feature_importance,omitempty"`
	LastSourceID      int64              `json:"last_source_id"`
	ParentVersion     int                `json:"parent_version"`
}

// ModelPath returns the version's model artifact path under dir.
func (v Version) ModelPath(dir string) string {
	return filepath.Join(dir, fmt.Sprintf("model_v%d_%s.json", v.Version, v.Tag))
}

// CalibratorPath returns the version's calibrator artifact path under
// dir.
func (v Version) CalibratorPath(dir string) string {
	return filepath.Join(dir, fmt.Sprintf("calibrator_v%d_%s.json", v.Version, v.Tag))
}

// registryFile is the on-disk index format.
type registryFile struct {
	CurrentVersion int             `json:"current_version"`
	Versions       map[string]Version `json:"versions"`
}

// Registry is the version index over a model directory. Persisted as
// versions.json alongside the artifacts.
type Registry struct {
	mu       sync.Mutex
	dir      string
	current  int
	versions map[int]Version
	onSwap   []func(Version)
	logger   *zap.Logger
}

// New opens (or initializes) the registry in dir.
func New(dir string, logger *zap.Logger) (*Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create model dir: %w", err)
	}

	r := &Registry{
		dir:      dir,
		versions: make(map[int]Version),
		logger:   logger,
	}

	data, err := os.ReadFile(r.indexPath())
	if errors.Is(err, os.ErrNotExist) {
		return r, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read version index: %w", err)
	}
	var f registryFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode version index: %w", err)
	}
	r.current = f.CurrentVersion
	for _, v := range f.Versions {
		r.versions[v.Version] = v
	}
	return r, nil
}

func (r *Registry) indexPath() string {
	return filepath.Join(r.dir, "versions.json")
}

// Dir returns the model directory.
func (r *Registry) Dir() string {
	return r.dir
}

// CurrentModelPath returns the current-model alias path.
func (r *Registry) CurrentModelPath() string {
	return filepath.Join(r.dir, CurrentModelFile)
}

// CurrentCalibratorPath returns the current-calibrator alias path.
func (r *Registry) CurrentCalibratorPath() string {
	return filepath.Join(r.dir, CurrentCalibratorFile)
}

// OnSwap registers a hook fired after every successful promotion, with
// the promoted version. The serving predictor registers its Reload here.
func (r *Registry) OnSwap(fn func(Version)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onSwap = append(r.onSwap, fn)
}

// NextVersion returns the next unused version number.
func (r *Registry) NextVersion() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nextVersionLocked()
}

func (r *Registry) nextVersionLocked() int {
	next := 1
	for v := range r.versions {
		if v >= next {
			next = v + 1
		}
	}
	return next
}

// Register records a new version. Versions are immutable: registering an
// existing number fails rather than overwriting.
func (r *Registry) Register(v Version) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.versions[v.Version]; ok {
		return fmt.Errorf("%w: v%d", ErrVersionExists, v.Version)
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}
	r.versions[v.Version] = v
	if err := r.persistLocked(); err != nil {
		delete(r.versions, v.Version)
		return err
	}
	r.logger.Info("model version registered",
		zap.Int("version", v.Version),
		zap.Float64("auc", v.Metrics.AUC),
		zap.Int("training_samples", v.TrainingSamples))
	return nil
}

// SetCurrent promotes a registered version: republishes the
// current-model alias artifacts, persists the pointer, and fires the
// swap hooks. The serving process picks the new model up without a
// restart.
func (r *Registry) SetCurrent(version int) error {
	r.mu.Lock()
	v, ok := r.versions[version]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: v%d", ErrVersionNotFound, version)
	}

	if err := copyFile(v.ModelPath(r.dir), r.CurrentModelPath()); err != nil {
		r.mu.Unlock()
		return fmt.Errorf("publish model alias: %w", err)
	}
	// A version trained without a calibrator is still promotable.
	if _, err := os.Stat(v.CalibratorPath(r.dir)); err == nil {
		if err := copyFile(v.CalibratorPath(r.dir), r.CurrentCalibratorPath()); err != nil {
			r.mu.Unlock()
			return fmt.Errorf("publish calibrator alias: %w", err)
		}
	} else {
		os.Remove(r.CurrentCalibratorPath())
	}

	prev := r.current
	r.current = version
	if err := r.persistLocked(); err != nil {
		r.current = prev
		r.mu.Unlock()
		return err
	}
	hooks := make([]func(Version), len(r.onSwap))
	copy(hooks, r.onSwap)
	r.mu.Unlock()

	r.logger.Info("model promoted", zap.Int("version", version), zap.Int("previous", prev))
	for _, fn := range hooks {
		fn(v)
	}
	return nil
}

// Current returns the currently promoted version.
func (r *Registry) Current() (Version, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.versions[r.current]
	return v, ok
}

// Get returns a registered version by number.
func (r *Registry) Get(version int) (Version, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.versions[version]
	return v, ok
}

// List returns all registered versions, newest first.
func (r *Registry) List() []Version {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Version, 0, len(r.versions))
	for v := r.nextVersionLocked() - 1; v >= 1; v-- {
		if ver, ok := r.versions[v]; ok {
			out = append(out, ver)
		}
	}
	return out
}

// LastSourceID returns the highest source record id any version trained
// through, the retraining catch-up cursor.
func (r *Registry) LastSourceID() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	var last int64
	for _, v := range r.versions {
		if v.LastSourceID > last {
			last = v.LastSourceID
		}
	}
	return last
}

func (r *Registry) persistLocked() error {
	f := registryFile{
		CurrentVersion: r.current,
		Versions:       make(map[string]Version, len(r.versions)),
	}
	for num, v := range r.versions {
		f.Versions[fmt.Sprintf("%d", num)] = v
	}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("encode version index: %w", err)
	}
	tmp := r.indexPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write version index: %w", err)
	}
	if err := os.Rename(tmp, r.indexPath()); err != nil {
		return fmt.Errorf("replace version index: %w", err)
	}
	return nil
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}
