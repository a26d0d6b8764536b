// Package models maps enhancement tasks and upscale factors to ONNX model
// files and brings those models up inside the inference worker.
//
// Model files are named {model}-{task}-{variant}.onnx and live under
// <dir>/restoration/ or <dir>/upscale/.
package models

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/menta2k/imagepipe/pkg/types"
)

// ErrUnknownModel is returned for tasks or factors the catalog has no model for
var ErrUnknownModel = errors.New("unknown model")

// Kind is the catalog section a model belongs to
type Kind string

const (
	KindRestoration Kind = "restoration"
	KindUpscale     Kind = "upscale"
)

// Entry is one model file in the catalog
type Entry struct {
	ID   string `json:"id"`
	Kind Kind   `json:"kind"`
	// Scale is the upscale factor the model produces, 0 for restoration
	Scale int `json:"scale,omitempty"`
}

// FileName returns the on-disk name of the model
func (e Entry) FileName() string {
	return e.ID + ".onnx"
}

// RelPath returns the model path relative to a model directory
func (e Entry) RelPath() string {
	return filepath.Join(string(e.Kind), e.FileName())
}

// ModelID builds an id from its parts, e.g. nafnet-denoising-fp16
func ModelID(model, task, variant string) string {
	return model + "-" + task + "-" + variant
}

// UpscaleModelID returns the super-resolution model id for a factor
func UpscaleModelID(factor int) string {
	return ModelID("realesrgan", fmt.Sprintf("x%d", factor), "fp16")
}

// DefaultTaskModels returns the model used for each enhancement task
func DefaultTaskModels() map[types.Task]string {
	return map[types.Task]string{
		types.TaskDenoise:       ModelID("nafnet", "denoising", "fp16"),
		types.TaskDeblur:        ModelID("nafnet", "deblurring", "fp16"),
		types.TaskDerain:        ModelID("mprnet", "deraining", "fp16"),
		types.TaskDehazeIndoor:  ModelID("ffanet", "dehazing_indoor", "fp16"),
		types.TaskDehazeOutdoor: ModelID("ffanet", "dehazing_outdoor", "fp16"),
		types.TaskLowLight:      ModelID("mirnet_v2", "lowlight", "fp16"),
		types.TaskRetouch:       ModelID("gfpgan", "retouch", "fp16"),
	}
}

// DefaultFactors are the upscale factors with a dedicated model
func DefaultFactors() []int {
	return []int{2, 3, 4, 8}
}

// Catalog resolves tasks and factors to model entries
type Catalog struct {
	Dir string

	tasks   map[types.Task]string
	factors map[int]string
}

// NewCatalog creates a catalog rooted at dir. Overrides replace the default
// model id of a task.
func NewCatalog(dir string, overrides map[types.Task]string, factors []int) *Catalog {
	tasks := DefaultTaskModels()
	for t, id := range overrides {
		if id != "" {
			tasks[t] = id
		}
	}
	if len(factors) == 0 {
		factors = DefaultFactors()
	}
	fm := make(map[int]string, len(factors))
	for _, f := range factors {
		fm[f] = UpscaleModelID(f)
	}
	return &Catalog{Dir: dir, tasks: tasks, factors: fm}
}

// DefaultCatalog is NewCatalog with no overrides and the default factors
func DefaultCatalog(dir string) *Catalog {
	return NewCatalog(dir, nil, nil)
}

// ForTask returns the model for an enhancement task
func (c *Catalog) ForTask(t types.Task) (Entry, error) {
	id, ok := c.tasks[t]
	if !ok {
		return Entry{}, fmt.Errorf("task %q: %w", t, ErrUnknownModel)
	}
	return Entry{ID: id, Kind: KindRestoration}, nil
}

// ForFactor returns the super-resolution model for an upscale factor
func (c *Catalog) ForFactor(factor int) (Entry, error) {
	id, ok := c.factors[factor]
	if !ok {
		return Entry{}, fmt.Errorf("upscale x%d: %w", factor, ErrUnknownModel)
	}
	return Entry{ID: id, Kind: KindUpscale, Scale: factor}, nil
}

// Factors returns the supported upscale factors in ascending order
func (c *Catalog) Factors() []int {
	out := make([]int, 0, len(c.factors))
	for f := range c.factors {
		out = append(out, f)
	}
	sort.Ints(out)
	return out
}

// Path returns where the model is expected under the catalog directory
func (c *Catalog) Path(e Entry) string {
	return filepath.Join(c.Dir, e.RelPath())
}

// Entries lists every distinct model, restoration first, sorted by id
func (c *Catalog) Entries() []Entry {
	seen := make(map[string]bool)
	var restoration, upscale []Entry
	for _, id := range c.tasks {
		if !seen[id] {
			seen[id] = true
			restoration = append(restoration, Entry{ID: id, Kind: KindRestoration})
		}
	}
	for f, id := range c.factors {
		if !seen[id] {
			seen[id] = true
			upscale = append(upscale, Entry{ID: id, Kind: KindUpscale, Scale: f})
		}
	}
	byID := func(s []Entry) {
		sort.Slice(s, func(i, j int) bool { return s[i].ID < s[j].ID })
	}
	byID(restoration)
	byID(upscale)
	return append(restoration, upscale...)
}
