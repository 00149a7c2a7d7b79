package pipeline

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// Stage keys of the AOI pipeline.
const (
	StageValidateAOI       = "VALIDATE_AOI"
	StageBufferAOI         = "BUFFER_AOI"
	StageClipData          = "CLIP_DATA"
	StageMergeGreenSpace   = "MERGE_GREEN_SPACE"
	StageComputeStatistics = "COMPUTE_STATISTICS"
	StagePublishResults    = "PUBLISH_RESULTS"
)

// StageDecl declares a stage by key and label. Handlers are bound by a Registry.
type StageDecl struct {
	Key   string `yaml:"key"`
	Label string `yaml:"label"`
}

// DefaultStages is the AOI pipeline in execution order.
var DefaultStages = []StageDecl{
	{Key: StageValidateAOI, Label: "Validating area of interest"},
	{Key: StageBufferAOI, Label: "Buffering area of interest"},
	{Key: StageClipData, Label: "Clipping green-space data to AOI"},
	{Key: StageMergeGreenSpace, Label: "Merging green-space polygons"},
	{Key: StageComputeStatistics, Label: "Computing ecological statistics"},
	{Key: StagePublishResults, Label: "Publishing results"},
}

// Catalog is the on-disk form of a stage list.
//
//	stages:
//	  - key: VALIDATE_AOI
//	    label: Validating area of interest
type Catalog struct {
	Stages []StageDecl `yaml:"stages"`
}

// LoadCatalog reads a stage catalog from a YAML file.
func LoadCatalog(path string) (Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, fmt.Errorf("pipeline: read stage catalog: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog parses a YAML stage catalog. Labels left blank fall back to
// the default label for a known key, or to the key itself.
func ParseCatalog(data []byte) (Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Catalog{}, fmt.Errorf("pipeline: parse stage catalog: %w", err)
	}
	if len(c.Stages) == 0 {
		return Catalog{}, fmt.Errorf("pipeline: stage catalog declares no stages")
	}
	for i := range c.Stages {
		if c.Stages[i].Key == "" {
			return Catalog{}, fmt.Errorf("pipeline: stage catalog entry %d has no key", i+1)
		}
		if c.Stages[i].Label == "" {
			c.Stages[i].Label = defaultLabel(c.Stages[i].Key)
		}
	}
	return c, nil
}

func defaultLabel(key string) string {
	for _, d := range DefaultStages {
		if d.Key == key {
			return d.Label
		}
	}
	return key
}

// Registry binds stage keys to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]StageHandler
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]StageHandler)}
}

// Register binds handler to key, replacing any previous binding.
func (r *Registry) Register(key string, handler StageHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[key] = handler
}

// Build resolves decls into runnable stages. Every key must have a
// registered handler; the first one missing is reported as ErrMissingHandler.
func (r *Registry) Build(decls []StageDecl) ([]Stage, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stages := make([]Stage, 0, len(decls))
	for _, d := range decls {
		h := r.handlers[d.Key]
		if h == nil {
			return nil, fmt.Errorf("%w: %s", ErrMissingHandler, d.Key)
		}
		stages = append(stages, Stage{Key: d.Key, Label: d.Label, Handler: h})
	}
	return stages, nil
}
