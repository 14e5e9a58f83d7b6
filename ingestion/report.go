package ingestion

import (
	"sync"
	"time"
)

// SceneError records a scene that could not be processed during a cycle
type SceneError struct {
	SourceID string `json:"source_id"`
	Message  string `json:"message"`
}

// CycleReport summarizes one synchronization cycle
type CycleReport struct {
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished"`

	// discovery
	Discovered int `json:"discovered"`
	Updated    int `json:"updated"`
	Reset      int `json:"reset"`
	// scenes whose downloads the provider is still preparing
	Waiting int `json:"waiting"`

	// processing
	Stored     int `json:"stored"`
	Registered int `json:"registered"`
	Replaced   int `json:"replaced"`
	Unchanged  int `json:"unchanged"`
	Failed     int `json:"failed"`
	Retried    int `json:"retried"`

	DiscoveryErrors []string     `json:"discovery_errors,omitempty"`
	SceneErrors     []SceneError `json:"scene_errors,omitempty"`
}

// reportBuilder accumulates a CycleReport from concurrent workers
type reportBuilder struct {
	mx     sync.Mutex
	report CycleReport
}

func (b *reportBuilder) add(update func(r *CycleReport)) {
	b.mx.Lock()
	defer b.mx.Unlock()
	update(&b.report)
}
