// Package config holds the two startup-time configuration structs for
// this system: the tracker/decode-scheduler tunables each shard runs
// with, and the aggregator's CLI surface. Both follow the same
// pointer-field/Get*() pattern: a field left nil in a loaded JSON
// document (or unset on the command line) falls back to the default
// recovered from the original GStreamer element's property defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// SortConfig holds the per-shard SORT tracker and decode-scheduler
// tunables, corresponding to the `sorttracker`/`cova` GStreamer
// elements' settable properties.
type SortConfig struct {
	SortIoU     *float64 `json:"sort_iou,omitempty"`
	SortMaxAge  *uint32  `json:"sort_maxage,omitempty"`
	SortMinHits *uint32  `json:"sort_minhits,omitempty"`
	Alpha       *uint32  `json:"alpha,omitempty"`
	Beta        *uint32  `json:"beta,omitempty"`
	InferI      *bool    `json:"infer_i,omitempty"`
	Port        *uint32  `json:"port,omitempty"`
}

// EmptySortConfig returns a SortConfig with every field nil.
func EmptySortConfig() *SortConfig { return &SortConfig{} }

// LoadSortConfig loads a SortConfig from a JSON file. Fields omitted
// from the file keep their Get*() defaults.
func LoadSortConfig(path string) (*SortConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read sort config: %w", err)
	}
	cfg := EmptySortConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse sort config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid sort config: %w", err)
	}
	return cfg, nil
}

// Validate checks any set fields are within range.
func (c *SortConfig) Validate() error {
	if c.SortIoU != nil && (*c.SortIoU < 0 || *c.SortIoU > 1) {
		return fmt.Errorf("sort_iou must be between 0 and 1, got %f", *c.SortIoU)
	}
	return nil
}

// GetSortIoU returns sort_iou or its default (the sorttracker element's
// DEFAULT_IOU).
func (c *SortConfig) GetSortIoU() float64 {
	if c.SortIoU == nil {
		return 0.1
	}
	return *c.SortIoU
}

// GetSortMaxAge returns sort_maxage or its default (DEFAULT_MAXAGE).
func (c *SortConfig) GetSortMaxAge() uint32 {
	if c.SortMaxAge == nil {
		return 30
	}
	return *c.SortMaxAge
}

// GetSortMinHits returns sort_minhits or its default (DEFAULT_MINHITS).
func (c *SortConfig) GetSortMinHits() uint32 {
	if c.SortMinHits == nil {
		return 30
	}
	return *c.SortMinHits
}

// GetAlpha returns alpha or its default (DEFAULT_ALPHA).
func (c *SortConfig) GetAlpha() uint32 {
	if c.Alpha == nil {
		return 0
	}
	return *c.Alpha
}

// GetBeta returns beta or its default (DEFAULT_BETA).
func (c *SortConfig) GetBeta() uint32 {
	if c.Beta == nil {
		return 0
	}
	return *c.Beta
}

// GetInferI returns infer_i or its default (DEFAULT_INFER_I).
func (c *SortConfig) GetInferI() bool {
	if c.InferI == nil {
		return false
	}
	return *c.InferI
}

// GetPort returns port or its default (DEFAULT_PORT, meaning "no
// socket").
func (c *SortConfig) GetPort() uint32 {
	if c.Port == nil {
		return 0
	}
	return *c.Port
}

// AggregatorConfig holds the aggregator binary's CLI surface: output
// paths, listen ports, and the association/stationary-synthesis
// tunables.
type AggregatorConfig struct {
	OutputDir string
	TrackPort string
	DnnPort   string

	NumTracker       *uint32  `json:"num_tracker,omitempty"`
	MovingIoU        *float64 `json:"moving_iou,omitempty"`
	StationaryIoU    *float64 `json:"stationary_iou,omitempty"`
	StationaryMaxAge *uint32  `json:"stationary_maxage,omitempty"`
	ScaleFactor      *float64 `json:"scale_factor,omitempty"`
}

// GetNumTracker returns num_tracker or its default.
func (c *AggregatorConfig) GetNumTracker() uint32 {
	if c.NumTracker == nil {
		return 1
	}
	return *c.NumTracker
}

// GetMovingIoU returns moving_iou or its default.
func (c *AggregatorConfig) GetMovingIoU() float64 {
	if c.MovingIoU == nil {
		return 0.15
	}
	return *c.MovingIoU
}

// GetStationaryIoU returns stationary_iou or its default.
func (c *AggregatorConfig) GetStationaryIoU() float64 {
	if c.StationaryIoU == nil {
		return 0.3
	}
	return *c.StationaryIoU
}

// GetStationaryMaxAge returns stationary_maxage (seconds) or its
// default.
func (c *AggregatorConfig) GetStationaryMaxAge() uint32 {
	if c.StationaryMaxAge == nil {
		return 120
	}
	return *c.StationaryMaxAge
}

// GetScaleFactor returns scale_factor or its default.
func (c *AggregatorConfig) GetScaleFactor() float64 {
	if c.ScaleFactor == nil {
		return 1.3
	}
	return *c.ScaleFactor
}

// Validate checks the aggregator's required fields and any set
// optional fields are sane. Configuration errors here are fatal at
// startup.
func (c *AggregatorConfig) Validate() error {
	if c.OutputDir == "" {
		return fmt.Errorf("output_dir is required")
	}
	if c.TrackPort == "" {
		return fmt.Errorf("track_port is required")
	}
	if c.DnnPort == "" {
		return fmt.Errorf("dnn_port is required")
	}
	if c.NumTracker != nil && *c.NumTracker == 0 {
		return fmt.Errorf("num_tracker must be at least 1")
	}
	if c.MovingIoU != nil && (*c.MovingIoU < 0 || *c.MovingIoU > 1) {
		return fmt.Errorf("moving_iou must be between 0 and 1, got %f", *c.MovingIoU)
	}
	if c.StationaryIoU != nil && (*c.StationaryIoU < 0 || *c.StationaryIoU > 1) {
		return fmt.Errorf("stationary_iou must be between 0 and 1, got %f", *c.StationaryIoU)
	}
	return nil
}
