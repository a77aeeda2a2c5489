package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSortConfig_DefaultsMatchElementProperties(t *testing.T) {
	t.Parallel()
	cfg := EmptySortConfig()

	assert.InDelta(t, 0.1, cfg.GetSortIoU(), 1e-9)
	assert.Equal(t, uint32(30), cfg.GetSortMaxAge())
	assert.Equal(t, uint32(30), cfg.GetSortMinHits())
	assert.Equal(t, uint32(0), cfg.GetAlpha())
	assert.Equal(t, uint32(0), cfg.GetBeta())
	assert.False(t, cfg.GetInferI())
	assert.Equal(t, uint32(0), cfg.GetPort())
}

func TestSortConfig_ValidateRejectsOutOfRangeIoU(t *testing.T) {
	t.Parallel()
	bad := 1.5
	cfg := &SortConfig{SortIoU: &bad}
	assert.Error(t, cfg.Validate())
}

func TestAggregatorConfig_Defaults(t *testing.T) {
	t.Parallel()
	cfg := &AggregatorConfig{OutputDir: "out", TrackPort: "9000", DnnPort: "9001"}

	assert.Equal(t, uint32(1), cfg.GetNumTracker())
	assert.InDelta(t, 0.15, cfg.GetMovingIoU(), 1e-9)
	assert.InDelta(t, 0.3, cfg.GetStationaryIoU(), 1e-9)
	assert.Equal(t, uint32(120), cfg.GetStationaryMaxAge())
	assert.InDelta(t, 1.3, cfg.GetScaleFactor(), 1e-9)
	assert.NoError(t, cfg.Validate())
}

func TestAggregatorConfig_ValidateRequiresPaths(t *testing.T) {
	t.Parallel()
	cfg := &AggregatorConfig{}
	assert.Error(t, cfg.Validate())
}
