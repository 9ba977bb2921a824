package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultConfigPath is the path to the canonical mission defaults file.
// This is the single source of truth for all default tuning values.
const DefaultConfigPath = "config/mission.defaults.json"

// MissionConfig represents the tuning parameters of the detection-to-geolocation
// pipeline. Fields omitted from the JSON file retain their built-in defaults,
// so partial configs are safe.
type MissionConfig struct {
	// Detection params (3x3m symbol footprint at operating altitude)
	MinSymbolAreaPx *int     `json:"min_symbol_area_px,omitempty"`
	MaxSymbolAreaPx *int     `json:"max_symbol_area_px,omitempty"`
	AspectRatioMin  *float64 `json:"aspect_ratio_min,omitempty"`
	AspectRatioMax  *float64 `json:"aspect_ratio_max,omitempty"`

	// OCR consensus params
	ConsensusWindow               *int     `json:"consensus_window,omitempty"`
	ConsensusQuorum               *int     `json:"consensus_quorum,omitempty"`
	ClusterPixelDistanceThreshold *float64 `json:"cluster_pixel_distance_threshold,omitempty"`
	ClusterStalenessFrames        *int     `json:"cluster_staleness_frames,omitempty"`
	MinOCRConfidence              *float64 `json:"min_ocr_confidence,omitempty"`

	// Telemetry params
	TelemetryRetention            *string `json:"telemetry_retention,omitempty"`             // duration string like "30s"
	TelemetryMaxInterpolationGap  *string `json:"telemetry_max_interpolation_gap,omitempty"` // duration string like "2s"
	TelemetryExtrapolationMargin  *string `json:"telemetry_extrapolation_margin,omitempty"`  // duration string like "500ms"
	MinFixQuality                 *int    `json:"min_fix_quality,omitempty"`

	// Projection params
	MaxViewObliquityDeg *float64 `json:"max_view_obliquity_deg,omitempty"`
	TerrainElevationM   *float64 `json:"terrain_elevation_m,omitempty"`
	AltitudeSigmaM      *float64 `json:"altitude_sigma_m,omitempty"`
	AttitudeSigmaDeg    *float64 `json:"attitude_sigma_deg,omitempty"`

	// Registry params
	MergeRadiusM              *float64 `json:"merge_radius_m,omitempty"`
	TextEditDistanceTolerance *int     `json:"text_edit_distance_tolerance,omitempty"`

	// Mission params
	FrameQueueDepth        *int    `json:"frame_queue_depth,omitempty"`
	MaxConsecutiveFailures *int    `json:"max_consecutive_failures,omitempty"`
	StaleRetryWindow       *string `json:"stale_retry_window,omitempty"` // duration string like "10s"
}

// EmptyMissionConfig returns a MissionConfig with all fields set to nil.
// Use LoadMissionConfig to load actual values from a JSON file.
func EmptyMissionConfig() *MissionConfig {
	return &MissionConfig{}
}

// LoadMissionConfig loads a MissionConfig from a JSON file. The file is
// validated to ensure it has a .json extension and is under the max file size.
func LoadMissionConfig(path string) (*MissionConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Parse JSON into empty config. The Get* methods provide fallback
	// defaults for any fields not specified in the JSON.
	cfg := EmptyMissionConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical mission defaults from
// DefaultConfigPath, searching upward from the current directory. Panics if the
// file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *MissionConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath, // from internal/<pkg>/
		"../../../" + DefaultConfigPath,
		"../../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadMissionConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid.
func (c *MissionConfig) Validate() error {
	if c.ConsensusWindow != nil && *c.ConsensusWindow < 1 {
		return fmt.Errorf("consensus_window must be >= 1, got %d", *c.ConsensusWindow)
	}
	if c.ConsensusQuorum != nil {
		if *c.ConsensusQuorum < 1 {
			return fmt.Errorf("consensus_quorum must be >= 1, got %d", *c.ConsensusQuorum)
		}
		if *c.ConsensusQuorum > c.GetConsensusWindow() {
			return fmt.Errorf("consensus_quorum %d exceeds consensus_window %d",
				*c.ConsensusQuorum, c.GetConsensusWindow())
		}
	}
	if c.MinOCRConfidence != nil {
		if *c.MinOCRConfidence < 0 || *c.MinOCRConfidence > 1 {
			return fmt.Errorf("min_ocr_confidence must be between 0 and 1, got %f", *c.MinOCRConfidence)
		}
	}
	if c.MaxViewObliquityDeg != nil {
		if *c.MaxViewObliquityDeg <= 0 || *c.MaxViewObliquityDeg >= 90 {
			return fmt.Errorf("max_view_obliquity_deg must be in (0, 90), got %f", *c.MaxViewObliquityDeg)
		}
	}
	if c.MergeRadiusM != nil && *c.MergeRadiusM <= 0 {
		return fmt.Errorf("merge_radius_m must be positive, got %f", *c.MergeRadiusM)
	}
	if c.TextEditDistanceTolerance != nil && *c.TextEditDistanceTolerance < 0 {
		return fmt.Errorf("text_edit_distance_tolerance must be non-negative, got %d", *c.TextEditDistanceTolerance)
	}
	if c.FrameQueueDepth != nil && *c.FrameQueueDepth < 1 {
		return fmt.Errorf("frame_queue_depth must be >= 1, got %d", *c.FrameQueueDepth)
	}

	for name, v := range map[string]*string{
		"telemetry_retention":             c.TelemetryRetention,
		"telemetry_max_interpolation_gap": c.TelemetryMaxInterpolationGap,
		"telemetry_extrapolation_margin":  c.TelemetryExtrapolationMargin,
		"stale_retry_window":              c.StaleRetryWindow,
	} {
		if v != nil && *v != "" {
			if _, err := time.ParseDuration(*v); err != nil {
				return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
			}
		}
	}

	return nil
}

func durationOr(v *string, fallback time.Duration) time.Duration {
	if v == nil || *v == "" {
		return fallback
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return fallback
	}
	return d
}

// GetMinSymbolAreaPx returns the min_symbol_area_px value or the default.
func (c *MissionConfig) GetMinSymbolAreaPx() int {
	if c.MinSymbolAreaPx == nil {
		return 2000
	}
	return *c.MinSymbolAreaPx
}

// GetMaxSymbolAreaPx returns the max_symbol_area_px value or the default.
func (c *MissionConfig) GetMaxSymbolAreaPx() int {
	if c.MaxSymbolAreaPx == nil {
		return 100000
	}
	return *c.MaxSymbolAreaPx
}

// GetAspectRatioMin returns the aspect_ratio_min value or the default.
func (c *MissionConfig) GetAspectRatioMin() float64 {
	if c.AspectRatioMin == nil {
		return 0.4
	}
	return *c.AspectRatioMin
}

// GetAspectRatioMax returns the aspect_ratio_max value or the default.
func (c *MissionConfig) GetAspectRatioMax() float64 {
	if c.AspectRatioMax == nil {
		return 2.5
	}
	return *c.AspectRatioMax
}

// GetConsensusWindow returns the consensus_window value or the default.
func (c *MissionConfig) GetConsensusWindow() int {
	if c.ConsensusWindow == nil {
		return 5
	}
	return *c.ConsensusWindow
}

// GetConsensusQuorum returns the consensus_quorum value or the default.
func (c *MissionConfig) GetConsensusQuorum() int {
	if c.ConsensusQuorum == nil {
		return 3
	}
	return *c.ConsensusQuorum
}

// GetClusterPixelDistanceThreshold returns the cluster_pixel_distance_threshold
// value or the default.
func (c *MissionConfig) GetClusterPixelDistanceThreshold() float64 {
	if c.ClusterPixelDistanceThreshold == nil {
		return 120.0
	}
	return *c.ClusterPixelDistanceThreshold
}

// GetClusterStalenessFrames returns the cluster_staleness_frames value or the default.
func (c *MissionConfig) GetClusterStalenessFrames() int {
	if c.ClusterStalenessFrames == nil {
		return 15
	}
	return *c.ClusterStalenessFrames
}

// GetMinOCRConfidence returns the min_ocr_confidence value or the default.
func (c *MissionConfig) GetMinOCRConfidence() float64 {
	if c.MinOCRConfidence == nil {
		return 0.3
	}
	return *c.MinOCRConfidence
}

// GetTelemetryRetention parses and returns the telemetry_retention duration.
func (c *MissionConfig) GetTelemetryRetention() time.Duration {
	return durationOr(c.TelemetryRetention, 60*time.Second)
}

// GetTelemetryMaxInterpolationGap parses and returns the
// telemetry_max_interpolation_gap duration.
func (c *MissionConfig) GetTelemetryMaxInterpolationGap() time.Duration {
	return durationOr(c.TelemetryMaxInterpolationGap, 2*time.Second)
}

// GetTelemetryExtrapolationMargin parses and returns the
// telemetry_extrapolation_margin duration.
func (c *MissionConfig) GetTelemetryExtrapolationMargin() time.Duration {
	return durationOr(c.TelemetryExtrapolationMargin, 500*time.Millisecond)
}

// GetMinFixQuality returns the min_fix_quality value or the default (3D fix).
func (c *MissionConfig) GetMinFixQuality() int {
	if c.MinFixQuality == nil {
		return 3
	}
	return *c.MinFixQuality
}

// GetMaxViewObliquityDeg returns the max_view_obliquity_deg value or the default.
func (c *MissionConfig) GetMaxViewObliquityDeg() float64 {
	if c.MaxViewObliquityDeg == nil {
		return 60.0
	}
	return *c.MaxViewObliquityDeg
}

// GetTerrainElevationM returns the terrain_elevation_m value or the default.
func (c *MissionConfig) GetTerrainElevationM() float64 {
	if c.TerrainElevationM == nil {
		return 0.0
	}
	return *c.TerrainElevationM
}

// GetAltitudeSigmaM returns the altitude_sigma_m value or the default.
func (c *MissionConfig) GetAltitudeSigmaM() float64 {
	if c.AltitudeSigmaM == nil {
		return 2.0
	}
	return *c.AltitudeSigmaM
}

// GetAttitudeSigmaDeg returns the attitude_sigma_deg value or the default.
func (c *MissionConfig) GetAttitudeSigmaDeg() float64 {
	if c.AttitudeSigmaDeg == nil {
		return 1.5
	}
	return *c.AttitudeSigmaDeg
}

// GetMergeRadiusM returns the merge_radius_m value or the default.
func (c *MissionConfig) GetMergeRadiusM() float64 {
	if c.MergeRadiusM == nil {
		return 15.0
	}
	return *c.MergeRadiusM
}

// GetTextEditDistanceTolerance returns the text_edit_distance_tolerance value
// or the default.
func (c *MissionConfig) GetTextEditDistanceTolerance() int {
	if c.TextEditDistanceTolerance == nil {
		return 1
	}
	return *c.TextEditDistanceTolerance
}

// GetFrameQueueDepth returns the frame_queue_depth value or the default.
func (c *MissionConfig) GetFrameQueueDepth() int {
	if c.FrameQueueDepth == nil {
		return 20
	}
	return *c.FrameQueueDepth
}

// GetMaxConsecutiveFailures returns the max_consecutive_failures value or the default.
func (c *MissionConfig) GetMaxConsecutiveFailures() int {
	if c.MaxConsecutiveFailures == nil {
		return 30
	}
	return *c.MaxConsecutiveFailures
}

// GetStaleRetryWindow parses and returns the stale_retry_window duration.
func (c *MissionConfig) GetStaleRetryWindow() time.Duration {
	return durationOr(c.StaleRetryWindow, 10*time.Second)
}
