package models

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// MissingValueStrategy selects how step 2 fills or drops missing cells.
type MissingValueStrategy string

const (
	MissingMean   MissingValueStrategy = "mean"
	MissingMedian MissingValueStrategy = "median"
	MissingMode   MissingValueStrategy = "mode"
	MissingDrop   MissingValueStrategy = "drop"
)

// EncodingStrategy selects how categorical columns are encoded in step 7.
type EncodingStrategy string

const (
	EncodingNone   EncodingStrategy = "none"
	EncodingOneHot EncodingStrategy = "onehot"
	EncodingLabel  EncodingStrategy = "label"
)

const DefaultOutlierThreshold = 3.0

// PipelineConfig is the fixed set of cleaning options for a job.
// It is immutable once attached to a Job.
type PipelineConfig struct {
	CleanColumnNames       bool                 `json:"clean_column_names"`
	RemoveDuplicates       bool                 `json:"remove_duplicates"`
	SecondDuplicateRemoval bool                 `json:"second_duplicate_removal"`
	HandleMissingValues    bool                 `json:"handle_missing_values"`
	MissingValueStrategy   MissingValueStrategy `json:"missing_value_strategy"`
	NormalizeData          bool                 `json:"normalize_data"`
	TextCleaning           bool                 `json:"text_cleaning"`
	RemoveHTML             bool                 `json:"remove_html"`
	RemoveEmojis           bool                 `json:"remove_emojis"`
	CollapsePunctuation    bool                 `json:"collapse_punctuation"`
	NormalizeWhitespace    bool                 `json:"normalize_whitespace"`
	EnforceDataTypes       bool                 `json:"enforce_data_types"`
	LabelNormalization     bool                 `json:"label_normalization"`
	LabelColumn            string               `json:"label_column"`
	DropOutliers           bool                 `json:"drop_outliers"`
	OutlierThreshold       float64              `json:"outlier_threshold"`
	ParseDates             bool                 `json:"parse_dates"`
	EncodingStrategy       EncodingStrategy     `json:"encoding_strategy"`
}

// DefaultPipelineConfig returns the options applied when a request omits them.
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		RemoveDuplicates:       true,
		SecondDuplicateRemoval: true,
		HandleMissingValues:    true,
		MissingValueStrategy:   MissingMean,
		TextCleaning:           true,
		RemoveHTML:             true,
		RemoveEmojis:           true,
		CollapsePunctuation:    true,
		NormalizeWhitespace:    true,
		EnforceDataTypes:       true,
		OutlierThreshold:       DefaultOutlierThreshold,
		EncodingStrategy:       EncodingNone,
	}
}

// Validate rejects enum values and thresholds the pipeline cannot run with.
func (c PipelineConfig) Validate() error {
	switch c.MissingValueStrategy {
	case MissingMean, MissingMedian, MissingMode, MissingDrop:
	default:
		return fmt.Errorf("missing_value_strategy must be one of mean, median, mode, drop; got %q", c.MissingValueStrategy)
	}
	switch c.EncodingStrategy {
	case EncodingNone, EncodingOneHot, EncodingLabel:
	default:
		return fmt.Errorf("encoding_strategy must be one of none, onehot, label; got %q", c.EncodingStrategy)
	}
	if c.OutlierThreshold <= 0 {
		return fmt.Errorf("outlier_threshold must be positive, got %v", c.OutlierThreshold)
	}
	return nil
}

// DecodePipelineConfig overlays the JSON object in data onto the defaults.
// Unknown keys are an error. Empty input yields the defaults.
func DecodePipelineConfig(data []byte) (PipelineConfig, error) {
	cfg := DefaultPipelineConfig()
	if len(bytes.TrimSpace(data)) == 0 || bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return cfg, nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return PipelineConfig{}, fmt.Errorf("decode pipeline config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return PipelineConfig{}, err
	}
	return cfg, nil
}
