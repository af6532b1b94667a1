package model

import (
	"encoding/json"
	"fmt"
)

// Output formats understood by the delivery layer.
const (
	FormatPDF       = "pdf"
	FormatTelegraph = "telegraph"
)

const defaultBatchSize = 5

// Settings are per-identity preferences. Keys this version does not know
// about are kept in Extra and written back unchanged.
type Settings struct {
	BatchSize    int
	OutputFormat string
	Extra        map[string]json.RawMessage
}

// DefaultSettings returns the settings of an identity that never saved any.
func DefaultSettings() Settings {
	return Settings{BatchSize: defaultBatchSize, OutputFormat: FormatPDF}
}

// Validate checks the recognised keys.
func (s Settings) Validate() error {
	if s.BatchSize < 1 || s.BatchSize > 50 {
		return fmt.Errorf("batch_size must be between 1 and 50 (got %d)", s.BatchSize)
	}
	switch s.OutputFormat {
	case FormatPDF, FormatTelegraph:
	default:
		return fmt.Errorf("unknown output_format %q", s.OutputFormat)
	}
	return nil
}

// MarshalJSON writes recognised keys alongside the preserved extras.
func (s Settings) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(s.Extra)+2)
	for k, v := range s.Extra {
		out[k] = v
	}
	batch, err := json.Marshal(s.BatchSize)
	if err != nil {
		return nil, err
	}
	format, err := json.Marshal(s.OutputFormat)
	if err != nil {
		return nil, err
	}
	out["batch_size"] = batch
	out["output_format"] = format
	return json.Marshal(out)
}

// UnmarshalJSON fills recognised keys, falling back to defaults for
// missing ones, and keeps everything else in Extra.
func (s *Settings) UnmarshalJSON(data []byte) error {
	*s = DefaultSettings()
	if len(data) == 0 || string(data) == "null" {
		return nil
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode settings: %w", err)
	}

	if v, ok := raw["batch_size"]; ok {
		if err := json.Unmarshal(v, &s.BatchSize); err != nil {
			return fmt.Errorf("decode batch_size: %w", err)
		}
		delete(raw, "batch_size")
	}
	if v, ok := raw["output_format"]; ok {
		if err := json.Unmarshal(v, &s.OutputFormat); err != nil {
			return fmt.Errorf("decode output_format: %w", err)
		}
		delete(raw, "output_format")
	}
	if len(raw) > 0 {
		s.Extra = raw
	}
	return nil
}
