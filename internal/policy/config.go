package policy

import (
	"encoding/json"
	"fmt"

	"github.com/calmdesk/calmdesk/engine/pkg/models"
)

// Policy configs arrive as opaque JSON, sometimes double-encoded as a JSON
// string by older clients. Each parser normalizes that before decoding into
// the per-type struct.

// TopicConfig configures a topic_filter policy.
type TopicConfig struct {
	BlockedTopics   []string `json:"blockedTopics"`
	BlockedPatterns []string `json:"blockedPatterns,omitempty"`
}

// PIIConfig configures a pii_filter policy.
type PIIConfig struct {
	Detect []models.PIIKind `json:"detect"`
	Action models.PIIAction `json:"action"`
}

// ToneConfig configures a tone policy.
type ToneConfig struct {
	BlockedPhrases []string `json:"blockedPhrases,omitempty"`
	BlockUncertain bool     `json:"blockUncertain,omitempty"`
}

// LengthConfig configures a length policy.
type LengthConfig struct {
	MinLength int `json:"minLength,omitempty"`
	MaxLength int `json:"maxLength,omitempty"`
}

// ParseTopicConfig decodes a topic_filter config.
func ParseTopicConfig(raw json.RawMessage) (*TopicConfig, error) {
	var cfg TopicConfig
	if err := decodeConfig(raw, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ParsePIIConfig decodes a pii_filter config. Action defaults to block.
func ParsePIIConfig(raw json.RawMessage) (*PIIConfig, error) {
	var cfg PIIConfig
	if err := decodeConfig(raw, &cfg); err != nil {
		return nil, err
	}
	if cfg.Action == "" {
		cfg.Action = models.PIIActionBlock
	}
	return &cfg, nil
}

// ParseToneConfig decodes a tone config.
func ParseToneConfig(raw json.RawMessage) (*ToneConfig, error) {
	var cfg ToneConfig
	if err := decodeConfig(raw, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ParseLengthConfig decodes a length config.
func ParseLengthConfig(raw json.RawMessage) (*LengthConfig, error) {
	var cfg LengthConfig
	if err := decodeConfig(raw, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ValidateConfig checks that a policy's config decodes for its type. Used by
// the API layer before persisting a policy.
func ValidateConfig(p *models.Policy) error {
	var err error
	switch p.Type {
	case models.PolicyTopicFilter:
		_, err = ParseTopicConfig(p.Config)
	case models.PolicyPIIFilter:
		var cfg *PIIConfig
		cfg, err = ParsePIIConfig(p.Config)
		if err == nil {
			for _, kind := range cfg.Detect {
				if _, ok := piiPatterns[kind]; !ok {
					return fmt.Errorf("unknown pii kind: %s", kind)
				}
			}
			if cfg.Action != models.PIIActionBlock && cfg.Action != models.PIIActionRedact {
				return fmt.Errorf("unknown pii action: %s", cfg.Action)
			}
		}
	case models.PolicyTone:
		_, err = ParseToneConfig(p.Config)
	case models.PolicyLength:
		_, err = ParseLengthConfig(p.Config)
	default:
		return fmt.Errorf("unknown policy type: %s", p.Type)
	}
	return err
}

// decodeConfig unmarshals raw into v, unwrapping one level of string
// encoding when the config was stored as a JSON string.
func decodeConfig(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	data := []byte(raw)
	if data[0] == '"' {
		var inner string
		if err := json.Unmarshal(data, &inner); err != nil {
			return fmt.Errorf("unwrap config string: %w", err)
		}
		data = []byte(inner)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}
