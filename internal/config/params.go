package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/airstrike/airstrike/internal/models"
)

// JobFile is the YAML layout accepted by `airstrike start --file`.
//
//	kind: deauth
//	target:
//	  bssid: AA:BB:CC:DD:EE:FF
//	  essid: lab-ap
//	  channel: 6
//	params:
//	  packets: 64
type JobFile struct {
	Kind   string         `yaml:"kind"`
	Target models.Target  `yaml:"target"`
	Params map[string]any `yaml:"params"`
}

// LoadJobFile reads a YAML job description.
func LoadJobFile(path string) (*JobFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read job file: %w", err)
	}

	var jf JobFile
	if err := yaml.Unmarshal(data, &jf); err != nil {
		return nil, fmt.Errorf("failed to parse job file %s: %w", path, err)
	}
	if jf.Params == nil {
		jf.Params = make(map[string]any)
	}
	return &jf, nil
}

// ParseParams turns repeated key=value flags into a parameter map.
// Values are typed where unambiguous: integers, floats and booleans.
func ParseParams(pairs []string) (map[string]any, error) {
	params := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid parameter %q: expected key=value", pair)
		}
		params[key] = parseScalar(strings.TrimSpace(value))
	}
	return params, nil
}

// MergeParams overlays override onto base. Keys in override win.
func MergeParams(base, override map[string]any) map[string]any {
	merged := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range override {
		merged[k] = v
	}
	return merged
}

func parseScalar(s string) any {
	if i, err := strconv.Atoi(s); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	return s
}
