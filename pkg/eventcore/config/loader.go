package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// SectionKey is the top-level key holding dispatch settings.
const SectionKey = "eventcore"

// ErrNoSection is returned for a settings document without an eventcore
// block.
var ErrNoSection = errors.New("no " + SectionKey + " section")

// Load reads the settings file at path and returns its eventcore section.
// The format follows the extension: .yaml, .yml or .json.
func Load(path string) (Section, error) {
	var parse func([]byte) (Section, error)
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		parse = ParseYAML
	case ".json":
		parse = ParseJSON
	default:
		return Section{}, fmt.Errorf("unsupported config file extension: %s", ext)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Section{}, fmt.Errorf("read config file: %w", err)
	}
	sec, err := parse(data)
	if err != nil {
		return Section{}, fmt.Errorf("%s: %w", path, err)
	}
	return sec, nil
}

// ParseYAML returns the eventcore section of a YAML document.
func ParseYAML(data []byte) (Section, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Section{}, fmt.Errorf("parse yaml: %w", err)
	}
	return section(doc)
}

// ParseJSON returns the eventcore section of a JSON document.
func ParseJSON(data []byte) (Section, error) {
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return Section{}, fmt.Errorf("parse json: %w", err)
	}
	return section(doc)
}

func section(doc map[string]any) (Section, error) {
	raw, ok := doc[SectionKey]
	if !ok {
		return Section{}, ErrNoSection
	}
	switch v := raw.(type) {
	case nil:
		// "eventcore:" with nothing under it keeps every default.
		return NewSection(nil), nil
	case map[string]any:
		return NewSection(v), nil
	default:
		return Section{}, fmt.Errorf("%s section must be a mapping, got %T", SectionKey, raw)
	}
}
