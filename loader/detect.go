// Package loader reads instruction catalogs from YAML or JSON files and
// discovers which file to use.
package loader

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Format identifies how a catalog file is encoded.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// DetectFormat picks the parse format from the file extension:
// .yaml/.yml are YAML, everything else is JSON.
func DetectFormat(path string) Format {
	if isYAML(path) {
		return FormatYAML
	}
	return FormatJSON
}

// isYAML returns true if the file path has a YAML extension.
func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// toJSON converts data to JSON bytes, handling YAML conversion if the path
// indicates a YAML file.
func toJSON(data []byte, path string) ([]byte, error) {
	if isYAML(path) {
		return yamlToJSON(data)
	}
	return data, nil
}

// yamlToJSON converts YAML bytes to JSON bytes so both encodings decode
// through the same json-tagged structs.
func yamlToJSON(data []byte) ([]byte, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}
	// yaml.v3 decodes mappings as map[string]any, which is JSON-compatible
	return json.Marshal(raw)
}
