package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrNotFound is returned when the manifest file does not exist.
var ErrNotFound = errors.New("manifest file not found")

// Load reads, validates and defaults a manifest file. The format follows the
// extension (.json, .yaml, .yml); anything else is parsed as YAML, which also
// accepts JSON.
func Load(path string) (*Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return LoadFromBytes(data, path)
}

func LoadFromReader(r io.Reader, path string) (*Workflow, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return LoadFromBytes(data, path)
}

// LoadFromBytes validates the raw document against the schema first, so
// unknown fields are rejected rather than silently dropped, then decodes it.
func LoadFromBytes(data []byte, path string) (*Workflow, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, errors.New("manifest file is empty")
	}

	doc, err := toJSON(data, path)
	if err != nil {
		return nil, err
	}
	if err := ValidateRaw(doc); err != nil {
		return nil, err
	}

	var w Workflow
	if err := json.Unmarshal(doc, &w); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	w.ApplyDefaults()
	if err := w.Check(); err != nil {
		return nil, err
	}
	return &w, nil
}

// toJSON normalises the document to JSON. YAML timestamps become RFC 3339
// strings on the way through.
func toJSON(data []byte, path string) ([]byte, error) {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		var raw any
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("invalid JSON in manifest: %w", err)
		}
		return data, nil
	}

	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid YAML in manifest: %w", err)
	}
	out, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("convert manifest to JSON: %w", err)
	}
	return out, nil
}
