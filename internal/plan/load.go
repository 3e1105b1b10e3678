package plan

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/metalagman/planrun/internal/errs"
	"github.com/metalagman/planrun/internal/model"
	"gopkg.in/yaml.v3"
)

// Plan file formats.
const (
	FormatJSON = "json"
	FormatYAML = "yaml"
)

// Load reads a plan file. The format follows the extension; anything other
// than .yaml or .yml is read as JSON.
func Load(path string) (*model.Plan, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open plan: %w", err)
	}
	defer func() { _ = f.Close() }()

	format := FormatJSON
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		format = FormatYAML
	}
	return Decode(f, format)
}

// Decode reads one plan document. Unknown fields are rejected.
func Decode(r io.Reader, format string) (*model.Plan, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read plan: %w", err)
	}
	if format == FormatYAML {
		data, err = yamlToJSON(data)
		if err != nil {
			return nil, errs.Wrap(errs.PlanInvalid, err, "decode yaml plan")
		}
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var p model.Plan
	if err := dec.Decode(&p); err != nil {
		return nil, errs.Wrap(errs.PlanInvalid, err, "decode plan")
	}
	return &p, nil
}

// yamlToJSON re-encodes a YAML document as JSON so raw JSON fields such as
// task input and output schema survive unchanged.
func yamlToJSON(data []byte) ([]byte, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return json.Marshal(normalizeYAML(doc))
}

func normalizeYAML(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			t[k] = normalizeYAML(val)
		}
		return t
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalizeYAML(val)
		}
		return out
	case []any:
		for i, val := range t {
			t[i] = normalizeYAML(val)
		}
		return t
	default:
		return v
	}
}
