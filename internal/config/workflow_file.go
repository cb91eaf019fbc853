package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
)

// LoadWorkflowFile reads a standalone workflow definition (YAML or JSON)
// with the same strict decoding rules as the main config file.
func LoadWorkflowFile(path string) (WorkflowConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return WorkflowConfig{}, err
	}
	jsonBytes, format, err := coerceToJSONBytes(path, raw)
	if err != nil {
		return WorkflowConfig{}, err
	}

	var wf WorkflowConfig
	dec := json.NewDecoder(bytes.NewReader(jsonBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&wf); err != nil {
		return WorkflowConfig{}, fmt.Errorf("parse %s workflow %s: %w", format, path, err)
	}
	// reject trailing tokens (e.g. concatenated JSON)
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return WorkflowConfig{}, fmt.Errorf("parse workflow %s: trailing data", path)
	}

	if len(wf.Steps) == 0 {
		return WorkflowConfig{}, fmt.Errorf("workflow %s has no steps", path)
	}
	for i, step := range wf.Steps {
		if strings.TrimSpace(step.Input) == "" {
			return WorkflowConfig{}, fmt.Errorf("workflow %s: step %d has no input", path, i)
		}
	}
	return wf, nil
}
