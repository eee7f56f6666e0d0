package agentproc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Options is the subset of a job's options blob the adapter understands.
// Unknown keys are ignored.
type Options struct {
	Model           string   `json:"model,omitempty"`
	AllowedTools    []string `json:"allowedTools,omitempty"`
	DisallowedTools []string `json:"disallowedTools,omitempty"`
	PermissionMode  string   `json:"permissionMode,omitempty"`
	Images          []Image  `json:"images,omitempty"`

	// Cwd is the directory the agent runs in. ProjectPath is accepted as
	// an alias; Cwd wins when both are set.
	Cwd         string `json:"cwd,omitempty"`
	ProjectPath string `json:"projectPath,omitempty"`
}

// WorkDir returns the requested working directory, or "" when none is set.
func (o Options) WorkDir() string {
	if d := strings.TrimSpace(o.Cwd); d != "" {
		return d
	}
	return strings.TrimSpace(o.ProjectPath)
}

// Image is an inline attachment. Data is base64, optionally as a data URL.
type Image struct {
	Data      string `json:"data"`
	MediaType string `json:"mediaType,omitempty"`
	Name      string `json:"name,omitempty"`
}

// ParseOptions decodes a raw options blob. Empty input yields zero Options.
func ParseOptions(raw json.RawMessage) (Options, error) {
	var opts Options
	if len(bytes.TrimSpace(raw)) == 0 {
		return opts, nil
	}
	if err := json.Unmarshal(raw, &opts); err != nil {
		return Options{}, fmt.Errorf("decode options: %w", err)
	}
	return opts, nil
}

// buildArgs appends resume and option flags to the base arguments.
func buildArgs(base []string, sessionID string, opts Options) []string {
	args := append([]string(nil), base...)
	if s := strings.TrimSpace(sessionID); s != "" {
		args = append(args, "--resume", s)
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if len(opts.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(opts.AllowedTools, ","))
	}
	if len(opts.DisallowedTools) > 0 {
		args = append(args, "--disallowedTools", strings.Join(opts.DisallowedTools, ","))
	}
	if opts.PermissionMode != "" {
		args = append(args, "--permission-mode", opts.PermissionMode)
	}
	return args
}
