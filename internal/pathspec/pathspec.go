// Package pathspec handles the per-policy backup path configuration: which
// paths a fire backs up on each worker. A config carries shared default
// paths plus optional per-worker overrides; resolution picks the override
// when one is present and non-empty, otherwise the defaults.
package pathspec

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Config is the paths configuration stored on a backup policy.
//
// The canonical JSON encoding is an object:
//
//	{"defaultPaths": ["/a"], "workerPaths": {"<worker-id>": ["/b"]}}
//
// A legacy encoding, a bare JSON array, is still accepted and interpreted
// as {defaultPaths: <array>, workerPaths: {}}.
type Config struct {
	DefaultPaths []string            `json:"defaultPaths"`
	WorkerPaths  map[string][]string `json:"workerPaths"`
}

// ErrUnknownWorkerRule is returned when a per-worker rule refers to a
// worker outside the policy's target set.
type ErrUnknownWorkerRule struct {
	WorkerID string
}

func (e *ErrUnknownWorkerRule) Error() string {
	return fmt.Sprintf("pathspec: unknown_worker_rule: worker %s is not a target of this policy", e.WorkerID)
}

// Parse decodes a stored paths config, accepting both the canonical object
// form and the legacy bare-array form. The result is normalized.
func Parse(data string) (Config, error) {
	trimmed := strings.TrimSpace(data)
	if trimmed == "" || trimmed == "{}" {
		return Config{WorkerPaths: map[string][]string{}}, nil
	}

	if strings.HasPrefix(trimmed, "[") {
		var legacy []string
		if err := json.Unmarshal([]byte(trimmed), &legacy); err != nil {
			return Config{}, fmt.Errorf("pathspec: invalid legacy paths array: %w", err)
		}
		return Config{DefaultPaths: legacy, WorkerPaths: map[string][]string{}}.Normalize(), nil
	}

	var cfg Config
	if err := json.Unmarshal([]byte(trimmed), &cfg); err != nil {
		return Config{}, fmt.Errorf("pathspec: invalid paths config: %w", err)
	}
	return cfg.Normalize(), nil
}

// Serialize encodes the config in its canonical object form.
func Serialize(cfg Config) (string, error) {
	norm := cfg.Normalize()
	data, err := json.Marshal(norm)
	if err != nil {
		return "", fmt.Errorf("pathspec: serialize: %w", err)
	}
	return string(data), nil
}

// Normalize trims every path, drops empties, and de-duplicates preserving
// first occurrence. Worker entries left with no paths are removed.
func (c Config) Normalize() Config {
	out := Config{
		DefaultPaths: normalizePaths(c.DefaultPaths),
		WorkerPaths:  map[string][]string{},
	}
	for workerID, paths := range c.WorkerPaths {
		cleaned := normalizePaths(paths)
		if len(cleaned) > 0 {
			out.WorkerPaths[workerID] = cleaned
		}
	}
	return out
}

// Empty reports whether no resolution could ever produce a path.
func (c Config) Empty() bool {
	if len(c.DefaultPaths) > 0 {
		return false
	}
	for _, paths := range c.WorkerPaths {
		if len(paths) > 0 {
			return false
		}
	}
	return true
}

// ResolveFor returns the paths a given worker should back up: the worker's
// own rule when non-empty, otherwise the defaults.
func (c Config) ResolveFor(workerID uuid.UUID) []string {
	if paths, ok := c.WorkerPaths[workerID.String()]; ok && len(paths) > 0 {
		return paths
	}
	return c.DefaultPaths
}

// ValidateWorkers checks that every per-worker rule refers to a worker in
// the policy's target set. Enforced at create/update time, before dispatch.
func (c Config) ValidateWorkers(targets []uuid.UUID) error {
	known := make(map[string]bool, len(targets))
	for _, id := range targets {
		known[id.String()] = true
	}
	for workerID := range c.WorkerPaths {
		if !known[workerID] {
			return &ErrUnknownWorkerRule{WorkerID: workerID}
		}
	}
	return nil
}

// ParseScript parses the line-oriented script form used for user input:
// lines beginning with "@name:" attach the remainder as a path for the
// named worker; other non-empty, non-comment lines append to the defaults.
// Worker names are resolved to ids by the caller via the names map.
func ParseScript(script string, names map[string]uuid.UUID) (Config, error) {
	cfg := Config{WorkerPaths: map[string][]string{}}

	for lineNo, line := range strings.Split(script, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if strings.HasPrefix(line, "@") {
			idx := strings.Index(line, ":")
			if idx < 0 {
				return Config{}, fmt.Errorf("pathspec: line %d: missing ':' after worker name", lineNo+1)
			}
			name := strings.TrimSpace(line[1:idx])
			path := strings.TrimSpace(line[idx+1:])
			id, ok := names[name]
			if !ok {
				return Config{}, fmt.Errorf("pathspec: line %d: unknown worker %q", lineNo+1, name)
			}
			if path != "" {
				key := id.String()
				cfg.WorkerPaths[key] = append(cfg.WorkerPaths[key], path)
			}
			continue
		}

		cfg.DefaultPaths = append(cfg.DefaultPaths, line)
	}

	return cfg.Normalize(), nil
}

func normalizePaths(paths []string) []string {
	seen := make(map[string]bool, len(paths))
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		p = strings.TrimSpace(p)
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}
