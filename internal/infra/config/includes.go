package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const maxIncludeDepth = 8

// applyIncludes overlays every file named in cfg.Includes onto cfg, in order.
// Patterns may be globs and are resolved relative to the including file.
func applyIncludes(cfg *Config, configPath string) error {
	return includeFrom(cfg, filepath.Dir(configPath), map[string]bool{configPath: true}, 1)
}

func includeFrom(cfg *Config, dir string, seen map[string]bool, depth int) error {
	if depth > maxIncludeDepth {
		return fmt.Errorf("config includes: nesting deeper than %d", maxIncludeDepth)
	}
	patterns := cfg.Includes
	cfg.Includes = nil

	for _, pattern := range patterns {
		paths, err := expandInclude(pattern, dir)
		if err != nil {
			return err
		}
		for _, p := range paths {
			if seen[p] {
				return fmt.Errorf("config includes: cycle through %q", p)
			}
			seen[p] = true
			if err := overlayFile(cfg, p, seen, depth); err != nil {
				return err
			}
		}
	}
	return nil
}

// expandInclude resolves pattern against dir. Relative patterns may not
// climb out of dir. A glob with no matches is not an error; a literal path
// that is missing is reported when it is read.
func expandInclude(pattern, dir string) ([]string, error) {
	if !filepath.IsAbs(pattern) {
		pattern = filepath.Join(dir, pattern)
		if rel, err := filepath.Rel(dir, pattern); err == nil && strings.HasPrefix(rel, "..") {
			return nil, fmt.Errorf("config includes: %q escapes %s", pattern, dir)
		}
	}
	pattern = filepath.Clean(pattern)

	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("config includes: glob %q: %w", pattern, err)
	}
	if len(matches) == 0 && !strings.ContainsAny(pattern, "*?[") {
		matches = []string{pattern}
	}
	for i, m := range matches {
		abs, err := filepath.Abs(m)
		if err != nil {
			return nil, fmt.Errorf("config includes: %w", err)
		}
		matches[i] = abs
	}
	return matches, nil
}

func overlayFile(cfg *Config, path string, seen map[string]bool, depth int) error {
	if err := validatePermissions(path); err != nil {
		return fmt.Errorf("config includes: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config includes: %w", err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("config includes: parse %q: %w", path, err)
	}
	if len(cfg.Includes) > 0 {
		return includeFrom(cfg, filepath.Dir(path), seen, depth+1)
	}
	return nil
}
