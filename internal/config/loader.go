package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
	"gopkg.in/yaml.v3"
)

// A config file may pull in others through a top-level $include directive
// holding a path or list of paths, resolved relative to the including file.
// Included content merges first, so the including file wins on conflicts.
const includeKey = "$include"

// LoadRaw resolves path and its $include chain into one merged map.
func LoadRaw(path string) (map[string]any, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config path is required")
	}
	l := &loader{visiting: map[string]struct{}{}}
	return l.load(path)
}

type loader struct {
	// visiting holds the open include chain, so a file reached twice
	// before its first load finishes is a cycle.
	visiting map[string]struct{}
}

func (l *loader) load(path string) (map[string]any, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if _, open := l.visiting[abs]; open {
		return nil, fmt.Errorf("config: include cycle through %s", abs)
	}
	l.visiting[abs] = struct{}{}
	defer delete(l.visiting, abs)

	doc, err := readDocument(abs)
	if err != nil {
		return nil, err
	}
	includes, err := popIncludes(doc)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", abs, err)
	}

	out := map[string]any{}
	for _, inc := range includes {
		if strings.TrimSpace(inc) == "" {
			continue
		}
		if !filepath.IsAbs(inc) {
			inc = filepath.Join(filepath.Dir(abs), inc)
		}
		sub, err := l.load(inc)
		if err != nil {
			return nil, err
		}
		deepMerge(out, sub)
	}
	deepMerge(out, doc)
	return out, nil
}

// readDocument parses one file, picking the syntax from the extension.
// ${VAR} references are expanded before parsing so they work in both
// formats and inside include paths.
func readDocument(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	data = []byte(os.ExpandEnv(string(data)))

	doc := map[string]any{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".json5":
		if err := json5.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("config: %s: %w", path, err)
		}
	default:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		if err := dec.Decode(&doc); err != nil {
			if err == io.EOF {
				return map[string]any{}, nil
			}
			return nil, fmt.Errorf("config: %s: %w", path, err)
		}
		if err := dec.Decode(&struct{}{}); err != io.EOF {
			return nil, fmt.Errorf("config: %s: more than one yaml document", path)
		}
	}
	if doc == nil {
		doc = map[string]any{}
	}
	return doc, nil
}

// popIncludes removes the include directive from doc and returns its paths.
func popIncludes(doc map[string]any) ([]string, error) {
	v, ok := doc[includeKey]
	if !ok {
		return nil, nil
	}
	delete(doc, includeKey)
	switch inc := v.(type) {
	case string:
		return []string{inc}, nil
	case []any:
		paths := make([]string, len(inc))
		for i, entry := range inc {
			s, ok := entry.(string)
			if !ok {
				return nil, fmt.Errorf("%s entries must be strings", includeKey)
			}
			paths[i] = s
		}
		return paths, nil
	default:
		return nil, fmt.Errorf("%s must be a path or list of paths", includeKey)
	}
}

// deepMerge copies src into dst, descending into nested maps so sections
// split across files combine instead of replacing each other wholesale.
func deepMerge(dst, src map[string]any) {
	for k, v := range src {
		if sub, ok := v.(map[string]any); ok {
			if cur, ok := dst[k].(map[string]any); ok {
				deepMerge(cur, sub)
				continue
			}
		}
		dst[k] = v
	}
}

// decodeRawConfig round-trips the merged map through yaml so strict field
// checking applies to the whole merged document rather than file by file.
func decodeRawConfig(raw map[string]any) (*Config, error) {
	payload, err := yaml.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("config: encode merged document: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(payload))
	dec.KnownFields(true)
	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &cfg, nil
}
