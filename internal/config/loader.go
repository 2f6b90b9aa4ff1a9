package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
	"gopkg.in/yaml.v3"
)

const includeKey = "$include"

// envRef matches ${NAME} and ${NAME:-fallback}. Bare $NAME is left alone so
// keys such as $include survive expansion.
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// Load reads the file at path and its $include chain, applies OPSYNC_*
// environment overrides and defaults, and validates the result.
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("config: path is required")
	}
	l := &loader{active: make(map[string]bool)}
	doc, err := l.load(path)
	if err != nil {
		return nil, err
	}
	cfg, err := decode(doc)
	if err != nil {
		return nil, err
	}
	cfg.Sources = l.sources

	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	ApplyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loader walks one include tree.
type loader struct {
	active  map[string]bool
	chain   []string
	sources []string
}

func (l *loader) load(path string) (map[string]any, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("config: resolve %s: %w", path, err)
	}
	if l.active[abs] {
		return nil, fmt.Errorf("config: include cycle %s", strings.Join(append(l.chain, abs), " -> "))
	}
	l.active[abs] = true
	l.chain = append(l.chain, abs)
	defer func() {
		delete(l.active, abs)
		l.chain = l.chain[:len(l.chain)-1]
	}()

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	doc, err := parseDocument(expandEnv(data), abs)
	if err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", filepath.Base(abs), err)
	}
	includes, err := takeIncludes(doc)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", filepath.Base(abs), err)
	}

	merged := make(map[string]any)
	for _, inc := range includes {
		if !filepath.IsAbs(inc) {
			inc = filepath.Join(filepath.Dir(abs), inc)
		}
		part, err := l.load(inc)
		if err != nil {
			return nil, err
		}
		overlay(merged, part)
	}
	overlay(merged, doc)
	l.sources = append(l.sources, abs)
	return merged, nil
}

// expandEnv substitutes environment references. An unset or empty variable
// takes its fallback.
func expandEnv(data []byte) []byte {
	return envRef.ReplaceAllFunc(data, func(ref []byte) []byte {
		m := envRef.FindSubmatch(ref)
		if v := os.Getenv(string(m[1])); v != "" {
			return []byte(v)
		}
		return m[2]
	})
}

// parseDocument decodes one file. .json, .json5 and .jsonc go through json5;
// anything else must be a single YAML document.
func parseDocument(data []byte, path string) (map[string]any, error) {
	doc := make(map[string]any)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".json5", ".jsonc":
		if err := json5.Unmarshal(data, &doc); err != nil {
			return nil, err
		}
	default:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
		if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
			return nil, errors.New("expected a single YAML document")
		}
	}
	if doc == nil {
		doc = make(map[string]any)
	}
	return doc, nil
}

// takeIncludes removes the $include key from doc and returns its paths.
func takeIncludes(doc map[string]any) ([]string, error) {
	v, ok := doc[includeKey]
	if !ok {
		return nil, nil
	}
	delete(doc, includeKey)

	var paths []string
	switch typed := v.(type) {
	case string:
		paths = []string{typed}
	case []any:
		for _, entry := range typed {
			p, ok := entry.(string)
			if !ok {
				return nil, fmt.Errorf("%s entries must be strings, got %T", includeKey, entry)
			}
			paths = append(paths, p)
		}
	default:
		return nil, fmt.Errorf("%s must be a path or a list of paths, got %T", includeKey, v)
	}

	out := paths[:0]
	for _, p := range paths {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out, nil
}

// overlay deep-merges src into dst. Nested sections merge key by key; any
// other value in src replaces dst's.
func overlay(dst, src map[string]any) {
	for key, value := range src {
		section, isSection := value.(map[string]any)
		existing, hasSection := dst[key].(map[string]any)
		if isSection && hasSection {
			overlay(existing, section)
			continue
		}
		dst[key] = value
	}
}

// decode converts the merged document into a Config, rejecting unknown keys.
func decode(doc map[string]any) (*Config, error) {
	payload, err := yaml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("config: encode merged document: %w", err)
	}
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(payload))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &cfg, nil
}
