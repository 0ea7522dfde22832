package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// maxExtendsDepth caps the extends chain.
const maxExtendsDepth = 10

// maxRemoteBytes caps a fetched remote document.
const maxRemoteBytes = 1 << 20

// Loader resolves a document and its extends chain. The zero value is not
// usable; call NewLoader.
type Loader struct {
	// AllowRemote permits http(s) extends references. A document can also
	// forbid them for itself with allow_remote_extends: false.
	AllowRemote bool
	MaxDepth    int
	Client      *http.Client
	Logger      zerolog.Logger
}

// NewLoader returns a Loader with remote extends enabled.
func NewLoader() *Loader {
	return &Loader{
		AllowRemote: true,
		MaxDepth:    maxExtendsDepth,
		Client:      &http.Client{Timeout: 30 * time.Second},
	}
}

// Load reads, resolves, defaults, and validates the document at path.
func Load(path string) (*Config, error) {
	return NewLoader().Load(path)
}

// Load reads, resolves, defaults, and validates the document at path.
func (l *Loader) Load(path string) (*Config, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	merged, err := l.resolve(localSource(abs), 0, map[string]bool{})
	if err != nil {
		return nil, err
	}
	return finishDocument(merged)
}

// LoadBytes resolves a document already in memory. Relative extends
// references resolve against dir.
func (l *Loader) LoadBytes(data []byte, dir string) (*Config, error) {
	src := source{dir: dir, name: "<inline>"}
	raw, err := parseDocument(data, ".yaml", src.name)
	if err != nil {
		return nil, err
	}
	merged, err := l.resolveRaw(raw, src, 0, map[string]bool{})
	if err != nil {
		return nil, err
	}
	return finishDocument(merged)
}

func finishDocument(merged map[string]any) (*Config, error) {
	foldAppendPrompts(merged)
	cfg, err := decodeStrict(merged)
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if problems := cfg.Validate(); len(problems) > 0 {
		return nil, &ValidationError{Problems: problems}
	}
	return cfg, nil
}

// source identifies where a document came from, for resolving relative
// extends references and for cycle detection.
type source struct {
	path string   // local file path, empty for remote and inline
	url  *url.URL // remote URL, nil for local and inline
	dir  string   // base dir for relative refs from inline documents
	name string   // human-readable id
}

func localSource(abs string) source {
	return source{path: abs, dir: filepath.Dir(abs), name: abs}
}

func (s source) canonical() string {
	if s.url != nil {
		return s.url.String()
	}
	return s.path
}

// resolve loads one source and folds its extends chain underneath it.
func (l *Loader) resolve(src source, depth int, visited map[string]bool) (map[string]any, error) {
	if depth > l.maxDepth() {
		return nil, fmt.Errorf("extends chain exceeds depth %d at %s", l.maxDepth(), src.name)
	}
	key := src.canonical()
	if key != "" {
		if visited[key] {
			return nil, fmt.Errorf("extends cycle detected at %s", src.name)
		}
		visited[key] = true
		defer delete(visited, key)
	}

	data, ext, err := l.fetch(src)
	if err != nil {
		return nil, err
	}
	raw, err := parseDocument(data, ext, src.name)
	if err != nil {
		return nil, err
	}
	return l.resolveRaw(raw, src, depth, visited)
}

func (l *Loader) resolveRaw(raw map[string]any, src source, depth int, visited map[string]bool) (map[string]any, error) {
	parents, allowRemote, err := extendsOf(raw, src.name)
	if err != nil {
		return nil, err
	}
	if len(parents) == 0 {
		return raw, nil
	}

	base := map[string]any{}
	for _, ref := range parents {
		parentSrc, err := l.parentSource(src, ref, allowRemote)
		if err != nil {
			return nil, err
		}
		parent, err := l.resolve(parentSrc, depth+1, visited)
		if err != nil {
			return nil, fmt.Errorf("extends %s: %w", ref, err)
		}
		// A parent's own extends bookkeeping must not leak into the child.
		delete(parent, "extends")
		delete(parent, "allow_remote_extends")
		base = mergeConfigMaps(base, parent)
	}
	return mergeConfigMaps(base, raw), nil
}

func (l *Loader) parentSource(from source, ref string, docAllowsRemote bool) (source, error) {
	if u, err := url.Parse(ref); err == nil && (u.Scheme == "http" || u.Scheme == "https") {
		if !l.AllowRemote || !docAllowsRemote {
			return source{}, fmt.Errorf("remote extends %q is disabled", ref)
		}
		return source{url: u, name: u.String()}, nil
	}
	// Relative references from a remote parent resolve against its URL.
	if from.url != nil {
		rel, err := url.Parse(ref)
		if err != nil {
			return source{}, fmt.Errorf("extends %q: %w", ref, err)
		}
		u := from.url.ResolveReference(rel)
		if !l.AllowRemote || !docAllowsRemote {
			return source{}, fmt.Errorf("remote extends %q is disabled", ref)
		}
		return source{url: u, name: u.String()}, nil
	}
	p := ref
	if !filepath.IsAbs(p) {
		p = filepath.Join(from.dir, p)
	}
	return localSource(p), nil
}

func (l *Loader) fetch(src source) ([]byte, string, error) {
	if src.url != nil {
		l.Logger.Debug().Str("url", src.name).Msg("fetching remote extends")
		req, err := http.NewRequest(http.MethodGet, src.url.String(), nil)
		if err != nil {
			return nil, "", err
		}
		resp, err := l.client().Do(req)
		if err != nil {
			return nil, "", fmt.Errorf("fetch %s: %w", src.name, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, "", fmt.Errorf("fetch %s: unexpected status %d", src.name, resp.StatusCode)
		}
		data, err := io.ReadAll(io.LimitReader(resp.Body, maxRemoteBytes+1))
		if err != nil {
			return nil, "", fmt.Errorf("fetch %s: %w", src.name, err)
		}
		if len(data) > maxRemoteBytes {
			return nil, "", fmt.Errorf("fetch %s: document exceeds %d bytes", src.name, maxRemoteBytes)
		}
		return data, strings.ToLower(filepath.Ext(src.url.Path)), nil
	}
	data, err := os.ReadFile(src.path)
	if err != nil {
		return nil, "", err
	}
	return data, strings.ToLower(filepath.Ext(src.path)), nil
}

func (l *Loader) client() *http.Client {
	if l.Client != nil {
		return l.Client
	}
	return http.DefaultClient
}

func (l *Loader) maxDepth() int {
	if l.MaxDepth > 0 {
		return l.MaxDepth
	}
	return maxExtendsDepth
}

// parseDocument decodes raw YAML or JSON into a generic map. Unknown keys
// are tolerated here; strictness is enforced by the final typed decode.
func parseDocument(data []byte, ext, name string) (map[string]any, error) {
	var raw map[string]any
	switch ext {
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(data))
		if err := dec.Decode(&raw); err != nil {
			return nil, fmt.Errorf("parse %s: %w", name, err)
		}
		var trailing any
		if err := dec.Decode(&trailing); err != io.EOF {
			if err == nil {
				return nil, fmt.Errorf("parse %s: multiple top-level values are not allowed", name)
			}
			return nil, fmt.Errorf("parse %s: %w", name, err)
		}
	default:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		if err := dec.Decode(&raw); err != nil {
			if err == io.EOF {
				return map[string]any{}, nil
			}
			return nil, fmt.Errorf("parse %s: %w", name, err)
		}
		var trailing any
		if err := dec.Decode(&trailing); err != io.EOF {
			if err == nil {
				return nil, fmt.Errorf("parse %s: multiple documents are not allowed", name)
			}
			return nil, fmt.Errorf("parse %s: %w", name, err)
		}
	}
	if raw == nil {
		raw = map[string]any{}
	}
	return raw, nil
}

// extendsOf reads the extends list and the remote toggle from a raw map.
func extendsOf(raw map[string]any, name string) ([]string, bool, error) {
	allowRemote := true
	if v, ok := raw["allow_remote_extends"]; ok {
		b, ok := v.(bool)
		if !ok {
			return nil, false, fmt.Errorf("parse %s: allow_remote_extends must be a boolean", name)
		}
		allowRemote = b
	}
	v, ok := raw["extends"]
	if !ok || v == nil {
		return nil, allowRemote, nil
	}
	switch t := v.(type) {
	case string:
		if strings.TrimSpace(t) == "" {
			return nil, allowRemote, nil
		}
		return []string{t}, allowRemote, nil
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			s, ok := item.(string)
			if !ok {
				return nil, false, fmt.Errorf("parse %s: extends entries must be strings", name)
			}
			if strings.TrimSpace(s) != "" {
				out = append(out, s)
			}
		}
		return out, allowRemote, nil
	default:
		return nil, false, fmt.Errorf("parse %s: extends must be a string or list of strings", name)
	}
}

// decodeStrict re-encodes the merged map and decodes it into Config with
// unknown keys rejected, so typos surface even when they arrive through a
// parent document.
func decodeStrict(merged map[string]any) (*Config, error) {
	data, err := yaml.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("encode merged config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}
