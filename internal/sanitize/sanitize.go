// Package sanitize guards every write path into shared execution state,
// operator state, and checkpoints. It enforces forbidden-key exclusion,
// depth and size bounds, and circular-reference detection.
package sanitize

import (
	"fmt"
	"reflect"
	"strings"
)

// Config bounds a single sanitize pass.
type Config struct {
	ForbiddenKeys []string
	MaxDepth      int
	MaxKeys       int // total keys visited across the whole value
	MaxStringLen  int // 0 = unbounded
}

// DefaultConfig returns the bounds used by the engine unless overridden.
func DefaultConfig() Config {
	return Config{
		ForbiddenKeys: []string{"__proto__", "constructor", "prototype"},
		MaxDepth:      32,
		MaxKeys:       10000,
	}
}

// Violation describes why a value was rejected.
type Violation struct {
	Kind string // forbidden_key | circular_reference | depth_exceeded | size_exceeded | string_too_long
	Path string
	Key  string
}

func (v *Violation) Error() string {
	if v.Key != "" {
		return fmt.Sprintf("sanitize: %s at %s (key %q)", v.Kind, v.Path, v.Key)
	}
	return fmt.Sprintf("sanitize: %s at %s", v.Kind, v.Path)
}

// Sanitizer applies a Config to values entering shared state.
type Sanitizer struct {
	cfg       Config
	forbidden map[string]struct{}
}

// New creates a Sanitizer. Zero bounds fall back to defaults.
func New(cfg Config) *Sanitizer {
	def := DefaultConfig()
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = def.MaxDepth
	}
	if cfg.MaxKeys <= 0 {
		cfg.MaxKeys = def.MaxKeys
	}
	if cfg.ForbiddenKeys == nil {
		cfg.ForbiddenKeys = def.ForbiddenKeys
	}
	forbidden := make(map[string]struct{}, len(cfg.ForbiddenKeys))
	for _, k := range cfg.ForbiddenKeys {
		forbidden[strings.ToLower(k)] = struct{}{}
	}
	return &Sanitizer{cfg: cfg, forbidden: forbidden}
}

// ForbiddenKey reports whether the key is in the forbidden set. The check is
// case-insensitive: "Constructor" is as dangerous as "constructor" to any
// downstream consumer that normalizes keys.
func (s *Sanitizer) ForbiddenKey(key string) bool {
	_, ok := s.forbidden[strings.ToLower(key)]
	return ok
}

// Map validates and deep-copies a map for insertion into shared state.
// The returned map shares no structure with the input. A nil error means the
// copy is safe to store.
func (s *Sanitizer) Map(m map[string]any) (map[string]any, error) {
	if m == nil {
		return map[string]any{}, nil
	}
	w := &walk{s: s, seen: make(map[uintptr]struct{})}
	out, err := w.copyMap(m, "$", 0)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Value validates and deep-copies a single value.
func (s *Sanitizer) Value(v any) (any, error) {
	w := &walk{s: s, seen: make(map[uintptr]struct{})}
	return w.copyValue(v, "$", 0)
}

// walk tracks state for a single sanitize call. The seen set is keyed by
// map/slice identity so a value referenced twice on different branches is
// fine but a true cycle is not.
type walk struct {
	s     *Sanitizer
	seen  map[uintptr]struct{}
	count int
}

func (w *walk) copyMap(m map[string]any, path string, depth int) (map[string]any, error) {
	if depth >= w.s.cfg.MaxDepth {
		return nil, &Violation{Kind: "depth_exceeded", Path: path}
	}
	id := reflect.ValueOf(m).Pointer()
	if _, ok := w.seen[id]; ok {
		return nil, &Violation{Kind: "circular_reference", Path: path}
	}
	w.seen[id] = struct{}{}
	defer delete(w.seen, id)

	out := make(map[string]any, len(m))
	for k, v := range m {
		if w.s.ForbiddenKey(k) {
			return nil, &Violation{Kind: "forbidden_key", Path: path, Key: k}
		}
		w.count++
		if w.count > w.s.cfg.MaxKeys {
			return nil, &Violation{Kind: "size_exceeded", Path: path}
		}
		cv, err := w.copyValue(v, path+"."+k, depth+1)
		if err != nil {
			return nil, err
		}
		out[k] = cv
	}
	return out, nil
}

func (w *walk) copySlice(sl []any, path string, depth int) ([]any, error) {
	if depth >= w.s.cfg.MaxDepth {
		return nil, &Violation{Kind: "depth_exceeded", Path: path}
	}
	if len(sl) > 0 {
		id := reflect.ValueOf(sl).Pointer()
		if _, ok := w.seen[id]; ok {
			return nil, &Violation{Kind: "circular_reference", Path: path}
		}
		w.seen[id] = struct{}{}
		defer delete(w.seen, id)
	}

	out := make([]any, len(sl))
	for i, v := range sl {
		w.count++
		if w.count > w.s.cfg.MaxKeys {
			return nil, &Violation{Kind: "size_exceeded", Path: path}
		}
		cv, err := w.copyValue(v, fmt.Sprintf("%s[%d]", path, i), depth+1)
		if err != nil {
			return nil, err
		}
		out[i] = cv
	}
	return out, nil
}

func (w *walk) copyValue(v any, path string, depth int) (any, error) {
	switch t := v.(type) {
	case nil, bool, float64, float32, int, int32, int64, uint, uint32, uint64:
		return t, nil
	case string:
		if w.s.cfg.MaxStringLen > 0 && len(t) > w.s.cfg.MaxStringLen {
			return nil, &Violation{Kind: "string_too_long", Path: path}
		}
		return t, nil
	case map[string]any:
		return w.copyMap(t, path, depth)
	case []any:
		return w.copySlice(t, path, depth)
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out, nil
	default:
		// Anything else is stringified: handlers feeding exotic types into
		// shared state get a stable, serializable representation.
		return fmt.Sprintf("%v", t), nil
	}
}
