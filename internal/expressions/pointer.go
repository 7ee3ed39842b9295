package expressions

import (
	"fmt"
	"strings"
	"sync"

	"github.com/itchyny/gojq"
)

// PathResolver resolves dot-notation pointers into parsed JSON step results
// (e.g. the "files" of steps.scan.json.files). Pointers are plain field
// chains; wildcards and indexing are rejected. Compiled queries are cached
// and reused across goroutines.
type PathResolver struct {
	mu    sync.RWMutex
	cache map[string]*gojq.Code
}

// NewPathResolver creates a PathResolver.
func NewPathResolver() *PathResolver {
	return &PathResolver{cache: make(map[string]*gojq.Code)}
}

// Resolve evaluates the field chain against data. A missing field or a null
// value resolves to an error; loop sources and variable references have no
// meaningful use for null.
func (p *PathResolver) Resolve(data any, segments []string) (any, error) {
	code, err := p.getOrCompile(segments)
	if err != nil {
		return nil, err
	}

	iter := code.Run(data)
	val, ok := iter.Next()
	if !ok {
		return nil, fmt.Errorf("path .%s produced no value", strings.Join(segments, "."))
	}
	if err, isErr := val.(error); isErr {
		return nil, fmt.Errorf("path .%s: %s", strings.Join(segments, "."), err.Error())
	}
	if val == nil {
		return nil, fmt.Errorf("path .%s not present", strings.Join(segments, "."))
	}
	return val, nil
}

func (p *PathResolver) getOrCompile(segments []string) (*gojq.Code, error) {
	for _, seg := range segments {
		if !isIdentifier(seg) {
			return nil, fmt.Errorf("invalid path segment %q: only plain field names are supported", seg)
		}
	}
	query := "." + strings.Join(segments, ".")

	p.mu.RLock()
	if code, ok := p.cache[query]; ok {
		p.mu.RUnlock()
		return code, nil
	}
	p.mu.RUnlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	if code, ok := p.cache[query]; ok {
		return code, nil
	}

	parsed, err := gojq.Parse(query)
	if err != nil {
		return nil, fmt.Errorf("parse path %q: %w", query, err)
	}
	code, err := gojq.Compile(parsed)
	if err != nil {
		return nil, fmt.Errorf("compile path %q: %w", query, err)
	}
	p.cache[query] = code
	return code, nil
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, c := range s {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c == '_':
		case c >= '0' && c <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}
