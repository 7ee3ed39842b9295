// Package deps validates a step's file dependencies and optionally augments
// its prompt with the resolved file lists or contents. Validation happens
// before any process is spawned; missing required patterns abort the step.
package deps

import (
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hoidn/BMAD-METHOD/internal/expressions"
	"github.com/hoidn/BMAD-METHOD/internal/pathsafe"
	"github.com/hoidn/BMAD-METHOD/pkg/schema"
)

// ContentCap is the hard size limit for content injection.
const ContentCap = 256 * 1024

// Validator resolves dependency globs inside the workspace.
type Validator struct {
	root     *pathsafe.Root
	resolver *expressions.Resolver
}

// NewValidator creates a dependency validator.
func NewValidator(root *pathsafe.Root, resolver *expressions.Resolver) *Validator {
	return &Validator{root: root, resolver: resolver}
}

// Resolution holds the workspace-relative paths matched per pattern class.
type Resolution struct {
	Required []string
	Optional []string
}

// Files returns all matched paths, required first.
func (r *Resolution) Files() []string {
	return append(append([]string{}, r.Required...), r.Optional...)
}

// Resolve substitutes variables into the spec's patterns and globs them.
// A required pattern with zero matches is a non-retryable dependency error;
// optional patterns may match nothing. Matches that resolve outside the
// workspace (via symlinks) are rejected.
func (v *Validator) Resolve(spec *schema.DependencySpec, scope *expressions.Scope) (*Resolution, error) {
	if spec == nil {
		return &Resolution{}, nil
	}

	res := &Resolution{}
	for _, pattern := range spec.Required {
		matches, err := v.glob(pattern, scope)
		if err != nil {
			return nil, err
		}
		if len(matches) == 0 {
			return nil, schema.NewErrorf(schema.ErrCodeDependency,
				"required dependency %q matched no files", pattern).
				WithDetails(map[string]any{"pattern": pattern})
		}
		res.Required = append(res.Required, matches...)
	}
	for _, pattern := range spec.Optional {
		matches, err := v.glob(pattern, scope)
		if err != nil {
			return nil, err
		}
		res.Optional = append(res.Optional, matches...)
	}
	return res, nil
}

// Matches resolves a single glob pattern to sorted workspace-relative
// paths. Used for wait conditions as well as dependency specs.
func (v *Validator) Matches(pattern string, scope *expressions.Scope) ([]string, error) {
	return v.glob(pattern, scope)
}

// glob resolves one pattern to sorted workspace-relative paths.
func (v *Validator) glob(pattern string, scope *expressions.Scope) ([]string, error) {
	resolved, err := v.resolver.Resolve(pattern, scope)
	if err != nil {
		return nil, err
	}
	if filepath.IsAbs(resolved) {
		return nil, schema.NewErrorf(schema.ErrCodePathDenied, "absolute dependency pattern not allowed: %s", resolved)
	}

	var rels []string
	if strings.Contains(resolved, "**") {
		rels, err = v.walkGlob(resolved)
	} else {
		rels, err = v.flatGlob(resolved)
	}
	if err != nil {
		return nil, err
	}

	// Reject matches whose real location escapes the workspace.
	for _, rel := range rels {
		if !v.root.Contains(filepath.Join(v.root.Dir(), rel)) {
			return nil, schema.NewErrorf(schema.ErrCodePathDenied,
				"dependency match resolves outside workspace: %s", rel)
		}
	}

	sort.Strings(rels)
	return rels, nil
}

func (v *Validator) flatGlob(pattern string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(v.root.Dir(), pattern))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfig, "bad glob pattern %q: %s", pattern, err.Error()).WithCause(err)
	}
	rels := make([]string, 0, len(matches))
	for _, m := range matches {
		rel, err := filepath.Rel(v.root.Dir(), m)
		if err != nil {
			continue
		}
		rels = append(rels, rel)
	}
	return rels, nil
}

// walkGlob matches patterns containing "**" against every file under the
// workspace root.
func (v *Validator) walkGlob(pattern string) ([]string, error) {
	var rels []string
	err := filepath.WalkDir(v.root.Dir(), func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable entries are simply not matches
		}
		if d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(v.root.Dir(), p)
		if relErr != nil {
			return nil
		}
		if matchSegments(strings.Split(pattern, "/"), strings.Split(filepath.ToSlash(rel), "/")) {
			rels = append(rels, rel)
		}
		return nil
	})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "walk workspace: %s", err.Error()).WithCause(err)
	}
	return rels, nil
}

// matchSegments matches a slash-split pattern against path segments, with
// "**" spanning zero or more segments.
func matchSegments(pat, segs []string) bool {
	if len(pat) == 0 {
		return len(segs) == 0
	}
	if pat[0] == "**" {
		for skip := 0; skip <= len(segs); skip++ {
			if matchSegments(pat[1:], segs[skip:]) {
				return true
			}
		}
		return false
	}
	if len(segs) == 0 {
		return false
	}
	ok, err := path.Match(pat[0], segs[0])
	if err != nil || !ok {
		return false
	}
	return matchSegments(pat[1:], segs[1:])
}

// InjectionSummary records what content injection included and omitted.
type InjectionSummary struct {
	FilesShown   int   `json:"files_shown"`
	FilesOmitted int   `json:"files_omitted"`
	BytesShown   int64 `json:"bytes_shown"`
	BytesOmitted int64 `json:"bytes_omitted"`
	Truncated    bool  `json:"truncated"`
}

// Inject composes the augmented prompt in memory. The on-disk input_file is
// never touched. Returns the prompt unchanged when injection is disabled.
func (v *Validator) Inject(prompt string, spec *schema.DependencySpec, res *Resolution) (string, *InjectionSummary, error) {
	if spec == nil || spec.Inject == "" || spec.Inject == schema.InjectNone {
		return prompt, nil, nil
	}

	files := res.Files()
	var block strings.Builder
	summary := &InjectionSummary{}

	if spec.Instruction != "" {
		block.WriteString(spec.Instruction)
		block.WriteString("\n\n")
	}

	switch spec.Inject {
	case schema.InjectList:
		for _, f := range files {
			block.WriteString("- ")
			block.WriteString(f)
			block.WriteByte('\n')
		}
		summary.FilesShown = len(files)

	case schema.InjectContent:
		budget := int64(ContentCap)
		for _, f := range files {
			abs, err := v.root.Resolve(f)
			if err != nil {
				return "", nil, err
			}
			data, err := os.ReadFile(abs)
			if err != nil {
				return "", nil, schema.NewErrorf(schema.ErrCodeDependency,
					"read dependency %q: %s", f, err.Error()).WithCause(err)
			}
			size := int64(len(data))
			if budget <= 0 {
				summary.FilesOmitted++
				summary.BytesOmitted += size
				summary.Truncated = true
				continue
			}
			shown := data
			if size > budget {
				shown = data[:budget]
				summary.BytesOmitted += size - budget
				summary.Truncated = true
			}
			fmt.Fprintf(&block, "--- %s ---\n%s\n", f, shown)
			summary.FilesShown++
			summary.BytesShown += int64(len(shown))
			budget -= int64(len(shown))
		}
		if summary.Truncated {
			fmt.Fprintf(&block, "[truncated: %d bytes across %d files omitted]\n",
				summary.BytesOmitted, summary.FilesOmitted)
		}

	default:
		return "", nil, schema.NewErrorf(schema.ErrCodeConfig, "unknown inject mode %q", spec.Inject)
	}

	if spec.Position == "append" {
		return prompt + "\n\n" + block.String(), summary, nil
	}
	return block.String() + "\n" + prompt, summary, nil
}
