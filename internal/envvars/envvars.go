// Package envvars loads the variable map used to fill %VAR% placeholders in
// provider URLs. Credentials live in a .env file next to the provider
// configuration, never in the stored URL itself.
package envvars

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/joho/godotenv"
)

var rePlaceholder = regexp.MustCompile(`%(\w+)%`)

// UndefinedError is returned when a URL references variables missing from the Set.
type UndefinedError struct {
	Names []string
}

func (e *UndefinedError) Error() string {
	return fmt.Sprintf("undefined environment variable(s) referenced in URL: %s", strings.Join(e.Names, ", "))
}

// Set is an immutable variable map. The zero value is empty and usable.
type Set struct {
	vars map[string]string
}

// New returns a Set backed by a copy of vars.
func New(vars map[string]string) *Set {
	m := make(map[string]string, len(vars))
	for k, v := range vars {
		m[k] = v
	}
	return &Set{vars: m}
}

// Load reads <dir>/.env. A missing file yields an empty Set; an empty dir
// falls back to the process environment.
func Load(dir string) (*Set, error) {
	if dir == "" {
		return FromEnviron(), nil
	}
	path := filepath.Join(dir, ".env")
	vars, err := godotenv.Read(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return New(nil), nil
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return &Set{vars: vars}, nil
}

// Len returns the number of defined variables.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.vars)
}

// Names returns the defined variable names, sorted. Values are never exposed.
func (s *Set) Names() []string {
	if s == nil {
		return nil
	}
	names := make([]string, 0, len(s.vars))
	for k := range s.vars {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Referenced returns the distinct variable names referenced by input, in order of appearance.
func Referenced(input string) []string {
	if !strings.Contains(input, "%") {
		return nil
	}
	var names []string
	seen := make(map[string]bool)
	for _, m := range rePlaceholder.FindAllStringSubmatch(input, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			names = append(names, m[1])
		}
	}
	return names
}

// Substitute replaces every %VAR% in input. It fails with *UndefinedError
// listing every referenced name that is not defined; input is not partially substituted.
func (s *Set) Substitute(input string) (string, error) {
	names := Referenced(input)
	if len(names) == 0 {
		return input, nil
	}
	var missing []string
	for _, n := range names {
		if _, ok := s.lookup(n); !ok {
			missing = append(missing, n)
		}
	}
	if len(missing) > 0 {
		return "", &UndefinedError{Names: missing}
	}
	return rePlaceholder.ReplaceAllStringFunc(input, func(m string) string {
		v, _ := s.lookup(m[1 : len(m)-1])
		return v
	}), nil
}

func (s *Set) lookup(name string) (string, bool) {
	if s == nil || s.vars == nil {
		return "", false
	}
	v, ok := s.vars[name]
	return v, ok
}

// FromEnviron builds a Set from the process environment.
func FromEnviron() *Set {
	vars := make(map[string]string)
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i > 0 {
			vars[kv[:i]] = kv[i+1:]
		}
	}
	return &Set{vars: vars}
}
