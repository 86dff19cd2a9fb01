// Package resolve maps module specifiers to file identities. Aliases are
// matched first (longest prefix wins), then relative and absolute paths with
// extension probing, and finally node_modules lookups for bare specifiers.
package resolve

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var (
	// ErrNotFound is returned when no candidate file exists for a specifier.
	ErrNotFound = errors.New("module not found")
)

// Identity is the resolved identity of a module: an absolute path plus the
// query string carried by the specifier, if any.
type Identity struct {
	Path  string
	Query string
}

func (id Identity) String() string {
	if id.Query == "" {
		return id.Path
	}
	return id.Path + "?" + id.Query
}

// Ext returns the file extension of the identity's path.
func (id Identity) Ext() string {
	return filepath.Ext(id.Path)
}

type Options struct {
	// Alias maps a specifier prefix to an absolute path.
	Alias map[string]string
	// Extensions are probed in order when a path does not exist as given.
	Extensions []string
	// MainFiles are the file names tried inside a directory, before extensions.
	MainFiles []string
	// ModulesDir is the directory name searched for bare specifiers.
	ModulesDir string
}

type alias struct {
	prefix string
	target string
}

type Resolver struct {
	aliases    []alias
	extensions []string
	mainFiles  []string
	modulesDir string
}

// New creates a resolver. The alias table is copied and ordered by prefix
// length so the longest matching prefix is found first.
func New(opts Options) *Resolver {
	r := &Resolver{
		mainFiles:  opts.MainFiles,
		modulesDir: opts.ModulesDir,
	}
	if len(r.mainFiles) == 0 {
		r.mainFiles = []string{"index"}
	}
	if r.modulesDir == "" {
		r.modulesDir = "node_modules"
	}
	for _, ext := range opts.Extensions {
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		r.extensions = append(r.extensions, ext)
	}
	for prefix, target := range opts.Alias {
		r.aliases = append(r.aliases, alias{prefix: prefix, target: target})
	}
	sort.Slice(r.aliases, func(i, j int) bool {
		if len(r.aliases[i].prefix) != len(r.aliases[j].prefix) {
			return len(r.aliases[i].prefix) > len(r.aliases[j].prefix)
		}
		return r.aliases[i].prefix < r.aliases[j].prefix
	})
	return r
}

// Resolve maps specifier, imported from a file in fromDir, to an Identity.
func (r *Resolver) Resolve(specifier, fromDir string) (Identity, error) {
	spec, query, _ := strings.Cut(specifier, "?")
	if spec == "" {
		return Identity{}, fmt.Errorf("%w: empty specifier", ErrNotFound)
	}

	var path string
	var ok bool

	aliased := r.matchAlias(spec)
	switch {
	case aliased != "":
		path, ok = r.resolvePath(aliased)
	case isRelative(spec):
		path, ok = r.resolvePath(filepath.Join(fromDir, spec))
	case filepath.IsAbs(spec):
		path, ok = r.resolvePath(filepath.Clean(spec))
	default:
		path, ok = r.resolvePackage(spec, fromDir)
	}

	if !ok {
		return Identity{}, fmt.Errorf("%w: %q from %s", ErrNotFound, specifier, fromDir)
	}
	return Identity{Path: path, Query: query}, nil
}

// matchAlias returns the rewritten absolute path for spec, or "" when no
// alias applies. A prefix matches the whole specifier or a leading path
// segment, so "@" never captures "@core/widget".
func (r *Resolver) matchAlias(spec string) string {
	for _, a := range r.aliases {
		if spec == a.prefix {
			return a.target
		}
		if rest, found := strings.CutPrefix(spec, a.prefix+"/"); found {
			return filepath.Join(a.target, rest)
		}
	}
	return ""
}

func (r *Resolver) resolvePath(path string) (string, bool) {
	if isFile(path) {
		return path, true
	}
	for _, ext := range r.extensions {
		if isFile(path + ext) {
			return path + ext, true
		}
	}
	if isDir(path) {
		return r.resolveDir(path)
	}
	return "", false
}

func (r *Resolver) resolveDir(dir string) (string, bool) {
	if main := packageMain(dir); main != "" {
		if p, ok := r.resolveFile(filepath.Join(dir, main)); ok {
			return p, true
		}
	}
	for _, name := range r.mainFiles {
		if p, ok := r.resolveFile(filepath.Join(dir, name)); ok {
			return p, true
		}
	}
	return "", false
}

func (r *Resolver) resolveFile(path string) (string, bool) {
	if isFile(path) {
		return path, true
	}
	for _, ext := range r.extensions {
		if isFile(path + ext) {
			return path + ext, true
		}
	}
	return "", false
}

// resolvePackage walks up from fromDir looking for spec inside a modules directory.
func (r *Resolver) resolvePackage(spec, fromDir string) (string, bool) {
	dir := fromDir
	for {
		if filepath.Base(dir) != r.modulesDir {
			if p, ok := r.resolvePath(filepath.Join(dir, r.modulesDir, spec)); ok {
				return p, true
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", false
		}
		dir = parent
	}
}

func packageMain(dir string) string {
	data, err := os.ReadFile(filepath.Join(dir, "package.json"))
	if err != nil {
		return ""
	}
	m := struct {
		Main string `json:"main"`
	}{}
	if err := json.Unmarshal(data, &m); err != nil {
		return ""
	}
	return m.Main
}

func isRelative(spec string) bool {
	return spec == "." || spec == ".." ||
		strings.HasPrefix(spec, "./") || strings.HasPrefix(spec, "../")
}

func isFile(path string) bool {
	st, err := os.Stat(path)
	return err == nil && st.Mode().IsRegular()
}

func isDir(path string) bool {
	st, err := os.Stat(path)
	return err == nil && st.IsDir()
}
