package resolve

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeFiles(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(root, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	}
}

func TestResolveAliasWithExtensionProbing(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{
		"src/core/widget.js": "export default 1",
		"src/index.js":       "",
	})

	r := New(Options{
		Alias: map[string]string{
			"@":     filepath.Join(root, "src"),
			"@core": filepath.Join(root, "src/core"),
		},
		Extensions: []string{".js"},
	})

	id, err := r.Resolve("@core/widget", filepath.Join(root, "src"))
	require.NoError(t, err)
	require.Equal(t, filepath.Join(root, "src/core/widget.js"), id.Path)

	id, err = r.Resolve("@/core/widget", filepath.Join(root, "src"))
	require.NoError(t, err)
	require.Equal(t, filepath.Join(root, "src/core/widget.js"), id.Path)
}

func TestResolveAliasPrecedence(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{
		"src/core/widget.js":                  "aliased",
		"src/node_modules/@core/widget.js":    "package",
		"src/node_modules/@core/package.json": `{"name":"@core"}`,
	})

	r := New(Options{
		Alias:      map[string]string{"@core": filepath.Join(root, "src/core")},
		Extensions: []string{".js"},
	})

	id, err := r.Resolve("@core/widget", filepath.Join(root, "src"))
	require.NoError(t, err)
	require.Equal(t, filepath.Join(root, "src/core/widget.js"), id.Path)

	// Without the alias the package wins.
	plain := New(Options{Extensions: []string{".js"}})
	id, err = plain.Resolve("@core/widget", filepath.Join(root, "src"))
	require.NoError(t, err)
	require.Equal(t, filepath.Join(root, "src/node_modules/@core/widget.js"), id.Path)
}

func TestResolveLongestPrefixWins(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{
		"a/x/y.js": "",
		"b/y.js":   "",
		"a/x/z.js": "",
		"index.js": "",
	})

	r := New(Options{
		Alias: map[string]string{
			"lib":   filepath.Join(root, "a"),
			"lib/x": filepath.Join(root, "b"),
		},
		Extensions: []string{".js"},
	})

	id, err := r.Resolve("lib/x/y", root)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(root, "b/y.js"), id.Path)

	_, err = r.Resolve("lib/x/z", root)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestResolveRelative(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{
		"src/a.js":              "",
		"src/lib/index.js":      "",
		"src/pkg/package.json":  `{"main":"dist/entry"}`,
		"src/pkg/dist/entry.js": "",
		"src/styles/b.scss":     "",
		"src/data.json":         "{}",
	})

	r := New(Options{Extensions: []string{".js", ".json"}})
	src := filepath.Join(root, "src")

	tests := []struct {
		name      string
		specifier string
		want      string
		query     string
	}{
		{name: "extension probing", specifier: "./a", want: "src/a.js"},
		{name: "exact file", specifier: "./a.js", want: "src/a.js"},
		{name: "directory index", specifier: "./lib", want: "src/lib/index.js"},
		{name: "package main", specifier: "./pkg", want: "src/pkg/dist/entry.js"},
		{name: "explicit extension not in list", specifier: "./styles/b.scss", want: "src/styles/b.scss"},
		{name: "second extension", specifier: "./data", want: "src/data.json"},
		{name: "parent directory", specifier: "../src/a", want: "src/a.js"},
		{name: "query kept", specifier: "./a.js?raw", want: "src/a.js", query: "raw"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := r.Resolve(tt.specifier, src)
			require.NoError(t, err)
			require.Equal(t, filepath.Join(root, tt.want), id.Path)
			require.Equal(t, tt.query, id.Query)
		})
	}
}

func TestResolveNotFound(t *testing.T) {
	root := t.TempDir()
	r := New(Options{Extensions: []string{".js"}})

	_, err := r.Resolve("./missing", root)
	require.ErrorIs(t, err, ErrNotFound)

	_, err = r.Resolve("left-pad", root)
	require.ErrorIs(t, err, ErrNotFound)

	_, err = r.Resolve("", root)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestIdentityString(t *testing.T) {
	require.Equal(t, "/a/b.js", Identity{Path: "/a/b.js"}.String())
	require.Equal(t, "/a/b.css?inline", Identity{Path: "/a/b.css", Query: "inline"}.String())
}
