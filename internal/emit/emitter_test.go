package emit

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/bundler/internal/config"
	"github.com/wolfeidau/bundler/internal/graph"
	"github.com/wolfeidau/bundler/internal/loader"
	"github.com/wolfeidau/bundler/internal/resolve"
)

var scenario = map[string]string{
	"index.js": "import { greet } from \"./a.js\";\nconsole.log(greet());\n",
	"a.js":     "import \"./b.scss\";\nexport function greet() { return \"hi\"; }\n",
	"b.scss":   "// comment\nbody { color: red; }\n",
}

func writeFiles(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(root, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	}
}

func testConfig(root string, mode config.Mode) config.Config {
	cfg := config.Default(root, mode)
	cfg.Rules = []config.Rule{{
		Test: `\.s[ac]ss$`,
		Use:  []config.LoaderRef{{Loader: "extract"}, {Loader: "css"}, {Loader: "sass"}},
	}}
	return cfg
}

func buildGraph(t *testing.T, cfg config.Config) *graph.Graph {
	t.Helper()
	rules, err := loader.NewRules(cfg, loader.NewRegistry())
	require.NoError(t, err)
	t.Cleanup(func() { _ = rules.Close() })

	r := resolve.New(resolve.Options{Extensions: cfg.Resolve.Extensions})
	g, diags, err := graph.NewBuilder(r, rules, graph.Options{Root: cfg.Context, Concurrency: cfg.Concurrency}).
		Build(context.Background(), cfg.Entries)
	require.NoError(t, err)
	require.Empty(t, diags)
	return g
}

func TestEmitScenario(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, scenario)
	cfg := testConfig(root, config.Development)

	res, err := New(cfg).Emit(context.Background(), buildGraph(t, cfg))
	require.NoError(t, err)
	require.NotEmpty(t, res.BuildID)
	require.Equal(t, []string{"bundle.js"}, res.Files(KindJS))
	require.Equal(t, []string{"bundle.css"}, res.Files(KindCSS))

	js, err := os.ReadFile(filepath.Join(cfg.Output.Dir, "bundle.js"))
	require.NoError(t, err)
	require.Contains(t, string(js), "sourceURL=bundler:///a.js")
	require.Contains(t, string(js), `"./a.js": 1`)
	require.Contains(t, string(js), `"./b.scss": 2`)

	css, err := os.ReadFile(filepath.Join(cfg.Output.Dir, "bundle.css"))
	require.NoError(t, err)
	require.Contains(t, string(css), "color: red")
	require.NotContains(t, string(css), "comment")

	m, err := ReadManifest(cfg.Output)
	require.NoError(t, err)
	require.Equal(t, res.BuildID, m.BuildID)
	require.Equal(t, config.Development, m.Mode)
	require.Equal(t, ManifestChunk{
		JS:      "bundle.js",
		CSS:     "bundle.css",
		Modules: []string{"index.js", "a.js", "b.scss"},
	}, m.Chunks["main"])
}

func TestEmitProductionOmitsEval(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, scenario)
	cfg := testConfig(root, config.Production)

	arts, err := New(cfg).Render(buildGraph(t, cfg))
	require.NoError(t, err)
	require.Len(t, arts, 2)
	require.NotContains(t, string(arts[0].Content), "eval(")
	require.Regexp(t, regexp.MustCompile(`^bundle\.[0-9a-f]{20}\.js$`), arts[0].Filename)
	require.Regexp(t, regexp.MustCompile(`^bundle\.[0-9a-f]{20}\.css$`), arts[1].Filename)
}

func TestRenderIsDeterministic(t *testing.T) {
	for _, mode := range []config.Mode{config.Development, config.Production} {
		t.Run(string(mode), func(t *testing.T) {
			root := t.TempDir()
			writeFiles(t, root, scenario)
			cfg := testConfig(root, mode)

			first, err := New(cfg).Render(buildGraph(t, cfg))
			require.NoError(t, err)
			for range 3 {
				again, err := New(cfg).Render(buildGraph(t, cfg))
				require.NoError(t, err)
				require.Equal(t, first, again)
			}
		})
	}
}

func TestEmitOutputDirIsReproducible(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, scenario)

	readDir := func(dir string) map[string]string {
		files := map[string]string{}
		entries, err := os.ReadDir(dir)
		require.NoError(t, err)
		for _, e := range entries {
			data, err := os.ReadFile(filepath.Join(dir, e.Name()))
			require.NoError(t, err)
			files[e.Name()] = string(data)
		}
		return files
	}

	var outputs []map[string]string
	var ids []string
	for _, out := range []string{"dist-a", "dist-b"} {
		cfg := testConfig(root, config.Production)
		cfg.Output.Dir = filepath.Join(root, out)
		res, err := New(cfg).Emit(context.Background(), buildGraph(t, cfg))
		require.NoError(t, err)
		outputs = append(outputs, readDir(cfg.Output.Dir))
		ids = append(ids, res.BuildID)
	}

	require.Contains(t, outputs[0], "manifest.json")
	require.Equal(t, outputs[0], outputs[1])
	require.Equal(t, ids[0], ids[1])

	writeFiles(t, root, map[string]string{"b.scss": "body { color: blue; }\n"})
	cfg := testConfig(root, config.Production)
	changed, err := New(cfg).Emit(context.Background(), buildGraph(t, cfg))
	require.NoError(t, err)
	require.NotEqual(t, ids[0], changed.BuildID)
}

func TestEmitRemovesStaleHashedArtifacts(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, scenario)
	cfg := testConfig(root, config.Production)
	unrelated := filepath.Join(cfg.Output.Dir, "robots.txt")
	writeFiles(t, cfg.Output.Dir, map[string]string{"robots.txt": "User-agent: *\n"})

	first, err := New(cfg).Emit(context.Background(), buildGraph(t, cfg))
	require.NoError(t, err)

	writeFiles(t, root, map[string]string{"b.scss": "body { color: blue; }\n"})
	second, err := New(cfg).Emit(context.Background(), buildGraph(t, cfg))
	require.NoError(t, err)

	// The script is unchanged, only the stylesheet hash moves.
	require.Equal(t, first.Files(KindJS), second.Files(KindJS))
	require.NotEqual(t, first.Files(KindCSS), second.Files(KindCSS))
	require.Equal(t, first.Files(KindCSS), second.Removed)

	require.NoFileExists(t, filepath.Join(cfg.Output.Dir, first.Files(KindCSS)[0]))
	require.FileExists(t, filepath.Join(cfg.Output.Dir, second.Files(KindCSS)[0]))
	require.FileExists(t, filepath.Join(cfg.Output.Dir, first.Files(KindJS)[0]))
	require.FileExists(t, unrelated)
}

func TestRenderRejectsDuplicateFilenames(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{"one.js": "1;\n", "two.js": "2;\n"})
	cfg := config.Default(root, config.Development)
	cfg.Entries = config.Entries{{Name: "one", Path: "./one.js"}, {Name: "two", Path: "./two.js"}}

	_, err := New(cfg).Render(buildGraph(t, cfg))
	var emitErr *EmissionError
	require.ErrorAs(t, err, &emitErr)
	require.Equal(t, "bundle.js", emitErr.Path)
}

func TestEmitRefusesGraphWithErrors(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{"index.js": "require(\"./missing\");\n"})
	cfg := config.Default(root, config.Development)

	rules, err := loader.NewRules(cfg, loader.NewRegistry())
	require.NoError(t, err)
	r := resolve.New(resolve.Options{Extensions: cfg.Resolve.Extensions})
	g, diags, err := graph.NewBuilder(r, rules, graph.Options{Root: root}).Build(context.Background(), cfg.Entries)
	require.NoError(t, err)
	require.Len(t, diags, 1)

	_, err = New(cfg).Emit(context.Background(), g)
	require.ErrorIs(t, err, ErrIncomplete)
	require.ErrorIs(t, err, resolve.ErrNotFound)
	require.NoDirExists(t, cfg.Output.Dir)
}

func TestEmitCircularModulesShareIDs(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{
		"index.js": "require(\"./a\");\n",
		"a.js":     "exports.a = 1; require(\"./b\");\n",
		"b.js":     "var a = require(\"./a\"); module.exports = a.a;\n",
	})
	cfg := config.Default(root, config.Production)

	arts, err := New(cfg).Render(buildGraph(t, cfg))
	require.NoError(t, err)
	require.Len(t, arts, 1)

	js := string(arts[0].Content)
	require.Contains(t, js, `{"./a": 1}`)
	require.Contains(t, js, `{"./b": 2}`)
	require.Contains(t, js, `{"./a": 1}],`)
	require.Equal(t, 1, strings.Count(js, "(function (modules, entry)"))
	require.Equal(t, []string{"index.js", "a.js", "b.js"}, arts[0].Modules)
}

func TestInjectedStyleModule(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{
		"index.js":  "require(\"./site.css\");\n",
		"site.css":  "@import \"./reset.css\";\nh1 { margin: 0; }\n",
		"reset.css": "html { padding: 0; }\n",
	})
	cfg := config.Default(root, config.Production)

	arts, err := New(cfg).Render(buildGraph(t, cfg))
	require.NoError(t, err)
	require.Len(t, arts, 1, "non extracted styles stay in the script")

	js := string(arts[0].Content)
	require.Contains(t, js, `require.style(`)
	require.Contains(t, js, `require("./reset.css");`)
	require.Equal(t, []string{"index.js", "site.css", "reset.css"}, arts[0].Modules)
}

func TestFilename(t *testing.T) {
	content := []byte("body{}")
	hex := contentHash(content, "hex")
	b58 := contentHash(content, "base58")

	tests := []struct {
		tmpl     string
		encoding string
		want     string
	}{
		{tmpl: "bundle.js", encoding: "hex", want: "bundle.js"},
		{tmpl: "[name].[hash].js", encoding: "hex", want: "main." + hex[:8] + ".js"},
		{tmpl: "[name].[contenthash:4][ext]", encoding: "hex", want: "main." + hex[:4] + ".css"},
		{tmpl: "[hash:999].js", encoding: "hex", want: hex + ".js"},
		{tmpl: "[hash:6].js", encoding: "base58", want: b58[:6] + ".js"},
	}
	for _, tt := range tests {
		t.Run(tt.tmpl, func(t *testing.T) {
			require.Equal(t, tt.want, filename(tt.tmpl, "main", ".css", content, 8, tt.encoding))
		})
	}
}
