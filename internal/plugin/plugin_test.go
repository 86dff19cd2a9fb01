package plugin

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/bundler/internal/config"
	"github.com/wolfeidau/bundler/internal/emit"
	"gopkg.in/yaml.v3"
)

func options(t *testing.T, doc string) yaml.Node {
	t.Helper()
	var node yaml.Node
	require.NoError(t, yaml.Unmarshal([]byte(doc), &node))
	return *node.Content[0]
}

func testConfig(t *testing.T, mode config.Mode) config.Config {
	t.Helper()
	root := t.TempDir()
	cfg := config.Default(root, mode)
	require.NoError(t, os.MkdirAll(cfg.Output.Dir, 0o755))
	return cfg
}

func result(t *testing.T, cfg config.Config) *emit.Result {
	t.Helper()
	js := []byte(strings.Repeat("console.log('bundle');\n", 100))
	css := []byte("body{color:red}")
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Output.Dir, "bundle.js"), js, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Output.Dir, "bundle.css"), css, 0o644))
	return &emit.Result{
		BuildID: "build-1",
		Artifacts: []emit.Artifact{
			{Chunk: "main", Kind: emit.KindJS, Filename: "bundle.js", Size: len(js), Content: js},
			{Chunk: "main", Kind: emit.KindCSS, Filename: "bundle.css", Size: len(css), Content: css},
		},
	}
}

type recordingPlugin struct {
	name  string
	calls *[]string
}

func (r *recordingPlugin) Name() string { return r.name }

func (r *recordingPlugin) PreBuild(_ context.Context, first bool) error {
	*r.calls = append(*r.calls, r.name+".pre")
	return nil
}

func (r *recordingPlugin) PostEmit(context.Context, *emit.Result) error {
	*r.calls = append(*r.calls, r.name+".post")
	return nil
}

func TestRegistryRunsHooksInOrder(t *testing.T) {
	reg, err := New(testConfig(t, config.Development))
	require.NoError(t, err)

	var calls []string
	reg.Add(&recordingPlugin{name: "a", calls: &calls})
	reg.Add(&recordingPlugin{name: "b", calls: &calls})

	require.NoError(t, reg.PreBuild(context.Background(), true))
	require.NoError(t, reg.PostEmit(context.Background(), &emit.Result{}))
	require.Equal(t, []string{"a.pre", "b.pre", "a.post", "b.post"}, calls)
}

func TestRegistryModesAndUnknownPlugins(t *testing.T) {
	cfg := testConfig(t, config.Development)
	cfg.Plugins = []config.Plugin{{Name: "compress", Modes: []config.Mode{config.Production}}}
	reg, err := New(cfg)
	require.NoError(t, err)
	require.Empty(t, reg.list())

	cfg.Mode = config.Production
	reg, err = New(cfg)
	require.NoError(t, err)
	require.Len(t, reg.list(), 1)

	cfg.Plugins = []config.Plugin{{Name: "minify-everything"}}
	_, err = New(cfg)
	require.ErrorContains(t, err, `unknown plugin "minify-everything"`)
}

func TestCleanOnlyOnFirstBuild(t *testing.T) {
	cfg := testConfig(t, config.Production)
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Output.Dir, "bundle.old.js"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Output.Dir, ".gitkeep"), nil, 0o644))

	p, err := newClean(options(t, "keep: ['.gitkeep']"), cfg)
	require.NoError(t, err)
	hook := p.(PreBuildHook)

	require.NoError(t, hook.PreBuild(context.Background(), true))
	require.NoFileExists(t, filepath.Join(cfg.Output.Dir, "bundle.old.js"))
	require.FileExists(t, filepath.Join(cfg.Output.Dir, ".gitkeep"))

	require.NoError(t, os.WriteFile(filepath.Join(cfg.Output.Dir, "bundle.new.js"), nil, 0o644))
	require.NoError(t, hook.PreBuild(context.Background(), false))
	require.FileExists(t, filepath.Join(cfg.Output.Dir, "bundle.new.js"))
}

func TestCleanRefusesProjectRoot(t *testing.T) {
	cfg := testConfig(t, config.Production)
	cfg.Output.Dir = cfg.Context
	_, err := newClean(yaml.Node{}, cfg)
	require.Error(t, err)

	cfg.Output.Dir = filepath.Dir(cfg.Context)
	_, err = newClean(yaml.Node{}, cfg)
	require.Error(t, err)
}

func TestHTMLInjectsArtifacts(t *testing.T) {
	cfg := testConfig(t, config.Development)
	tmpl := "<!DOCTYPE html>\n<html>\n  <head>\n    <!-- app -->\n    <title>x</title>\n  </head>\n  <body>\n    <div id=\"root\"></div>\n  </body>\n</html>\n"
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Context, "index.html"), []byte(tmpl), 0o644))

	p, err := newHTML(options(t, "template: index.html\ntitle: Shop"), cfg)
	require.NoError(t, err)

	res := result(t, cfg)
	require.NoError(t, p.(PostEmitHook).PostEmit(context.Background(), res))

	page, err := os.ReadFile(filepath.Join(cfg.Output.Dir, "index.html"))
	require.NoError(t, err)
	out := string(page)
	require.Contains(t, out, `<link rel="stylesheet" href="/bundle.css"/>`)
	require.Contains(t, out, `<script src="/bundle.js"></script>`)
	require.Contains(t, out, `<title>Shop</title>`)
	require.Contains(t, out, LiveReloadPath)
	require.Contains(t, out, "<!-- app -->")
	require.Less(t, strings.Index(out, `id="root"`), strings.Index(out, `src="/bundle.js"`))

	last := res.Artifacts[len(res.Artifacts)-1]
	require.Equal(t, KindHTML, last.Kind)
	require.Equal(t, "index.html", last.Filename)
}

func TestHTMLMinifiesInProduction(t *testing.T) {
	cfg := testConfig(t, config.Production)
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Context, "index.html"),
		[]byte("<html><head><!-- note --></head><body>\n  <p>hello   world</p>\n  <pre>  keep\n  this</pre>\n</body></html>"), 0o644))

	p, err := newHTML(options(t, "template: index.html\npublicPath: /static/"), cfg)
	require.NoError(t, err)
	require.NoError(t, p.(PostEmitHook).PostEmit(context.Background(), result(t, cfg)))

	page, err := os.ReadFile(filepath.Join(cfg.Output.Dir, "index.html"))
	require.NoError(t, err)
	out := string(page)
	require.NotContains(t, out, "note")
	require.NotContains(t, out, LiveReloadPath)
	require.Contains(t, out, "<p>hello world</p>")
	require.Contains(t, out, "<pre>  keep\n  this</pre>")
	require.Contains(t, out, `src="/static/bundle.js"`)
}

func TestCopyFiles(t *testing.T) {
	cfg := testConfig(t, config.Production)
	require.NoError(t, os.MkdirAll(filepath.Join(cfg.Context, "public"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Context, "public", "favicon.ico"), []byte("ico"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Context, "public", "robots.txt"), []byte("bots"), 0o644))

	p, err := newCopy(options(t, "patterns:\n  - from: public/favicon.ico\n  - from: public/*.txt\n    to: meta"), cfg)
	require.NoError(t, err)
	require.NoError(t, p.(PostEmitHook).PostEmit(context.Background(), &emit.Result{}))

	data, err := os.ReadFile(filepath.Join(cfg.Output.Dir, "favicon.ico"))
	require.NoError(t, err)
	require.Equal(t, "ico", string(data))
	require.FileExists(t, filepath.Join(cfg.Output.Dir, "meta", "robots.txt"))

	missing, err := newCopy(options(t, "patterns:\n  - from: nothing/*"), cfg)
	require.NoError(t, err)
	require.ErrorContains(t, missing.(PostEmitHook).PostEmit(context.Background(), &emit.Result{}), "no files match")

	_, err = newCopy(options(t, "patterns:\n  - from: a\n    to: ../outside"), cfg)
	require.Error(t, err)
}

func TestCompressWritesSiblings(t *testing.T) {
	cfg := testConfig(t, config.Production)
	res := result(t, cfg)
	res.Removed = []string{"bundle.old.js"}
	stale := filepath.Join(cfg.Output.Dir, "bundle.old.js.gz")
	require.NoError(t, os.WriteFile(stale, nil, 0o644))

	p, err := newCompress(options(t, "minSize: 100"), cfg)
	require.NoError(t, err)
	require.NoError(t, p.(PostEmitHook).PostEmit(context.Background(), res))

	want, err := os.ReadFile(filepath.Join(cfg.Output.Dir, "bundle.js"))
	require.NoError(t, err)

	gz, err := os.Open(filepath.Join(cfg.Output.Dir, "bundle.js.gz"))
	require.NoError(t, err)
	defer gz.Close()
	gzr, err := gzip.NewReader(gz)
	require.NoError(t, err)
	got, err := io.ReadAll(gzr)
	require.NoError(t, err)
	require.Equal(t, want, got)

	zst, err := os.ReadFile(filepath.Join(cfg.Output.Dir, "bundle.js.zst"))
	require.NoError(t, err)
	dec, err := zstd.NewReader(bytes.NewReader(zst))
	require.NoError(t, err)
	defer dec.Close()
	got, err = io.ReadAll(dec)
	require.NoError(t, err)
	require.Equal(t, want, got)

	// The stylesheet is below minSize.
	require.NoFileExists(t, filepath.Join(cfg.Output.Dir, "bundle.css.gz"))
	require.NoFileExists(t, stale)

	_, err = newCompress(options(t, "algorithms: [brotli]"), cfg)
	require.Error(t, err)
}

func TestExecRunsCommand(t *testing.T) {
	cfg := testConfig(t, config.Production)
	marker := filepath.Join(cfg.Context, "marker")

	p, err := newExec(options(t, `command: /bin/sh
args: ["-c", "echo $BUNDLER_BUILD_ID > `+marker+`"]`), cfg)
	require.NoError(t, err)
	require.NoError(t, p.(PostEmitHook).PostEmit(context.Background(), &emit.Result{BuildID: "build-42"}))

	data, err := os.ReadFile(marker)
	require.NoError(t, err)
	require.Equal(t, "build-42\n", string(data))
}

func TestExecFailure(t *testing.T) {
	cfg := testConfig(t, config.Production)

	p, err := newExec(options(t, `command: /bin/sh
args: ["-c", "exit 3"]`), cfg)
	require.NoError(t, err)
	require.ErrorContains(t, p.(PostEmitHook).PostEmit(context.Background(), &emit.Result{}), "exited with code 3")

	p, err = newExec(options(t, `command: /bin/sh
args: ["-c", "exit 3"]
ignoreFailure: true`), cfg)
	require.NoError(t, err)
	require.NoError(t, p.(PostEmitHook).PostEmit(context.Background(), &emit.Result{}))

	_, err = newExec(yaml.Node{}, cfg)
	require.Error(t, err)
}
