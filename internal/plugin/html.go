package plugin

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/bundler/internal/config"
	"github.com/wolfeidau/bundler/internal/emit"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
	"gopkg.in/yaml.v3"
)

const (
	// KindHTML marks page artifacts added to an emit result by the html plugin.
	KindHTML = "html"

	// LiveReloadPath is the event stream the live reload client listens on.
	LiveReloadPath = "/__bundler/livereload"
)

// LiveReloadScript reloads the page when the dev server reports a new build.
const LiveReloadScript = `(function () {
  var source = new EventSource("` + LiveReloadPath + `");
  source.addEventListener("reload", function () { window.location.reload(); });
})();`

const defaultTemplate = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title></title>
</head>
<body>
</body>
</html>
`

type HTMLOptions struct {
	// Template is an HTML file relative to the project root; a blank page is used when empty.
	Template string `yaml:"template"`
	// Filename is the page written to the output directory.
	Filename string `yaml:"filename"`
	Title    string `yaml:"title"`
	// PublicPath prefixes artifact URLs.
	PublicPath string `yaml:"publicPath"`
	// Chunks limits injection to the named chunks; empty injects all.
	Chunks []string `yaml:"chunks"`
	// RemoveComments and CollapseWhitespace default to on in production.
	RemoveComments     *bool `yaml:"removeComments"`
	CollapseWhitespace *bool `yaml:"collapseWhitespace"`
}

// htmlPage injects the emitted scripts and stylesheets into a page template.
type htmlPage struct {
	opts       HTMLOptions
	template   string
	outDir     string
	liveReload bool
	minify     struct{ comments, whitespace bool }
}

func newHTML(node yaml.Node, cfg config.Config) (Plugin, error) {
	opts := HTMLOptions{Filename: "index.html", PublicPath: "/"}
	if err := decodeOptions(node, &opts); err != nil {
		return nil, err
	}
	if !filepath.IsLocal(opts.Filename) {
		return nil, fmt.Errorf("filename %q must be relative to the output directory", opts.Filename)
	}

	p := &htmlPage{
		opts:       opts,
		outDir:     cfg.Output.Dir,
		liveReload: cfg.Mode == config.Development && cfg.DevServer.LiveReload,
	}
	if opts.Template != "" {
		p.template = cfg.Path(opts.Template)
	}
	prod := cfg.Mode == config.Production
	p.minify.comments = boolOr(opts.RemoveComments, prod)
	p.minify.whitespace = boolOr(opts.CollapseWhitespace, prod)
	return p, nil
}

func (p *htmlPage) Name() string { return "html" }

func (p *htmlPage) PostEmit(_ context.Context, res *emit.Result) error {
	src := []byte(defaultTemplate)
	if p.template != "" {
		var err error
		if src, err = os.ReadFile(p.template); err != nil {
			return fmt.Errorf("failed to read template: %w", err)
		}
	}

	doc, err := html.Parse(bytes.NewReader(src))
	if err != nil {
		return fmt.Errorf("failed to parse template: %w", err)
	}
	head := find(doc, atom.Head)
	body := find(doc, atom.Body)
	if head == nil || body == nil {
		return fmt.Errorf("template has no head or body")
	}

	if p.opts.Title != "" {
		setTitle(head, p.opts.Title)
	}
	for _, a := range res.Artifacts {
		if !p.included(a.Chunk) {
			continue
		}
		href := path.Join(p.opts.PublicPath, a.Filename)
		switch a.Kind {
		case emit.KindCSS:
			head.AppendChild(element(atom.Link, "rel", "stylesheet", "href", href))
		case emit.KindJS:
			body.AppendChild(element(atom.Script, "src", href))
		}
	}
	if p.liveReload {
		script := element(atom.Script)
		script.AppendChild(&html.Node{Type: html.TextNode, Data: LiveReloadScript})
		body.AppendChild(script)
	}

	if p.minify.comments {
		removeComments(doc)
	}
	if p.minify.whitespace {
		collapseWhitespace(doc)
	}

	var buf bytes.Buffer
	if err := html.Render(&buf, doc); err != nil {
		return fmt.Errorf("failed to render page: %w", err)
	}

	out := filepath.Join(p.outDir, p.opts.Filename)
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(out, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write page: %w", err)
	}

	res.Artifacts = append(res.Artifacts, emit.Artifact{
		Kind:     KindHTML,
		Filename: filepath.ToSlash(p.opts.Filename),
		Size:     buf.Len(),
		Content:  buf.Bytes(),
	})
	log.Debug().Str("artifact", p.opts.Filename).Msg("Wrote page")
	return nil
}

func (p *htmlPage) included(chunk string) bool {
	if len(p.opts.Chunks) == 0 {
		return true
	}
	for _, c := range p.opts.Chunks {
		if c == chunk {
			return true
		}
	}
	return false
}

func element(a atom.Atom, attrs ...string) *html.Node {
	n := &html.Node{Type: html.ElementNode, DataAtom: a, Data: a.String()}
	for i := 0; i+1 < len(attrs); i += 2 {
		n.Attr = append(n.Attr, html.Attribute{Key: attrs[i], Val: attrs[i+1]})
	}
	return n
}

func find(n *html.Node, a atom.Atom) *html.Node {
	if n.Type == html.ElementNode && n.DataAtom == a {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := find(c, a); found != nil {
			return found
		}
	}
	return nil
}

func setTitle(head *html.Node, title string) {
	t := find(head, atom.Title)
	if t == nil {
		t = element(atom.Title)
		head.AppendChild(t)
	}
	for c := t.FirstChild; c != nil; c = t.FirstChild {
		t.RemoveChild(c)
	}
	t.AppendChild(&html.Node{Type: html.TextNode, Data: title})
}

func removeComments(n *html.Node) {
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		if c.Type == html.CommentNode {
			n.RemoveChild(c)
		} else {
			removeComments(c)
		}
		c = next
	}
}

// collapseWhitespace shrinks runs of whitespace in text nodes to a single
// space and drops whitespace-only nodes, leaving raw text elements alone.
func collapseWhitespace(n *html.Node) {
	if n.Type == html.ElementNode {
		switch n.DataAtom {
		case atom.Pre, atom.Textarea, atom.Script, atom.Style:
			return
		}
	}
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		if c.Type == html.TextNode {
			collapsed := strings.Join(strings.Fields(c.Data), " ")
			switch {
			case collapsed == "":
				n.RemoveChild(c)
			default:
				if strings.TrimLeft(c.Data, " \t\r\n") != c.Data {
					collapsed = " " + collapsed
				}
				if strings.TrimRight(c.Data, " \t\r\n") != c.Data {
					collapsed += " "
				}
				c.Data = collapsed
			}
		} else {
			collapseWhitespace(c)
		}
		c = next
	}
}

func boolOr(p *bool, def bool) bool {
	if p != nil {
		return *p
	}
	return def
}
