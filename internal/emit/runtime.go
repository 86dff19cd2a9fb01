package emit

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strconv"

	"github.com/wolfeidau/bundler/internal/graph"
	"github.com/wolfeidau/bundler/internal/loader"
)

// runtimeHead opens the bundle: a module table keyed by numeric id, each
// entry holding the module function and its specifier to id map. The module
// record is cached before the function runs so circular requires see the
// partially initialised exports instead of recursing.
const runtimeHead = `(function (modules, entry) {
  var cache = {};
  function load(id) {
    if (cache[id]) {
      return cache[id].exports;
    }
    var module = (cache[id] = { id: id, exports: {} });
    var deps = modules[id][1];
    function require(specifier) {
      if (!(specifier in deps)) {
        throw new Error("Cannot find module '" + specifier + "'");
      }
      return load(deps[specifier]);
    }
    require.style = injectStyle;
    modules[id][0].call(module.exports, require, module, module.exports);
    return module.exports;
  }
  function injectStyle(css) {
    if (typeof document === "undefined") {
      return;
    }
    var el = document.createElement("style");
    el.textContent = css;
    document.head.appendChild(el);
  }
  load(entry);
})({
`

const runtimeTail = "}, 0);\n"

// script renders the JS artifact for the modules of one chunk, which are
// given in the order their ids were assigned.
func (e *Emitter) script(mods []*graph.Module) []byte {
	ids := make(map[*graph.Module]int, len(mods))
	for i, m := range mods {
		ids[m] = i
	}

	var buf bytes.Buffer
	buf.WriteString(runtimeHead)
	for i, m := range mods {
		buf.WriteString(strconv.Itoa(i))
		buf.WriteString(": [function (require, module, exports) {\n")
		buf.Write(e.moduleBody(m))
		buf.WriteString("\n}, {")
		for j, edge := range m.Edges {
			if j > 0 {
				buf.WriteString(", ")
			}
			buf.Write(jsString(edge.Specifier))
			buf.WriteString(": ")
			buf.WriteString(strconv.Itoa(ids[edge.Target]))
		}
		buf.WriteString("}],\n")
	}
	buf.WriteString(runtimeTail)
	return buf.Bytes()
}

// moduleBody returns the code placed inside a module function. Style
// modules that were not extracted inject themselves after requiring their
// own imports.
func (e *Emitter) moduleBody(m *graph.Module) []byte {
	var code []byte
	if m.Source.Kind == loader.KindStyle {
		var buf bytes.Buffer
		for _, edge := range m.Edges {
			buf.WriteString("require(")
			buf.Write(jsString(edge.Specifier))
			buf.WriteString(");\n")
		}
		buf.WriteString("require.style(")
		buf.Write(jsString(string(m.Source.Code)))
		buf.WriteString(");")
		code = buf.Bytes()
	} else {
		code = bytes.TrimRight(m.Source.Code, "\n")
	}

	if !e.cfg.SourceMap {
		return code
	}

	// eval keeps each module in its own script with the loader's inline
	// source map, so devtools show the original file.
	body := string(code) + "\n//# sourceURL=" + e.sourceURL(m)
	return append(append([]byte("eval("), jsString(body)...), ");"...)
}

func (e *Emitter) sourceURL(m *graph.Module) string {
	rel, err := filepath.Rel(e.cfg.Context, m.ID.Path)
	if err != nil {
		rel = m.ID.Path
	}
	url := "bundler:///" + filepath.ToSlash(rel)
	if m.ID.Query != "" {
		url += "?" + m.ID.Query
	}
	return url
}

// jsString quotes s as a JavaScript string literal.
func jsString(s string) []byte {
	b, _ := json.Marshal(s)
	return b
}
