package loader

import (
	"bytes"
	"context"
	"strconv"

	"github.com/wolfeidau/bundler/internal/config"
	"gopkg.in/yaml.v3"
)

// extractLoader moves a stylesheet out of the script bundle and into the
// chunk's CSS artifact. The script left behind only requires the sheet's
// own imports so that nested sheets are still reached at runtime.
type extractLoader struct{}

func newExtractLoader(yaml.Node, config.Config) (Loader, error) { return extractLoader{}, nil }

func (extractLoader) Name() string { return "extract" }

func (extractLoader) Kinds() (Kind, Kind) { return KindStyle, KindScript }

func (extractLoader) Load(_ context.Context, src *Source) (*Source, error) {
	out := src.Clone()
	out.Styles = append(out.Styles, src.Code)

	var buf bytes.Buffer
	for _, imp := range src.Imports {
		buf.WriteString("require(" + strconv.Quote(imp) + ");\n")
	}
	buf.WriteString("module.exports = {};\n")

	out.Code = buf.Bytes()
	out.Kind = KindScript
	return out, nil
}
