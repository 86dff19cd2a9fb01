package config

import (
	"fmt"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Entry is a named entry point; each entry produces its own chunk.
type Entry struct {
	Name string
	Path string
}

// Entries keeps entry points in declaration order.
type Entries []Entry

// UnmarshalYAML accepts `entry: ./index.js` or a name to path mapping.
func (e *Entries) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		*e = Entries{{Name: "main", Path: node.Value}}
		return nil
	case yaml.MappingNode:
		out := make(Entries, 0, len(node.Content)/2)
		for i := 0; i+1 < len(node.Content); i += 2 {
			out = append(out, Entry{Name: node.Content[i].Value, Path: node.Content[i+1].Value})
		}
		*e = out
		return nil
	default:
		return fmt.Errorf("line %d: entry must be a path or a mapping of names to paths", node.Line)
	}
}

var (
	hashToken = regexp.MustCompile(`\[(hash|contenthash)(:\d+)?\]`)
	nameToken = regexp.MustCompile(`\[name\]`)
)

func hasHashToken(tmpl string) bool { return hashToken.MatchString(tmpl) }

func hasNameToken(tmpl string) bool { return nameToken.MatchString(tmpl) }
