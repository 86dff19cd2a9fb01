package emit

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/wolfeidau/bundler/internal/config"
)

// Manifest records what a build wrote to the output directory.
type Manifest struct {
	BuildID string                   `json:"buildId"`
	Mode    config.Mode              `json:"mode"`
	Chunks  map[string]ManifestChunk `json:"chunks"`
	// Files lists every artifact, relative to the output directory.
	Files []string `json:"files"`
}

type ManifestChunk struct {
	JS      string   `json:"js"`
	CSS     string   `json:"css,omitempty"`
	Modules []string `json:"modules"`
}

func (e *Emitter) writeManifest(res *Result) error {
	m := Manifest{
		BuildID: res.BuildID,
		Mode:    e.cfg.Mode,
		Chunks:  map[string]ManifestChunk{},
	}
	for _, a := range res.Artifacts {
		c := m.Chunks[a.Chunk]
		switch a.Kind {
		case KindJS:
			c.JS = a.Filename
			c.Modules = a.Modules
		case KindCSS:
			c.CSS = a.Filename
		}
		m.Chunks[a.Chunk] = c
		m.Files = append(m.Files, a.Filename)
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	return writeFile(filepath.Join(e.cfg.Output.Dir, e.cfg.Output.Manifest), append(data, '\n'))
}

// ReadManifest loads the manifest from the output directory. It returns
// nil without an error when no manifest has been written yet.
func ReadManifest(out config.Output) (*Manifest, error) {
	if out.Manifest == "" {
		return nil, nil
	}
	path := filepath.Join(out.Dir, out.Manifest)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode manifest %s: %w", path, err)
	}
	return &m, nil
}
