package service

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/TIANLI0/DepthKit/model"
)

// BuildArchive bundles every layer PNG plus a manifest.json into a ZIP. Each
// entry is independently valid; the manifest records ordinals, ranges and
// dimensions for downstream viewers.
func BuildArchive(result *model.SliceResult, layers []*Layer) ([]byte, error) {
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)

	for _, layer := range layers {
		f, err := w.Create(layer.Info.Filename)
		if err != nil {
			return nil, fmt.Errorf("failed to create archive entry %s: %w", layer.Info.Filename, err)
		}
		if _, err := f.Write(layer.PNG); err != nil {
			return nil, fmt.Errorf("failed to write archive entry %s: %w", layer.Info.Filename, err)
		}
	}

	manifest, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal manifest: %w", err)
	}
	f, err := w.Create("manifest.json")
	if err != nil {
		return nil, fmt.Errorf("failed to create manifest entry: %w", err)
	}
	if _, err := f.Write(manifest); err != nil {
		return nil, fmt.Errorf("failed to write manifest: %w", err)
	}

	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize archive: %w", err)
	}
	return buf.Bytes(), nil
}
