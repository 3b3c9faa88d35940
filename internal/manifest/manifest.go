// Package manifest reads batch manifests: the JSON file that lists the items
// of a batch. Manifests are checked against an embedded JSON schema before
// anything is submitted.
package manifest

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/ChuLiYu/docflow/internal/orchestrator"
	"github.com/ChuLiYu/docflow/pkg/types"
)

//go:embed manifest.schema.json
var schemaJSON []byte

// ErrInvalid wraps schema violations
var ErrInvalid = errors.New("invalid manifest")

// Entry is one item of the manifest
type Entry struct {
	Ref      string            `json:"ref"`
	Priority string            `json:"priority,omitempty"`
	OCR      bool              `json:"ocr,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Manifest is a decoded batch manifest
type Manifest struct {
	BatchID           string  `json:"batch_id,omitempty"`
	CheckpointEnabled *bool   `json:"checkpoint_enabled,omitempty"`
	Items             []Entry `json:"items"`
}

var compiled *jsonschema.Schema

func init() {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("manifest.schema.json", bytes.NewReader(schemaJSON)); err != nil {
		panic(fmt.Sprintf("manifest: add schema: %v", err))
	}
	compiled = compiler.MustCompile("manifest.schema.json")
}

// Load reads and validates the manifest at path. Relative item refs are
// resolved against the manifest's directory.
func Load(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("read manifest: %w", err)
	}
	m, err := Parse(data)
	if err != nil {
		return Manifest{}, fmt.Errorf("%s: %w", path, err)
	}
	base := filepath.Dir(path)
	for i := range m.Items {
		if !filepath.IsAbs(m.Items[i].Ref) {
			m.Items[i].Ref = filepath.Join(base, m.Items[i].Ref)
		}
	}
	return m, nil
}

// Parse validates and decodes manifest JSON
func Parse(data []byte) (Manifest, error) {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return Manifest{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := compiled.Validate(doc); err != nil {
		return Manifest{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("decode manifest: %w", err)
	}
	return m, nil
}

// FromDir builds a manifest from the regular files in dir matching pattern
// ("*" when empty), sorted by name.
func FromDir(dir, pattern string) (Manifest, error) {
	if pattern == "" {
		pattern = "*"
	}
	matches, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		return Manifest{}, fmt.Errorf("match %s: %w", pattern, err)
	}
	sort.Strings(matches)

	var m Manifest
	for _, p := range matches {
		info, err := os.Stat(p)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		m.Items = append(m.Items, Entry{Ref: p})
	}
	if len(m.Items) == 0 {
		return Manifest{}, fmt.Errorf("%w: no files in %s match %q", ErrInvalid, dir, pattern)
	}
	return m, nil
}

// BatchItems converts the entries to orchestrator items
func (m Manifest) BatchItems() []orchestrator.Item {
	items := make([]orchestrator.Item, 0, len(m.Items))
	for _, e := range m.Items {
		// the schema already restricts priority names
		p, _ := types.ParsePriority(e.Priority)
		if e.Priority == "" {
			p = 0
		}
		items = append(items, orchestrator.Item{
			Ref:      e.Ref,
			Priority: p,
			OCR:      e.OCR,
			Metadata: e.Metadata,
		})
	}
	return items
}

// Checkpoint reports whether the manifest asks for checkpointing, falling
// back to def when it does not say.
func (m Manifest) Checkpoint(def bool) bool {
	if m.CheckpointEnabled == nil {
		return def
	}
	return *m.CheckpointEnabled
}
