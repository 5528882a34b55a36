package sink

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/replayflow/replayflow/internal/model"
	"github.com/replayflow/replayflow/pkg/errors"
	"github.com/replayflow/replayflow/pkg/schema"
)

// SchemaDoc is the schema JSON artifact. It gives a downstream reader
// the ordered column list with types and missing markers, enough to
// validate a wide table structurally without re-deriving the schema.
type SchemaDoc struct {
	GeneratedBy    string      `json:"generated_by"`
	Replay         string      `json:"replay"`
	Mode           string      `json:"mode"`
	Stride         int         `json:"stride"`
	TicksPerSecond float64     `json:"ticks_per_second"`
	Columns        []ColumnDoc `json:"columns"`
}

// ColumnDoc documents one column.
type ColumnDoc struct {
	Name         string `json:"name"`
	Type         string `json:"type"`
	Kind         string `json:"kind"`
	Description  string `json:"description,omitempty"`
	MissingValue string `json:"missing_value"`
}

// NewSchemaDoc renders a closed schema into its artifact form.
func NewSchemaDoc(meta Meta, s *schema.Schema) *SchemaDoc {
	doc := &SchemaDoc{
		GeneratedBy:    GeneratedBy,
		Replay:         meta.Replay,
		Mode:           meta.Mode,
		Stride:         meta.Stride,
		TicksPerSecond: model.TicksPerSecond,
		Columns:        make([]ColumnDoc, 0, s.Len()),
	}
	for _, c := range s.Columns() {
		doc.Columns = append(doc.Columns, ColumnDoc{
			Name:         c.Name,
			Type:         c.Type.String(),
			Kind:         c.Kind.String(),
			Description:  c.Desc,
			MissingValue: c.Type.MissingMarker(),
		})
	}
	return doc
}

// WriteSchemaDoc writes the document atomically.
func (c Config) WriteSchemaDoc(replayPath string, doc *SchemaDoc) error {
	path := c.SchemaDocPath(replayPath)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrap(err, errors.CodeSchemaArtifact, "creating output directory")
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return errors.Wrap(err, errors.CodeSchemaArtifact, "encoding schema document")
	}
	data = append(data, '\n')

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return errors.Wrap(err, errors.CodeSchemaArtifact, "writing schema document")
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return errors.Wrap(err, errors.CodeSchemaArtifact, "renaming schema document")
	}
	return nil
}

// ReadSchemaDoc loads a schema document, for verification and tests.
func ReadSchemaDoc(path string) (*SchemaDoc, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeSchemaArtifact, "reading schema document")
	}
	var doc SchemaDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrap(err, errors.CodeSchemaArtifact, "decoding schema document")
	}
	return &doc, nil
}
