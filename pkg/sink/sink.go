// Package sink writes the per-match output artifacts: the wide
// game-state parquet table, the chat message table and the schema JSON
// document. Writes are atomic (temp file, rename on success) so a failed
// match never leaves a plausible-looking artifact behind. Footer
// metadata carries no wall-clock values; rerunning a match produces byte
// identical files.
package sink

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/parquet/compress"

	"github.com/replayflow/replayflow/pkg/schema"
)

// Version is stamped into artifact metadata and the version command.
const Version = "1.0.0"

// GeneratedBy identifies the producer in footers and schema documents.
const GeneratedBy = "replayflow " + Version

// Compression names accepted in configuration.
const (
	CompressionZstd   = "zstd"
	CompressionSnappy = "snappy"
	CompressionGzip   = "gzip"
	CompressionLZ4    = "lz4"
	CompressionNone   = "none"
)

// Config controls artifact writing for a run.
type Config struct {
	// Dir is the output directory; created on first write.
	Dir string

	// Compression is the parquet codec, zstd by default.
	Compression string

	// BatchSize is the number of rows buffered per arrow record batch.
	BatchSize int
}

// DefaultBatchSize is used when Config.BatchSize is unset.
const DefaultBatchSize = 512

func (c Config) batchSize() int {
	if c.BatchSize > 0 {
		return c.BatchSize
	}
	return DefaultBatchSize
}

// Meta describes the run that produced an artifact. Every value must be
// stable across reruns of the same replay with the same settings.
type Meta struct {
	Replay string // replay stem
	Mode   string // "two_pass" or "single_pass"
	Stride int    // loops between sampled rows
}

// Stem returns the artifact key for a replay path: the base name without
// its extension.
func Stem(replayPath string) string {
	base := filepath.Base(replayPath)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// WideTablePath returns the game-state artifact path for a replay.
func (c Config) WideTablePath(replayPath string) string {
	return filepath.Join(c.Dir, Stem(replayPath)+"_game_state.parquet")
}

// MessagesPath returns the chat artifact path for a replay.
func (c Config) MessagesPath(replayPath string) string {
	return filepath.Join(c.Dir, Stem(replayPath)+"_messages.parquet")
}

// SchemaDocPath returns the schema document path for a replay.
func (c Config) SchemaDocPath(replayPath string) string {
	return filepath.Join(c.Dir, Stem(replayPath)+"_schema.json")
}

// codec maps a configured compression name to a parquet codec.
func codec(name string) compress.Compression {
	switch name {
	case CompressionSnappy:
		return compress.Codecs.Snappy
	case CompressionGzip:
		return compress.Codecs.Gzip
	case CompressionLZ4:
		return compress.Codecs.Lz4
	case CompressionNone:
		return compress.Codecs.Uncompressed
	default:
		return compress.Codecs.Zstd
	}
}

// arrowField maps one schema column to its arrow field. Int64 and string
// columns are nullable (null is their missing marker); float64 columns
// carry NaN and bool columns false instead, so they are required.
func arrowField(c schema.Column) arrow.Field {
	switch c.Type {
	case schema.TypeFloat64:
		return arrow.Field{Name: c.Name, Type: arrow.PrimitiveTypes.Float64, Nullable: false}
	case schema.TypeString:
		return arrow.Field{Name: c.Name, Type: arrow.BinaryTypes.String, Nullable: true}
	case schema.TypeBool:
		return arrow.Field{Name: c.Name, Type: arrow.FixedWidthTypes.Boolean, Nullable: false}
	default:
		return arrow.Field{Name: c.Name, Type: arrow.PrimitiveTypes.Int64, Nullable: c.Kind != schema.KindBase}
	}
}

// footerMetadata builds the deterministic footer key set.
func footerMetadata(meta Meta, columns int) arrow.Metadata {
	return arrow.NewMetadata(
		[]string{
			"replayflow:version",
			"replayflow:replay",
			"replayflow:mode",
			"replayflow:stride",
			"replayflow:schema_columns",
		},
		[]string{
			Version,
			meta.Replay,
			meta.Mode,
			fmt.Sprintf("%d", meta.Stride),
			fmt.Sprintf("%d", columns),
		},
	)
}
