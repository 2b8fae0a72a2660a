// Package modelfmt recovers model metadata (architecture, quantization,
// parameter count, an estimated memory footprint) from a GGUF model
// artifact directory. Grounded verbatim on the teacher's
// pkg/distribution/format/gguf.go, which uses the same parser to populate
// its Config.Parameters/Architecture/Quantization/Size fields.
package modelfmt

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	parser "github.com/gpustack/gguf-parser-go"
)

// Metadata is the subset of GGUF header metadata the registry cares about.
type Metadata struct {
	Architecture        string
	Quantization        string
	ParameterCount       string
	EstimatedMemoryBytes uint64
}

// gpuOverheadFactor accounts for KV cache and activation memory beyond raw
// weight bytes when no richer backend-reported estimate is available.
const gpuOverheadFactor = 1.2

// Inspect locates a GGUF artifact under dir and extracts its metadata. If
// dir contains a sharded model, only the first shard is parsed for
// metadata (shard discovery mirrors the teacher's DiscoverShards).
func Inspect(dir string) (Metadata, error) {
	path, err := findGGUF(dir)
	if err != nil {
		return Metadata{}, err
	}

	shards := parser.CompleteShardGGUFFilename(path)
	if len(shards) == 0 {
		shards = []string{path}
	}

	gguf, err := parser.ParseGGUFFile(shards[0])
	if err != nil {
		return Metadata{}, fmt.Errorf("parsing GGUF file %s: %w", shards[0], err)
	}

	var totalSize uint64
	for _, shard := range shards {
		if info, statErr := os.Stat(shard); statErr == nil {
			totalSize += uint64(info.Size())
		}
	}

	md := gguf.Metadata()
	return Metadata{
		Architecture:         strings.TrimSpace(md.Architecture),
		Quantization:         strings.TrimSpace(md.FileType.String()),
		ParameterCount:       strings.TrimSpace(md.Parameters.String()),
		EstimatedMemoryBytes: uint64(float64(totalSize) * gpuOverheadFactor),
	}, nil
}

func findGGUF(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("reading model directory %s: %w", dir, err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasSuffix(strings.ToLower(e.Name()), ".gguf") {
			return filepath.Join(dir, e.Name()), nil
		}
	}
	return "", fmt.Errorf("no .gguf artifact found in %s", dir)
}
