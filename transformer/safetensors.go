package transformer

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"

	"github.com/latticerun/lattice/tensor"
)

// safetensorsEntry is one tensor's header record inside a safetensors
// file: https://github.com/huggingface/safetensors's JSON-header format.
type safetensorsEntry struct {
	DType       string `json:"dtype"`
	Shape       []int  `json:"shape"`
	DataOffsets [2]int `json:"data_offsets"`
}

// SafetensorsSource is a WeightSource backed by a single .safetensors
// file kept memory-mapped-by-read-once in memory: an 8-byte
// little-endian header length, a JSON header of per-tensor
// {dtype,shape,data_offsets}, then the raw tensor bytes. This is the
// one concrete loader this runtime ships, since safetensors — unlike
// GGUF's custom binary layout — is a small enough format to parse
// directly without a dedicated conversion pipeline; weight-file
// parsing beyond this is out of scope (spec.md §1).
type SafetensorsSource struct {
	data    []byte
	entries map[string]safetensorsEntry
}

// LoadSafetensors reads path fully into memory and parses its header.
func LoadSafetensors(path string) (*SafetensorsSource, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("transformer: read safetensors file: %w", err)
	}
	if len(raw) < 8 {
		return nil, fmt.Errorf("transformer: %s: truncated safetensors header", path)
	}

	headerLen := binary.LittleEndian.Uint64(raw[:8])
	if uint64(len(raw)) < 8+headerLen {
		return nil, fmt.Errorf("transformer: %s: truncated safetensors header body", path)
	}

	var rawEntries map[string]json.RawMessage
	if err := json.Unmarshal(raw[8:8+headerLen], &rawEntries); err != nil {
		return nil, fmt.Errorf("transformer: %s: decode safetensors header: %w", path, err)
	}

	entries := make(map[string]safetensorsEntry, len(rawEntries))
	for key, msg := range rawEntries {
		if key == "__metadata__" {
			continue
		}
		var e safetensorsEntry
		if err := json.Unmarshal(msg, &e); err != nil {
			return nil, fmt.Errorf("transformer: %s: decode tensor %q: %w", path, key, err)
		}
		entries[key] = e
	}

	return &SafetensorsSource{data: raw[8+headerLen:], entries: entries}, nil
}

// Tensor resolves key against the parsed header, decoding its raw
// bytes according to its declared dtype.
func (s *SafetensorsSource) Tensor(key string) (tensor.Tensor, error) {
	e, ok := s.entries[key]
	if !ok {
		return tensor.Tensor{}, fmt.Errorf("transformer: safetensors: no tensor %q", key)
	}
	dtype, err := safetensorsDType(e.DType)
	if err != nil {
		return tensor.Tensor{}, fmt.Errorf("transformer: safetensors: tensor %q: %w", key, err)
	}
	if e.DataOffsets[1] > len(s.data) || e.DataOffsets[0] > e.DataOffsets[1] {
		return tensor.Tensor{}, fmt.Errorf("transformer: safetensors: tensor %q: offsets out of range", key)
	}
	body := s.data[e.DataOffsets[0]:e.DataOffsets[1]]
	shape := e.Shape
	if len(shape) == 0 {
		shape = []int{1}
	}
	return tensor.FromBytes(body, dtype, shape...), nil
}

func safetensorsDType(name string) (tensor.DType, error) {
	switch name {
	case "F32":
		return tensor.DTypeF32, nil
	case "BF16":
		return tensor.DTypeBF16, nil
	case "F16":
		return tensor.DTypeF16, nil
	default:
		return 0, fmt.Errorf("unsupported dtype %q (this runtime decodes F32/F16/BF16 only)", name)
	}
}
