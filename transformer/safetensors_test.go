package transformer

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSafetensorsFixture(t *testing.T, entries map[string]safetensorsEntry, body []byte) string {
	t.Helper()
	header := make(map[string]safetensorsEntry, len(entries))
	for k, v := range entries {
		header[k] = v
	}
	headerJSON, err := json.Marshal(header)
	require.NoError(t, err)

	var buf bytes.Buffer
	var lenBytes [8]byte
	binary.LittleEndian.PutUint64(lenBytes[:], uint64(len(headerJSON)))
	buf.Write(lenBytes[:])
	buf.Write(headerJSON)
	buf.Write(body)

	path := filepath.Join(t.TempDir(), "model.safetensors")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

func TestLoadSafetensorsResolvesF32Tensor(t *testing.T) {
	data := []float32{1, 2, 3, 4}
	body := make([]byte, 16)
	for i, f := range data {
		binary.LittleEndian.PutUint32(body[i*4:], math.Float32bits(f))
	}
	path := writeSafetensorsFixture(t, map[string]safetensorsEntry{
		"weight": {DType: "F32", Shape: []int{2, 2}, DataOffsets: [2]int{0, 16}},
	}, body)

	source, err := LoadSafetensors(path)
	require.NoError(t, err)

	tensorOut, err := source.Tensor("weight")
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2}, tensorOut.Shape)
	assert.Equal(t, data, tensorOut.Data)
}

func TestSafetensorsTensorRejectsUnknownKey(t *testing.T) {
	path := writeSafetensorsFixture(t, map[string]safetensorsEntry{}, nil)
	source, err := LoadSafetensors(path)
	require.NoError(t, err)

	_, err = source.Tensor("missing")
	assert.Error(t, err)
}

func TestSafetensorsTensorRejectsUnsupportedDType(t *testing.T) {
	path := writeSafetensorsFixture(t, map[string]safetensorsEntry{
		"weight": {DType: "I8", Shape: []int{1}, DataOffsets: [2]int{0, 1}},
	}, []byte{1})

	source, err := LoadSafetensors(path)
	require.NoError(t, err)

	_, err = source.Tensor("weight")
	assert.Error(t, err)
}
