package tensor

import (
	"encoding/binary"
	"math"

	bfloat16 "github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// DTypeF16 is IEEE binary16. Tensor.Bytes/FromBytes encode and decode
// it, and SafetensorsSource maps safetensors F16 tensors to it; the
// rpcwire format always uses bf16.
const DTypeF16 DType = 2

func encodeF32(data []float32) []byte {
	out := make([]byte, 4*len(data))
	for i, f := range data {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(f))
	}
	return out
}

func decodeF32(b []byte, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}

func encodeBF16(data []float32) []byte {
	return bfloat16.Encode(data)
}

func decodeBF16(b []byte, n int) []float32 {
	out := bfloat16.Decode(b)
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// EncodeF16 packs data as little-endian IEEE binary16, the DTypeF16
// case of Tensor.Bytes.
func EncodeF16(data []float32) []byte {
	out := make([]byte, 2*len(data))
	for i, f := range data {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(float16.Fromfloat32(f)))
	}
	return out
}

// DecodeF16 is the inverse of EncodeF16.
func DecodeF16(b []byte, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		bits := binary.LittleEndian.Uint16(b[i*2:])
		out[i] = float16.Float16(bits).Float32()
	}
	return out
}
