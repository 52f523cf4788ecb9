package internal

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadSafetensors(t *testing.T) {
	data := encodeSafetensors(t, map[string]*WeightTensor{
		"a.weight": {Shape: []int{2, 2}, Data: []float32{1, 2, 3, 4}},
		"a.bias":   {Shape: []int{2}, Data: []float32{-1, 0.5}},
	})

	tensors, err := ReadSafetensors(bytes.NewReader(data))
	require.NoError(t, err)
	require.Len(t, tensors, 2)
	assert.Equal(t, []int{2, 2}, tensors["a.weight"].Shape)
	assert.Equal(t, []float32{1, 2, 3, 4}, tensors["a.weight"].Data)
	assert.Equal(t, []float32{-1, 0.5}, tensors["a.bias"].Data)
}

func TestReadSafetensorsSkipsIntegerTensors(t *testing.T) {
	header := []byte(`{"bn.num_batches_tracked":{"dtype":"I64","shape":[],"data_offsets":[0,8]},` +
		`"bn.weight":{"dtype":"F32","shape":[1],"data_offsets":[8,12]}}`)

	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, uint64(len(header)))
	buf.Write(header)
	binary.Write(&buf, binary.LittleEndian, int64(7))
	binary.Write(&buf, binary.LittleEndian, float32(2.5))

	tensors, err := ReadSafetensors(&buf)
	require.NoError(t, err)
	assert.NotContains(t, tensors, "bn.num_batches_tracked")
	assert.Equal(t, []float32{2.5}, tensors["bn.weight"].Data)
}

func TestReadSafetensorsRejectsBadInput(t *testing.T) {
	tests := []struct {
		name string
		data func() []byte
	}{
		{"truncated length", func() []byte { return []byte{1, 2} }},
		{"zero header", func() []byte { return make([]byte, 8) }},
		{"huge header", func() []byte {
			b := make([]byte, 8)
			binary.LittleEndian.PutUint64(b, 1<<40)
			return b
		}},
		{"header not json", func() []byte {
			var buf bytes.Buffer
			binary.Write(&buf, binary.LittleEndian, uint64(3))
			buf.WriteString("{{{")
			return buf.Bytes()
		}},
		{"offsets past end", func() []byte {
			header := []byte(`{"w":{"dtype":"F32","shape":[4],"data_offsets":[0,16]}}`)
			var buf bytes.Buffer
			binary.Write(&buf, binary.LittleEndian, uint64(len(header)))
			buf.Write(header)
			buf.Write(make([]byte, 8))
			return buf.Bytes()
		}},
		{"offsets disagree with shape", func() []byte {
			header := []byte(`{"w":{"dtype":"F32","shape":[3],"data_offsets":[0,8]}}`)
			var buf bytes.Buffer
			binary.Write(&buf, binary.LittleEndian, uint64(len(header)))
			buf.Write(header)
			buf.Write(make([]byte, 8))
			return buf.Bytes()
		}},
		{"shape overflows offsets", func() []byte {
			header := []byte(`{"w":{"dtype":"F32","shape":[4611686018427387904,1],"data_offsets":[0,0]}}`)
			var buf bytes.Buffer
			binary.Write(&buf, binary.LittleEndian, uint64(len(header)))
			buf.Write(header)
			return buf.Bytes()
		}},
		{"reversed offsets", func() []byte {
			header := []byte(`{"w":{"dtype":"F32","shape":[],"data_offsets":[8,4]}}`)
			var buf bytes.Buffer
			binary.Write(&buf, binary.LittleEndian, uint64(len(header)))
			buf.Write(header)
			buf.Write(make([]byte, 8))
			return buf.Bytes()
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadSafetensors(bytes.NewReader(tt.data()))
			assert.Error(t, err)
		})
	}
}

func TestLoadSafetensorsFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "w.safetensors")
	require.NoError(t, os.WriteFile(path, encodeSafetensors(t, map[string]*WeightTensor{
		"x": {Shape: []int{1}, Data: []float32{3}},
	}), 0644))

	tensors, err := LoadSafetensors(path)
	require.NoError(t, err)
	assert.Equal(t, []float32{3}, tensors["x"].Data)

	_, err = LoadSafetensors(filepath.Join(t.TempDir(), "missing.safetensors"))
	assert.Error(t, err)
}
