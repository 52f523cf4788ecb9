package internal

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
)

// maxSafetensorsHeader caps the JSON header so a corrupt length cannot force a
// huge allocation.
const maxSafetensorsHeader = 100 << 20

// WeightTensor is one named parameter array from a checkpoint.
type WeightTensor struct {
	Shape []int
	Data  []float32
}

type safetensorsEntry struct {
	DType   string  `json:"dtype"`
	Shape   []int   `json:"shape"`
	Offsets []int64 `json:"data_offsets"`
}

func LoadSafetensors(path string) (map[string]*WeightTensor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open weights: %w", err)
	}
	defer f.Close()

	return ReadSafetensors(f)
}

// ReadSafetensors parses a safetensors stream. Only F32 tensors are kept;
// integer bookkeeping tensors such as num_batches_tracked are skipped.
func ReadSafetensors(r io.Reader) (map[string]*WeightTensor, error) {
	var headerLen uint64
	if err := binary.Read(r, binary.LittleEndian, &headerLen); err != nil {
		return nil, fmt.Errorf("read header length: %w", err)
	}
	if headerLen == 0 || headerLen > maxSafetensorsHeader {
		return nil, fmt.Errorf("invalid header length %d", headerLen)
	}

	header := make([]byte, headerLen)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(header, &raw); err != nil {
		return nil, fmt.Errorf("parse header: %w", err)
	}

	body, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read tensor data: %w", err)
	}

	tensors := make(map[string]*WeightTensor, len(raw))
	for name, msg := range raw {
		if name == "__metadata__" {
			continue
		}

		var entry safetensorsEntry
		if err := json.Unmarshal(msg, &entry); err != nil {
			return nil, fmt.Errorf("parse tensor %s: %w", name, err)
		}
		if entry.DType != "F32" {
			continue
		}
		if len(entry.Offsets) != 2 {
			return nil, fmt.Errorf("tensor %s: invalid data offsets", name)
		}

		begin, end := entry.Offsets[0], entry.Offsets[1]
		if begin < 0 || end < begin || end > int64(len(body)) {
			return nil, fmt.Errorf("tensor %s: offsets [%d,%d) outside %d data bytes", name, begin, end, len(body))
		}
		count, err := shapeCount(entry.Shape, int((end-begin)/4))
		if err != nil || end-begin != int64(4*count) {
			return nil, fmt.Errorf("tensor %s: offsets [%d,%d) do not match shape %v", name, begin, end, entry.Shape)
		}

		data := make([]float32, count)
		chunk := body[begin:end]
		for i := range data {
			data[i] = math.Float32frombits(binary.LittleEndian.Uint32(chunk[i*4:]))
		}

		tensors[name] = &WeightTensor{Shape: entry.Shape, Data: data}
	}

	return tensors, nil
}
