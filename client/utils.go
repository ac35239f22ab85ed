package client

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"strconv"
)

var pngSignature = []byte{137, 80, 78, 71, 13, 10, 26, 10}

// GetPngMetadata returns the tEXt chunks of a PNG. ComfyUI stores the executed
// prompt under "prompt".
func GetPngMetadata(r io.Reader) (map[string]string, error) {
	header := make([]byte, len(pngSignature))
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	if !bytes.Equal(header, pngSignature) {
		return nil, errors.New("not a valid PNG file")
	}

	chunks := make(map[string]string)
	for {
		var length uint32
		err := binary.Read(r, binary.BigEndian, &length)
		if err == io.EOF {
			return chunks, nil
		}
		if err != nil {
			return nil, err
		}

		chunkType := make([]byte, 4)
		if _, err := io.ReadFull(r, chunkType); err != nil {
			return nil, err
		}

		switch string(chunkType) {
		case "tEXt":
			data := make([]byte, length)
			if _, err := io.ReadFull(r, data); err != nil {
				return nil, err
			}
			keywordEnd := bytes.IndexByte(data, 0)
			if keywordEnd == -1 {
				return nil, errors.New("malformed tEXt chunk")
			}
			chunks[string(data[:keywordEnd])] = string(data[keywordEnd+1:])
		case "IEND":
			return chunks, nil
		default:
			if _, err := io.CopyN(io.Discard, r, int64(length)); err != nil {
				return nil, err
			}
		}

		// CRC
		if _, err := io.CopyN(io.Discard, r, 4); err != nil {
			return nil, err
		}
	}
}

// EmbeddedSeed extracts the sampler seed from the prompt stored in a result
// image's metadata.
func EmbeddedSeed(meta map[string]string) (int64, bool) {
	raw, ok := meta["prompt"]
	if !ok {
		return 0, false
	}
	var nodes map[string]struct {
		ClassType string                     `json:"class_type"`
		Inputs    map[string]json.RawMessage `json:"inputs"`
	}
	if err := json.Unmarshal([]byte(raw), &nodes); err != nil {
		return 0, false
	}
	// node ids are numeric strings assigned in creation order; take the first sampler
	best := -1
	var seed int64
	for id, n := range nodes {
		if n.ClassType != "KSampler" {
			continue
		}
		v, ok := n.Inputs["seed"]
		if !ok {
			continue
		}
		num, err := strconv.Atoi(id)
		if err != nil {
			num = int(^uint(0) >> 1)
		}
		if best != -1 && num >= best {
			continue
		}
		if s, err := strconv.ParseInt(string(v), 10, 64); err == nil {
			best, seed = num, s
		}
	}
	return seed, best != -1
}
