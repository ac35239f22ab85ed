package client

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"hash/crc32"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWSStatusMessageDecoding(t *testing.T) {
	var m WSStatusMessage
	require.NoError(t, json.Unmarshal([]byte(`{"type":"executing","data":{"node":"57:8","prompt_id":"p1"}}`), &m))
	exec, ok := m.Data.(*WSMessageDataExecuting)
	require.True(t, ok)
	require.NotNil(t, exec.Node)
	assert.Equal(t, "57:8", *exec.Node)

	require.NoError(t, json.Unmarshal([]byte(`{"type":"executing","data":{"node":null,"prompt_id":"p1"}}`), &m))
	assert.Nil(t, m.Data.(*WSMessageDataExecuting).Node)

	require.NoError(t, json.Unmarshal([]byte(`{"type":"crystools.monitor","data":{"cpu_utilization":3}}`), &m))
	assert.Nil(t, m.Data)

	assert.Error(t, json.Unmarshal([]byte(`{"type":"progress","data":{"value":"x"}}`), &m))
}

func TestWSExecutedOutputs(t *testing.T) {
	var m WSStatusMessage
	require.NoError(t, json.Unmarshal([]byte(`{"type":"executed","data":{"node":"9","prompt_id":"p1","output":{
		"images":[{"filename":"a.png","subfolder":"","type":"temp"}],
		"text":["hello"],
		"animated":[false]}}}`), &m))
	ex := m.Data.(*WSMessageDataExecuted)
	assert.Equal(t, "9", ex.Node)
	assert.Equal(t, []DataOutput{{Filename: "a.png", Type: "temp"}}, ex.Output["images"])
	assert.Equal(t, []DataOutput{{Type: "text", Text: "hello"}}, ex.Output["text"])
	assert.Empty(t, ex.Output["animated"])
}

func TestQueueItemPreviewsBecomeResults(t *testing.T) {
	qi := newQueueItem("p1", 4)
	qi.executing("1")
	qi.executed("3", map[string][]DataOutput{"images": {{Filename: "preview.png", Type: "temp"}}})
	partial := <-qi.events
	for partial.Type != "partial" {
		partial = <-qi.events
	}
	assert.Len(t, partial.Results, 1)

	assert.True(t, qi.succeed())
	assert.False(t, qi.interrupt())
	term := qi.Terminal()
	assert.Equal(t, "finished", string(term.Type))
	require.Len(t, term.Results, 1)
	assert.Equal(t, "preview.png", term.Results[0].Filename)
}

func pngWithText(t *testing.T, key, value string) []byte {
	t.Helper()
	var buf bytes.Buffer
	buf.Write(pngSignature)
	chunk := func(typ string, data []byte) {
		require.NoError(t, binary.Write(&buf, binary.BigEndian, uint32(len(data))))
		buf.WriteString(typ)
		buf.Write(data)
		crc := crc32.ChecksumIEEE(append([]byte(typ), data...))
		require.NoError(t, binary.Write(&buf, binary.BigEndian, crc))
	}
	chunk("IHDR", make([]byte, 13))
	chunk("tEXt", append(append([]byte(key), 0), value...))
	chunk("IEND", nil)
	return buf.Bytes()
}

func TestPngMetadataSeed(t *testing.T) {
	prompt := `{"3":{"class_type":"KSampler","inputs":{"seed":1234,"steps":20}},
		"12":{"class_type":"KSampler","inputs":{"seed":99}},
		"4":{"class_type":"CheckpointLoaderSimple","inputs":{}}}`
	meta, err := GetPngMetadata(bytes.NewReader(pngWithText(t, "prompt", prompt)))
	require.NoError(t, err)
	assert.JSONEq(t, prompt, meta["prompt"])

	seed, ok := EmbeddedSeed(meta)
	require.True(t, ok)
	assert.Equal(t, int64(1234), seed)

	_, ok = EmbeddedSeed(map[string]string{})
	assert.False(t, ok)

	_, err = GetPngMetadata(bytes.NewReader([]byte("GIF89a...")))
	assert.Error(t, err)
}
