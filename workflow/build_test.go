package workflow

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/richinsley/comfyjobs/job"
	"github.com/richinsley/comfyjobs/preset"
)

func mustDescriptor(t *testing.T, d job.Descriptor) job.Descriptor {
	t.Helper()
	out, err := job.NewDescriptor(d)
	require.NoError(t, err)
	return out
}

func sampler(t *testing.T, g *Graph) Node {
	t.Helper()
	ids := g.Find("KSampler")
	require.Len(t, ids, 1)
	n, _ := g.Node(ids[0])
	return n
}

func TestBuildGenerate(t *testing.T) {
	seed := int64(1234)
	d := mustDescriptor(t, job.Descriptor{
		Prompt:         "a red fox",
		NegativePrompt: "blurry",
		Extent:         job.Extent{Width: 510, Height: 768},
		Seed:           &seed,
	})
	g, err := Build(d, preset.Default(), Inputs{})
	require.NoError(t, err)

	ks := sampler(t, g)
	assert.Equal(t, seed, ks.Inputs["seed"])
	assert.Equal(t, 1.0, ks.Inputs["denoise"])
	assert.Equal(t, 20, ks.Inputs["steps"])

	empty, _ := g.Node(g.Find("EmptyLatentImage")[0])
	assert.Equal(t, 512, empty.Inputs["width"], "rounded up to a multiple of 8")
	assert.Equal(t, 768, empty.Inputs["height"])

	texts := g.Find("CLIPTextEncode")
	require.Len(t, texts, 2)
	pos, _ := g.Node(texts[0])
	assert.Equal(t, "a red fox", pos.Inputs["text"])
	assert.Len(t, g.Find("SaveImage"), 1)
}

func TestBuildRefineUsesImage(t *testing.T) {
	d := mustDescriptor(t, job.Descriptor{
		Prompt:   "oil painting",
		Strength: 0.6,
		Image:    &job.InputImage{Path: "canvas.png"},
	})
	g, err := Build(d, preset.Default(), Inputs{Image: "canvas_01.png"})
	require.NoError(t, err)

	assert.Empty(t, g.Find("EmptyLatentImage"))
	load, _ := g.Node(g.Find("LoadImage")[0])
	assert.Equal(t, "canvas_01.png", load.Inputs["image"])
	assert.Equal(t, 0.6, sampler(t, g).Inputs["denoise"])
}

func TestBuildInpaint(t *testing.T) {
	full := mustDescriptor(t, job.Descriptor{
		Kind:  job.KindInpaint,
		Image: &job.InputImage{Path: "i.png"}, Mask: &job.InputImage{Path: "m.png"},
		Region: &job.Bounds{X: 10, Y: 10, Width: 256, Height: 256},
	})
	g, err := Build(full, preset.Default(), Inputs{Image: "i.png", Mask: "m.png"})
	require.NoError(t, err)
	assert.Len(t, g.Find("VAEEncodeForInpaint"), 1)
	assert.Len(t, g.Find("LoadImageMask"), 1)

	// image and mask are resized to the same extent
	scales := g.Find("ImageScale")
	require.Len(t, scales, 2)
	for _, id := range scales {
		n, _ := g.Node(id)
		assert.Equal(t, 256, n.Inputs["width"])
		assert.Equal(t, 256, n.Inputs["height"])
	}
	encode, _ := g.Node(g.Find("VAEEncodeForInpaint")[0])
	require.Len(t, g.Find("ImageToMask"), 1)
	assert.Equal(t, g.Out(g.Find("ImageToMask")[0], 0), encode.Inputs["mask"])
	toImage, _ := g.Node(g.Find("MaskToImage")[0])
	assert.Equal(t, g.Out(g.Find("LoadImageMask")[0], 0), toImage.Inputs["mask"])

	partial := mustDescriptor(t, job.Descriptor{
		Kind: job.KindInpaint, Strength: 0.5,
		Image: &job.InputImage{Path: "i.png"}, Mask: &job.InputImage{Path: "m.png"},
	})
	g, err = Build(partial, preset.Default(), Inputs{Image: "i.png", Mask: "m.png"})
	require.NoError(t, err)
	assert.Empty(t, g.Find("VAEEncodeForInpaint"))
	assert.Len(t, g.Find("SetLatentNoiseMask"), 1)
}

func TestBuildUpscale(t *testing.T) {
	d := mustDescriptor(t, job.Descriptor{Kind: job.KindUpscale, Image: &job.InputImage{Path: "small.png"}})
	g, err := Build(d, preset.Default(), Inputs{Image: "small.png"})
	require.NoError(t, err)
	assert.Len(t, g.Find("ImageUpscaleWithModel"), 1)
	assert.Empty(t, g.Find("KSampler"), "no refine pass at strength 0")
	assert.Empty(t, g.Find("CheckpointLoaderSimple"))

	refine := mustDescriptor(t, job.Descriptor{Kind: job.KindUpscale, Strength: 0.3, Image: &job.InputImage{Path: "small.png"}})
	g, err = Build(refine, preset.Default(), Inputs{Image: "small.png"})
	require.NoError(t, err)
	assert.Equal(t, 0.3, sampler(t, g).Inputs["denoise"])

	p := preset.Default()
	p.UpscaleModel = ""
	_, err = Build(d, p, Inputs{Image: "small.png"})
	assert.ErrorIs(t, err, job.ErrMissingResource)
}

func TestBuildLiveUsesLiveSettings(t *testing.T) {
	d := mustDescriptor(t, job.Descriptor{Kind: job.KindLive, Extent: job.Extent{Width: 512, Height: 512}})
	g, err := Build(d, preset.Default(), Inputs{})
	require.NoError(t, err)
	assert.Equal(t, 6, sampler(t, g).Inputs["steps"])
	assert.Len(t, g.Find("PreviewImage"), 1)
	assert.Empty(t, g.Find("SaveImage"))
}

func TestBuildConditioningChain(t *testing.T) {
	d := mustDescriptor(t, job.Descriptor{
		Extent: job.Extent{Width: 512, Height: 512},
		Conditioning: []job.Conditioning{
			{Type: job.ConditioningDepth, Image: job.InputImage{Path: "depth.png"}, Strength: 0.8},
			{Type: job.ConditioningImage, Image: job.InputImage{Path: "ref.png"}},
			{Type: job.ConditioningScribble, Image: job.InputImage{Path: "lines.png"}},
		},
	})
	g, err := Build(d, preset.Default(), Inputs{Conditioning: []string{"depth.png", "ref.png", "lines.png"}})
	require.NoError(t, err)

	applies := g.Find("ControlNetApplyAdvanced")
	require.Len(t, applies, 2)
	first, _ := g.Node(applies[0])
	second, _ := g.Node(applies[1])
	assert.Equal(t, 0.8, first.Inputs["strength"])
	assert.Equal(t, g.Out(applies[0], 0), second.Inputs["positive"], "controlnets chain")
	assert.Equal(t, g.Out(applies[0], 1), second.Inputs["negative"])

	ipa := g.Find("IPAdapterApply")
	require.Len(t, ipa, 1)
	assert.Equal(t, g.Out(ipa[0], 0), sampler(t, g).Inputs["model"], "sampler uses the patched model")
	assert.Equal(t, g.Out(applies[1], 0), sampler(t, g).Inputs["positive"])
}

func TestBuildMissingControlNet(t *testing.T) {
	d := mustDescriptor(t, job.Descriptor{
		Extent:       job.Extent{Width: 512, Height: 512},
		Conditioning: []job.Conditioning{{Type: job.ConditioningSegmentation, Image: job.InputImage{Path: "seg.png"}}},
	})
	_, err := Build(d, preset.Default(), Inputs{Conditioning: []string{"seg.png"}})
	assert.ErrorIs(t, err, job.ErrMissingResource)

	_, err = Build(d, preset.Default(), Inputs{})
	assert.ErrorIs(t, err, job.ErrInvalidDescriptor)
}

func TestPromptJSON(t *testing.T) {
	g := New()
	a := g.Add("CheckpointLoaderSimple", map[string]interface{}{"ckpt_name": "x"})
	g.Add("CLIPTextEncode", map[string]interface{}{"text": "hi", "clip": g.Out(a, 1)})

	data, err := json.Marshal(g.Prompt("client", "prompt"))
	require.NoError(t, err)

	var decoded struct {
		ClientID string `json:"client_id"`
		PromptID string `json:"prompt_id"`
		Prompt   map[string]struct {
			ClassType string                     `json:"class_type"`
			Inputs    map[string]json.RawMessage `json:"inputs"`
		} `json:"prompt"`
	}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "client", decoded.ClientID)
	assert.Equal(t, "prompt", decoded.PromptID)
	assert.JSONEq(t, `["1", 1]`, string(decoded.Prompt["2"].Inputs["clip"]))

	var out Output
	require.NoError(t, json.Unmarshal(decoded.Prompt["2"].Inputs["clip"], &out))
	assert.Equal(t, Output{Node: "1", Slot: 1}, out)
}
