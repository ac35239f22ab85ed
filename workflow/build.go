package workflow

import (
	"fmt"
	"math/rand"

	"github.com/richinsley/comfyjobs/job"
	"github.com/richinsley/comfyjobs/preset"
)

// Inputs are the server-side names of images uploaded for a descriptor.
type Inputs struct {
	Image        string
	Mask         string
	Conditioning []string // parallel to Descriptor.Conditioning
}

const filenamePrefix = "comfyjobs"

type builder struct {
	g      *Graph
	d      job.Descriptor
	p      preset.Preset
	in     Inputs
	model  Output
	clip   Output
	vae    Output
	loaded bool
}

// Build creates the prompt graph for d using the models of p.
func Build(d job.Descriptor, p preset.Preset, in Inputs) (*Graph, error) {
	if len(in.Conditioning) != len(d.Conditioning) {
		return nil, fmt.Errorf("%w: %d conditioning images uploaded for %d inputs",
			job.ErrInvalidDescriptor, len(in.Conditioning), len(d.Conditioning))
	}
	b := &builder{g: New(), d: d, p: p, in: in}
	var err error
	switch d.Kind {
	case job.KindGenerate, "":
		err = b.generate(p.Steps, p.CFG, "SaveImage")
	case job.KindLive:
		err = b.generate(p.LiveSteps, p.LiveCFG, "PreviewImage")
	case job.KindInpaint:
		err = b.inpaint()
	case job.KindUpscale:
		err = b.upscale()
	default:
		err = fmt.Errorf("%w: unsupported kind %q", job.ErrInvalidDescriptor, d.Kind)
	}
	if err != nil {
		return nil, err
	}
	return b.g, nil
}

func (b *builder) checkpoint() {
	if b.loaded {
		return
	}
	ckpt := b.g.Add("CheckpointLoaderSimple", map[string]interface{}{
		"ckpt_name": b.p.Checkpoint,
	})
	b.model, b.clip, b.vae = b.g.Out(ckpt, 0), b.g.Out(ckpt, 1), b.g.Out(ckpt, 2)
	if b.p.VAE != "" {
		vae := b.g.Add("VAELoader", map[string]interface{}{"vae_name": b.p.VAE})
		b.vae = b.g.Out(vae, 0)
	}
	b.loaded = true
}

func (b *builder) encodeText(text string) Output {
	id := b.g.Add("CLIPTextEncode", map[string]interface{}{
		"text": text,
		"clip": b.clip,
	})
	return b.g.Out(id, 0)
}

func (b *builder) loadImage(name string) Output {
	id := b.g.Add("LoadImage", map[string]interface{}{"image": name})
	return b.g.Out(id, 0)
}

func (b *builder) loadMask(name string) Output {
	id := b.g.Add("LoadImageMask", map[string]interface{}{"image": name, "channel": "alpha"})
	return b.g.Out(id, 0)
}

// conditioning applies ControlNet and IP-Adapter inputs in descriptor order.
func (b *builder) conditioning() (positive, negative Output, err error) {
	positive = b.encodeText(b.d.Prompt)
	negative = b.encodeText(b.d.NegativePrompt)
	for i, c := range b.d.Conditioning {
		model, err := b.p.ControlNet(c.Type)
		if err != nil {
			return Output{}, Output{}, err
		}
		strength := c.Strength
		if strength == 0 {
			strength = 1
		}
		image := b.loadImage(b.in.Conditioning[i])
		if c.Type == job.ConditioningImage {
			ipa := b.g.Add("IPAdapterModelLoader", map[string]interface{}{"ipadapter_file": model})
			vision := b.g.Add("CLIPVisionLoader", map[string]interface{}{"clip_name": b.p.ClipVision})
			apply := b.g.Add("IPAdapterApply", map[string]interface{}{
				"ipadapter":   b.g.Out(ipa, 0),
				"clip_vision": b.g.Out(vision, 0),
				"image":       image,
				"model":       b.model,
				"weight":      strength,
				"noise":       0.0,
				"weight_type": "original",
				"start_at":    0.0,
				"end_at":      1.0,
			})
			b.model = b.g.Out(apply, 0)
			continue
		}
		loader := b.g.Add("ControlNetLoader", map[string]interface{}{"control_net_name": model})
		apply := b.g.Add("ControlNetApplyAdvanced", map[string]interface{}{
			"positive":      positive,
			"negative":      negative,
			"control_net":   b.g.Out(loader, 0),
			"image":         image,
			"strength":      strength,
			"start_percent": 0.0,
			"end_percent":   1.0,
		})
		positive, negative = b.g.Out(apply, 0), b.g.Out(apply, 1)
	}
	return positive, negative, nil
}

func (b *builder) sample(latent Output, steps int, cfg, denoise float64) (Output, error) {
	positive, negative, err := b.conditioning()
	if err != nil {
		return Output{}, err
	}
	id := b.g.Add("KSampler", map[string]interface{}{
		"model":        b.model,
		"seed":         b.seed(),
		"steps":        steps,
		"cfg":          cfg,
		"sampler_name": b.p.Sampler,
		"scheduler":    b.p.Scheduler,
		"positive":     positive,
		"negative":     negative,
		"latent_image": latent,
		"denoise":      denoise,
	})
	return b.g.Out(id, 0), nil
}

func (b *builder) decodeAndSave(samples Output, output string) {
	decode := b.g.Add("VAEDecode", map[string]interface{}{"samples": samples, "vae": b.vae})
	inputs := map[string]interface{}{"images": b.g.Out(decode, 0)}
	if output == "SaveImage" {
		inputs["filename_prefix"] = filenamePrefix
	}
	b.g.Add(output, inputs)
}

func (b *builder) generate(steps int, cfg float64, output string) error {
	b.checkpoint()
	var latent Output
	if b.d.Strength < 1 && b.in.Image != "" {
		encode := b.g.Add("VAEEncode", map[string]interface{}{
			"pixels": b.scaled(b.loadImage(b.in.Image)),
			"vae":    b.vae,
		})
		latent = b.g.Out(encode, 0)
	} else {
		extent := b.extent()
		empty := b.g.Add("EmptyLatentImage", map[string]interface{}{
			"width":      extent.Width,
			"height":     extent.Height,
			"batch_size": 1,
		})
		latent = b.g.Out(empty, 0)
	}
	samples, err := b.sample(latent, steps, cfg, b.d.Strength)
	if err != nil {
		return err
	}
	b.decodeAndSave(samples, output)
	return nil
}

func (b *builder) inpaint() error {
	b.checkpoint()
	pixels := b.scaled(b.loadImage(b.in.Image))
	mask := b.scaledMask(b.loadMask(b.in.Mask))
	var latent Output
	if b.d.Strength >= 1 {
		encode := b.g.Add("VAEEncodeForInpaint", map[string]interface{}{
			"pixels":       pixels,
			"vae":          b.vae,
			"mask":         mask,
			"grow_mask_by": 8,
		})
		latent = b.g.Out(encode, 0)
	} else {
		encode := b.g.Add("VAEEncode", map[string]interface{}{"pixels": pixels, "vae": b.vae})
		masked := b.g.Add("SetLatentNoiseMask", map[string]interface{}{
			"samples": b.g.Out(encode, 0),
			"mask":    mask,
		})
		latent = b.g.Out(masked, 0)
	}
	samples, err := b.sample(latent, b.p.Steps, b.p.CFG, b.d.Strength)
	if err != nil {
		return err
	}
	b.decodeAndSave(samples, "SaveImage")
	return nil
}

func (b *builder) upscale() error {
	if b.p.UpscaleModel == "" {
		return fmt.Errorf("%w: preset %q has no upscale model", job.ErrMissingResource, b.p.Name)
	}
	loader := b.g.Add("UpscaleModelLoader", map[string]interface{}{"model_name": b.p.UpscaleModel})
	upscaled := b.g.Add("ImageUpscaleWithModel", map[string]interface{}{
		"upscale_model": b.g.Out(loader, 0),
		"image":         b.loadImage(b.in.Image),
	})
	pixels := b.scaled(b.g.Out(upscaled, 0))

	if b.d.Strength <= 0 {
		b.g.Add("SaveImage", map[string]interface{}{
			"images":          pixels,
			"filename_prefix": filenamePrefix,
		})
		return nil
	}

	// refine pass over the upscaled image
	b.checkpoint()
	encode := b.g.Add("VAEEncode", map[string]interface{}{"pixels": pixels, "vae": b.vae})
	samples, err := b.sample(b.g.Out(encode, 0), b.p.Steps, b.p.CFG, b.d.Strength)
	if err != nil {
		return err
	}
	b.decodeAndSave(samples, "SaveImage")
	return nil
}

// scaled resizes pixels to the output extent when the host gave one.
func (b *builder) scaled(pixels Output) Output {
	extent := b.d.OutputExtent()
	if extent.Width <= 0 || extent.Height <= 0 {
		return pixels
	}
	extent = align(extent)
	id := b.g.Add("ImageScale", map[string]interface{}{
		"image":          pixels,
		"upscale_method": "lanczos",
		"width":          extent.Width,
		"height":         extent.Height,
		"crop":           "disabled",
	})
	return b.g.Out(id, 0)
}

// scaledMask resizes a mask to the same extent as scaled. Masks have no
// resize node of their own, so they go through an image and back.
func (b *builder) scaledMask(mask Output) Output {
	extent := b.d.OutputExtent()
	if extent.Width <= 0 || extent.Height <= 0 {
		return mask
	}
	image := b.g.Add("MaskToImage", map[string]interface{}{"mask": mask})
	back := b.g.Add("ImageToMask", map[string]interface{}{
		"image":   b.scaled(b.g.Out(image, 0)),
		"channel": "red",
	})
	return b.g.Out(back, 0)
}

func (b *builder) extent() job.Extent {
	return align(b.d.OutputExtent())
}

func (b *builder) seed() int64 {
	if b.d.Seed != nil {
		return *b.d.Seed
	}
	return rand.Int63n(1 << 32)
}

// align rounds up to the multiple of 8 latent space requires.
func align(e job.Extent) job.Extent {
	return job.Extent{Width: (e.Width + 7) / 8 * 8, Height: (e.Height + 7) / 8 * 8}
}
