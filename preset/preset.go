// Package preset holds the style presets a descriptor can refer to: which
// checkpoint, sampler and auxiliary models the backend should use.
package preset

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sahilm/fuzzy"

	"github.com/richinsley/comfyjobs/job"
)

type Preset struct {
	Name       string  `koanf:"name" json:"name"`
	Checkpoint string  `koanf:"checkpoint" json:"checkpoint"`
	VAE        string  `koanf:"vae" json:"vae,omitempty"`
	Sampler    string  `koanf:"sampler" json:"sampler"`
	Scheduler  string  `koanf:"scheduler" json:"scheduler"`
	Steps      int     `koanf:"steps" json:"steps"`
	CFG        float64 `koanf:"cfg" json:"cfg"`
	// LiveSteps and LiveCFG apply to live painting, which trades quality for latency.
	LiveSteps    int     `koanf:"live_steps" json:"live_steps"`
	LiveCFG      float64 `koanf:"live_cfg" json:"live_cfg"`
	UpscaleModel string  `koanf:"upscale_model" json:"upscale_model,omitempty"`
	// ControlNets maps a conditioning type to a ControlNet model file.
	ControlNets map[string]string `koanf:"controlnets" json:"controlnets,omitempty"`
	IPAdapter   string            `koanf:"ip_adapter" json:"ip_adapter,omitempty"`
	ClipVision  string            `koanf:"clip_vision" json:"clip_vision,omitempty"`
}

func Default() Preset {
	return Preset{
		Name:         "default",
		Checkpoint:   "v1-5-pruned-emaonly.safetensors",
		Sampler:      "dpmpp_2m",
		Scheduler:    "karras",
		Steps:        20,
		CFG:          7,
		LiveSteps:    6,
		LiveCFG:      1.8,
		UpscaleModel: "4x_NMKD-Superscale-SP_178000_G.pth",
		ControlNets: map[string]string{
			string(job.ConditioningScribble): "control_v11p_sd15_scribble.pth",
			string(job.ConditioningLineArt):  "control_v11p_sd15_lineart.pth",
			string(job.ConditioningSoftEdge): "control_v11p_sd15_softedge.pth",
			string(job.ConditioningCanny):    "control_v11p_sd15_canny.pth",
			string(job.ConditioningDepth):    "control_v11f1p_sd15_depth.pth",
			string(job.ConditioningPose):     "control_v11p_sd15_openpose.pth",
		},
		IPAdapter:  "ip-adapter_sd15.safetensors",
		ClipVision: "clip-vision_vit-h.safetensors",
	}
}

// ControlNet returns the model for a conditioning type.
func (p Preset) ControlNet(t job.ConditioningType) (string, error) {
	if t == job.ConditioningImage {
		if p.IPAdapter == "" || p.ClipVision == "" {
			return "", fmt.Errorf("%w: preset %q has no IP-Adapter models", job.ErrMissingResource, p.Name)
		}
		return p.IPAdapter, nil
	}
	model, ok := p.ControlNets[string(t)]
	if !ok || model == "" {
		return "", fmt.Errorf("%w: preset %q has no ControlNet model for %s", job.ErrMissingResource, p.Name, t)
	}
	return model, nil
}

// Registry looks presets up by name. Unknown names fall back to the closest
// fuzzy match, so "anime" finds "Anime Lineart XL".
type Registry struct {
	presets []Preset
	def     string
}

// NewRegistry builds a registry. The first preset is the default; an empty
// list yields a registry holding only Default().
func NewRegistry(presets ...Preset) *Registry {
	if len(presets) == 0 {
		presets = []Preset{Default()}
	}
	r := &Registry{def: presets[0].Name}
	for _, p := range presets {
		r.presets = append(r.presets, p.withDefaults())
	}
	return r
}

// Lookup resolves a style reference. An empty style selects the default preset.
func (r *Registry) Lookup(style string) (Preset, error) {
	if strings.TrimSpace(style) == "" {
		style = r.def
	}
	for _, p := range r.presets {
		if strings.EqualFold(p.Name, style) {
			return p, nil
		}
	}
	matches := fuzzy.FindFrom(style, r)
	if len(matches) == 0 {
		return Preset{}, fmt.Errorf("%w: no preset matches style %q", job.ErrMissingResource, style)
	}
	return r.presets[matches[0].Index], nil
}

// Names returns preset names sorted alphabetically.
func (r *Registry) Names() []string {
	names := make([]string, len(r.presets))
	for i, p := range r.presets {
		names[i] = p.Name
	}
	sort.Strings(names)
	return names
}

// String and Len implement fuzzy.Source.
func (r *Registry) String(i int) string { return r.presets[i].Name }
func (r *Registry) Len() int { return len(r.presets) }

func (p Preset) withDefaults() Preset {
	def := Default()
	if p.Sampler == "" {
		p.Sampler = def.Sampler
	}
	if p.Scheduler == "" {
		p.Scheduler = def.Scheduler
	}
	if p.Steps <= 0 {
		p.Steps = def.Steps
	}
	if p.CFG <= 0 {
		p.CFG = def.CFG
	}
	if p.LiveSteps <= 0 {
		p.LiveSteps = def.LiveSteps
	}
	if p.LiveCFG <= 0 {
		p.LiveCFG = def.LiveCFG
	}
	return p
}
