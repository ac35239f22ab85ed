package job

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Kind string

const (
	KindGenerate Kind = "generate"
	KindInpaint  Kind = "inpaint"
	KindUpscale  Kind = "upscale"
	KindLive     Kind = "live"
)

// ParseKind accepts the kind names used by the host. "refine" is what the
// editor calls a generate with strength below 1 on an existing image.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "generate", "refine":
		return KindGenerate, nil
	case "inpaint":
		return KindInpaint, nil
	case "upscale":
		return KindUpscale, nil
	case "live":
		return KindLive, nil
	}
	return "", fmt.Errorf("%w: unknown kind %q", ErrInvalidDescriptor, s)
}

// InputImage references a host-owned image, typically a PNG the editor wrote to disk.
type InputImage struct {
	Path string `json:"path"`
}

func (i *InputImage) Empty() bool {
	return i == nil || i.Path == ""
}

type ConditioningType string

const (
	ConditioningScribble     ConditioningType = "scribble"
	ConditioningLineArt      ConditioningType = "lineart"
	ConditioningSoftEdge     ConditioningType = "softedge"
	ConditioningCanny        ConditioningType = "canny"
	ConditioningDepth        ConditioningType = "depth"
	ConditioningPose         ConditioningType = "pose"
	ConditioningSegmentation ConditioningType = "segmentation"
	// ConditioningImage is an IP-Adapter reference image rather than a ControlNet input.
	ConditioningImage ConditioningType = "image"
)

func (t ConditioningType) Valid() bool {
	switch t {
	case ConditioningScribble, ConditioningLineArt, ConditioningSoftEdge, ConditioningCanny,
		ConditioningDepth, ConditioningPose, ConditioningSegmentation, ConditioningImage:
		return true
	}
	return false
}

type Conditioning struct {
	Type     ConditioningType `json:"type"`
	Image    InputImage       `json:"image"`
	Strength float64          `json:"strength"`
}

// Descriptor describes one generation request. It is created once with
// NewDescriptor and never modified afterwards; hand out copies with Clone.
type Descriptor struct {
	ID             string         `json:"id"`
	Kind           Kind           `json:"kind"`
	Prompt         string         `json:"prompt"`
	NegativePrompt string         `json:"negative_prompt,omitempty"`
	Region         *Bounds        `json:"region,omitempty"`
	Extent         Extent         `json:"extent"`
	Strength       float64        `json:"strength"`
	Image          *InputImage    `json:"image,omitempty"`
	Mask           *InputImage    `json:"mask,omitempty"`
	Conditioning   []Conditioning `json:"conditioning,omitempty"`
	Seed           *int64         `json:"seed,omitempty"`
	Style          string         `json:"style,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// NewDescriptor validates d, assigns it a fresh id and creation time and
// returns a deep copy detached from the caller's slices and pointers.
func NewDescriptor(d Descriptor) (Descriptor, error) {
	kind, err := ParseKind(string(d.Kind))
	if err != nil {
		return Descriptor{}, err
	}
	d.Kind = kind
	if d.Strength == 0 && d.Kind != KindUpscale {
		d.Strength = 1
	}
	if err := d.Validate(); err != nil {
		return Descriptor{}, err
	}
	out := d.Clone()
	out.ID = uuid.New().String()
	out.CreatedAt = time.Now()
	return out, nil
}

func (d Descriptor) Validate() error {
	if _, err := ParseKind(string(d.Kind)); err != nil {
		return err
	}
	if d.Strength < 0 || d.Strength > 1 {
		return fmt.Errorf("%w: strength %v out of range [0,1]", ErrInvalidDescriptor, d.Strength)
	}
	if d.Region != nil && d.Region.Empty() {
		return fmt.Errorf("%w: empty region %s", ErrInvalidDescriptor, d.Region)
	}
	switch d.Kind {
	case KindGenerate, KindLive:
		if d.Strength < 1 && d.Image.Empty() {
			return fmt.Errorf("%w: strength below 1 requires an input image", ErrInvalidDescriptor)
		}
		if d.Image.Empty() && d.Extent.Width <= 0 && d.Region == nil {
			return fmt.Errorf("%w: generate requires a canvas extent or region", ErrInvalidDescriptor)
		}
	case KindInpaint:
		if d.Image.Empty() || d.Mask.Empty() {
			return fmt.Errorf("%w: inpaint requires an image and a mask", ErrInvalidDescriptor)
		}
	case KindUpscale:
		if d.Image.Empty() {
			return fmt.Errorf("%w: upscale requires an image", ErrInvalidDescriptor)
		}
	}
	for i, c := range d.Conditioning {
		if !c.Type.Valid() {
			return fmt.Errorf("%w: conditioning %d has unknown type %q", ErrInvalidDescriptor, i, c.Type)
		}
		if c.Image.Path == "" {
			return fmt.Errorf("%w: conditioning %d has no image", ErrInvalidDescriptor, i)
		}
		if c.Strength < 0 || c.Strength > 2 {
			return fmt.Errorf("%w: conditioning %d strength %v out of range", ErrInvalidDescriptor, i, c.Strength)
		}
	}
	return nil
}

// Clone returns a deep copy.
func (d Descriptor) Clone() Descriptor {
	out := d
	if d.Region != nil {
		r := *d.Region
		out.Region = &r
	}
	if d.Image != nil {
		i := *d.Image
		out.Image = &i
	}
	if d.Mask != nil {
		m := *d.Mask
		out.Mask = &m
	}
	if d.Seed != nil {
		s := *d.Seed
		out.Seed = &s
	}
	if d.Conditioning != nil {
		out.Conditioning = append([]Conditioning(nil), d.Conditioning...)
	}
	return out
}

// Target is the region the job writes to. Nil means the whole canvas.
func (d Descriptor) Target() *Bounds {
	if d.Region == nil {
		return nil
	}
	r := *d.Region
	return &r
}

// OutputExtent is the size of the image the backend should produce.
func (d Descriptor) OutputExtent() Extent {
	if d.Region != nil {
		return d.Region.Extent()
	}
	return d.Extent
}
