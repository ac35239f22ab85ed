package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/richinsley/comfyjobs/client"
	"github.com/richinsley/comfyjobs/coordinator"
	"github.com/richinsley/comfyjobs/job"
)

const cliDocument = "cli"

type generateOptions struct {
	kind     string
	prompt   string
	negative string
	width    int
	height   int
	strength float64
	seed     int64
	style    string
	image    string
	mask     string
	outDir   string
}

func newGenerateCommand(a *app) *cobra.Command {
	o := &generateOptions{}
	cmd := &cobra.Command{
		Use:   "generate [prompt]",
		Short: "Run one job against the backend and save its images",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				o.prompt = args[0]
			}
			draft, err := o.descriptor(cmd.Flags())
			if err != nil {
				return err
			}
			return runGenerate(cmd.Context(), a, draft, o.outDir)
		},
	}
	bindGenerateFlags(cmd.Flags(), o)
	return cmd
}

func bindGenerateFlags(f *pflag.FlagSet, o *generateOptions) {
	f.StringVar(&o.kind, "kind", "generate", "Job kind (generate, refine, inpaint, upscale, live)")
	f.StringVarP(&o.prompt, "prompt", "p", "", "Positive prompt")
	f.StringVarP(&o.negative, "negative", "n", "", "Negative prompt")
	f.IntVar(&o.width, "width", 1024, "Output width when generating from scratch")
	f.IntVar(&o.height, "height", 1024, "Output height when generating from scratch")
	f.Float64Var(&o.strength, "strength", 0, "Denoising strength; below 1 refines --image")
	f.Int64Var(&o.seed, "seed", 0, "Sampler seed (random when unset)")
	f.StringVar(&o.style, "style", "", "Preset name")
	f.StringVar(&o.image, "image", "", "Input image")
	f.StringVar(&o.mask, "mask", "", "Inpaint mask")
	f.StringVarP(&o.outDir, "out", "o", ".", "Directory receiving the result images")
}

func (o *generateOptions) descriptor(f *pflag.FlagSet) (job.Descriptor, error) {
	kind, err := job.ParseKind(o.kind)
	if err != nil {
		return job.Descriptor{}, err
	}
	d := job.Descriptor{
		Kind:           kind,
		Prompt:         o.prompt,
		NegativePrompt: o.negative,
		Extent:         job.Extent{Width: o.width, Height: o.height},
		Strength:       o.strength,
		Style:          o.style,
	}
	if o.image != "" {
		d.Image = &job.InputImage{Path: o.image}
	}
	if o.mask != "" {
		d.Mask = &job.InputImage{Path: o.mask}
	}
	if f.Changed("seed") {
		seed := o.seed
		d.Seed = &seed
	}
	return d, nil
}

// runGenerate drives a single-document coordinator through one job. An
// interrupt cancels the job and waits for the backend to settle it.
func runGenerate(ctx context.Context, a *app, draft job.Descriptor, outDir string) error {
	log := a.log
	comfy, err := client.NewComfyClient(a.cfg.Backend, a.cfg.PresetRegistry(), log)
	if err != nil {
		return err
	}
	defer comfy.Close()

	coord, err := coordinator.New(context.Background(), cliDocument, comfy, a.cfg.CoordinatorOptions(), log)
	if err != nil {
		return err
	}
	defer coord.Close()

	notes, unsubscribe := coord.Subscribe()
	defer unsubscribe()

	id, err := coord.Submit(ctx, draft)
	if err != nil {
		return err
	}
	log.Info().Str("job", id).Msg("submitted")

	bar := progressbar.Default(100, "generating")
	interrupted := ctx.Done()
	var last coordinator.Notification
	for last.JobID != id || !last.Status.Terminal() {
		select {
		case n, ok := <-notes:
			if !ok {
				return coordinator.ErrClosed
			}
			if n.JobID != id {
				continue
			}
			last = n
			if n.Kind == coordinator.KindProgress {
				_ = bar.Set(int(n.Progress * 100))
			}
		case <-interrupted:
			interrupted = nil
			log.Warn().Str("job", id).Msg("interrupted, cancelling job")
			cctx, cancel := context.WithTimeout(context.Background(), a.cfg.Queue.CancelTimeout+5*time.Second)
			_, err := coord.Cancel(cctx, id)
			cancel()
			if err != nil {
				return err
			}
		}
	}
	_ = bar.Finish()

	switch last.Status {
	case job.StatusFailed:
		return fmt.Errorf("job failed: %s", last.Error)
	case job.StatusCancelled:
		if len(last.Results) == 0 {
			return errors.New("job cancelled")
		}
	}
	return saveResults(context.Background(), a, comfy, last.Results, outDir)
}

func saveResults(ctx context.Context, a *app, comfy *client.ComfyClient, refs []job.ResultRef, outDir string) error {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return err
	}
	for _, ref := range refs {
		data, err := comfy.FetchImage(ctx, ref)
		if err != nil {
			return err
		}
		path := filepath.Join(outDir, filepath.Base(ref.Filename))
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return err
		}
		ev := a.log.Info().Str("path", path)
		if meta, err := client.GetPngMetadata(bytes.NewReader(data)); err == nil {
			if seed, ok := client.EmbeddedSeed(meta); ok {
				ev = ev.Int64("seed", seed)
			}
		}
		ev.Msg("saved image")
	}
	return nil
}
