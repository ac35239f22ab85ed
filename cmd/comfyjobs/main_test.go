package main

import (
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/richinsley/comfyjobs/job"
)

func TestRootCommand_Subcommands(t *testing.T) {
	cmd := newRootCommand()
	for _, name := range []string{"serve", "generate", "stats"} {
		sub, _, err := cmd.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, sub.Name())
	}
	for _, flag := range []string{"config", "verbosity", "backend.url", "queue.capacity", "server.addr"} {
		assert.NotNil(t, cmd.PersistentFlags().Lookup(flag), flag)
	}
}

func TestGenerateOptions_Descriptor(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		wantKind job.Kind
		wantSeed *int64
		wantErr  bool
	}{
		{name: "defaults", wantKind: job.KindGenerate},
		{name: "refine alias", args: []string{"--kind", "refine", "--image", "in.png", "--strength", "0.4"}, wantKind: job.KindGenerate},
		{name: "upscale", args: []string{"--kind", "upscale", "--image", "in.png"}, wantKind: job.KindUpscale},
		{name: "explicit zero seed", args: []string{"--seed", "0"}, wantKind: job.KindGenerate, wantSeed: new(int64)},
		{name: "unknown kind", args: []string{"--kind", "paint"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := &generateOptions{}
			fs := pflag.NewFlagSet("generate", pflag.ContinueOnError)
			bindGenerateFlags(fs, o)
			require.NoError(t, fs.Parse(tt.args))

			d, err := o.descriptor(fs)
			if tt.wantErr {
				assert.ErrorIs(t, err, job.ErrInvalidDescriptor)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantKind, d.Kind)
			assert.Equal(t, tt.wantSeed, d.Seed)
			assert.Equal(t, job.Extent{Width: 1024, Height: 1024}, d.Extent)
			_, err = job.NewDescriptor(d)
			assert.NoError(t, err)
		})
	}
}
