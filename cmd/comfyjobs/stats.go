package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/mem"
	"github.com/spf13/cobra"

	"github.com/richinsley/comfyjobs/client"
)

func newStatsCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show backend devices and local memory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			comfy, err := client.NewComfyClient(a.cfg.Backend, nil, a.log)
			if err != nil {
				return err
			}
			defer comfy.Close()

			stats, err := comfy.GetSystemStats(cmd.Context())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(w, "backend\t%s\n", a.cfg.Backend.URL)
			fmt.Fprintf(w, "os\t%s\n", stats.System.OS)
			fmt.Fprintf(w, "python\t%s\n", stats.System.PythonVersion)
			if stats.System.ComfyUIVersion != "" {
				fmt.Fprintf(w, "comfyui\t%s\n", stats.System.ComfyUIVersion)
			}
			for _, gpu := range stats.Devices {
				fmt.Fprintf(w, "device %d\t%s (%s)\tvram %s free of %s\n", gpu.Index, gpu.Name, gpu.Type,
					humanize.IBytes(uint64(gpu.VRAM_Free)), humanize.IBytes(uint64(gpu.VRAM_Total)))
			}
			// the backend may be remote; local memory is what this process can use for inputs
			if vmem, err := mem.VirtualMemory(); err == nil {
				fmt.Fprintf(w, "local memory\t%s used of %s\n", humanize.IBytes(vmem.Used), humanize.IBytes(vmem.Total))
			} else {
				a.log.Debug().Err(err).Msg("local memory unavailable")
			}
			return w.Flush()
		},
	}
}
