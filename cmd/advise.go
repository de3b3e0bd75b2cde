// SPDX-License-Identifier: MIT
package cmd

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"fftserver/internal/storage"
)

func newAdviseCommand(a *app) *cobra.Command {
	var (
		flags      fftFlags
		seconds    float64
		frames     int
		sampleRate int
	)
	cmd := &cobra.Command{
		Use:   "advise",
		Short: "Show where the cache of a model of the given length would be placed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.serverConfig(&flags)
			if err != nil {
				return err
			}
			if frames <= 0 {
				frames = int(seconds * float64(sampleRate))
			}
			if frames <= 0 {
				return errors.New("give a positive --frames or --seconds")
			}

			width, height := cfg.Dimensions(frames)
			full, compact := storage.Footprint(width, height, 1)
			rec := a.options().Advisor.Recommend(width, height, 1, cfg.Criteria)

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(w, "frames\t%d\n", frames)
			fmt.Fprintf(w, "columns\t%d x %d bins\n", width, height)
			fmt.Fprintf(w, "full\t%s\n", formatBytes(full))
			fmt.Fprintf(w, "compact\t%s\n", formatBytes(compact))
			fmt.Fprintf(w, "criteria\t%s\n", cfg.Criteria)
			fmt.Fprintf(w, "placement\t%s\n", rec.Placement())
			return w.Flush()
		},
	}
	flags.register(cmd)
	cmd.Flags().Float64Var(&seconds, "seconds", 60, "Model length in seconds")
	cmd.Flags().IntVar(&frames, "frames", 0, "Model length in frames (overrides --seconds)")
	cmd.Flags().IntVar(&sampleRate, "sample-rate", 44100, "Sample rate used with --seconds")
	return cmd
}

func formatBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
