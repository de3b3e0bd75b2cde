// SPDX-License-Identifier: MIT
package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"fftserver/internal/audio"
	"fftserver/internal/config"
	"fftserver/internal/tui"
)

func newDevicesCommand(a *app) *cobra.Command {
	var interactive bool
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List audio devices, or pick the live input interactively",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if interactive {
				sel, ok, err := tui.PickDevice()
				if err != nil || !ok {
					return err
				}
				audioCfg := a.cfg.Audio
				audioCfg.InputDevice = sel.DeviceID
				audioCfg.SampleRate = float64(sel.SampleRate)
				data, err := yaml.Marshal(struct {
					Audio config.AudioConfig `yaml:"audio"`
				}{audioCfg})
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "# %s\n%s", sel.Name, data)
				return nil
			}

			devices, err := audio.ListDevices()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tKIND\tIN\tOUT\tRATE")
			for _, d := range devices {
				fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%d\t%.0f\n",
					d.ID, d.Name, d.Kind(), d.MaxInputChannels, d.MaxOutputChannels, d.DefaultSampleRate)
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "Pick the input device and rate, then print an audio config section")
	return cmd
}
