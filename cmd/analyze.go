// SPDX-License-Identifier: MIT
package cmd

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"fftserver/internal/analysis"
	"fftserver/internal/dataserver"
	"fftserver/internal/log"
	"fftserver/internal/source"
	"fftserver/internal/transport"
	"fftserver/internal/tui"
)

type analyzeFlags struct {
	fft            fftFlags
	plain          bool
	follow         bool
	onsetThreshold float64
	onsetRatio     float64
	onsetCooldown  int
}

func newAnalyzeCommand(a *app) *cobra.Command {
	var f analyzeFlags
	cmd := &cobra.Command{
		Use:   "analyze <file.wav>",
		Short: "Fill the spectral cache of a WAV file and print a summary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.analyze(cmd.Context(), cmd.OutOrStdout(), args[0], &f)
		},
	}
	f.fft.register(cmd)
	fs := cmd.Flags()
	fs.BoolVar(&f.plain, "plain", false, "Log progress instead of showing the progress display")
	fs.BoolVar(&f.follow, "follow", false, "Log the peak bin of every column as it is filled (debug level)")
	fs.Float64Var(&f.onsetThreshold, "onset-threshold", 0.05, "Minimum column energy of an onset")
	fs.Float64Var(&f.onsetRatio, "onset-ratio", 1.5, "Minimum energy rise over the previous column for an onset")
	fs.IntVar(&f.onsetCooldown, "onset-cooldown", 4, "Columns to skip after an onset")
	return cmd
}

// summary collects what is printed once a fill completes.
type summary struct {
	bands  *analysis.BandProfile
	onsets *analysis.OnsetDetector
}

func (a *app) analyze(ctx context.Context, out io.Writer, path string, f *analyzeFlags) error {
	cfg, err := a.serverConfig(&f.fft)
	if err != nil {
		return err
	}
	wav, err := source.OpenWAV(path)
	if err != nil {
		return err
	}
	defer wav.Close()

	reg := dataserver.NewRegistry(a.options(), 0)
	defer reg.Close()

	start := time.Now()
	s, err := reg.GetInstance(wav, cfg)
	if err != nil {
		return err
	}
	defer reg.Release(s)

	sum := summary{
		bands:  analysis.NewBandProfile(analysis.DefaultBands(wav.SampleRate()), wav.SampleRate(), cfg.FFTSize, s.Height()),
		onsets: analysis.NewOnsetDetector(f.onsetThreshold, f.onsetRatio, f.onsetCooldown),
	}
	sinks := []transport.ColumnSink{sum.bands, sum.onsets}
	if f.follow {
		sinks = append(sinks, transport.NewLoggingSink(s.ID()))
	}
	follower, err := transport.NewFollower("analyze", a.cfg.Server.StreamInterval, s, transport.Tee(sinks...))
	if err != nil {
		return err
	}
	follower.Start()
	defer follower.Close()

	if f.plain {
		err = waitPlain(ctx, s)
	} else {
		err = tui.RunProgress([]tui.Tracked{s}, []string{path})
	}
	if err != nil {
		return err
	}
	if err := s.FillError(); err != nil {
		return err
	}
	if err := wav.Err(); err != nil {
		return err
	}

	follower.Stop()
	if err := follower.Drain(); err != nil {
		return err
	}
	return printSummary(out, s, sum, time.Since(start))
}

// waitPlain logs progress until s completes, fails or ctx is done.
func waitPlain(ctx context.Context, s *dataserver.Server) error {
	l := log.Component("analyze")
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	last := -1
	for !s.Complete() && s.FillError() == nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if pct := s.FillCompletion(); pct != last {
			l.Info().Int("completion", pct).Int("extent", s.FillExtent()).Int("width", s.Width()).Msg("filling")
			last = pct
		}
	}
	return nil
}

func printSummary(out io.Writer, s *dataserver.Server, sum summary, elapsed time.Duration) error {
	info := s.Info()
	rate := float64(info.SampleRate)
	seconds := func(x int) float64 { return float64(x*info.Increment) / rate }

	peakCol, peak := 0, float32(0)
	for x := range s.Width() {
		if m := s.MaximumMagnitudeAt(x); m > peak {
			peakCol, peak = x, m
		}
	}
	mags := make([]float32, s.Height())
	peakBin := 0
	if s.MagnitudesAt(peakCol, 0, mags) {
		for y, m := range mags {
			if m > mags[peakBin] {
				peakBin = y
			}
		}
	}
	backing := "file"
	if info.InMemory {
		backing = "memory"
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "server\t%s\n", info.ID)
	fmt.Fprintf(w, "model\t%s (%d Hz)\n", info.Model, info.SampleRate)
	fmt.Fprintf(w, "columns\t%d x %d bins\n", info.Width, info.Height)
	fmt.Fprintf(w, "transform\twindow %d, increment %d, fft %d\n", info.WindowSize, info.Increment, info.FFTSize)
	fmt.Fprintf(w, "storage\t%s in %s, %d blocks\n", info.Storage, backing, info.Blocks)
	fmt.Fprintf(w, "elapsed\t%s\n", elapsed.Round(time.Millisecond))
	fmt.Fprintf(w, "peak\t%.4f at column %d (%.2fs), bin %d (%.1f Hz)\n",
		peak, peakCol, seconds(peakCol), peakBin, float64(peakBin)*rate/float64(info.FFTSize))

	for _, b := range sum.bands.Levels() {
		fmt.Fprintf(w, "band %s\t%.4f (%.0f-%.0f Hz, %d bins)\n", b.Name, b.Level, b.LowHz, b.HighHz, b.Bins)
	}
	onsets := sum.onsets.Onsets()
	fmt.Fprintf(w, "onsets\t%d\n", len(onsets))
	for i, x := range onsets[:min(len(onsets), 8)] {
		fmt.Fprintf(w, "onset %d\tcolumn %d (%.2fs)\n", i+1, x, seconds(x))
	}
	return w.Flush()
}
