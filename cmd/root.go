// SPDX-License-Identifier: MIT

// Package cmd implements the fftserver command line.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"fftserver/internal/config"
	"fftserver/internal/dataserver"
	"fftserver/internal/fft"
	"fftserver/internal/log"
	"fftserver/internal/storage"
	"fftserver/pkg/build"
)

// app carries state shared by every subcommand.
type app struct {
	configPath string
	logLevel   string
	logFormat  string
	cfg        *config.Config
}

// NewRootCommand builds the command tree.
func NewRootCommand() *cobra.Command {
	buildInfo := build.GetBuildFlags()
	a := &app{}

	rootCmd := &cobra.Command{
		Use:           buildInfo.Name,
		Short:         buildInfo.Description,
		Version:       buildInfo.String(),
		SilenceErrors: true,
		SilenceUsage:  true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd:   true,
			DisableDescriptions: true,
			DisableNoDescFlag:   true,
			HiddenDefaultCmd:    true,
		},
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load()
		},
	}
	rootCmd.SetHelpCommand(&cobra.Command{Hidden: true})

	rootCmd.PersistentFlags().StringVarP(&a.configPath, "config", "C", "",
		"Config file (default: $"+config.ConfigPathEnvVar+", then ./fftserver.yaml)")
	rootCmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "",
		"Log level: debug, info, warn, error (overrides log.level)")
	rootCmd.PersistentFlags().StringVar(&a.logFormat, "log-format", "",
		"Log format: console or json (overrides log.format)")

	rootCmd.AddCommand(
		newAnalyzeCommand(a),
		newServeCommand(a),
		newAdviseCommand(a),
		newDevicesCommand(a),
		newConfigCommand(a),
	)
	return rootCmd
}

// Execute runs the command line with ctx cancelled on shutdown signals.
func Execute(ctx context.Context) error {
	rootCmd := NewRootCommand()
	rootCmd.SetArgs(os.Args[1:])
	return rootCmd.ExecuteContext(ctx)
}

func (a *app) load() error {
	cfg, err := config.LoadConfig(a.configPath)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	if a.logFormat != "" {
		cfg.Log.Format = a.logFormat
	}
	log.Init(log.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	a.cfg = cfg
	return nil
}

// fftFlags overrides the fft section of the configuration.
type fftFlags struct {
	kernel      string
	window      string
	windowSize  int
	increment   int
	fftSize     int
	channel     int
	rectangular bool
}

func (f *fftFlags) register(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVar(&f.kernel, "kernel", "", "FFT kernel: gonum or godsp")
	fs.StringVarP(&f.window, "window", "w", "", "Window function, e.g. hann, hamming, blackman, rectangular")
	fs.IntVar(&f.windowSize, "window-size", 0, "Window size in frames")
	fs.IntVarP(&f.increment, "increment", "i", 0, "Window increment in frames")
	fs.IntVarP(&f.fftSize, "fft-size", "n", 0, "FFT size (power of two for the gonum kernel)")
	fs.IntVar(&f.channel, "channel", -2, "Channel to analyse, -1 for the mix of all channels")
	fs.BoolVar(&f.rectangular, "rectangular", false, "Store real/imaginary parts instead of magnitude/phase")
}

// serverConfig merges the flags into the configured transform.
func (a *app) serverConfig(f *fftFlags) (dataserver.Config, error) {
	c := a.cfg.FFT
	if f.kernel != "" {
		c.Kernel = f.kernel
	}
	if f.window != "" {
		c.Window = f.window
	}
	if f.windowSize > 0 {
		c.WindowSize = f.windowSize
	}
	if f.increment > 0 {
		c.Increment = f.increment
	}
	if f.fftSize > 0 {
		c.FFTSize = f.fftSize
	}
	if f.channel >= -1 {
		c.Channel = f.channel
	}
	if f.rectangular {
		c.Polar = false
	}

	kernel, err := fft.ParseKernel(c.Kernel)
	if err != nil {
		return dataserver.Config{}, err
	}
	window, err := fft.ParseWindowFunc(c.Window)
	if err != nil {
		return dataserver.Config{}, err
	}
	criteria, err := storage.ParseCriteria(a.cfg.Cache.Criteria)
	if err != nil {
		return dataserver.Config{}, err
	}
	if c.WindowSize > c.FFTSize {
		return dataserver.Config{}, fmt.Errorf("window size %d exceeds FFT size %d", c.WindowSize, c.FFTSize)
	}
	return dataserver.Config{
		Channel:    c.Channel,
		Window:     window,
		WindowSize: c.WindowSize,
		Increment:  c.Increment,
		FFTSize:    c.FFTSize,
		Polar:      c.Polar,
		Kernel:     kernel,
		Criteria:   criteria,
	}, nil
}

// options builds server storage options from the cache section.
func (a *app) options() dataserver.Options {
	c := a.cfg.Cache
	if c.ScratchDir == "" {
		c.ScratchDir = os.TempDir()
	}
	budget := storage.Budget{Memory: c.MemoryBudget, Disk: c.DiskBudget}
	return dataserver.Options{
		ScratchDir:      c.ScratchDir,
		BlockWidthPower: c.BlockWidthPower,
		AutoClose:       c.AutoClose,
		Advisor:         storage.NewAdvisor(storage.SystemEnvironment{}, budget, c.ScratchDir),
	}
}
