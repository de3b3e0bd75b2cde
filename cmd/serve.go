// SPDX-License-Identifier: MIT
package cmd

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/thejerf/suture/v4"

	"fftserver/internal/api"
	"fftserver/internal/audio"
	"fftserver/internal/dataserver"
	"fftserver/internal/log"
	"fftserver/internal/source"
	"fftserver/internal/supervisor"
	"fftserver/internal/transport/udp"
)

type serveFlags struct {
	fft        fftFlags
	addr       string
	live       bool
	record     string
	streamRate float64
	udp        bool
}

func newServeCommand(a *app) *cobra.Command {
	var f serveFlags
	cmd := &cobra.Command{
		Use:   "serve [file.wav...]",
		Short: "Serve spectral data over HTTP, websockets and UDP",
		Long: "Serve builds one data server per WAV file, and one for the live input\n" +
			"with --live, then exposes them over the HTTP API until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && !f.live {
				return errors.New("nothing to serve: give WAV files or --live")
			}
			if f.record != "" && !f.live {
				return errors.New("--record requires --live")
			}
			return a.serve(cmd.Context(), args, &f)
		},
	}
	f.fft.register(cmd)
	fs := cmd.Flags()
	fs.StringVar(&f.addr, "addr", "", "HTTP listen address (overrides server.http_addr)")
	fs.BoolVar(&f.live, "live", false, "Serve the configured audio input device")
	fs.StringVar(&f.record, "record", "", "Also write the live input to this WAV file")
	fs.Float64Var(&f.streamRate, "stream-rate", 0, "Columns per second per websocket client, 0 for unlimited")
	fs.BoolVar(&f.udp, "udp", false, "Publish columns as UDP packets (overrides server.udp_enabled)")
	return cmd
}

func (a *app) serve(ctx context.Context, paths []string, f *serveFlags) error {
	l := log.Component("serve")
	cfg, err := a.serverConfig(&f.fft)
	if err != nil {
		return err
	}

	reg := dataserver.NewRegistry(a.options(), a.cfg.Cache.LimboSize)
	defer reg.Close()
	tree := supervisor.NewTree(supervisor.DefaultTreeConfig())

	var servers []*dataserver.Server
	for _, path := range paths {
		wav, err := source.OpenWAV(path)
		if err != nil {
			return err
		}
		defer wav.Close()
		s, err := reg.GetInstance(wav, cfg)
		if err != nil {
			return err
		}
		servers = append(servers, s)
		l.Info().Str("server", s.ID()).Str("file", path).Int("width", s.Width()).Msg("serving file")
	}

	if f.live {
		s, err := a.serveLive(tree, reg, cfg, f.record)
		if err != nil {
			return err
		}
		servers = append(servers, s)
	}

	handler := api.New(reg, a.cfg.Server.StreamInterval, f.streamRate)
	defer handler.Close()
	addr := a.cfg.Server.HTTPAddr
	if f.addr != "" {
		addr = f.addr
	}
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           handler.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	tree.AddOutput(supervisor.NewHTTPService("http", httpServer, 0))
	l.Info().Str("addr", addr).Int("servers", len(servers)).Msg("http api listening")

	if f.udp || a.cfg.Server.UDPEnabled {
		for _, s := range servers {
			sender, err := udp.NewUDPSender(a.cfg.Server.UDPTarget)
			if err != nil {
				return err
			}
			pub, err := udp.NewPublisher(a.cfg.Server.UDPInterval, sender, s)
			if err != nil {
				sender.Close()
				return err
			}
			defer pub.Close()
			tree.AddOutput(pub)
		}
		l.Info().Str("target", a.cfg.Server.UDPTarget).Msg("udp publishing enabled")
	}

	if err := tree.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	if report, err := tree.UnstoppedServiceReport(); err == nil && len(report) > 0 {
		for _, svc := range report {
			l.Warn().Str("service", svc.Name).Msg("service did not stop in time")
		}
	}
	l.Info().Msg("shut down")
	return nil
}

// serveLive starts the configured input capture under tree and returns
// the data server built on it.
func (a *app) serveLive(tree *supervisor.Tree, reg *dataserver.Registry, cfg dataserver.Config, record string) (*dataserver.Server, error) {
	ac := a.cfg.Audio
	capture, err := audio.NewCapture(audio.CaptureConfig{
		ID:              "live",
		DeviceID:        ac.InputDevice,
		SampleRate:      int(ac.SampleRate),
		Channels:        ac.Channels,
		FramesPerBuffer: ac.FramesPerBuffer,
		Seconds:         float64(ac.CaptureSeconds),
		LowLatency:      ac.LowLatency,
		GateThreshold:   ac.GateThreshold,
		RecordPath:      record,
	})
	if err != nil {
		return nil, err
	}
	s, err := reg.GetInstance(capture.Model(), cfg)
	if err != nil {
		capture.Close()
		return nil, err
	}
	tree.AddSource(supervisor.FuncService{
		Name: capture.String(),
		Run: func(ctx context.Context) error {
			err := capture.Serve(ctx)
			if errors.Is(err, audio.ErrCaptureComplete) {
				capture.Close()
				return suture.ErrDoNotRestart
			}
			if err != nil && ctx.Err() != nil {
				capture.Close()
			}
			return err
		},
	})
	l := log.Component("serve")
	l.Info().
		Str("server", s.ID()).
		Int("device", ac.InputDevice).
		Int("seconds", ac.CaptureSeconds).
		Msg("serving live input")
	return s, nil
}
