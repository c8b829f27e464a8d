// Runs a WebTorrent tracker on the servers described by a JSON configuration file.
//
// Example run:
// $ go run ./cmd/wstracker config.json
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/alexflint/go-arg"
	"github.com/anacrolix/envpprof"
	app "github.com/anacrolix/gostdapp"
	"github.com/anacrolix/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/anacrolix/wstracker/config"
	"github.com/anacrolix/wstracker/server"
	"github.com/anacrolix/wstracker/tracker"
	"github.com/anacrolix/wstracker/version"
)

var flags = struct {
	Config string `arg:"positional" help:"configuration file, config.json in the working directory if it exists when omitted"`
	Index  string `default:"index.html" help:"page served at /, if it exists"`
	Debug  bool   `help:"log debug messages"`
}{}

func main() {
	app.RunContext(mainErr)
}

func mainErr(ctx context.Context) error {
	defer envpprof.Stop()
	arg.MustParse(&flags)
	logger := log.Default.WithNames("wstracker")
	if !flags.Debug {
		logger = logger.FilterLevel(log.Info)
	}
	cfg, err := config.Load(flags.Config)
	if err != nil {
		return err
	}
	if len(cfg.Servers) == 0 {
		return errors.New("no servers configured")
	}
	index, err := os.ReadFile(flags.Index)
	if errors.Is(err, fs.ErrNotExist) {
		index = nil
	} else if err != nil {
		return fmt.Errorf("reading index: %w", err)
	}
	cfg.Tracker.Logger = logger.WithNames("tracker")
	tr := tracker.New(cfg.Tracker)
	servers := make([]*server.Server, 0, len(cfg.Servers))
	for _, settings := range cfg.Servers {
		s, err := server.New(tr, settings, cfg.Access, logger.WithNames("server", settings.Addr()))
		if err != nil {
			return fmt.Errorf("creating server %v: %w", settings.Addr(), err)
		}
		servers = append(servers, s)
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		server.NewMetricsCollector(tr, servers),
	)
	endpoints := (&server.Endpoints{
		Tracker:   tr,
		Servers:   servers,
		IndexHTML: index,
		Gatherer:  reg,
	}).Handler()
	for _, s := range servers {
		s.HTTPHandler = endpoints
	}
	logger.WithDefaultLevel(log.Info).Printf(
		"%v starting %v servers, max offers %v, announce interval %vs",
		version.DefaultServerHeader, len(servers), tr.Settings().MaxOffers, tr.Settings().AnnounceInterval)
	g, ctx := errgroup.WithContext(ctx)
	for _, s := range servers {
		g.Go(func() error {
			err := s.ListenAndServe(ctx)
			if err != nil {
				return fmt.Errorf("server %v: %w", s.Addr(), err)
			}
			return nil
		})
	}
	return g.Wait()
}
