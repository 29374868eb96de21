package commands

import (
	"context"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/wojas/go-healthz"
	"golang.org/x/sync/errgroup"

	"github.com/PowerDNS/salesingest/ingest"
	"github.com/PowerDNS/salesingest/status"
	"github.com/PowerDNS/salesingest/status/healthtracker"
	"github.com/PowerDNS/salesingest/status/starttracker"
	"github.com/PowerDNS/salesingest/summary"
)

var skipSummary bool

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().BoolVar(&skipSummary, "skip-summary", false, "Do not run the weekly summary step before accepting uploads")
}

func runServe() error {
	ctx, cancel := context.WithCancel(rootCtx)
	defer cancel()

	start := starttracker.New(conf.Health.Start, "ingest")
	start.Register()
	uploads := healthtracker.New(conf.Health.Uploads, "uploads", "store report")
	uploads.Register()

	healthz.AddBuildInfo()
	if hostname, err := os.Hostname(); err == nil {
		healthz.SetMeta("hostname", hostname)
	}
	healthz.SetMeta("version", version)

	st, err := openStore(ctx)
	if err != nil {
		return err
	}
	status.SetStore(st)

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return status.StartHTTPServer(ctx, conf)
	})

	// The summary step completes before any upload can change the reports
	if skipSummary {
		logrus.Info("Skipping weekly summary step")
	} else {
		if _, err := summary.Run(ctx, st, conf.SummaryDir, conf.Branches); err != nil {
			cancel()
			_ = eg.Wait()
			return err
		}
	}
	start.SetPassedSummary()

	srv := ingest.New(conf.Listen, conf.Limits, st, ingest.Options{
		Tracker:       uploads,
		RecentUploads: conf.RecentUploads,
	})
	if err := srv.Listen(); err != nil {
		logrus.WithError(err).Fatal("Cannot start server")
	}
	start.SetPassedListen()
	status.SetServer(srv)

	eg.Go(func() error {
		return srv.Serve(ctx)
	})
	return eg.Wait()
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Accept report uploads",
	Run: func(cmd *cobra.Command, args []string) {
		if err := runServe(); err != nil {
			logrus.WithError(err).Fatal("Error")
		}
	},
}
