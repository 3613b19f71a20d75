package cli

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rbaliyan/admit"
)

func newServeCmd() *cobra.Command {
	var (
		configFile string
		addr       string
		natsURL    string
		grace      time.Duration
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the admission gate",
		Long: `Runs the admission gate. With nats.url set, events are consumed from
nats.subject and accepted events are sent to nats.work_subject as requests,
one at a time per user. Rejections are published to nats.reject_subject.

Endpoints:
  GET /v1/admission/stats         Current queue snapshot
  GET /v1/admission/health        200 while accepting, 503 once closed
  GET /v1/admission/stats/stream  Snapshot stream (server-sent events)

SIGHUP reloads tiers, rules, daily cap and queue limits from the config file.`,
		Example: `  admitd serve --config admitd.json
  admitd serve --nats nats://localhost:4222 --addr :9090`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.HTTP.Addr = addr
			}
			if cmd.Flags().Changed("nats") {
				cfg.NATS.URL = natsURL
			}

			d, err := newDaemon(cfg)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if configFile != "" {
				go watchReload(ctx, d, configFile)
			}
			return d.Run(ctx, grace)
		},
	}

	cmd.Flags().StringVarP(&configFile, "config", "c", "", "JSON config file (defaults when empty)")
	cmd.Flags().StringVar(&addr, "addr", ":8080", "monitor HTTP listen address")
	cmd.Flags().StringVar(&natsURL, "nats", "", "NATS server URL")
	cmd.Flags().DurationVar(&grace, "shutdown-timeout", 30*time.Second, "time allowed for queued tasks to finish on shutdown")

	return cmd
}

func loadConfig(path string) (admit.Config, error) {
	if path == "" {
		return admit.Default(), nil
	}
	return admit.LoadFile(path)
}

func watchReload(ctx context.Context, d *daemon, path string) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			cfg, err := admit.LoadFile(path)
			if err == nil {
				err = d.Reload(cfg)
			}
			if err != nil {
				slog.Error("reload failed, keeping previous config", "path", path, "error", err)
			}
		}
	}
}
