package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tkingovr/wafguard/internal/admin"
	"github.com/tkingovr/wafguard/internal/audit"
	"github.com/tkingovr/wafguard/internal/config"
	"github.com/tkingovr/wafguard/internal/filter"
	"github.com/tkingovr/wafguard/internal/metrics"
	httpproxy "github.com/tkingovr/wafguard/internal/proxy/http"
	"github.com/tkingovr/wafguard/internal/watch"
)

var (
	serveListen   string
	serveUpstream string
	serveAdmin    string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the inspecting proxy and the admin server",
	Long: `Start the inspecting reverse proxy in front of the upstream service,
together with the admin server (audit log, rule summary, metrics).
With rules.watch set, rule files are reloaded when they change.`,
	Example: `  wafguard serve -c wafguard.yaml
  wafguard serve -c wafguard.yaml --upstream http://localhost:3000 --listen :8000`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "proxy listen address (overrides config)")
	serveCmd.Flags().StringVar(&serveUpstream, "upstream", "", "upstream URL (overrides config)")
	serveCmd.Flags().StringVar(&serveAdmin, "admin", "", "admin listen address, \"off\" to disable (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := applyServeFlags(cfg); err != nil {
		return err
	}
	if cfg.Upstream == nil {
		return errors.New("an upstream is required: set upstream in the config or pass --upstream")
	}

	m := metrics.New(nil)

	auditStore, err := audit.NewJSONLStore(cfg.AuditDir, cfg.AuditMaxMemory)
	if err != nil {
		return fmt.Errorf("creating audit store: %w", err)
	}
	defer auditStore.Close()

	sink := audit.NewSink(auditStore, cfg.AuditQueueSize, logger, m)
	defer sink.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutting down")
		cancel()
	}()

	reloader := watch.NewReloader(ctx, buildFunc(cfg, sink, m), logger, m)

	if cfg.WatchRules && len(cfg.Rules.Paths) > 0 {
		fw, err := watch.NewFileWatcher(cfg.Rules.Paths, 0, logger)
		if err != nil {
			return fmt.Errorf("watching rules: %w", err)
		}
		defer fw.Stop()
		go func() {
			if err := reloader.Run(ctx, fw); err != nil {
				logger.Error("rule watcher error", "error", err)
			}
		}()
	}

	routes := make([]httpproxy.Route, len(cfg.Routes))
	for i, r := range cfg.Routes {
		routes[i] = httpproxy.Route{Prefix: r.Prefix, Metadata: r.Metadata}
	}
	proxy, err := httpproxy.NewProxy(cfg.Upstream.String(), reloader, routes, logger)
	if err != nil {
		return err
	}

	if cfg.AdminAddr != "" {
		srv := admin.NewServer(cfg.AdminAddr, auditStore, reloader, m, logger)
		go func() {
			if err := srv.ListenAndServe(ctx); err != nil {
				logger.Error("admin server error", "error", err)
			}
		}()
	}

	return proxy.ListenAndServe(ctx, cfg.Listen)
}

func applyServeFlags(cfg *config.Config) error {
	if serveListen != "" {
		cfg.Listen = serveListen
	}
	if serveAdmin == "off" {
		cfg.AdminAddr = ""
	} else if serveAdmin != "" {
		cfg.AdminAddr = serveAdmin
	}
	if serveUpstream != "" {
		u, err := config.ParseUpstream(serveUpstream)
		if err != nil {
			return err
		}
		cfg.Upstream = u
	}
	return nil
}

func buildFunc(cfg *config.Config, observer filter.Observer, m *metrics.Metrics) watch.BuildFunc {
	return func(ctx context.Context) *filter.Config {
		return filter.NewConfig(ctx, filter.Options{
			Connector: cfg.Connector,
			Rules:     cfg.Rules,
			Logger:    logger,
			Observer:  observer,
			Metrics:   m,
		})
	}
}
