package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tkingovr/wafguard/internal/admin"
	"github.com/tkingovr/wafguard/internal/audit"
	"github.com/tkingovr/wafguard/internal/filter"
	httpproxy "github.com/tkingovr/wafguard/internal/proxy/http"
)

var (
	adminAddr     string
	adminAuditDir string
)

var adminCmd = &cobra.Command{
	Use:   "admin",
	Short: "Start the admin server only (no proxy)",
	Long: `Start the admin server over an existing audit log directory. The
configured rules are loaded for the rules summary and dry-run checks.`,
	Example: `  wafguard admin -l :9090 -a ~/.wafguard/audit
  wafguard admin -c wafguard.yaml`,
	RunE: runAdmin,
}

func init() {
	adminCmd.Flags().StringVarP(&adminAddr, "listen", "l", "", "admin listen address (overrides config)")
	adminCmd.Flags().StringVarP(&adminAuditDir, "audit-dir", "a", "", "audit log directory (overrides config)")
	rootCmd.AddCommand(adminCmd)
}

func runAdmin(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if adminAddr != "" {
		cfg.AdminAddr = adminAddr
	}
	if adminAuditDir != "" {
		cfg.AuditDir = adminAuditDir
	}
	if cfg.AdminAddr == "" {
		return fmt.Errorf("no admin address configured")
	}

	auditStore, err := audit.NewJSONLStore(cfg.AuditDir, cfg.AuditMaxMemory)
	if err != nil {
		return fmt.Errorf("creating audit store: %w", err)
	}
	defer auditStore.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutting down admin server")
		cancel()
	}()

	fc := filter.NewConfig(ctx, filter.Options{
		Connector: cfg.Connector,
		Rules:     cfg.Rules,
		Logger:    logger,
	})

	srv := admin.NewServer(cfg.AdminAddr, auditStore, httpproxy.Static(fc), nil, logger)
	return srv.ListenAndServe(ctx)
}
