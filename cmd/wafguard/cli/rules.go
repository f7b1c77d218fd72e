package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tkingovr/wafguard/internal/engine"
	"github.com/tkingovr/wafguard/internal/policy"
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Load the configured rule sources and print a summary",
	Long: `Load every rule source named in the config and print the resulting
engine settings and rules. Exits non-zero if any source failed to load,
which makes it usable as a pre-deploy check.`,
	Example: `  wafguard rules -c wafguard.yaml`,
	RunE:    runRules,
}

func init() {
	rootCmd.AddCommand(rulesCmd)
}

type rulesOutput struct {
	Settings policy.EngineSettings `json:"settings"`
	Rules    []policy.Rule         `json:"rules"`
	Rego     int                   `json:"rego_modules"`
	Report   engine.LoadReport     `json:"report"`
}

func runRules(cmd *cobra.Command, args []string) error {
	if cfgFile == "" {
		return fmt.Errorf("--config/-c is required for rules command")
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	rules, report := engine.BuildRuleSet(context.Background(), cfg.Rules, nil, logger)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(rulesOutput{
		Settings: rules.Settings(),
		Rules:    rules.Rules(),
		Rego:     rules.RegoModules(),
		Report:   report,
	}); err != nil {
		return err
	}
	if report.Failed > 0 {
		return fmt.Errorf("%d rule source(s) failed to load", report.Failed)
	}
	return nil
}
