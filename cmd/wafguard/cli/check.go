package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tkingovr/wafguard/api"
	"github.com/tkingovr/wafguard/internal/filter"
)

var (
	checkMethod         string
	checkURI            string
	checkHeaders        []string
	checkBody           string
	checkResponseStatus int
	checkResponseBody   string
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Dry-run a synthetic exchange against the rules",
	Long: `Check what a request, and optionally its response, would go through
without running the proxy. Nothing is written to the audit log.`,
	Example: `  wafguard check -c wafguard.yaml --uri '/admin/../etc/passwd'
  wafguard check -c wafguard.yaml --method POST --uri /upload -H 'Content-Type: text/plain' --body 'hello'
  wafguard check -c wafguard.yaml --uri / --response-status 500 --response-body 'stacktrace'`,
	RunE: runCheck,
}

func init() {
	checkCmd.Flags().StringVar(&checkMethod, "method", "GET", "request method")
	checkCmd.Flags().StringVar(&checkURI, "uri", "/", "request URI")
	checkCmd.Flags().StringArrayVarP(&checkHeaders, "header", "H", nil, "request header as 'Name: value' (repeatable)")
	checkCmd.Flags().StringVar(&checkBody, "body", "", "request body")
	checkCmd.Flags().IntVar(&checkResponseStatus, "response-status", 200, "upstream response status")
	checkCmd.Flags().StringVar(&checkResponseBody, "response-body", "", "upstream response body")
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	if cfgFile == "" {
		return fmt.Errorf("--config/-c is required for check command")
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	headers, err := parseHeaderFlags(checkHeaders)
	if err != nil {
		return err
	}

	ctx := context.Background()
	fc := filter.NewConfig(ctx, filter.Options{
		Connector: cfg.Connector,
		Rules:     cfg.Rules,
		Logger:    logger,
	})

	result := filter.Check(ctx, fc, api.CheckRequest{
		Method:         checkMethod,
		URI:            checkURI,
		Headers:        headers,
		Body:           checkBody,
		ResponseStatus: checkResponseStatus,
		ResponseBody:   checkResponseBody,
	})

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

func parseHeaderFlags(values []string) (map[string]string, error) {
	if len(values) == 0 {
		return nil, nil
	}
	headers := make(map[string]string, len(values))
	for _, v := range values {
		name, value, ok := strings.Cut(v, ":")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid header %q: expected 'Name: value'", v)
		}
		headers[name] = strings.TrimSpace(value)
	}
	return headers, nil
}
