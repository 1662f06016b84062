package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"chapter_dues/internal/app"
	"chapter_dues/internal/config"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:           "duesctl",
		Short:         "Treasurer tools for chapter dues",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(feeCmd())
	rootCmd.AddCommand(scheduleCmd())
	rootCmd.AddCommand(forecastCmd())
	rootCmd.AddCommand(lateFeeCmd())
	rootCmd.AddCommand(runTaskCmd())
	rootCmd.AddCommand(taskRunsCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// openApp connects to the configured database. Logs go to stderr so command
// output stays clean.
func openApp() (*app.App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	log := config.NewLogger(cfg.LogLevel)
	log.SetOutput(os.Stderr)
	if cfg.LogLevel == "info" {
		log.SetLevel(logrus.WarnLevel)
	}
	return app.New(cfg, log)
}

func parseDecimals(values []string) ([]decimal.Decimal, error) {
	out := make([]decimal.Decimal, 0, len(values))
	for _, v := range values {
		d, err := decimal.NewFromString(strings.TrimSpace(v))
		if err != nil {
			return nil, fmt.Errorf("invalid amount %q: %w", v, err)
		}
		out = append(out, d)
	}
	return out, nil
}

// argValue types a command line task argument
func argValue(s string) interface{} {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	return s
}
