// File: cmd/convert.go
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pagecast/pagecast-cli/internal/convert"
	"github.com/pagecast/pagecast-cli/internal/observability"
	"github.com/pagecast/pagecast-cli/internal/service"
)

var (
	convertFormat      string
	convertOutputDir   string
	convertConcurrency int
)

var convertCmd = &cobra.Command{
	Use:   "convert [url]...",
	Short: "Render one or more URLs to PDF, PNG, or MHTML files.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := observability.GetLogger()
		ctx := cmd.Context()

		if convertOutputDir != "" {
			appCfg.Convert.OutputDir = convertOutputDir
		}
		if convertConcurrency > 0 {
			appCfg.Convert.Concurrency = convertConcurrency
		}

		components, err := service.Build(ctx, appCfg, logger)
		if err != nil {
			return err
		}
		defer components.Shutdown(ctx)

		converter, err := components.NewConverter(convertFormat)
		if err != nil {
			return err
		}

		runner := convert.NewBatchRunner(
			converter,
			appCfg.Convert.OutputDir,
			appCfg.Convert.Concurrency,
			appCfg.Convert.RateLimit,
			logger,
		)
		results, err := runner.Run(ctx, args)
		for _, res := range results {
			if res.Err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "FAIL  %s: %v\n", res.URL, res.Err)
				continue
			}
			fmt.Fprintf(cmd.OutOrStdout(), "OK    %s -> %s\n", res.URL, res.Path)
		}
		if err != nil {
			logger.Error("Batch finished with errors.", zap.Error(err))
			return fmt.Errorf("conversion failed: %w", err)
		}
		return nil
	},
}

func init() {
	convertCmd.Flags().StringVarP(&convertFormat, "format", "f", "", "output format: pdf, png, or mhtml (default from config)")
	convertCmd.Flags().StringVarP(&convertOutputDir, "output", "o", "", "output directory")
	convertCmd.Flags().IntVar(&convertConcurrency, "concurrency", 0, "parallel conversions")
	rootCmd.AddCommand(convertCmd)
}
