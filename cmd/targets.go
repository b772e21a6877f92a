// File: cmd/targets.go
package cmd

import (
	"fmt"
	"regexp"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/pagecast/pagecast-cli/internal/observability"
	"github.com/pagecast/pagecast-cli/internal/service"
	"github.com/pagecast/pagecast-cli/internal/target"
)

var (
	targetsType       string
	targetsURLPattern string
	targetsAttached   bool
)

var targetsCmd = &cobra.Command{
	Use:   "targets",
	Short: "List the targets exposed by the remote browser.",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := observability.GetLogger()
		ctx := cmd.Context()

		components, err := service.Build(ctx, appCfg, logger)
		if err != nil {
			return err
		}
		defer components.Shutdown(ctx)

		filter := &target.Filter{
			Type:                targetsType,
			IncludeOnlyAttached: targetsAttached,
		}
		if targetsURLPattern != "" {
			re, err := regexp.Compile(targetsURLPattern)
			if err != nil {
				return fmt.Errorf("invalid --url-pattern: %w", err)
			}
			filter.URLPattern = re
		}

		infos, err := components.Targets.DiscoverTargets(ctx, filter)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 2, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTYPE\tATTACHED\tURL")
		for _, info := range infos {
			fmt.Fprintf(w, "%s\t%s\t%t\t%s\n", info.TargetID, info.Type, info.Attached, info.URL)
		}
		return w.Flush()
	},
}

func init() {
	targetsCmd.Flags().StringVar(&targetsType, "type", "", "only targets of this type (e.g. page)")
	targetsCmd.Flags().StringVar(&targetsURLPattern, "url-pattern", "", "only targets whose URL matches this regexp")
	targetsCmd.Flags().BoolVar(&targetsAttached, "attached", false, "only targets with an attached client")
	rootCmd.AddCommand(targetsCmd)
}
