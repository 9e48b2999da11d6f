package cmd

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/genesis32/labsetup/auth"
	"github.com/genesis32/labsetup/quotas"
)

func newRestrictModelsCmd(opts *globalOptions) *cobra.Command {
	var (
		allow    []string
		noDryRun bool
	)

	cmd := &cobra.Command{
		Use:   "restrict-models <project_id> --allow model[,model...]",
		Short: "Set the Vertex AI quota of every model outside the allow list to 0",
		Long: "Scans the Vertex AI consumer quotas of the project and creates a zero override for\n" +
			"every per-model quota whose base_model is not allowed. Existing overrides and limits\n" +
			"that are already 0 are left alone. Runs dry unless --no-dry-run is given.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			models := parseModelList(allow)
			if len(models) == 0 {
				return errors.New("--allow needs at least one model")
			}

			ctx := cmd.Context()
			clientOptions, err := auth.ClientOptions(ctx, opts.settings.Endpoint)
			if err != nil {
				return err
			}
			restrictor, err := quotas.NewRestrictor(ctx, opts.settings, opts.logger, clientOptions...)
			if err != nil {
				return err
			}

			report, err := restrictor.Restrict(ctx, args[0], models, !noDryRun)
			printRestrictReport(cmd.OutOrStdout(), report)
			return err
		},
	}

	cmd.Flags().StringSliceVarP(&allow, "allow", "a", nil, "comma-separated base models to keep (e.g. gemini-1.5-pro)")
	cmd.Flags().BoolVar(&noDryRun, "no-dry-run", false, "create the overrides instead of only reporting them")
	_ = cmd.MarkFlagRequired("allow")
	return cmd
}

func parseModelList(values []string) []string {
	var models []string
	for _, v := range values {
		for _, m := range strings.Split(v, ",") {
			if m = strings.TrimSpace(m); m != "" {
				models = append(models, m)
			}
		}
	}
	return models
}
