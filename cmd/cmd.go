package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/genesis32/labsetup/auth"
	"github.com/genesis32/labsetup/config"
	"github.com/genesis32/labsetup/provisioner"
	"github.com/genesis32/labsetup/resources"
	"github.com/genesis32/labsetup/resources/gcp"
)

const (
	projectIDFlag      = "project_id"
	projectIDFlagAlias = "project-id"
)

// globalOptions is resolved once per invocation, before any command runs.
type globalOptions struct {
	settings *config.Settings
	logger   zerolog.Logger
}

// Execute runs the CLI against the process arguments and returns the exit
// code. SIGINT and SIGTERM cancel the run, ending any retry pause or
// operation poll.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return run(ctx, os.Args[1:], os.Stdout, os.Stderr)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	rootCmd := newRootCmd()
	rootCmd.SetArgs(args)
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func normalizeFlagName(_ *pflag.FlagSet, name string) pflag.NormalizedName {
	if name == projectIDFlagAlias {
		name = projectIDFlag
	}
	return pflag.NormalizedName(name)
}

func newRootCmd() *cobra.Command {
	var projectID string
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:   "labsetup --project_id <project>",
		Short: "Prepare a GCP project for the DLAI labs",
		Long: "Enables the required APIs, relaxes the org policies that block service account keys,\n" +
			"creates the lab runner role and service account, binds them, and writes a fresh key\n" +
			"to " + config.CredentialsFileName + " in the working directory. Safe to run repeatedly;\n" +
			"every run mints a new key.",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			v, err := config.NewViper()
			if err != nil {
				return err
			}
			// Flags given on the command line win over file and environment.
			for _, key := range []string{config.LogLevelConfigurationKey, config.LogFormatConfigurationKey} {
				if flag := cmd.Flags().Lookup(flagName(key)); flag != nil && flag.Changed {
					v.Set(key, flag.Value.String())
				}
			}

			if opts.settings, err = config.LoadSettings(v); err != nil {
				return err
			}
			opts.logger, err = newLogger(opts.settings, cmd.ErrOrStderr())
			return err
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return provision(cmd, opts, projectID)
		},
	}

	rootCmd.PersistentFlags().String(flagName(config.LogLevelConfigurationKey), "info", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().String(flagName(config.LogFormatConfigurationKey), "console", "log format (console, json)")
	rootCmd.Flags().SetNormalizeFunc(normalizeFlagName)
	rootCmd.Flags().StringVar(&projectID, projectIDFlag, "", "GCP project id to set up (required, alias --"+projectIDFlagAlias+")")
	_ = rootCmd.MarkFlagRequired(projectIDFlag)

	rootCmd.AddCommand(newRestrictModelsCmd(opts))
	return rootCmd
}

// flagName turns a settings key such as log.level into log-level.
func flagName(key string) string {
	return strings.ReplaceAll(key, ".", "-")
}

func provision(cmd *cobra.Command, opts *globalOptions, projectID string) error {
	ctx := cmd.Context()

	plan := config.NewLabPlan(projectID)
	if err := plan.Validate(); err != nil {
		return err
	}

	clientOptions, err := auth.ClientOptions(ctx, opts.settings.Endpoint)
	if err != nil {
		return err
	}
	services, err := gcp.NewServices(ctx, clientOptions...)
	if err != nil {
		return err
	}

	opts.logger.Info().Str("project", projectID).Msg("setting up lab project")
	env := resources.NewEnvironment(plan, opts.settings, opts.logger)
	report, runErr := provisioner.New(gcp.LabSteps(services), opts.settings, opts.logger).Run(ctx, env)
	printProvisionReport(cmd.OutOrStdout(), report)
	if runErr != nil {
		return runErr
	}

	fmt.Fprintf(cmd.OutOrStdout(), "\nService account %s is ready.\nKey %s saved to %s; keep it secret.\n",
		env.ServiceAccountEmail, env.KeyName, env.KeyFilePath)
	return nil
}
