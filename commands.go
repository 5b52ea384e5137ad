package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"dhis2submit/internal/config"
	"dhis2submit/internal/credentials"
	"dhis2submit/internal/logging"
	"dhis2submit/internal/mapping"
	"dhis2submit/internal/services/history"
	"dhis2submit/internal/services/pipeline"
	"dhis2submit/internal/services/schema"
)

// cli carries state prepared by the root command for its subcommands
type cli struct {
	envFile string
	cfg     *config.Config
	logger  *slog.Logger
	logFile io.Closer
}

func rootCmd() *cobra.Command {
	c := &cli{}

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Submit workbook values to a DHIS2 dataset",
		Long: `dhis2submit resolves a DHIS2 dataset's data elements and category option
combos, reads matching columns from an xlsx or csv file and submits them
as data value sets.

Configuration comes from environment variables, optionally seeded from
a .env file.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.setup()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if c.logFile != nil {
				c.logFile.Close()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&c.envFile, "env-file", ".env", "Environment file to load")

	cmd.AddCommand(
		c.submitCmd(),
		c.mappingCmd(),
		c.serveCmd(),
		c.historyCmd(),
		c.credentialsCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
				return nil
			},
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s version %s\n", appName, Version)
			},
		},
	)

	return cmd
}

func (c *cli) setup() error {
	if err := config.LoadEnvFile(c.envFile); err != nil {
		return err
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, closer, err := logging.Setup(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.RunFile)
	if err != nil {
		return err
	}
	c.cfg, c.logger, c.logFile = cfg, logger, closer
	logger.Debug("Configuration loaded", "config", cfg.String())
	return nil
}

func (c *cli) app() (*App, error) {
	return NewApp(c.cfg, c.logger)
}

func (c *cli) submitCmd() *cobra.Command {
	var (
		file, sheet, dataset, orgUnit, period, mappingFile string
		allRows                                            bool
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Run the pipeline once against a source file",
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			overrideString(flags.Changed("dataset"), &c.cfg.Run.DatasetID, dataset)
			overrideString(flags.Changed("org-unit"), &c.cfg.Run.OrgUnit, orgUnit)
			overrideString(flags.Changed("period"), &c.cfg.Run.Period, period)
			overrideString(flags.Changed("mapping"), &c.cfg.Run.MappingFile, mappingFile)
			overrideString(flags.Changed("sheet"), &c.cfg.Source.Sheet, sheet)
			if flags.Changed("all-rows") {
				c.cfg.Run.AllRows = allRows
			}

			app, err := c.app()
			if err != nil {
				return err
			}
			defer app.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			report, runErr := app.RunOnce(ctx, TriggerCLI, file)
			if report != nil {
				fmt.Fprintln(cmd.OutOrStdout(), report.Summary())
			}
			if runErr != nil {
				return runErr
			}
			if report.Status() != pipeline.StatusSuccess {
				return fmt.Errorf("run %s: %d of %d records failed", report.Status(), len(report.Failures), report.Records)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "Source file (default SOURCE_FILE)")
	cmd.Flags().StringVar(&sheet, "sheet", "", "Worksheet name (default first sheet)")
	cmd.Flags().StringVar(&dataset, "dataset", "", "Dataset id (default DHIS2_DATASET_ID)")
	cmd.Flags().StringVar(&orgUnit, "org-unit", "", "Organisation unit id (default DHIS2_ORG_UNIT)")
	cmd.Flags().StringVar(&period, "period", "", "Period, e.g. 202401 (default DHIS2_PERIOD)")
	cmd.Flags().StringVar(&mappingFile, "mapping", "", "Static mapping file (default MAPPING_FILE)")
	cmd.Flags().BoolVar(&allRows, "all-rows", false, "Submit every data row as its own record")
	return cmd
}

func (c *cli) mappingCmd() *cobra.Command {
	var output, dataset string

	cmd := &cobra.Command{
		Use:   "mapping",
		Short: "List the dataset's addressable labels",
		RunE: func(cmd *cobra.Command, args []string) error {
			overrideString(cmd.Flags().Changed("dataset"), &c.cfg.Run.DatasetID, dataset)

			app, err := c.app()
			if err != nil {
				return err
			}
			defer app.Close()

			m, report, err := app.Mapping(cmd.Context())
			if err != nil {
				return err
			}

			printMapping(cmd.OutOrStdout(), m, report)

			if output != "" {
				if err := mapping.WriteFile(output, m); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d entries to %s\n", m.Len(), output)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Write the mapping as a static YAML file")
	cmd.Flags().StringVar(&dataset, "dataset", "", "Dataset id (default DHIS2_DATASET_ID)")
	return cmd
}

// printMapping writes one line per label and one per element without
// addressable dimensions
func printMapping(w io.Writer, m mapping.Mapping, report *schema.Report) {
	name := report.DatasetName
	if name == "" {
		name = report.DatasetID
	}
	for _, label := range m.Labels() {
		target, _ := m.Lookup(label)
		fmt.Fprintf(w, "%s | %s => %s / %s\n", name, label, target.DataElementID, target.CategoryOptionComboID)
	}
	for _, el := range report.EmptyElements {
		fmt.Fprintf(w, "%s | %s (%s) has no single-option category combos\n", name, el.Name, el.ID)
	}
}

func (c *cli) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the upload front end with the configured triggers",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := c.app()
			if err != nil {
				return err
			}
			defer app.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return app.Serve(ctx)
		},
	}
}

func (c *cli) historyCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := c.app()
			if err != nil {
				return err
			}
			defer app.Close()

			runs, err := app.History(cmd.Context(), limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for i := range runs {
				run := &runs[i]
				fmt.Fprintf(out, "%s  %s  %-8s %-8s attempted=%d succeeded=%d failed=%d  %s\n",
					run.StartedAt.Format("2006-01-02 15:04:05"), run.ID, run.Status, run.TriggeredBy,
					run.Attempted, run.Succeeded, run.Failed, run.SourceFile)
				for _, line := range history.FailureLines(run) {
					fmt.Fprintf(out, "    %s\n", line)
				}
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of runs to list")
	return cmd
}

func (c *cli) credentialsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credentials",
		Short: "Manage the DHIS2 password in the OS keychain",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "set",
			Short: "Store the password read from stdin",
			RunE: func(cmd *cobra.Command, args []string) error {
				if c.cfg.DHIS2.BaseURL == "" || c.cfg.DHIS2.Username == "" {
					return errors.New("DHIS2_BASE_URL and DHIS2_USERNAME are required")
				}
				password, err := readPassword(cmd.InOrStdin())
				if err != nil {
					return err
				}
				if err := credentials.Set(c.cfg.DHIS2.BaseURL, c.cfg.DHIS2.Username, password); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Stored password for %s at %s\n", c.cfg.DHIS2.Username, c.cfg.DHIS2.BaseURL)
				return nil
			},
		},
		&cobra.Command{
			Use:   "delete",
			Short: "Remove the stored password",
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := credentials.Delete(c.cfg.DHIS2.BaseURL, c.cfg.DHIS2.Username); err != nil {
					if errors.Is(err, credentials.ErrNotFound) {
						fmt.Fprintln(cmd.OutOrStdout(), "No stored password")
						return nil
					}
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Deleted stored password")
				return nil
			},
		},
	)
	return cmd
}

func readPassword(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	password := strings.TrimRight(line, "\r\n")
	if password == "" {
		return "", errors.New("empty password")
	}
	return password, nil
}

func overrideString(changed bool, dst *string, value string) {
	if changed {
		*dst = value
	}
}
