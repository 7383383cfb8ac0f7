// Command dataprism is a thin CLI around the engine facade: run ad hoc SQL,
// register and query cloud tables, peek remote schemas, and serve the
// reference CORS proxy.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/srnarasim/dataprism-core/internal/config"
	"github.com/srnarasim/dataprism-core/internal/facade"
	"github.com/srnarasim/dataprism-core/internal/httpfetch"
	"github.com/srnarasim/dataprism-core/internal/orchestrator"
	"github.com/srnarasim/dataprism-core/internal/proxyserver"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:           "dataprism",
		Short:         "Analytical SQL over local and cloud-hosted datasets",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&configFile, "config", "", "optional YAML config file")

	cmd.AddCommand(queryCmd(&configFile))
	cmd.AddCommand(cloudQueryCmd(&configFile))
	cmd.AddCommand(schemaCmd(&configFile))
	cmd.AddCommand(statusCmd(&configFile))
	cmd.AddCommand(proxyCmd())
	return cmd
}

func loadConfig(configFile string) (*config.Config, *slog.Logger, error) {
	if err := config.LoadDotEnv(".env"); err != nil {
		return nil, nil, err
	}
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return nil, nil, err
	}
	if configFile != "" {
		if err := config.ApplyYAMLFile(cfg, configFile); err != nil {
			return nil, nil, err
		}
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	for _, w := range cfg.Warnings {
		logger.Warn(w)
	}
	return cfg, logger, nil
}

func withEngine(configFile string, fn func(ctx context.Context, e *facade.Engine) error) error {
	cfg, logger, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	ctx := context.Background()
	e := facade.New(cfg, logger)
	if err := e.Initialize(ctx); err != nil {
		return err
	}
	defer e.Close(ctx) //nolint:errcheck
	return fn(ctx, e)
}

func printRows(rows any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(rows)
}

func queryCmd(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "query <sql>",
		Short: "Run a SQL statement and print rows as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return withEngine(*configFile, func(ctx context.Context, e *facade.Engine) error {
				res, err := e.Query(ctx, args[0])
				if err != nil {
					return err
				}
				return printRows(res.Data)
			})
		},
	}
}

func cloudQueryCmd(configFile *string) *cobra.Command {
	var mode string
	var sqlText string

	cmd := &cobra.Command{
		Use:   "cloud-query <table> <url>",
		Short: "Register a cloud object as a table and query it",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			return withEngine(*configFile, func(ctx context.Context, e *facade.Engine) error {
				opts := orchestrator.TableOptions{CORSHandling: httpfetch.CORSMode(mode)}
				if err := e.RegisterCloudTable(ctx, args[0], args[1], opts); err != nil {
					return err
				}
				rows, err := e.QueryCloudTable(ctx, args[0], sqlText)
				if err != nil {
					return err
				}
				return printRows(rows)
			})
		},
	}
	cmd.Flags().StringVar(&mode, "cors", "auto", "CORS handling: auto, direct, or proxy")
	cmd.Flags().StringVar(&sqlText, "sql", "", "SQL to run (default SELECT * FROM <table>)")
	return cmd
}

func schemaCmd(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "schema <url>",
		Short: "Infer and print a remote file's coarse schema",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return withEngine(*configFile, func(ctx context.Context, e *facade.Engine) error {
				schema, err := e.GetFileSchema(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Println(schema.String())
				return nil
			})
		},
	}
}

func statusCmd(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Initialize the engine and print its readiness snapshot",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return withEngine(*configFile, func(_ context.Context, e *facade.Engine) error {
				return printRows(e.Status())
			})
		},
	}
}

func proxyCmd() *cobra.Command {
	var addr, apiKey string
	var origins []string

	cmd := &cobra.Command{
		Use:   "proxy",
		Short: "Serve the reference CORS proxy endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
			s, err := proxyserver.New(cmd.Context(), proxyserver.Config{
				AllowedOrigins: origins,
				APIKey:         apiKey,
				Logger:         logger,
			})
			if err != nil {
				return err
			}
			logger.Info("proxy listening", "addr", addr)
			srv := &http.Server{
				Addr:              addr,
				Handler:           s.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}
			return srv.ListenAndServe()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "listen address")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "require X-Proxy-Authorization to match")
	cmd.Flags().StringSliceVar(&origins, "origin", nil, "allowed CORS origins (default *)")
	return cmd
}
