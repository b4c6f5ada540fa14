package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v3"

	"github.com/starford/kolnoter/internal"
	pkgconfig "github.com/starford/kolnoter/pkg/config"
)

// loadConfig reads the config file when present. --vault overrides the
// file and selects the filesystem backend.
func loadConfig(cmd *cli.Command) (*internal.Config, error) {
	cfg := internal.NewDefaultConfig()
	if _, err := pkgconfig.LoadOptional(cmd.String("config"), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if v := cmd.String("vault"); v != "" {
		cfg.Vault.Path = v
		cfg.Vault.Backend = "filesystem"
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid config: %w", err)
		}
	}
	return cfg, nil
}

func serve(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := internal.Run(ctx, internal.WithConfig(cfg)); err != nil {
		return fmt.Errorf("app run error: %w", err)
	}
	return nil
}

func reindex(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	return internal.Reindex(ctx, os.Stdout, internal.WithConfig(cfg), internal.WithLogOutput(os.Stderr))
}

func validate(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	return internal.Validate(ctx, os.Stdout, internal.WithConfig(cfg), internal.WithLogOutput(os.Stderr))
}

func export(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	return internal.Export(ctx, os.Stdout, cmd.String("to"), cmd.Bool("clear"),
		internal.WithConfig(cfg), internal.WithLogOutput(os.Stderr))
}

func serveMCP(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	return internal.ServeMCP(ctx, internal.WithConfig(cfg), internal.WithLogOutput(os.Stderr))
}

func main() {
	cmd := &cli.Command{
		Name:   "kolnoter",
		Usage:  "Local-first notes organised as systems, projects and notes, stored in a Markdown vault",
		Action: serve,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "Path to config file",
				DefaultText: "config/config.yaml",
				Value:       "config/config.yaml",
				Sources:     cli.EnvVars("APP_CONFIG_FILE"),
			},
			&cli.StringFlag{
				Name:    "vault",
				Usage:   "Vault directory, overrides vault.path and selects the filesystem backend",
				Sources: cli.EnvVars("KOLNOTER_VAULT"),
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the HTTP API (default)",
				Action: serve,
			},
			{
				Name:   "reindex",
				Usage:  "Rebuild the SQLite index and search cache from the vault",
				Action: reindex,
			},
			{
				Name:   "validate",
				Usage:  "Check the workspace for problems that would break an export",
				Action: validate,
			},
			{
				Name:   "export",
				Usage:  "Copy the workspace into another vault directory",
				Action: export,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "to", Usage: "Target vault directory", Required: true},
					&cli.BoolFlag{Name: "clear", Usage: "Clear the source after a fully successful export"},
				},
			},
			{
				Name:   "mcp",
				Usage:  "Serve the workspace to LLM clients over MCP stdio",
				Action: serveMCP,
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("application error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
