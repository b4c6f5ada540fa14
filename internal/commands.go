package internal

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/starford/kolnoter/internal/apperr"
	"github.com/starford/kolnoter/internal/mcpserver"
	"github.com/starford/kolnoter/internal/migration"
	"github.com/starford/kolnoter/internal/noteservice"
)

// withService opens the configured workspace without a watcher, runs fn and
// closes it again.
func withService(ctx context.Context, opts []Option, fn func(svc *noteservice.Service, logger *slog.Logger) error) error {
	app, err := newApplication(opts)
	if err != nil {
		return err
	}
	logger := app.logger()
	svc, err := openWorkspace(ctx, app.config, logger, false)
	if err != nil {
		return err
	}
	err = fn(svc, logger)
	if cerr := svc.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// Reindex rebuilds the relational index and search cache of the configured
// vault and prints the resulting counts to out.
func Reindex(ctx context.Context, out io.Writer, opts ...Option) error {
	return withService(ctx, opts, func(svc *noteservice.Service, _ *slog.Logger) error {
		counts, err := svc.RebuildIndex(ctx)
		if err != nil {
			return fmt.Errorf("reindex: %w", err)
		}
		return printJSON(out, counts)
	})
}

// Validate checks the configured workspace for export problems and prints
// the report. It fails when the data is not valid.
func Validate(ctx context.Context, out io.Writer, opts ...Option) error {
	return withService(ctx, opts, func(svc *noteservice.Service, _ *slog.Logger) error {
		v, err := svc.ValidateSourceData(ctx)
		if err != nil {
			return fmt.Errorf("validate: %w", err)
		}
		if err := printJSON(out, v); err != nil {
			return err
		}
		if !v.Valid {
			return &apperr.MigrationError{Errors: v.Errors}
		}
		return nil
	})
}

// Export copies the configured workspace into the vault at dir and prints
// the result.
func Export(ctx context.Context, out io.Writer, dir string, clearSource bool, opts ...Option) error {
	return withService(ctx, opts, func(svc *noteservice.Service, logger *slog.Logger) error {
		res, err := svc.ExportToVault(ctx, dir, migration.Options{
			ClearSource:  clearSource,
			IncludeTrash: true,
			Progress: func(p migration.Progress) {
				logger.Debug("export progress",
					slog.String("phase", string(p.Phase)),
					slog.Int("current", p.Current),
					slog.Int("total", p.Total))
			},
		})
		if res != nil {
			if perr := printJSON(out, res); perr != nil && err == nil {
				err = perr
			}
		}
		return err
	})
}

// ServeMCP exposes the configured workspace over MCP on stdin/stdout until
// the client disconnects. Logs should go elsewhere via WithLogOutput.
func ServeMCP(ctx context.Context, opts ...Option) error {
	app, err := newApplication(opts)
	if err != nil {
		return err
	}
	logger := app.logger()
	svc, err := openWorkspace(ctx, app.config, logger, !app.config.Watcher.Disabled)
	if err != nil {
		return err
	}
	defer svc.Close()

	logger.Info("MCP server starting on stdio")
	return mcpserver.New(svc).ServeStdio()
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
