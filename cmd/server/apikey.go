package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/matt-riley/togglr/internal/middleware"
	"github.com/matt-riley/togglr/internal/repository"
)

const apiKeyUsage = "usage: togglr apikey create [name] | list | revoke <id>"

type apiKeyStore interface {
	CreateAPIKey(ctx context.Context, name string) (string, string, error)
	ListAPIKeys(ctx context.Context) ([]repository.APIKey, error)
	RevokeAPIKey(ctx context.Context, id string) error
}

func runAPIKeyCommand(ctx context.Context, args []string, out io.Writer) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	if err := runMigrations(ctx, pool, slog.New(slog.DiscardHandler)); err != nil {
		return err
	}

	return executeAPIKeyCommand(ctx, repository.NewPostgresRepository(pool), args, out)
}

func executeAPIKeyCommand(ctx context.Context, store apiKeyStore, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errors.New(apiKeyUsage)
	}

	switch args[0] {
	case "create":
		name := strings.TrimSpace(strings.Join(args[1:], " "))
		id, secret, err := store.CreateAPIKey(ctx, name)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "id:    %s\n", id)
		fmt.Fprintf(out, "token: %s\n", middleware.FormatAPIKey(id, secret))
		fmt.Fprintln(out, "The token is shown once. Send it as \"Authorization: Bearer <token>\".")
		return nil

	case "list":
		keys, err := store.ListAPIKeys(ctx)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tNAME\tCREATED")
		for _, key := range keys {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", key.ID, key.Name, key.CreatedAt.UTC().Format(time.RFC3339))
		}
		return tw.Flush()

	case "revoke":
		if len(args) != 2 || strings.TrimSpace(args[1]) == "" {
			return errors.New(apiKeyUsage)
		}
		id := strings.TrimSpace(args[1])
		if err := store.RevokeAPIKey(ctx, id); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("api key %q not found", id)
			}
			return err
		}
		fmt.Fprintf(out, "revoked %s\n", id)
		return nil

	default:
		return errors.New(apiKeyUsage)
	}
}
