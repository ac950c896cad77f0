// Command keygen provisions tenants and API keys in the gateway registry.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/urfave/cli/v3"

	"github.com/widgetkit/gateway/internal/core/domain"
	"github.com/widgetkit/gateway/internal/credential"
	"github.com/widgetkit/gateway/internal/pkg/config"
	"github.com/widgetkit/gateway/internal/storage/registry"
)

func main() {
	_ = godotenv.Load()

	cmd := &cli.Command{
		Name:  "keygen",
		Usage: "manage widget gateway tenants and API keys",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Value:   config.DefaultPath,
				Usage:   "path to config.yaml (registry settings)",
				Sources: cli.EnvVars("WIDGET_CONFIG"),
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "hash",
				Usage:     "print the stored hash of an existing key",
				ArgsUsage: "<api-key>",
				Action:    hashKey,
			},
			{
				Name:   "generate",
				Usage:  "generate a key without storing it",
				Action: generate,
			},
			{
				Name:  "tenant",
				Usage: "tenant operations",
				Commands: []*cli.Command{
					{
						Name:  "create",
						Usage: "register a tenant",
						Flags: []cli.Flag{
							&cli.StringFlag{Name: "id", Required: true},
							&cli.StringFlag{Name: "name", Required: true},
							&cli.StringFlag{Name: "domain", Usage: "site domain; its http(s) and www variants become allowed origins"},
							&cli.StringSliceFlag{Name: "origin", Usage: "extra allowed origin (repeatable)"},
							&cli.StringFlag{Name: "format", Usage: "preferred response format (json or html)"},
							&cli.BoolFlag{Name: "update", Usage: "overwrite the profile of an existing tenant"},
						},
						Action: createTenant,
					},
					{
						Name:      "suspend",
						Usage:     "suspend a tenant",
						ArgsUsage: "<tenant-id>",
						Action:    setTenantStatus(domain.StatusSuspended),
					},
					{
						Name:      "activate",
						Usage:     "reactivate a tenant",
						ArgsUsage: "<tenant-id>",
						Action:    setTenantStatus(domain.StatusActive),
					},
				},
			},
			{
				Name:  "key",
				Usage: "API key operations",
				Commands: []*cli.Command{
					{
						Name:  "create",
						Usage: "issue an API key for a tenant",
						Flags: []cli.Flag{
							&cli.StringFlag{Name: "tenant", Required: true},
							&cli.StringFlag{Name: "name", Value: "default"},
							&cli.StringSliceFlag{Name: "permission", Value: []string{string(domain.PermWildcard)}, Usage: "granted permission (repeatable)"},
							&cli.IntFlag{Name: "rpm", Usage: "per-key requests per minute (0 uses the tenant or global ceiling)"},
							&cli.DurationFlag{Name: "expires", Value: 365 * 24 * time.Hour},
						},
						Action: createKey,
					},
					{
						Name:      "revoke",
						Usage:     "revoke an API key",
						ArgsUsage: "<credential-id>",
						Action:    revokeKey,
					},
				},
			},
			{
				Name:  "usage",
				Usage: "show hourly usage for a tenant",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "tenant", Required: true},
					&cli.IntFlag{Name: "limit", Value: 48},
				},
				Action: showUsage,
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func hashKey(_ context.Context, cmd *cli.Command) error {
	key := cmd.Args().First()
	if key == "" {
		return cli.Exit("usage: keygen hash <api-key>", 2)
	}
	if !credential.ValidFormat(key) {
		return cli.Exit("not a gateway API key", 2)
	}
	fmt.Printf("API Key: %s\n", key)
	fmt.Printf("SHA-256 Hash: %s\n", credential.HashKey(key))
	fmt.Printf("Prefix: %s\n", credential.Prefix(key))
	return nil
}

func generate(_ context.Context, _ *cli.Command) error {
	key, err := credential.GenerateKey()
	if err != nil {
		return err
	}
	fmt.Printf("API Key: %s\n", key)
	fmt.Printf("SHA-256 Hash: %s\n", credential.HashKey(key))
	return nil
}

func openRegistry(cmd *cli.Command) (*registry.Store, error) {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return nil, err
	}
	return registry.New(registry.Config{Driver: cfg.Registry.Driver, DSN: cfg.Registry.DSN})
}

func createTenant(ctx context.Context, cmd *cli.Command) error {
	format := cmd.String("format")
	if format != "" && format != "json" && format != "html" {
		return cli.Exit("--format must be json or html", 2)
	}
	if id := cmd.String("id"); !domain.ValidTenantID(id) {
		return cli.Exit(fmt.Sprintf("--id %q: use letters, digits, '-' or '_' (at most 64)", id), 2)
	}

	store, err := openRegistry(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	t := &domain.Tenant{
		ID:             cmd.String("id"),
		Name:           cmd.String("name"),
		Domain:         strings.ToLower(cmd.String("domain")),
		AllowedOrigins: cmd.StringSlice("origin"),
		Settings:       domain.TenantSettings{ResponseFormat: format},
	}
	if cmd.Bool("update") {
		if err := store.UpsertTenant(ctx, t); err != nil {
			return err
		}
		fmt.Printf("Tenant %s saved\n", t.ID)
		return nil
	}
	if err := store.CreateTenant(ctx, t); err != nil {
		return err
	}
	fmt.Printf("Tenant %s created\n", t.ID)
	return nil
}

func setTenantStatus(status string) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		id := cmd.Args().First()
		if id == "" {
			return cli.Exit("tenant id required", 2)
		}
		store, err := openRegistry(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.SetTenantStatus(ctx, id, status); err != nil {
			return err
		}
		fmt.Printf("Tenant %s is now %s\n", id, status)
		return nil
	}
}

func createKey(ctx context.Context, cmd *cli.Command) error {
	var perms []domain.Permission
	for _, p := range cmd.StringSlice("permission") {
		perm := domain.Permission(p)
		if !domain.IsKnownPermission(perm) {
			return cli.Exit(fmt.Sprintf("unknown permission %q", p), 2)
		}
		perms = append(perms, perm)
	}

	store, err := openRegistry(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	tenantID := cmd.String("tenant")
	if _, err := store.GetTenant(ctx, tenantID); err != nil {
		return err
	}

	key, err := credential.GenerateKey()
	if err != nil {
		return err
	}
	c := &domain.Credential{
		ID:                 uuid.NewString(),
		TenantID:           tenantID,
		KeyHash:            credential.HashKey(key),
		KeyPrefix:          credential.Prefix(key),
		Name:               cmd.String("name"),
		Permissions:        perms,
		RateLimitPerMinute: cmd.Int("rpm"),
		ExpiresAt:          time.Now().Add(cmd.Duration("expires")).UTC(),
	}
	if err := store.CreateCredential(ctx, c); err != nil {
		return err
	}

	fmt.Printf("Credential ID: %s\n", c.ID)
	fmt.Printf("API Key: %s\n", key)
	fmt.Printf("Expires: %s\n", c.ExpiresAt.Format(time.RFC3339))
	fmt.Println("\nThe key is shown once; only its hash is stored.")
	return nil
}

func revokeKey(ctx context.Context, cmd *cli.Command) error {
	id := cmd.Args().First()
	if id == "" {
		return cli.Exit("credential id required", 2)
	}
	store, err := openRegistry(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.RevokeCredential(ctx, id); err != nil {
		return err
	}
	fmt.Printf("Credential %s revoked\n", id)
	return nil
}

func showUsage(ctx context.Context, cmd *cli.Command) error {
	store, err := openRegistry(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	rows, err := store.ListHourly(ctx, cmd.String("tenant"), cmd.Int("limit"))
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(rows)
}
