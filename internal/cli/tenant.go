package cli

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/quickwind/workflow/internal/config"
	"github.com/quickwind/workflow/internal/storage"
)

// NewTenantCommand groups tenant administration subcommands.
func NewTenantCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage tenants",
	}

	cmd.AddCommand(newTenantAddCommand())
	return cmd
}

type tenantAddOptions struct {
	name       string
	slug       string
	apiKey     string
	jsonOutput bool
}

func newTenantAddCommand() *cobra.Command {
	opts := &tenantAddOptions{}

	cmd := &cobra.Command{
		Use:   "add --name <name> --slug <slug>",
		Short: "Register a tenant and issue its API key",
		Long:  "Creates a tenant against the configured storage backend and prints the raw API key once. The key is also the tenant's callback signing secret; only its hash is stored.",
		RunE: func(_ *cobra.Command, _ []string) error {
			if opts.name == "" {
				return fmt.Errorf("--name is required")
			}
			slug := strings.TrimSpace(opts.slug)
			if slug == "" {
				slug = strings.ToLower(strings.ReplaceAll(opts.name, " ", "-"))
			}

			rawKey := opts.apiKey
			if rawKey == "" {
				buf := make([]byte, 24)
				if _, err := rand.Read(buf); err != nil {
					return fmt.Errorf("generate api key: %w", err)
				}
				rawKey = "wf_" + hex.EncodeToString(buf)
			}

			cfg, err := config.LoadConfig(ResolvedConfigPath())
			if err != nil {
				return err
			}
			store, err := storage.New(storage.Config{
				Mode:         cfg.Storage.Mode,
				DatabasePath: cfg.Storage.Local.DatabasePath,
				PostgresDSN:  cfg.Storage.Postgres.DSN,
			})
			if err != nil {
				return fmt.Errorf("open storage: %w", err)
			}
			defer store.Close()

			tenant, err := store.CreateTenant(context.Background(), opts.name, slug, rawKey)
			if err != nil {
				return fmt.Errorf("create tenant: %w", err)
			}

			if opts.jsonOutput {
				encoder := json.NewEncoder(os.Stdout)
				encoder.SetIndent("", "  ")
				return encoder.Encode(map[string]string{
					"tenant_id": tenant.ID,
					"slug":      tenant.Slug,
					"api_key":   rawKey,
				})
			}

			fmt.Printf("Created tenant: %s (%s)\n", tenant.Name, tenant.ID)
			fmt.Printf("API key (save it now, it is not shown again): %s\n", rawKey)
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.name, "name", "", "Tenant display name (required)")
	cmd.Flags().StringVar(&opts.slug, "slug", "", "Tenant slug (default: derived from name)")
	cmd.Flags().StringVar(&opts.apiKey, "api-key", "", "Use a specific API key instead of generating one")
	cmd.Flags().BoolVar(&opts.jsonOutput, "json", false, "Print raw JSON response")

	return cmd
}
