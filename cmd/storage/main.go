/*
Copyright 2025 Supabase, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Command storage runs the multi-tenant storage substrate.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/gravitational/trace"
	"github.com/spf13/cobra"

	"github.com/supabase/storage-sub002"
	"github.com/supabase/storage-sub002/lib/config"
	"github.com/supabase/storage-sub002/lib/logutils"
	"github.com/supabase/storage-sub002/lib/migrations"
	"github.com/supabase/storage-sub002/lib/service"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, trace.UserMessage(err))
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var envFile string
	root := &cobra.Command{
		Use:           "storage",
		Short:         "Supabase storage substrate",
		Version:       storage.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file to load before reading the environment")

	root.AddCommand(newServeCommand(&envFile))
	root.AddCommand(newMigrateCommand(&envFile))
	return root
}

func loadConfig(envFile string) (*config.Config, error) {
	cfg, err := config.FromEnv(envFile)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	logutils.Init(cfg.LogLevel)
	return cfg, nil
}

func newServeCommand(envFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the storage service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*envFile)
			if err != nil {
				return trace.Wrap(err)
			}
			svc, err := service.New(cmd.Context(), cfg)
			if err != nil {
				return trace.Wrap(err)
			}
			return trace.Wrap(svc.Run(cmd.Context()))
		},
	}
}

func newMigrateCommand(envFile *string) *cobra.Command {
	var tenantID string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply tenant database migrations and exit",
		Long: `Apply tenant database migrations and exit.

Single-tenant deployments migrate their own database. Multitenant
deployments migrate the named tenant with --tenant, or every lagging
tenant when the flag is omitted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*envFile)
			if err != nil {
				return trace.Wrap(err)
			}
			return trace.Wrap(runMigrate(cmd.Context(), cfg, tenantID))
		},
	}
	cmd.Flags().StringVar(&tenantID, "tenant", "", "migrate only the named tenant")
	return cmd
}

func runMigrate(ctx context.Context, cfg *config.Config, tenantID string) error {
	svc, err := service.New(ctx, cfg)
	if err != nil {
		return trace.Wrap(err)
	}

	if !cfg.IsMultitenant {
		return trace.Wrap(svc.Engine.Run(ctx, migrations.RunOptions{
			DatabaseURL: cfg.DatabaseURL,
			WaitForLock: true,
		}))
	}

	if tenantID != "" {
		tenant, err := svc.Store.GetTenant(ctx, tenantID)
		if err != nil {
			return trace.Wrap(err)
		}
		return trace.Wrap(svc.Engine.Run(ctx, migrations.RunOptions{
			DatabaseURL: tenant.DatabaseURL,
			TenantID:    tenant.ID,
			WaitForLock: true,
		}))
	}

	return trace.Wrap(migrateFleet(ctx, svc))
}

// migrateFleet walks every lagging tenant and migrates it synchronously.
func migrateFleet(ctx context.Context, svc *service.Service) error {
	target := svc.Engine.TargetVersion()
	var migrated, failed int
	var cursor int64
	for {
		refs, err := svc.Store.ListTenantsToMigrate(ctx, target, 100, cursor)
		if err != nil {
			return trace.Wrap(err)
		}
		if len(refs) == 0 {
			break
		}
		for _, ref := range refs {
			tenant, err := svc.Store.GetTenant(ctx, ref.ID)
			if err != nil {
				if trace.IsNotFound(err) {
					continue
				}
				return trace.Wrap(err)
			}
			err = svc.Engine.Run(ctx, migrations.RunOptions{
				DatabaseURL: tenant.DatabaseURL,
				TenantID:    tenant.ID,
				WaitForLock: true,
			})
			if err != nil {
				// the engine already recorded the failure on the tenant row
				failed++
				continue
			}
			migrated++
		}
		cursor = refs[len(refs)-1].CursorID
	}
	if failed > 0 {
		return trace.Errorf("migrated %d tenants, %d failed", migrated, failed)
	}
	fmt.Printf("migrated %d tenants to %s\n", migrated, target)
	return nil
}
