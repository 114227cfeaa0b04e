package main

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"saga-checkout/internal/config"
	"saga-checkout/internal/database"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "migrate [order|stock|payment]",
		Short:     "Apply the schema of one service to its database",
		Args:      cobra.ExactArgs(1),
		ValidArgs: database.Services,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc := args[0]
			if !slices.Contains(database.Services, svc) {
				return fmt.Errorf("unknown service %q", svc)
			}
			cfg, err := config.Load(svc, configPath)
			if err != nil {
				return err
			}
			db, err := database.Open(cmd.Context(), cfg.Database.URL)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := database.Migrate(cmd.Context(), db.DB(), svc); err != nil {
				return err
			}
			fmt.Printf("schema for %s applied\n", svc)
			return nil
		},
	}
}
