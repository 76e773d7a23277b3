// cmd/catalog.go
package cmd

import (
	"github.com/spf13/cobra"

	"github.com/xkilldash9x/adprobe/internal/config"
)

// newCatalogCmd prints the pattern catalog scans would use, as YAML. Without
// catalog.path that is the built-in default, which makes a good starting
// point for a custom file.
func newCatalogCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "catalog",
		Short: "Prints the ad pattern catalog as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := fromContext(cmd.Context())
			if err != nil {
				return err
			}
			catalog, err := config.LoadCatalog(cfg.Catalog.Path)
			if err != nil {
				return err
			}
			return catalog.WriteYAML(cmd.OutOrStdout())
		},
	}
}
