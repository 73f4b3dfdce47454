package main

import (
	"fmt"
	"io"
	"os"

	"github.com/iontrap-lab/backend/internal/profile"
	"github.com/spf13/cobra"
)

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Export and import AutoLoader profiles as YAML",
}

var profileExportCmd = &cobra.Command{
	Use:   "export NAME FILE",
	Short: `Write a stored profile to a YAML file ("-" for stdout)`,
	Args:  cobra.ExactArgs(2),
	RunE:  runProfileExport,
}

var profileImportCmd = &cobra.Command{
	Use:   "import FILE",
	Short: `Store a profile read from a YAML file ("-" for stdin)`,
	Long: `Validates and stores the profile. A stored profile of the same name is
replaced; if it is the active one the running service picks it up on its next
start.`,
	Args: cobra.ExactArgs(1),
	RunE: runProfileImport,
}

func init() {
	profileCmd.AddCommand(profileExportCmd, profileImportCmd)
}

func openRegistry(cmd *cobra.Command) (*profile.Registry, *stores, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	st, err := openStores(cmd.Context(), cfg)
	if err != nil {
		return nil, nil, err
	}
	registry, err := profile.NewRegistry(cmd.Context(), logger, st.settings)
	if err != nil {
		st.Close()
		return nil, nil, fmt.Errorf("failed to load profiles: %w", err)
	}
	return registry, st, nil
}

func runProfileExport(cmd *cobra.Command, args []string) error {
	registry, st, err := openRegistry(cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	p, err := registry.Get(args[0])
	if err != nil {
		return err
	}
	if args[1] == "-" {
		return profile.ExportYAML(cmd.OutOrStdout(), p)
	}
	f, err := os.Create(args[1])
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", args[1], err)
	}
	if err := profile.ExportYAML(f, p); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func runProfileImport(cmd *cobra.Command, args []string) error {
	var r io.Reader = cmd.InOrStdin()
	if args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", args[0], err)
		}
		defer f.Close()
		r = f
	}
	p, err := profile.ImportYAML(r)
	if err != nil {
		return err
	}

	registry, st, err := openRegistry(cmd)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := registry.Save(cmd.Context(), p); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "imported profile %q\n", p.Name)
	return nil
}
