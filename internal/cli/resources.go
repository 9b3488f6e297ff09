package cli

import (
	"fmt"
	"io/fs"

	"github.com/harun/frameloader/pkg/resources"
	"github.com/spf13/cobra"
)

var resourcesCmd = &cobra.Command{
	Use:   "resources [DIR]",
	Short: "List the resources the controller serves",
	Long: `List the files under the resources directory with the URL each one is
served at.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runResources,
}

func init() {
	rootCmd.AddCommand(resourcesCmd)
}

func runResources(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	res, err := resources.NewOS(cfg.ResourcesDir)
	if err != nil {
		return err
	}

	dir := ""
	if len(args) == 1 {
		dir = args[0]
	}

	out := cmd.OutOrStdout()
	return res.Walk(dir, func(p string, info fs.FileInfo) error {
		fmt.Fprintf(out, "%s\t%d\n", cfg.RootURL+p, info.Size())
		return nil
	})
}
