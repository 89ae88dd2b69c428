package cmd

import (
	"fmt"

	"github.com/george-hopkins/hcs12mem-sub000/pkg/targetdesc"
	"github.com/spf13/cobra"
)

var targetsCmd = &cobra.Command{
	Use:   "targets",
	Short: "List available target descriptions",
	Long: `List the target descriptions found in --target-dir, $HCS12MEM_TARGETS and the
built-in set. Descriptions in directories shadow built-in ones of the same name.

Examples:
  hcs12mem targets
  hcs12mem targets --target-dir ./targets`,
	Args: cobra.NoArgs,
	RunE: runTargets,
}

func init() {
	rootCmd.AddCommand(targetsCmd)
	targetsCmd.Flags().StringSliceVar(&targetDirs, "target-dir", nil, "additional target description directories")
}

func runTargets(cmd *cobra.Command, args []string) error {
	repo, err := targetdesc.NewRepository(targetDirs...)
	if err != nil {
		return err
	}
	descs, err := repo.List()
	if err != nil {
		return fmt.Errorf("list targets: %w", err)
	}
	if len(descs) == 0 {
		fmt.Println("No target descriptions found.")
		return nil
	}

	fmt.Printf("%-16s %-8s %s\n", "NAME", "FAMILY", "DESCRIPTION")
	for _, d := range descs {
		fmt.Printf("%-16s %-8s %s\n", d.Name, d.InfoDefault("family", "-"), d.InfoDefault("info", ""))
	}
	if dirs := repo.Dirs(); len(dirs) > 0 {
		fmt.Printf("\nSearched: %v and built-in targets\n", dirs)
	}
	return nil
}
