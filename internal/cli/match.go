package cli

import (
	"fmt"

	"github.com/harun/frameloader/pkg/matchpattern"
	"github.com/spf13/cobra"
)

var showRegexp bool

var matchCmd = &cobra.Command{
	Use:   "match PATTERN URL...",
	Short: "Test URLs against a match pattern",
	Long: `Test URLs against a match pattern such as "*://*.example.com/*" or a
regular expression written as /source/flags.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runMatch,
}

func init() {
	matchCmd.Flags().BoolVar(&showRegexp, "regexp", false, "print the compiled regular expression")
	rootCmd.AddCommand(matchCmd)
}

func runMatch(cmd *cobra.Command, args []string) error {
	m, err := matchpattern.Compile(args[0])
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if showRegexp {
		fmt.Fprintln(out, m.Source())
	}
	for _, url := range args[1:] {
		result := "no match"
		if m.Test(url) {
			result = "match"
		}
		fmt.Fprintf(out, "%s\t%s\n", result, url)
	}
	return nil
}
