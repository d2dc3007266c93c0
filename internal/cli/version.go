package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/locusai/locus/internal/buildinfo"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the locus version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(buildinfo.Current().String())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
