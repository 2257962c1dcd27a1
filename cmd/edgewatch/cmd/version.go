package cmd

import (
	"runtime"

	"github.com/spf13/cobra"
)

var versionShort bool

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run:   runVersion,
}

func init() {
	versionCmd.Flags().BoolVar(&versionShort, "short", false, "Print the version number only")
	rootCmd.AddCommand(versionCmd)
}

func runVersion(cmd *cobra.Command, args []string) {
	if versionShort {
		cmd.Println(Version)
		return
	}
	cmd.Printf("edgewatch %s (commit %s, %s %s/%s)\n",
		Version, Commit, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
