package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "trackerctl",
		Short:         "Operate the run tracker: manage tracked players, destinations and checks",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringP("tenant", "t", "", "Tenant (guild) id")

	root.AddCommand(trackCmd())
	root.AddCommand(untrackCmd())
	root.AddCommand(listCmd())
	root.AddCommand(setDestinationCmd())
	root.AddCommand(refreshMetadataCmd())
	root.AddCommand(checkCmd())
	root.AddCommand(checkAllCmd())
	root.AddCommand(tokenCmd())
	return root
}
