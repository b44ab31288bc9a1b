package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nsld/nsld/internal/ipc"
)

func checkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Test whether an nsld instance already holds the pidfile lock",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			running, err := ipc.Check(pidFile)
			if err != nil {
				return fmt.Errorf("check pidfile %s: %w", pidFile, err)
			}
			if running {
				fmt.Println("nsld is running")
				return nil
			}
			fmt.Println("nsld is not running")
			os.Exit(1)
			return nil
		},
	}
}
