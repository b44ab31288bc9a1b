// Package commands builds the nsld command tree: run, check, and
// version, following gobfdctl's cobra layout.
package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const (
	defaultConfigPath = "/etc/nsld.conf"
	defaultSocketPath = "/var/run/nsld/socket"
	defaultPIDFile    = "/var/run/nsld.pid"
)

var (
	configPath  string
	socketPath  string
	pidFile     string
	metricsAddr string
)

// rootCmd is the top-level cobra command for nsld.
var rootCmd = &cobra.Command{
	Use:   "nsld",
	Short: "Local NSS/PAM directory daemon",
	Long:  "nsld mediates name-service and PAM lookups to a remote LDAP directory over a Unix-domain socket.",
	// Silence cobra's built-in usage/error printing so we control it.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath,
		"path to the nsld.conf-style configuration file")
	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", defaultSocketPath,
		"path to the client-facing Unix domain socket")
	rootCmd.PersistentFlags().StringVar(&pidFile, "pidfile", defaultPIDFile,
		"path to the daemon's pidfile")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "",
		"address to serve Prometheus metrics on (empty disables the metrics server)")

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(checkCmd())
	rootCmd.AddCommand(versionCmd())
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
