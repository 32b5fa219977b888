package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const appName = "acctlinkd"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   appName,
	Short: "acctlinkd links and unlinks user identities during login",
	Long: `acctlinkd runs the two-phase account-linking engine behind an HTTP
webhook. A login pipeline posts each transaction to /v1/login/execute and,
after the nested login returns, to /v1/login/continue.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and runs it.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		fmt.Sprintf("config file (default is ./%s.yaml or /etc/%s/%s.yaml)", appName, appName, appName))
	rootCmd.AddCommand(serveCmd)
}
