package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "meteor",
	Short: "Meteor PKI is a certificate authority with a CMP endpoint",
	Long: `A certificate authority that manages a CA hierarchy, issues and revokes
certificates, publishes CRLs and OCSP responses, and serves CMP (RFC 4210)
enrollment.`,
	SilenceUsage: true,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "",
		"Config file (default: meteor.yaml in ., $HOME/.meteor or /etc/meteor)")
}
