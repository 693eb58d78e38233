// Package cmd holds the comfydeploy command line.
package cmd

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"comfydeploy/internal/config"
)

var (
	cfg    *config.Config
	logger *logrus.Logger

	userDirFlag string
	apiURLFlag  string
	clientFlag  string
)

var rootCmd = &cobra.Command{
	Use:   "comfydeploy",
	Short: "Run ComfyDeploy deployments and collect their outputs",
	Long: `comfydeploy submits runs to ComfyDeploy deployments, polls them until they
finish and downloads the produced images and videos.

It can serve the node pack over HTTP for a graph host, run a single job
from a YAML file, or manage the per-user run id cache.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg = config.Load()
		if userDirFlag != "" {
			cfg.Cache.UserDir = userDirFlag
		}
		if apiURLFlag != "" {
			cfg.Deploy.APIURL = apiURLFlag
		}
		config.ConfigureGlobalLogger()
		logger = config.NewLogger()
		return cfg.Validate()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&userDirFlag, "user-dir", "", "Run id cache root (overrides CD_USER_DIR)")
	rootCmd.PersistentFlags().StringVar(&clientFlag, "client", os.Getenv("CD_CLIENT_ID"), "Cache user; blank uses the default user")
	rootCmd.PersistentFlags().StringVar(&apiURLFlag, "api-url", "", "Deployment queue endpoint (overrides CD_API_URL)")
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
