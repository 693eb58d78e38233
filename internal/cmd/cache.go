package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"comfydeploy/internal/runcache"
)

var (
	cacheScope  string
	claimRemove bool
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage the per-user run id cache",
}

var cacheSaveCmd = &cobra.Command{
	Use:   "save RUN_ID...",
	Short: "Save run ids into a scope",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := runcache.New(cfg.Cache.UserDir, logger)
		for _, id := range args {
			if err := c.Save(cacheScope, id, clientFlag); err != nil {
				return err
			}
		}
		fmt.Fprintf(cmd.OutOrStdout(), "saved %d run id(s) in %s\n", len(args), cacheScope)
		return nil
	},
}

var cacheListCmd = &cobra.Command{
	Use:   "list",
	Short: "List live run ids, oldest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		entries, err := runcache.New(cfg.Cache.UserDir, logger).ListLive(cacheScope, clientFlag)
		if err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		for _, e := range entries {
			fmt.Fprintf(w, "%s\t%s\n", e.RunID, e.ModTime.Format(time.RFC3339))
		}
		return nil
	},
}

var cacheClaimCmd = &cobra.Command{
	Use:   "claim",
	Short: "Print the oldest run id; --remove=false keeps it",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := runcache.New(cfg.Cache.UserDir, logger).ClaimOldest(cacheScope, clientFlag, claimRemove)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), id)
		return nil
	},
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove every run id in a scope",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := runcache.New(cfg.Cache.UserDir, logger).Clear(cacheScope, clientFlag)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "cleared %d run id(s) from %s\n", n, cacheScope)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(cacheCmd)
	cacheCmd.PersistentFlags().StringVarP(&cacheScope, "scope", "s", "default", "Cache scope")
	cacheClaimCmd.Flags().BoolVar(&claimRemove, "remove", true, "Remove the claimed entry")

	cacheCmd.AddCommand(cacheSaveCmd, cacheListCmd, cacheClaimCmd, cacheClearCmd)
}
