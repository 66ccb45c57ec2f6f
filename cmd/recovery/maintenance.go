// cmd/recovery/maintenance.go
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"recovery/internal/client"
	"recovery/internal/store"
)

var packCmd = &cobra.Command{
	Use:   "pack",
	Short: "Inspect pack files",
}

var packStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show pack counts and sizes",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		stats, err := s.Stats()
		if err != nil {
			return err
		}
		p := stats.Packs
		fmt.Printf("packs:   %d active, %d sealed\n", p.ActivePacks, p.SealedPacks)
		fmt.Printf("objects: %d packed, %d loose\n", p.TotalObjects, stats.LooseObjects)
		fmt.Printf("size:    %s\n", humanize.Bytes(p.TotalSize))
		return nil
	},
}

var packVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Rehash every stored object",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		report, err := s.Verify(cmd.Context())
		if err != nil {
			return err
		}
		for _, c := range report.Corrupt {
			what := c.Digest.Short()
			if c.Pack != "" {
				what = "pack " + c.Pack
			}
			fmt.Printf("%s %s (%s): %s\n", red("corrupt"), what, c.Where, c.Error)
		}
		if !report.OK() {
			return fmt.Errorf("%d problems found verifying %d objects", len(report.Corrupt), report.Checked)
		}
		fmt.Printf("%s %d objects\n", green("verified"), report.Checked)
		return nil
	},
}

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Sweep unreachable objects and pack cold ones",
	RunE: func(cmd *cobra.Command, args []string) error {
		if dry, _ := cmd.Flags().GetBool("dry-run"); dry {
			appConfig.GC.DryRun = true
		}
		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		res, err := s.GC(cmd.Context())
		if err != nil {
			return err
		}
		verb := "swept"
		if res.DryRun {
			verb = "would sweep"
		}
		fmt.Printf("%d reachable, %d unreachable (%d in grace period)\n", res.Reachable, res.Unreachable, res.GracePeriod)
		fmt.Printf("%s %d objects, %s freed; packed %d in %s\n",
			verb, res.Swept, humanize.Bytes(uint64(res.BytesFreed)), res.Packed, res.Duration)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print store statistics as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		var stats store.Stats
		if remote, _ := cmd.Flags().GetString("remote"); remote != "" {
			remoteStats, err := client.New(remote).Stats(cmd.Context())
			if err != nil {
				return err
			}
			stats = remoteStats
		} else {
			s, err := openStore()
			if err != nil {
				return err
			}
			defer s.Close()

			stats, err = s.Stats()
			if err != nil {
				return err
			}
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(stats)
	},
}

func init() {
	statusCmd.Flags().String("remote", "", "URL of a running 'recovery watch --listen' server")
	gcCmd.Flags().Bool("dry-run", false, "report what would be swept without deleting")

	packCmd.AddCommand(packStatsCmd)
	packCmd.AddCommand(packVerifyCmd)
	rootCmd.AddCommand(packCmd)
	rootCmd.AddCommand(gcCmd)
	rootCmd.AddCommand(statusCmd)
}
