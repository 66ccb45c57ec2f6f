// cmd/recovery/branches.go
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"recovery/internal/restore"
)

var branchesCmd = &cobra.Command{
	Use:     "branches",
	Aliases: []string{"branch"},
	Short:   "List proposals kept by branch resolutions",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		branches, err := s.Branches()
		if err != nil {
			return err
		}
		if len(branches) == 0 {
			fmt.Println("no branches")
			return nil
		}
		for _, b := range branches {
			fmt.Printf("%s %s %s %s\n",
				blue(b.Name), b.Path, faint(b.Digest.Short()), faint(b.CreatedAt.Format(time.RFC3339)))
		}
		return nil
	},
}

var branchesRestoreCmd = &cobra.Command{
	Use:   "restore <name>",
	Short: "Write a branch's content over its path",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		b, err := s.Branch(args[0])
		if err != nil {
			return err
		}
		mode := restore.Regular
		if info, err := os.Lstat(filepath.Join(s.Workspace(), filepath.FromSlash(b.Path))); err == nil {
			mode = restore.ModeOf(info)
		}
		plan, err := s.PlanRestoreBranch(b.Name, mode)
		if err != nil {
			return err
		}
		res, err := s.Restore(cmd.Context(), "cli", plan)
		if err != nil {
			return err
		}
		if len(res.Failed) > 0 {
			return fmt.Errorf("restoring %s: %s", b.Path, res.Failed[0].Error)
		}
		fmt.Printf("%s %s from %s\n", green("restored"), b.Path, blue(b.Name))
		return nil
	},
}

var branchesDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Drop a branch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		if err := s.DeleteBranch(args[0]); err != nil {
			return err
		}
		fmt.Printf("%s %s\n", red("deleted"), args[0])
		return nil
	},
}

func init() {
	branchesCmd.AddCommand(branchesRestoreCmd)
	branchesCmd.AddCommand(branchesDeleteCmd)
	rootCmd.AddCommand(branchesCmd)
}
