// cmd/recovery/restore.go
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"recovery/internal/digest"
	"recovery/internal/restore"
	"recovery/internal/store"
)

var restoreCmd = &cobra.Command{
	Use:   "restore [paths...]",
	Short: "Write recorded content back to the workspace",
	RunE: func(cmd *cobra.Command, args []string) error {
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		all, _ := cmd.Flags().GetBool("all")
		if len(args) == 0 && !all {
			return fmt.Errorf("specify paths to restore or --all")
		}
		if dryRun {
			appConfig.Restore.DryRun = true
		}

		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		targets := make(map[string]restore.FileMode)
		if all {
			for path := range s.FileStates() {
				targets[path] = restore.Regular
			}
		}
		for _, arg := range args {
			rel, err := workspacePath(s.Workspace(), arg)
			if err != nil {
				return err
			}
			targets[rel] = restore.Regular
		}
		for rel := range targets {
			if info, err := os.Lstat(filepath.Join(s.Workspace(), filepath.FromSlash(rel))); err == nil {
				targets[rel] = restore.ModeOf(info)
			}
		}

		plan, err := planFor(s, targets, cmd)
		if err != nil {
			return err
		}
		result, err := s.Restore(cmd.Context(), "cli", plan)
		if result != nil {
			for _, f := range result.Restored {
				verb := green("restored")
				if result.DryRun {
					verb = yellow("would restore")
				}
				fmt.Printf("%s %s %s\n", verb, f.Path, faint(humanize.Bytes(f.Size)))
			}
			sort.Slice(result.Failed, func(a, b int) bool { return result.Failed[a].Path < result.Failed[b].Path })
			for _, f := range result.Failed {
				fmt.Printf("%s %s: %s\n", red("failed"), f.Path, f.Error)
			}
		}
		if err != nil {
			return err
		}
		fmt.Printf("%d file(s), %s in %s\n", result.FilesRestored, humanize.Bytes(result.BytesRestored), result.Duration)
		if len(result.Failed) > 0 {
			return fmt.Errorf("%d file(s) failed to restore", len(result.Failed))
		}
		return nil
	},
}

func init() {
	restoreCmd.Flags().Bool("dry-run", false, "show what would be restored without writing")
	restoreCmd.Flags().Bool("all", false, "restore every recorded path")
	restoreCmd.Flags().String("at", "", "restore the version with this digest (see 'recovery log')")
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(logCmd)
}

var logCmd = &cobra.Command{
	Use:   "log <path>",
	Short: "List the recorded versions of a file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		rel, err := workspacePath(s.Workspace(), args[0])
		if err != nil {
			return err
		}
		versions, err := s.History(rel)
		if err != nil {
			return err
		}
		if len(versions) == 0 {
			fmt.Printf("no history for %s\n", rel)
			return nil
		}
		// newest first, like git log
		for i := len(versions) - 1; i >= 0; i-- {
			v := versions[i]
			fmt.Printf("%s %s %s %s\n",
				yellow(v.Digest.String()), faint(v.RecordedAt.Format(time.RFC3339)),
				v.Source, faint(humanize.Bytes(v.Size)))
		}
		return nil
	},
}

// planFor plans the current state of targets, or the --at version of a
// single target.
func planFor(s *store.Store, targets map[string]restore.FileMode, cmd *cobra.Command) (restore.Plan, error) {
	at, _ := cmd.Flags().GetString("at")
	if at == "" {
		return s.PlanRestore(targets)
	}
	if len(targets) != 1 {
		return restore.Plan{}, fmt.Errorf("--at needs exactly one path")
	}
	d, err := digest.Parse(at)
	if err != nil {
		return restore.Plan{}, fmt.Errorf("parsing --at: %w", err)
	}
	for rel, mode := range targets {
		return s.PlanRestoreVersion(rel, d, mode)
	}
	return restore.Plan{}, nil
}

// workspacePath turns a command line path into a workspace relative,
// slash separated one.
func workspacePath(workspace, arg string) (string, error) {
	abs, err := filepath.Abs(arg)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(workspace, abs)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("%s is outside the workspace %s", arg, workspace)
	}
	return filepath.ToSlash(rel), nil
}

func sortStrings(s []string) {
	sort.Strings(s)
}
