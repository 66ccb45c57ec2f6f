// cmd/recovery/conflicts.go
package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"recovery/internal/api"
	"recovery/internal/client"
	"recovery/internal/concurrency"
	"recovery/internal/store"
)

// conflictBackend is satisfied by the local store and by a running watch
// server, which holds the store lock.
type conflictBackend interface {
	Conflicts(ctx context.Context, path string) ([]concurrency.ConflictInfo, error)
	Conflict(ctx context.Context, id string) (concurrency.ConflictInfo, error)
	Diff(ctx context.Context, id string) (string, error)
	Resolve(ctx context.Context, id string, strategy concurrency.Resolution) (api.ResolveResponse, error)
}

type localConflicts struct {
	s *store.Store
}

func (l localConflicts) Conflicts(ctx context.Context, path string) ([]concurrency.ConflictInfo, error) {
	all, err := l.s.Conflicts()
	if err != nil || path == "" {
		return all, err
	}
	var out []concurrency.ConflictInfo
	for _, c := range all {
		if c.Path == path {
			out = append(out, c)
		}
	}
	return out, nil
}

func (l localConflicts) Conflict(ctx context.Context, id string) (concurrency.ConflictInfo, error) {
	return l.s.Conflict(id)
}

func (l localConflicts) Diff(ctx context.Context, id string) (string, error) {
	c, err := l.s.Conflict(id)
	if err != nil {
		return "", err
	}
	res, err := l.s.ConflictDiff(ctx, c)
	if err != nil {
		return "", err
	}
	return res.Format(), nil
}

func (l localConflicts) Resolve(ctx context.Context, id string, strategy concurrency.Resolution) (api.ResolveResponse, error) {
	c, err := l.s.Conflict(id)
	if err != nil {
		return api.ResolveResponse{}, err
	}
	res, err := l.s.Resolve(c.Path, c, strategy)
	if err != nil {
		return api.ResolveResponse{}, err
	}
	return api.ResolveResponse{
		Result:   res.Kind.String(),
		Branch:   res.Branch,
		Degraded: res.Degraded,
		Conflict: res.Conflict,
	}, nil
}

// openConflicts returns the remote backend when --remote is set, otherwise
// the local store.
func openConflicts(cmd *cobra.Command) (conflictBackend, func(), error) {
	if remote, _ := cmd.Flags().GetString("remote"); remote != "" {
		return client.New(remote), func() {}, nil
	}
	s, err := openStore()
	if err != nil {
		return nil, nil, err
	}
	return localConflicts{s: s}, func() { s.Close() }, nil
}

var conflictsCmd = &cobra.Command{
	Use:     "conflicts",
	Aliases: []string{"conflict"},
	Short:   "List and resolve recorded conflicts",
	RunE:    listConflicts,
}

var conflictsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List unresolved conflicts",
	RunE:  listConflicts,
}

func listConflicts(cmd *cobra.Command, args []string) error {
	backend, done, err := openConflicts(cmd)
	if err != nil {
		return err
	}
	defer done()

	path, _ := cmd.Flags().GetString("path")
	conflicts, err := backend.Conflicts(cmd.Context(), path)
	if err != nil {
		return err
	}
	if len(conflicts) == 0 {
		fmt.Println("no conflicts")
		return nil
	}
	for _, c := range conflicts {
		fmt.Printf("%s %s %s %s\n",
			yellow(c.ID), c.Path, c.Class, faint(c.Timestamp.Format(time.RFC3339)))
	}
	return nil
}

var conflictsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one conflict",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		backend, done, err := openConflicts(cmd)
		if err != nil {
			return err
		}
		defer done()

		c, err := backend.Conflict(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("conflict %s\n", yellow(c.ID))
		fmt.Printf("path:     %s\n", c.Path)
		fmt.Printf("class:    %s\n", c.Class)
		fmt.Printf("base:     %s\n", c.BaseDigest.Short())
		fmt.Printf("current:  %s\n", c.CurrentDigest.Short())
		fmt.Printf("proposed: %s\n", c.ProposedDigest.Short())
		fmt.Printf("session:  %s\n", c.ConflictingSession)
		fmt.Printf("strategy: %s\n", c.ResolutionStrategy)
		fmt.Printf("time:     %s\n", c.Timestamp.Format(time.RFC3339))
		return nil
	},
}

var conflictsDiffCmd = &cobra.Command{
	Use:   "diff <id>",
	Short: "Diff the current content against the rejected proposal",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		backend, done, err := openConflicts(cmd)
		if err != nil {
			return err
		}
		defer done()

		c, err := backend.Conflict(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		out, err := backend.Diff(cmd.Context(), c.ID)
		if err != nil {
			return err
		}
		fmt.Printf("--- %s (current)\n+++ %s (proposed)\n", c.Path, c.Path)
		if out == "" {
			fmt.Println(faint("contents are identical"))
			return nil
		}
		printColoredDiff(out)
		return nil
	},
}

var conflictsResolveCmd = &cobra.Command{
	Use:   "resolve <id> <strategy>",
	Short: "Resolve a conflict",
	Long: `Resolves a conflict with one of: auto_merge, manual, reject, branch,
use_newer, use_older.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		strategy, err := concurrency.ParseResolution(args[1])
		if err != nil {
			return err
		}
		backend, done, err := openConflicts(cmd)
		if err != nil {
			return err
		}
		defer done()

		res, err := backend.Resolve(cmd.Context(), args[0], strategy)
		if err != nil {
			return err
		}
		switch res.Result {
		case concurrency.Success.String():
			fmt.Printf("%s %s\n", green("resolved"), args[0])
		case concurrency.Branched.String():
			fmt.Printf("%s %s onto %s\n", blue("branched"), args[0], res.Branch)
		case concurrency.Rejected.String():
			fmt.Printf("%s proposal %s\n", red("rejected"), args[0])
		default:
			fmt.Printf("%s %s still needs manual resolution\n", yellow("conflict"), args[0])
		}
		if res.Degraded {
			fmt.Println(faint("auto merge is unavailable; fell back to manual"))
		}
		return nil
	},
}

func init() {
	conflictsCmd.PersistentFlags().String("remote", "", "URL of a running 'recovery watch --listen' server")
	conflictsCmd.PersistentFlags().String("path", "", "only list conflicts for this workspace path")

	conflictsCmd.AddCommand(conflictsListCmd)
	conflictsCmd.AddCommand(conflictsShowCmd)
	conflictsCmd.AddCommand(conflictsDiffCmd)
	conflictsCmd.AddCommand(conflictsResolveCmd)
	rootCmd.AddCommand(conflictsCmd)
}
