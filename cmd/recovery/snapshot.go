// cmd/recovery/snapshot.go
package main

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"recovery/internal/concurrency"
	"recovery/internal/digest"
	"recovery/internal/store"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create an empty store",
	RunE: func(cmd *cobra.Command, args []string) error {
		root, err := filepath.Abs(appConfig.Store.Root)
		if err != nil {
			return fmt.Errorf("resolving store root: %w", err)
		}
		if err := store.Initialize(root); err != nil {
			return fmt.Errorf("initializing store: %w", err)
		}
		fmt.Println("Initialized empty recovery store in", root)
		return nil
	},
}

var snapshotCmd = &cobra.Command{
	Use:   "snapshot <paths...>",
	Short: "Record the current content of files",
	Long: `Records the content of every file under the given paths. Directories are
walked recursively; the store directory itself is skipped.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		session, _ := cmd.Flags().GetString("session")
		agent, _ := cmd.Flags().GetString("agent")
		iteration, _ := cmd.Flags().GetUint32("iteration")
		expect, _ := cmd.Flags().GetString("expect")

		var source concurrency.ChangeSource = concurrency.HumanEdit{UserID: currentUser()}
		if agent != "" {
			source = concurrency.AgentIteration{Iteration: iteration, AgentID: agent}
		}
		if session == "" {
			session = uuid.NewString()
		}

		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		files, err := collectFiles(s, args)
		if err != nil {
			return err
		}

		var precondition *digest.Digest
		if expect != "" {
			if len(files) != 1 {
				return fmt.Errorf("--expect needs exactly one file, got %d", len(files))
			}
			d, err := digest.Parse(expect)
			if err != nil {
				return fmt.Errorf("parsing --expect: %w", err)
			}
			precondition = &d
		}

		conflicts := 0
		for _, rel := range files {
			content, err := os.ReadFile(filepath.Join(s.Workspace(), filepath.FromSlash(rel)))
			if err != nil {
				return fmt.Errorf("reading %s: %w", rel, err)
			}
			d := digest.FromBytes(content)
			if current, ok := s.FileState(rel); ok && current == d && precondition == nil {
				fmt.Printf("%s %s\n", faint("unchanged"), rel)
				continue
			}

			res, err := s.Record(cmd.Context(), store.Change{
				Path:         rel,
				Content:      content,
				Precondition: precondition,
				Source:       source,
				SessionID:    session,
				AgentID:      agent,
			})
			if err != nil {
				return fmt.Errorf("recording %s: %w", rel, err)
			}

			switch res.Kind {
			case concurrency.Success:
				if err := s.Commit(rel); err != nil {
					return fmt.Errorf("committing %s: %w", rel, err)
				}
				fmt.Printf("%s %s %s\n", green("recorded"), rel, faint(d.Short()))
			case concurrency.Conflict:
				conflicts++
				fmt.Printf("%s %s (%s, id %s)\n", yellow("conflict"), rel, res.Conflict.Class, res.Conflict.ID)
			default:
				fmt.Printf("%s %s\n", res.Kind, rel)
			}
		}
		if conflicts > 0 {
			return fmt.Errorf("%d file(s) conflicted; see 'recovery conflicts'", conflicts)
		}
		return nil
	},
}

func init() {
	snapshotCmd.Flags().String("session", "", "session id (default random)")
	snapshotCmd.Flags().String("agent", "", "record as an agent iteration from this agent id")
	snapshotCmd.Flags().Uint32("iteration", 0, "agent iteration number")
	snapshotCmd.Flags().String("expect", "", "digest the single file must currently have")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(snapshotCmd)
}

func currentUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "local"
}

// collectFiles resolves args to sorted, workspace relative, slash separated
// file paths.
func collectFiles(s *store.Store, args []string) ([]string, error) {
	seen := make(map[string]bool)
	var out []string
	add := func(abs string) error {
		rel, err := workspacePath(s.Workspace(), abs)
		if err != nil {
			return err
		}
		if !seen[rel] {
			seen[rel] = true
			out = append(out, rel)
		}
		return nil
	}

	for _, arg := range args {
		abs, err := filepath.Abs(arg)
		if err != nil {
			return nil, err
		}
		err = filepath.WalkDir(abs, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				if path == s.Root() || d.Name() == ".git" {
					return filepath.SkipDir
				}
				return nil
			}
			if !d.Type().IsRegular() {
				return nil
			}
			return add(path)
		})
		if err != nil {
			return nil, fmt.Errorf("collecting %s: %w", arg, err)
		}
	}
	sortStrings(out)
	return out, nil
}
