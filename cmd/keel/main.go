// Package main provides the keel CLI.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"keel/internal/bundle"
	"keel/internal/core"
	"keel/internal/dag"
	"keel/internal/eventlog"
	"keel/internal/restack"
)

var rootCmd = &cobra.Command{
	Use:   "keel",
	Short: "Event-sourced commit graph tooling for Git repositories",
	Long: `Keel records commit visibility, rewrites, and ref movements in an
append-only event log, and repairs descendants of rewritten commits.`,
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize keel in a Git repository",
	RunE:  runInit,
}

var logCmd = &cobra.Command{
	Use:   "log",
	Short: "Show the commit graph",
	RunE:  runLog,
}

var hideCmd = &cobra.Command{
	Use:   "hide <commit>...",
	Short: "Hide commits from the graph",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runHide,
}

var unhideCmd = &cobra.Command{
	Use:   "unhide <commit>...",
	Short: "Restore hidden commits",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runUnhide,
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Record commits and ref movements made outside keel",
	RunE:  runSync,
}

var restackCmd = &cobra.Command{
	Use:   "restack",
	Short: "Replay descendants of rewritten or hidden commits",
	RunE:  runRestack,
}

var undoCmd = &cobra.Command{
	Use:   "undo",
	Short: "Revert the most recent transactions",
	RunE:  runUndo,
}

var redoCmd = &cobra.Command{
	Use:   "redo",
	Short: "Re-apply previously undone transactions",
	RunE:  runRedo,
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Show recent transactions from the event log",
	RunE:  runEvents,
}

var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Event log archive commands",
}

var archiveExportCmd = &cobra.Command{
	Use:   "export <file>",
	Short: "Export the event log to a compressed archive",
	Args:  cobra.ExactArgs(1),
	RunE:  runArchiveExport,
}

var archiveImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import an archive into an empty event log",
	Args:  cobra.ExactArgs(1),
	RunE:  runArchiveImport,
}

var (
	repoPath   string
	showAll    bool
	jsonFlag   bool
	stepCount  int
	eventLimit int
)

func init() {
	rootCmd.PersistentFlags().StringVar(&repoPath, "repo", ".", "Path to the Git repository")
	logCmd.Flags().BoolVar(&showAll, "all", false, "Include hidden and obsolete commits")
	logCmd.Flags().BoolVar(&jsonFlag, "json", false, "Output as JSON")
	undoCmd.Flags().IntVarP(&stepCount, "count", "n", 1, "Number of transactions")
	redoCmd.Flags().IntVarP(&stepCount, "count", "n", 1, "Number of transactions")
	eventsCmd.Flags().IntVarP(&eventLimit, "limit", "n", 10, "Number of transactions to show")

	archiveCmd.AddCommand(archiveExportCmd)
	archiveCmd.AddCommand(archiveImportCmd)

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(logCmd)
	rootCmd.AddCommand(hideCmd)
	rootCmd.AddCommand(unhideCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(restackCmd)
	rootCmd.AddCommand(undoCmd)
	rootCmd.AddCommand(redoCmd)
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(archiveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func openEnv() (*core.Env, error) {
	return core.Open(repoPath)
}

func runInit(cmd *cobra.Command, args []string) error {
	env, err := core.Init(repoPath)
	if err != nil {
		return err
	}
	defer env.Close()

	if _, err := env.Sync(cmd.Context()); err != nil {
		return fmt.Errorf("recording initial refs: %w", err)
	}
	fmt.Println("Initialized keel in .keel/")
	return nil
}

func runLog(cmd *cobra.Command, args []string) error {
	env, err := openEnv()
	if err != nil {
		return err
	}
	defer env.Close()

	snap, err := env.QueryDAG(cmd.Context())
	if err != nil {
		return err
	}

	commits := snap.All()
	if !showAll {
		commits = snap.Visible()
	}
	sort.Slice(commits, func(i, j int) bool {
		if commits[i].CommitTime != commits[j].CommitTime {
			return commits[i].CommitTime > commits[j].CommitTime
		}
		return commits[i].Hash > commits[j].Hash
	})

	if jsonFlag {
		output, err := json.MarshalIndent(commits, "", "  ")
		if err != nil {
			return fmt.Errorf("marshaling JSON: %w", err)
		}
		fmt.Println(string(output))
		return nil
	}

	refsByTarget := make(map[string][]string)
	for name, target := range snap.Refs() {
		refsByTarget[target] = append(refsByTarget[target], name)
	}

	for _, c := range commits {
		marker := "o"
		if c.OnMain {
			marker = "O"
		}
		switch c.Status {
		case dag.StatusHidden:
			marker = "x"
		case dag.StatusObsolete:
			marker = "~"
		}

		line := fmt.Sprintf("%s %s %s", marker, shortHash(c.Hash), firstLine(c.Message))
		if names := refsByTarget[c.Hash]; len(names) > 0 {
			sort.Strings(names)
			line += fmt.Sprintf(" (%s)", strings.Join(names, ", "))
		}
		fmt.Println(line)
	}
	return nil
}

func runHide(cmd *cobra.Command, args []string) error {
	return runVisibility(cmd, args, "Hid",
		func(env *core.Env, hashes []string) (int64, error) {
			return env.Hide(cmd.Context(), hashes...)
		})
}

func runUnhide(cmd *cobra.Command, args []string) error {
	return runVisibility(cmd, args, "Unhid",
		func(env *core.Env, hashes []string) (int64, error) {
			return env.Unhide(cmd.Context(), hashes...)
		})
}

func runVisibility(cmd *cobra.Command, args []string, verb string, apply func(*core.Env, []string) (int64, error)) error {
	env, err := openEnv()
	if err != nil {
		return err
	}
	defer env.Close()

	hashes := make([]string, 0, len(args))
	for _, arg := range args {
		hash, err := env.ResolveCommit(cmd.Context(), arg)
		if err != nil {
			return err
		}
		hashes = append(hashes, hash)
	}

	if _, err := apply(env, hashes); err != nil {
		return err
	}
	for _, h := range hashes {
		fmt.Printf("%s %s\n", verb, shortHash(h))
	}
	return nil
}

func runSync(cmd *cobra.Command, args []string) error {
	env, err := openEnv()
	if err != nil {
		return err
	}
	defer env.Close()

	txID, err := env.Sync(cmd.Context())
	if err != nil {
		return err
	}
	if txID == 0 {
		fmt.Println("Already up to date.")
		return nil
	}
	fmt.Printf("Synced (transaction %d)\n", txID)
	return nil
}

func runRestack(cmd *cobra.Command, args []string) error {
	env, err := openEnv()
	if err != nil {
		return err
	}
	defer env.Close()

	result, err := env.Restack(cmd.Context())
	if err != nil {
		return err
	}
	printRestackResult(result)
	if len(result.Conflicts) > 0 {
		return fmt.Errorf("%d subtrees conflicted", len(result.Conflicts))
	}
	return nil
}

func printRestackResult(result *restack.Result) {
	if len(result.Completed) == 0 && len(result.Conflicts) == 0 {
		fmt.Println("Nothing to restack.")
		return
	}
	for _, rw := range result.Completed {
		fmt.Printf("Replayed %s -> %s\n", shortHash(rw.Old), shortHash(rw.New))
	}
	for _, c := range result.Conflicts {
		fmt.Printf("Conflict at %s: %v\n", shortHash(c.Commit), c.Err)
	}
	for _, h := range result.Skipped {
		fmt.Printf("Skipped %s (conflicted subtree)\n", shortHash(h))
	}
}

func runUndo(cmd *cobra.Command, args []string) error {
	env, err := openEnv()
	if err != nil {
		return err
	}
	defer env.Close()

	result, err := env.Undo(cmd.Context(), stepCount)
	if err != nil {
		return err
	}
	fmt.Printf("Undid %d transactions (transaction %d)\n", len(result.Transactions), result.TxID)
	return nil
}

func runRedo(cmd *cobra.Command, args []string) error {
	env, err := openEnv()
	if err != nil {
		return err
	}
	defer env.Close()

	result, err := env.Redo(cmd.Context(), stepCount)
	if err != nil {
		return err
	}
	fmt.Printf("Redid %d transactions (transaction %d)\n", len(result.Transactions), result.TxID)
	return nil
}

func runEvents(cmd *cobra.Command, args []string) error {
	env, err := openEnv()
	if err != nil {
		return err
	}
	defer env.Close()

	txs, err := env.Log.Transactions(eventLimit)
	if err != nil {
		return err
	}
	if len(txs) == 0 {
		fmt.Println("No transactions recorded.")
		return nil
	}

	for _, tx := range txs {
		fmt.Printf("%d  %s  %s  %s\n",
			tx.ID, time.UnixMilli(tx.CreatedAt).UTC().Format(time.DateTime), tx.Actor, tx.Description)
		for _, e := range tx.Events {
			fmt.Printf("    %s\n", describeEvent(e))
		}
	}
	return nil
}

func describeEvent(e eventlog.Event) string {
	switch e.Kind {
	case eventlog.KindCommitRecorded:
		return fmt.Sprintf("recorded %s", shortHash(e.Commit))
	case eventlog.KindCommitHidden:
		return fmt.Sprintf("hid %s", shortHash(e.Commit))
	case eventlog.KindCommitUnhidden:
		return fmt.Sprintf("unhid %s", shortHash(e.Commit))
	case eventlog.KindCommitRewritten:
		return fmt.Sprintf("rewrote %s -> %s", shortHash(e.OldCommit), shortHash(e.NewCommit))
	case eventlog.KindRefUpdated:
		return fmt.Sprintf("moved %s %s -> %s", e.RefName, shortHash(e.OldTarget), shortHash(e.NewTarget))
	default:
		return string(e.Kind)
	}
}

func runArchiveExport(cmd *cobra.Command, args []string) error {
	env, err := openEnv()
	if err != nil {
		return err
	}
	defer env.Close()

	f, err := os.Create(args[0])
	if err != nil {
		return fmt.Errorf("creating archive: %w", err)
	}
	defer f.Close()

	if err := bundle.Export(env.Log, f); err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing archive: %w", err)
	}
	fmt.Printf("Exported event log to %s\n", args[0])
	return nil
}

func runArchiveImport(cmd *cobra.Command, args []string) error {
	env, err := openEnv()
	if err != nil {
		return err
	}
	defer env.Close()

	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("opening archive: %w", err)
	}
	defer f.Close()

	n, err := bundle.Import(env.Log, f)
	if err != nil {
		return err
	}
	fmt.Printf("Imported %d transactions\n", n)
	return nil
}

func shortHash(hash string) string {
	if len(hash) > 8 {
		return hash[:8]
	}
	return hash
}

func firstLine(s string) string {
	return strings.TrimRight(strings.SplitN(s, "\n", 2)[0], " \t\r")
}
