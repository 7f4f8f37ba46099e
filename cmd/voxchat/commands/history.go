package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/voxlink/voxlink/pkg/cli"
	"github.com/voxlink/voxlink/pkg/voicechat"
)

var (
	historyWorker  string
	historySession string
	historyLimit   int
	historyJQ      string
	historyOutput  string
	historyFile    string
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Inspect stored conversation history",
	Long: `Dump the messages of one stored session.

Without --session the most recent session is used. The --jq flag
applies a jq expression to the message list before printing.

Examples:
  voxchat history
  voxchat history --session 7f2c... -o json
  voxchat history --jq '.[] | select(.type == "user") | .content'`,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, worker, err := openHistory()
		if err != nil {
			return err
		}
		defer store.Close()

		session := historySession
		if session == "" {
			session, err = latestSession(cmd.Context(), store, worker)
			if err != nil {
				return err
			}
		}

		msgs, err := store.Load(cmd.Context(), worker, session, historyLimit)
		if err != nil {
			return err
		}

		err = cli.Output(msgs, cli.OutputOptions{
			Format: cli.OutputFormat(historyOutput),
			Filter: historyJQ,
			File:   historyFile,
		})
		if err != nil {
			return err
		}
		if historyFile != "" {
			if fi, err := os.Stat(historyFile); err == nil {
				cli.PrintSuccess("Wrote %s to %s.", cli.FormatBytes(fi.Size()), historyFile)
			}
		}
		return nil
	},
}

var historySessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List stored session ids for the worker",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, worker, err := openHistory()
		if err != nil {
			return err
		}
		defer store.Close()

		sessions, err := store.Sessions(cmd.Context(), worker)
		if err != nil {
			return err
		}
		if len(sessions) == 0 {
			fmt.Printf("No stored sessions for worker %q.\n", worker)
			return nil
		}
		for _, s := range sessions {
			fmt.Println(s)
		}
		return nil
	},
}

// latestSession picks the session whose last message is newest.
// Session ids are random, so listing order says nothing about time.
func latestSession(ctx context.Context, store *voicechat.BadgerStore, worker string) (string, error) {
	sessions, err := store.Sessions(ctx, worker)
	if err != nil {
		return "", err
	}
	if len(sessions) == 0 {
		return "", fmt.Errorf("no stored sessions for worker %q", worker)
	}

	var best string
	var bestAt time.Time
	for _, s := range sessions {
		msgs, err := store.Load(ctx, worker, s, 1)
		if err != nil {
			return "", err
		}
		if len(msgs) == 0 {
			continue
		}
		at := msgs[len(msgs)-1].Timestamp.Time()
		if best == "" || at.After(bestAt) {
			best = s
			bestAt = at
		}
	}
	if best == "" {
		best = sessions[len(sessions)-1]
	}
	return best, nil
}

// openHistory resolves the context, the worker, and opens the badger
// history store.
func openHistory() (*voicechat.BadgerStore, string, error) {
	cfg, err := GetConfig()
	if err != nil {
		return nil, "", err
	}
	cctx, err := cfg.ResolveContext(contextName)
	if err != nil {
		return nil, "", err
	}

	worker := historyWorker
	if worker == "" {
		worker = cctx.WorkerID
	}
	if worker == "" {
		return nil, "", fmt.Errorf("no worker id: set one with --worker or in the context")
	}

	dir, err := resolveHistoryDir(cctx)
	if err != nil {
		return nil, "", err
	}
	store, err := voicechat.OpenBadgerStore(voicechat.BadgerStoreOptions{Dir: dir})
	if err != nil {
		return nil, "", fmt.Errorf("failed to open history store: %w", err)
	}
	return store, worker, nil
}

func init() {
	pf := historyCmd.PersistentFlags()
	pf.StringVarP(&historyWorker, "worker", "w", "", "worker id (default: context's worker)")

	f := historyCmd.Flags()
	f.StringVar(&historySession, "session", "", "session id (default: most recent)")
	f.IntVar(&historyLimit, "limit", 0, "max messages to return (default: history cap)")
	f.StringVar(&historyJQ, "jq", "", "jq expression applied to the message list")
	f.StringVarP(&historyOutput, "output", "o", "yaml", "output format (yaml|json|raw)")
	f.StringVarP(&historyFile, "file", "f", "", "write output to file instead of stdout")

	historyCmd.AddCommand(historySessionsCmd)
	rootCmd.AddCommand(historyCmd)
}
