package commands

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/voxlink/voxlink/pkg/cli"
	"github.com/voxlink/voxlink/pkg/jsontime"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage CLI configuration",
	Long: `Manage backend contexts.

A context names one backend deployment: its endpoint, default worker,
and credentials. The current context is used by chat and history
unless --context overrides it.

Examples:
  voxchat config list-contexts
  voxchat config add-context dev --endpoint wss://chat.example.com/ws --worker worker-1
  voxchat config use-context dev
  voxchat config current-context
  voxchat config show dev
  voxchat config import contexts.yaml`,
}

var configListContextsCmd = &cobra.Command{
	Use:     "list-contexts",
	Aliases: []string{"ls"},
	Short:   "List all contexts",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := GetConfig()
		if err != nil {
			return err
		}
		names := cfg.ListContexts()

		if len(names) == 0 {
			fmt.Println("No contexts configured.")
			fmt.Println("Create one with: voxchat config add-context <name> --endpoint <uri>")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "CURRENT\tNAME\tENDPOINT\tWORKER")
		for _, name := range names {
			current := ""
			if name == cfg.CurrentContext {
				current = "*"
			}
			ctx := cfg.Contexts[name]
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", current, name, ctx.Endpoint, ctx.WorkerID)
		}
		w.Flush()
		return nil
	},
}

var (
	addContextFlags cli.Context

	// pflag only binds time.Duration; copied into the context on save.
	addSessionTimeout time.Duration
	addIdleTimeout    time.Duration
)

var configAddContextCmd = &cobra.Command{
	Use:   "add-context <name>",
	Short: "Create or update a context",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := GetConfig()
		if err != nil {
			return err
		}
		name := args[0]

		if addContextFlags.Endpoint == "" {
			return fmt.Errorf("--endpoint is required")
		}

		ctx := addContextFlags
		ctx.SessionTimeout = jsontime.Duration(addSessionTimeout)
		ctx.IdleTimeout = jsontime.Duration(addIdleTimeout)
		if err := cfg.AddContext(name, &ctx); err != nil {
			return err
		}
		cli.PrintSuccess("Context %q saved.", name)
		if cfg.CurrentContext != name {
			fmt.Printf("Activate it with: voxchat config use-context %s\n", name)
		}
		return nil
	},
}

var configDeleteContextCmd = &cobra.Command{
	Use:   "delete-context <name>",
	Short: "Delete a context",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := GetConfig()
		if err != nil {
			return err
		}
		if err := cfg.DeleteContext(args[0]); err != nil {
			return err
		}
		cli.PrintSuccess("Context %q deleted.", args[0])
		return nil
	},
}

var configUseContextCmd = &cobra.Command{
	Use:   "use-context <name>",
	Short: "Set the current context",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := GetConfig()
		if err != nil {
			return err
		}
		if err := cfg.UseContext(args[0]); err != nil {
			return err
		}
		cli.PrintSuccess("Switched to context %q.", args[0])
		return nil
	},
}

var configCurrentContextCmd = &cobra.Command{
	Use:   "current-context",
	Short: "Show the current context name",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := GetConfig()
		if err != nil {
			return err
		}
		if cfg.CurrentContext == "" {
			return fmt.Errorf("no current context set")
		}
		fmt.Println(cfg.CurrentContext)
		return nil
	},
}

var configShowOutput string

var configShowCmd = &cobra.Command{
	Use:   "show [name]",
	Short: "Show a context (auth token masked)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := GetConfig()
		if err != nil {
			return err
		}
		name := ""
		if len(args) == 1 {
			name = args[0]
		}
		ctx, err := cfg.ResolveContext(name)
		if err != nil {
			return err
		}

		masked := *ctx
		masked.AuthToken = cli.MaskToken(ctx.AuthToken)
		return cli.Output(&masked, cli.OutputOptions{Format: cli.OutputFormat(configShowOutput)})
	},
}

var configImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import contexts from a YAML or JSON file",
	Long: `Import contexts from a file, or from stdin when the file is
"-". The document holds a map of context name to context definition:

  contexts:
    dev:
      endpoint: wss://chat.example.com/ws
      worker_id: worker-1`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := GetConfig()
		if err != nil {
			return err
		}

		var doc struct {
			Contexts map[string]*cli.Context `yaml:"contexts" json:"contexts"`
		}
		if args[0] == "-" {
			err = cli.LoadFromStdin(&doc)
		} else {
			err = cli.LoadFile(args[0], &doc)
		}
		if err != nil {
			return err
		}
		if len(doc.Contexts) == 0 {
			return fmt.Errorf("no contexts found in %s", args[0])
		}

		for name, ctx := range doc.Contexts {
			if ctx.Endpoint == "" {
				return fmt.Errorf("context %q has no endpoint", name)
			}
			if err := cfg.AddContext(name, ctx); err != nil {
				return err
			}
		}
		cli.PrintSuccess("Imported %d context(s).", len(doc.Contexts))
		return nil
	},
}

func init() {
	f := configAddContextCmd.Flags()
	f.StringVar(&addContextFlags.Endpoint, "endpoint", "", "backend URI (ws/wss for socket, http/https for polling)")
	f.StringVar(&addContextFlags.WorkerID, "worker", "", "default worker id")
	f.StringVar(&addContextFlags.AuthToken, "token", "", "auth token")
	f.StringVar(&addContextFlags.RealtimeURL, "realtime-url", "", "voice API negotiation endpoint override")
	f.StringVar(&addContextFlags.Model, "model", "", "realtime model override")
	f.StringVar(&addContextFlags.Voice, "voice", "", "realtime voice override")
	f.StringVar(&addContextFlags.Instructions, "instructions", "", "agent instructions override")
	f.StringVar(&addContextFlags.Greeting, "greeting", "", "greeting spoken when the voice channel opens")
	f.StringVar(&addContextFlags.HistoryDir, "history-dir", "", "conversation history directory override")
	f.DurationVar(&addSessionTimeout, "session-timeout", 0, "session duration limit (e.g. 15m)")
	f.DurationVar(&addIdleTimeout, "idle-timeout", 0, "inactivity window before a check-in (e.g. 5m)")

	configShowCmd.Flags().StringVarP(&configShowOutput, "output", "o", "yaml", "output format (yaml|json)")

	configCmd.AddCommand(
		configListContextsCmd,
		configAddContextCmd,
		configDeleteContextCmd,
		configUseContextCmd,
		configCurrentContextCmd,
		configShowCmd,
		configImportCmd,
	)
	rootCmd.AddCommand(configCmd)
}
