package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/voxlink/voxlink/pkg/audio"
	"github.com/voxlink/voxlink/pkg/cli"
	"github.com/voxlink/voxlink/pkg/voicechat"
)

var (
	chatWorker     string
	chatVoice      bool
	chatNoHistory  bool
	chatNoGreeting bool
	chatMicFile    string
	chatMicRate    int
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start an interactive conversation",
	Long: `Start an interactive conversation with a worker.

Type a line and press enter to send it. Slash commands:

  /voice   start voice input (needs --mic-file or a capture backend)
  /mute    stop voice input
  /state   show the connection state
  /quit    end the session and exit

Ctrl-D also ends the session.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := GetConfig()
		if err != nil {
			return err
		}
		cctx, err := cfg.ResolveContext(contextName)
		if err != nil {
			return err
		}

		worker := chatWorker
		if worker == "" {
			worker = cctx.WorkerID
		}
		if worker == "" {
			return fmt.Errorf("no worker id: set one with --worker or in the context")
		}

		var store voicechat.Store
		if !chatNoHistory {
			dir, err := resolveHistoryDir(cctx)
			if err != nil {
				return err
			}
			bs, err := voicechat.OpenBadgerStore(voicechat.BadgerStoreOptions{Dir: dir})
			if err != nil {
				return fmt.Errorf("failed to open history store: %w", err)
			}
			defer bs.Close()
			store = bs
		}

		styles := cli.NewStyles(cli.DefaultTheme)

		greeting := cctx.Greeting
		if chatNoGreeting {
			greeting = ""
		}

		// A raw PCM file can stand in for a microphone; /voice streams
		// it over the voice channel.
		var device audio.Device
		if chatMicFile != "" {
			f, err := os.Open(chatMicFile)
			if err != nil {
				return fmt.Errorf("failed to open mic file: %w", err)
			}
			defer f.Close()
			device = audio.NewPCMDevice(f, chatMicRate)
		}

		vcfg := voicechat.Config{
			Endpoint:       cctx.Endpoint,
			WorkerID:       worker,
			AuthToken:      cctx.AuthToken,
			TextEnabled:    true,
			VoiceEnabled:   chatVoice,
			ToolsEnabled:   true,
			Model:          cctx.Model,
			Voice:          cctx.Voice,
			Instructions:   cctx.Instructions,
			Greeting:       greeting,
			RealtimeURL:    cctx.RealtimeURL,
			Device:         device,
			SessionTimeout: cctx.SessionTimeout.Duration(),
			IdleTimeout:    cctx.IdleTimeout.Duration(),
			Store:          store,
			OnMessage: func(m *voicechat.Message) {
				// The prompt already echoes user input.
				if m.Role == voicechat.RoleUser && !m.Automated {
					return
				}
				fmt.Println(styles.RenderLine(m.Role, m.Content))
			},
			OnStateChange: func(s voicechat.ConnectionState) {
				fmt.Println(styles.RenderStatus("connection: %s", s))
			},
			OnError: func(err error) {
				fmt.Println(styles.Error.Render("error: " + err.Error()))
			},
		}

		ctrl, err := voicechat.New(vcfg)
		if err != nil {
			return err
		}
		defer ctrl.Close()

		fmt.Println(styles.RenderBanner("voxchat", worker+" @ "+cctx.Endpoint))

		if err := ctrl.StartSession(cmd.Context()); err != nil {
			return fmt.Errorf("failed to start session: %w", err)
		}
		fmt.Println(styles.RenderStatus("session %s started", ctrl.SessionID()))

		scanner := bufio.NewScanner(os.Stdin)
		prompt := styles.User.Render("you ▸") + " "
		for {
			fmt.Print(prompt)
			if !scanner.Scan() {
				break
			}
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}

			if strings.HasPrefix(line, "/") {
				if quit := runSlashCommand(cmd.Context(), ctrl, styles, line); quit {
					break
				}
				continue
			}

			if err := ctrl.SendMessage(cmd.Context(), line); err != nil {
				if errors.Is(err, voicechat.ErrNoChannel) || errors.Is(err, voicechat.ErrNotConnected) {
					fmt.Println(styles.RenderStatus("not connected, message dropped"))
					continue
				}
				return err
			}
		}

		ctrl.EndSession()
		fmt.Println(styles.RenderStatus("session ended"))
		return scanner.Err()
	},
}

func runSlashCommand(ctx context.Context, ctrl *voicechat.Controller, styles cli.Styles, line string) (quit bool) {
	switch line {
	case "/quit", "/exit":
		return true
	case "/voice":
		if err := ctrl.StartVoiceInput(ctx); err != nil {
			fmt.Println(styles.Error.Render("voice input: " + err.Error()))
		} else {
			fmt.Println(styles.RenderStatus("voice input on"))
		}
	case "/mute":
		ctrl.StopVoiceInput()
		fmt.Println(styles.RenderStatus("voice input off"))
	case "/state":
		sess := ctrl.Session()
		if !sess.Active {
			fmt.Println(styles.RenderStatus("connection: %s, no session", ctrl.State()))
			break
		}
		uptime := cli.FormatDuration(time.Since(sess.StartedAt.Time()))
		fmt.Println(styles.RenderStatus("connection: %s, session: %s, up %s", ctrl.State(), sess.ID, uptime))
	default:
		fmt.Println(styles.RenderStatus("unknown command %s", line))
	}
	return false
}

// resolveHistoryDir picks the context's history directory, falling
// back to ~/.voxchat/history.
func resolveHistoryDir(cctx *cli.Context) (string, error) {
	if cctx.HistoryDir != "" {
		if err := os.MkdirAll(cctx.HistoryDir, 0755); err != nil {
			return "", err
		}
		return cctx.HistoryDir, nil
	}
	paths, err := cli.NewPaths()
	if err != nil {
		return "", err
	}
	if err := paths.EnsureHistoryDir(); err != nil {
		return "", err
	}
	return paths.HistoryDir(), nil
}

func init() {
	chatCmd.Flags().StringVarP(&chatWorker, "worker", "w", "", "worker id (default: context's worker)")
	chatCmd.Flags().BoolVar(&chatVoice, "voice", false, "enable the realtime voice channel")
	chatCmd.Flags().BoolVar(&chatNoHistory, "no-history", false, "do not persist conversation history")
	chatCmd.Flags().BoolVar(&chatNoGreeting, "no-greeting", false, "skip the configured greeting")
	chatCmd.Flags().StringVar(&chatMicFile, "mic-file", "", "raw 16-bit mono PCM file used as the voice input source")
	chatCmd.Flags().IntVar(&chatMicRate, "mic-rate", 24000, "sample rate of --mic-file in Hz")
	rootCmd.AddCommand(chatCmd)
}
