package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/inlet-dev/rivulet/internal/client"
	"github.com/inlet-dev/rivulet/internal/config"
	"github.com/inlet-dev/rivulet/internal/conversation"
	"github.com/inlet-dev/rivulet/internal/logging"
	"github.com/inlet-dev/rivulet/internal/state"
	"github.com/inlet-dev/rivulet/internal/transport"
)

var (
	userStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	assistantStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10"))
	toolStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	artifactStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("14"))
	errorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	dimStyle       = lipgloss.NewStyle().Faint(true)
)

var watchCmd = &cobra.Command{
	Use:   "watch <conversation-id>",
	Short: "Stream a conversation's output to the terminal",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID := args[0]

		c, err := newClient()
		if err != nil {
			return err
		}

		store := state.NewStore(
			state.WithLogger(logging.State()),
			state.WithMaxPending(cfg.Stream.MaxPendingChunks),
		)
		stream, err := c.OpenStream(client.StreamConfig{
			Store:       store,
			BackoffBase: cfg.BackoffBase(),
			BackoffMax:  cfg.BackoffMax(),
			MaxAttempts: cfg.Stream.MaxAttempts,
			Logger:      logging.Client(),
			OnStatusChange: func(status transport.Status) {
				switch status {
				case transport.StatusDisconnected:
					fmt.Fprintln(os.Stderr, dimStyle.Render("[disconnected, retrying...]"))
				case transport.StatusError:
					fmt.Fprintln(os.Stderr, errorStyle.Render("[connection lost, retries exhausted; restart to reconnect]"))
				}
			},
		})
		if err != nil {
			return err
		}
		defer stream.Close()

		// Pick up config edits while the session runs.
		if w, werr := startConfigWatcher(cfgPath); werr != nil {
			logging.Client().Debug("config watcher unavailable", "path", cfgPath, "error", werr)
		} else {
			defer w.Close()
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		r := newWatchRenderer(os.Stdout)
		ticker := time.NewTicker(150 * time.Millisecond)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				fmt.Fprintln(os.Stdout)
				return nil
			case <-ticker.C:
				r.render(store, conversationID)
			}
		}
	},
}

func init() {
	rootCmd.AddCommand(watchCmd)
}

// startConfigWatcher hot-reloads settings while a long-running command is
// up. Logging changes take effect immediately; connection settings apply to
// the next session.
func startConfigWatcher(path string) (*config.Watcher, error) {
	w, err := config.NewWatcher(path, logging.Client())
	if err != nil {
		return nil, err
	}
	w.Subscribe(config.SubscriberFunc(func(next *config.Config) {
		applyFlagOverrides(next)
		setConfig(next)
		if err := logging.Initialize(logConfigFrom(next)); err != nil {
			logging.Get().Warn("could not apply reloaded log settings", "error", err)
		}
	}))
	if err := w.Start(); err != nil {
		w.Close()
		return nil, err
	}
	return w, nil
}

// watchRenderer incrementally prints a conversation as its messages grow.
// It remembers how much of each message has been printed so streaming text
// appears as it arrives.
type watchRenderer struct {
	out          io.Writer
	printedText  map[string]int // message id -> printed byte count of merged text
	headerShown  map[string]bool
	toolStatus   map[string]conversation.ToolStatus
	artifactSeen map[string]bool
	errorSeen    map[string]bool
	thinking     bool
}

func newWatchRenderer(out io.Writer) *watchRenderer {
	return &watchRenderer{
		out:          out,
		printedText:  make(map[string]int),
		headerShown:  make(map[string]bool),
		toolStatus:   make(map[string]conversation.ToolStatus),
		artifactSeen: make(map[string]bool),
		errorSeen:    make(map[string]bool),
	}
}

func (r *watchRenderer) render(store *state.Store, conversationID string) {
	if thinking := store.IsThinking(conversationID); thinking != r.thinking {
		r.thinking = thinking
		if thinking {
			fmt.Fprintln(r.out, dimStyle.Render("[thinking...]"))
		}
	}

	for _, msg := range store.Messages(conversationID) {
		if !r.headerShown[msg.ID] {
			r.headerShown[msg.ID] = true
			label := assistantStyle.Render("assistant")
			if msg.Role == conversation.RoleUser {
				label = userStyle.Render("you")
			}
			fmt.Fprintf(r.out, "\n%s\n", label)
		}

		text := msg.Text()
		if printed := r.printedText[msg.ID]; len(text) > printed {
			fmt.Fprint(r.out, text[printed:])
			r.printedText[msg.ID] = len(text)
		}

		for i, blk := range msg.Blocks {
			switch b := blk.(type) {
			case *conversation.TextBlock:
				// Handled above via the merged text delta.
			case *conversation.ToolUseBlock:
				if r.toolStatus[b.ID] != b.Status {
					r.toolStatus[b.ID] = b.Status
					fmt.Fprintf(r.out, "\n%s\n", toolStyle.Render(fmt.Sprintf("[tool %s: %s]", b.Name, b.Status)))
				}
			case *conversation.ArtifactBlock:
				if !r.artifactSeen[b.ID] {
					r.artifactSeen[b.ID] = true
					fmt.Fprintf(r.out, "\n%s\n", artifactStyle.Render(fmt.Sprintf("[artifact %s (%s)]", b.Title, b.Filename)))
				}
			case *conversation.ErrorBlock:
				key := fmt.Sprintf("%s/%d", msg.ID, i)
				if !r.errorSeen[key] {
					r.errorSeen[key] = true
					fmt.Fprintf(r.out, "\n%s\n", errorStyle.Render("[error] "+b.Message))
				}
			}
		}
	}
}
