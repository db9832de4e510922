package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/inlet-dev/rivulet/internal/client"
	"github.com/inlet-dev/rivulet/internal/logging"
	"github.com/inlet-dev/rivulet/internal/state"
)

var statusWait time.Duration

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show connection state and conversations with work in flight",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}

		store := state.NewStore(state.WithLogger(logging.State()))
		stream, err := c.OpenStream(client.StreamConfig{
			Store:       store,
			BackoffBase: cfg.BackoffBase(),
			BackoffMax:  cfg.BackoffMax(),
			MaxAttempts: cfg.Stream.MaxAttempts,
			Logger:      logging.Client(),
		})
		if err != nil {
			return err
		}
		defer stream.Close()

		// Give the post-connect snapshot a moment to arrive.
		deadline := time.Now().Add(statusWait)
		for time.Now().Before(deadline) {
			if len(store.ActiveConversations()) > 0 {
				break
			}
			time.Sleep(50 * time.Millisecond)
		}

		fmt.Fprintf(os.Stdout, "connection: %s\n", string(stream.Status()))

		active := store.ActiveConversations()
		if len(active) == 0 {
			fmt.Println(dimStyle.Render("no active tasks"))
			return nil
		}

		header := lipgloss.NewStyle().Bold(true).Underline(true)
		fmt.Fprintf(os.Stdout, "%s\n", header.Render("active tasks"))
		for _, convID := range active {
			taskID, _ := store.ActiveTask(convID)
			fmt.Fprintf(os.Stdout, "%s  %s  %s\n",
				convID, taskID, dimStyle.Render(store.Phase(convID).String()))
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().DurationVar(&statusWait, "wait", 2*time.Second, "how long to wait for the active-task snapshot")
	rootCmd.AddCommand(statusCmd)
}
