package cli

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tjfontaine/agent-stream/internal/domain"
	"github.com/tjfontaine/agent-stream/internal/stream"
)

func newStreamCommand(a *app) *cobra.Command {
	var (
		prompt         string
		agent          string
		conversationID string
		baseURL        string
	)

	cmd := &cobra.Command{
		Use:   "stream",
		Short: "Run an agent and print its streamed answer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(prompt) == "" {
				return fmt.Errorf("--prompt is required")
			}
			if baseURL != "" {
				a.cfg.Agent.BaseURL = baseURL
			}
			if a.cfg.Agent.BaseURL == "" {
				return fmt.Errorf("agent base URL is not configured (set agent.base_url or --base-url)")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			out, errOut := cmd.OutOrStdout(), cmd.ErrOrStderr()
			printed := 0
			sinks := stream.Sinks{
				Status: stream.StatusFunc(func(u domain.StatusUpdate) {
					if u.Type == domain.StatusConnection || u.Type == domain.StatusProgress {
						fmt.Fprintf(errOut, "[%s] %s\n", u.Type, u.Status)
					}
				}),
				Content: stream.ContentFunc(func(aggregated string) {
					if len(aggregated) > printed {
						fmt.Fprint(out, aggregated[printed:])
						printed = len(aggregated)
					}
				}),
				Diagnostic: stream.DiagnosticFunc(func(err *domain.StreamError) {
					a.logger.Debug("skipped frame", "error", err.Message)
				}),
			}

			result := newDispatcher(a.cfg, a.logger).Run(ctx, &stream.Request{
				Path:           strings.ReplaceAll(a.cfg.Agent.Path, "{agent}", agent),
				Body:           map[string]string{"prompt": prompt, "conversation_id": conversationID},
				ConversationID: conversationID,
			}, sinks)

			if printed > 0 {
				fmt.Fprintln(out)
			}
			if !result.Success {
				return result.Err
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&prompt, "prompt", "", "Prompt to send")
	cmd.Flags().StringVar(&agent, "agent", "default", "Agent ID substituted into the run path")
	cmd.Flags().StringVar(&conversationID, "conversation", "", "Conversation ID sent with the run")
	cmd.Flags().StringVar(&baseURL, "base-url", "", "Override the configured agent base URL")
	return cmd
}
