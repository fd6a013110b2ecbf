package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tjfontaine/agent-stream/internal/domain"
	"github.com/tjfontaine/agent-stream/internal/normalize"
	"github.com/tjfontaine/agent-stream/internal/tokens"
	"github.com/tjfontaine/agent-stream/internal/usage"
)

type normalizeOutput struct {
	Vendor      domain.Vendor             `json:"vendor"`
	Messages    []domain.CanonicalMessage `json:"messages"`
	Cost        domain.CostSummary        `json:"cost"`
	CostDisplay string                    `json:"cost_display"`
	Tokens      []tokens.MessageEstimate  `json:"tokens"`
	Errors      []string                  `json:"errors"`
}

func newNormalizeCommand(a *app) *cobra.Command {
	var (
		vendor string
		model  string
		output string
	)

	cmd := &cobra.Command{
		Use:   "normalize FILE",
		Short: "Normalize a JSON list of vendor turns",
		Long: `Reads a JSON array of raw turns (or {"turns": [...]}) from FILE, or from
stdin when FILE is "-", and prints the canonical messages and cost summary.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if output != "text" && output != "json" {
				return fmt.Errorf("unknown output format %q (use text or json)", output)
			}
			turns, err := readTurns(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}

			n := normalize.ForTag(vendor, normalizeOptions(a.cfg)...)
			if n.Vendor() == domain.VendorUnknown {
				return fmt.Errorf("no normalizer for vendor %q: %w", vendor, normalize.ErrUnknownVendor)
			}

			messages, errs := normalize.Normalize(vendor, turns, normalizeOptions(a.cfg)...)
			entries, parseErrs := usage.ParseEntries(usage.Aggregate(messages).Usage)
			cost := usage.SummarizeCost(entries)

			res := normalizeOutput{
				Vendor:      n.Vendor(),
				Messages:    messages,
				Cost:        cost,
				CostDisplay: usage.FormatCost(cost.TotalCost),
				Tokens:      tokens.NewCounter().EstimateTranscript(model, messages),
				Errors:      []string{},
			}
			for _, err := range append(append([]error{}, errs...), parseErrs...) {
				res.Errors = append(res.Errors, err.Error())
			}

			if output == "json" {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(res)
			}
			printTranscript(cmd.OutOrStdout(), res)
			return nil
		},
	}

	cmd.Flags().StringVar(&vendor, "vendor", "", "Vendor whose turn shape the file holds (openai, anthropic, xai, google)")
	cmd.Flags().StringVar(&model, "model", "", "Model used for token estimates")
	cmd.Flags().StringVarP(&output, "output", "o", "text", "Output format: text|json")
	_ = cmd.MarkFlagRequired("vendor")
	return cmd
}

func readTurns(stdin io.Reader, path string) ([]json.RawMessage, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, err
	}

	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '{' {
		var wrapped struct {
			Turns []json.RawMessage `json:"turns"`
		}
		if err := json.Unmarshal(data, &wrapped); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		return wrapped.Turns, nil
	}

	var turns []json.RawMessage
	if err := json.Unmarshal(data, &turns); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return turns, nil
}

func printTranscript(w io.Writer, res normalizeOutput) {
	for i, m := range res.Messages {
		fmt.Fprintf(w, "Turn %d\n", i+1)
		if m.User != nil {
			fmt.Fprintf(w, "  user: %s\n", oneLine(m.User.Text))
		}
		fmt.Fprintf(w, "  assistant: %s\n", oneLine(m.Assistant.Content))
		for _, b := range m.SideChannel {
			fmt.Fprintf(w, "  [%s]\n", b.Title)
		}
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "\nTOTAL\tINPUT\tOUTPUT\tCACHED\tPENDING TOOLS\n")
	fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\n", res.CostDisplay, res.Cost.InputTokens, res.Cost.OutputTokens, res.Cost.CachedTokens, res.Cost.PendingTools)
	_ = tw.Flush()

	for _, e := range res.Errors {
		fmt.Fprintf(w, "error: %s\n", e)
	}
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
