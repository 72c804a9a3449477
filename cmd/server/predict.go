package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"

	"github.com/Brownie44l1/ensemble-api/internal/model"
	"github.com/Brownie44l1/ensemble-api/internal/result"
	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"
	"github.com/spf13/cobra"
)

var (
	diagnosisColor = color.New(color.FgCyan, color.Bold)
	warnColor      = color.New(color.FgYellow)
)

// predictCmd runs a single image through the pipeline.
var predictCmd = &cobra.Command{
	Use:   "predict <image>",
	Short: "Diagnose a single image file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")
		explainOut, _ := cmd.Flags().GetString("explain-out")

		raw, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read image: %w", err)
		}

		a, err := newApp()
		if err != nil {
			return err
		}
		defer func() {
			if err := a.Close(); err != nil {
				slog.Error("Failed to release models", "error", err)
			}
		}()
		if err := a.requireModels(); err != nil {
			return err
		}

		resp, err := a.service.Diagnose(cmd.Context(), raw)
		if err != nil {
			return err
		}

		if explainOut != "" {
			if err := writeExplanation(explainOut, resp); err != nil {
				return err
			}
		}

		if asJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(resp)
		}
		return printSummary(cmd.OutOrStdout(), resp, a.registry.All())
	},
}

func init() {
	predictCmd.Flags().Bool("json", false, "print the full response as JSON")
	predictCmd.Flags().String("explain-out", "", "write the explanation image (PNG) to this path")
}

// writeExplanation decodes the response's explanation image into path.
func writeExplanation(path string, resp *result.Response) error {
	if !resp.ExplanationAvailable {
		warning("Explanation unavailable, nothing written to " + path)
		return nil
	}
	img, err := base64.StdEncoding.DecodeString(resp.LimeImageB64)
	if err != nil {
		return fmt.Errorf("failed to decode explanation image: %w", err)
	}
	if err := os.WriteFile(path, img, 0o644); err != nil {
		return fmt.Errorf("failed to write explanation image: %w", err)
	}
	fmt.Fprintf(os.Stderr, "💾 Wrote explanation to %s\n", path)
	return nil
}

// printSummary prints the diagnosis followed by a per-model score table.
func printSummary(w io.Writer, resp *result.Response, entries []model.Entry) error {
	if _, err := fmt.Fprintf(w, "Diagnosis:  %s\n", diagnosisColor.Sprint(resp.FinalDiagnosis)); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "Confidence: %s\n", formatScore(resp.EnsembleConfidence)); err != nil {
		return err
	}
	if resp.ExplanationAvailable {
		if _, err := fmt.Fprintf(w, "Explained:  %d regions by %s\n", len(resp.ExplainedSegments), resp.ExplanationModel); err != nil {
			return err
		}
	} else if resp.ExplanationError != "" {
		if _, err := fmt.Fprintf(w, "Explained:  %s\n", warnColor.Sprint(resp.ExplanationError)); err != nil {
			return err
		}
	}

	table := tablewriter.NewWriter(w)
	table.Header([]string{"Model", "Weight", "Score", "Contribution"})
	table.Configure(func(cfg *tablewriter.Config) {
		cfg.Row.Alignment.Global = tw.AlignRight
	})

	var data [][]string
	for _, e := range entries {
		score := resp.ConfidenceScores[e.ID]
		data = append(data, []string{
			e.ID,
			strconv.FormatFloat(e.Weight, 'f', 2, 64),
			formatScore(score),
			formatScore(e.Weight * score),
		})
	}
	if err := table.Bulk(data); err != nil {
		return err
	}
	return table.Render()
}

func formatScore(v float64) string {
	return strconv.FormatFloat(v, 'f', 4, 64)
}
