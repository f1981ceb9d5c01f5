package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/promptbot/internal/api"
	"github.com/kalambet/promptbot/internal/config"
	"github.com/kalambet/promptbot/internal/extract"
	"github.com/kalambet/promptbot/internal/storage"
)

// --- train ---

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Train the model from the configured dataset",
	Long: `Train a new model from the dataset CSV and save it to the model file.

By default the running server does the training. With --local the model is
trained in this process, which works without a server.

Examples:
  promptbot train
  promptbot train --async
  promptbot train --local`,
	RunE: func(cmd *cobra.Command, args []string) error {
		local, _ := cmd.Flags().GetBool("local")
		async, _ := cmd.Flags().GetBool("async")
		ctx := cmd.Context()

		if local {
			if async {
				return fmt.Errorf("--async cannot be combined with --local")
			}
			return trainLocal(ctx)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		if async {
			jobID, err := trainAsync(ctx, client)
			if err != nil {
				return err
			}
			printSuccess("Training queued (job %s)", jobID)
			printStep("Check progress with: promptbot job %s", jobID)
			return nil
		}

		printStep("Training...")
		res, err := trainRemote(ctx, client)
		if err != nil {
			return err
		}
		printTrainResult(res.RunID, res.Examples, res.Labels, time.Duration(res.Millis)*time.Millisecond)
		return nil
	},
}

func init() {
	trainCmd.Flags().Bool("local", false, "train in this process instead of on the server")
	trainCmd.Flags().Bool("async", false, "queue training on the server and return immediately")
}

func trainRemote(ctx context.Context, client *apiClient) (api.TrainResponse, error) {
	var res api.TrainResponse
	resp, err := client.post(ctx, "/train", nil)
	if err != nil {
		return res, err
	}
	if err := decodeJSON(resp, &res); err != nil {
		return res, err
	}
	return res, nil
}

func trainAsync(ctx context.Context, client *apiClient) (string, error) {
	resp, err := client.post(ctx, "/train?async=true", nil)
	if err != nil {
		return "", err
	}
	var result struct {
		JobID  string `json:"job_id"`
		Status string `json:"status"`
	}
	if err := decodeJSON(resp, &result); err != nil {
		return "", err
	}
	return result.JobID, nil
}

func trainLocal(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer store.Close()

	printStep("Training from %s...", cfg.Model.DataPath)
	res, err := newService(cfg, store).Train(ctx, "cli")
	if err != nil {
		return err
	}
	printTrainResult(res.RunID, res.Examples, res.Labels, res.Duration)
	return nil
}

func printTrainResult(runID string, examples int, labels []string, d time.Duration) {
	printSuccess("Model trained")
	printStatus("Run", "%s", runID)
	printStatus("Examples", "%d", examples)
	printStatus("Labels", "%s", strings.Join(labels, ", "))
	printStatus("Took", "%s", d.Round(time.Millisecond))
}

// --- predict ---

var predictCmd = &cobra.Command{
	Use:   "predict [text]",
	Short: "Predict the label for a piece of text",
	Long: `Predict the label for a piece of text.

The text is taken from the arguments, or from a file with --file. Plain text
and PDF files are supported.

Examples:
  promptbot predict "good morning"
  promptbot predict --file ./letter.pdf
  promptbot predict --local "see you later"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		local, _ := cmd.Flags().GetBool("local")

		text, err := predictInput(args, file)
		if err != nil {
			return err
		}

		if local {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			printLabel(newService(cfg, nil).Predict(text))
			return nil
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		label, err := predictRemote(cmd.Context(), client, text)
		if err != nil {
			return err
		}
		printLabel(label)
		return nil
	},
}

func init() {
	predictCmd.Flags().String("file", "", "read the text from a file (.txt, .pdf)")
	predictCmd.Flags().Bool("local", false, "load the model file in this process instead of asking the server")
}

// predictInput resolves the text to classify from the arguments or a file.
func predictInput(args []string, file string) (string, error) {
	if file != "" {
		if len(args) > 0 {
			return "", fmt.Errorf("text arguments cannot be combined with --file")
		}
		text, err := extract.TextFromFile(file)
		if err != nil {
			return "", fmt.Errorf("reading %s: %w", file, err)
		}
		return text, nil
	}
	if len(args) == 0 {
		return "", fmt.Errorf("text argument or --file is required")
	}
	return strings.Join(args, " "), nil
}

func predictRemote(ctx context.Context, client *apiClient, text string) (string, error) {
	resp, err := client.post(ctx, "/predict", api.PredictRequest{Text: text})
	if err != nil {
		return "", err
	}
	var res api.PredictResponse
	if err := decodeJSON(resp, &res); err != nil {
		var apiErr *apiError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict {
			printStep("Run: promptbot train")
		}
		return "", err
	}
	return res.Label, nil
}

// --- predictions ---

var predictionsCmd = &cobra.Command{
	Use:   "predictions",
	Short: "List recent predictions",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		counts, _ := cmd.Flags().GetBool("counts")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		if counts {
			resp, err := client.get(cmd.Context(), "/predictions/labels")
			if err != nil {
				return err
			}
			var byLabel map[string]int
			if err := decodeJSON(resp, &byLabel); err != nil {
				return err
			}
			if len(byLabel) == 0 {
				fmt.Println("No predictions yet.")
				return nil
			}
			for label, n := range byLabel {
				fmt.Printf("  %s %d\n", colorize(colorBold, label+":"), n)
			}
			return nil
		}

		resp, err := client.get(cmd.Context(), fmt.Sprintf("/predictions?limit=%d", limit))
		if err != nil {
			return err
		}
		var preds []storage.Prediction
		if err := decodeJSON(resp, &preds); err != nil {
			return err
		}
		if len(preds) == 0 {
			fmt.Println("No predictions yet.")
			return nil
		}
		for _, p := range preds {
			fmt.Printf("%s  %s  %-12s %s\n",
				colorize(colorCyan, shortID(p.ID)),
				p.CreatedAt.Local().Format(time.DateTime),
				colorize(colorBold, p.Label),
				truncate(p.InputText, 60),
			)
		}
		return nil
	},
}

func init() {
	predictionsCmd.Flags().Int("limit", 20, "maximum number of predictions")
	predictionsCmd.Flags().Bool("counts", false, "show prediction counts per label")
}

// --- runs ---

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recent training runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), fmt.Sprintf("/training-runs?limit=%d", limit))
		if err != nil {
			return err
		}
		var runs []storage.TrainingRun
		if err := decodeJSON(resp, &runs); err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Println("No training runs yet.")
			return nil
		}
		for _, r := range runs {
			status := r.Status
			switch r.Status {
			case storage.RunSucceeded:
				status = colorize(colorGreen, status)
			case storage.RunFailed:
				status = colorize(colorRed, status)
			}
			line := fmt.Sprintf("%s  %s  %-9s %-6s %d examples",
				colorize(colorCyan, shortID(r.ID)),
				r.StartedAt.Local().Format(time.DateTime),
				status,
				r.Trigger,
				r.Examples,
			)
			if r.Error != "" {
				line += "  " + truncate(r.Error, 60)
			}
			fmt.Println(line)
		}
		return nil
	},
}

func init() {
	runsCmd.Flags().Int("limit", 20, "maximum number of runs")
}

// --- job ---

var jobCmd = &cobra.Command{
	Use:   "job <id>",
	Short: "Show a queued training job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/jobs/"+args[0])
		if err != nil {
			return err
		}
		var job storage.Job
		if err := decodeJSON(resp, &job); err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(job)
	},
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			value := k.Value
			if k.Overridden() {
				value = colorize(colorYellow, value) + "  (default " + k.Default + ")"
			}
			fmt.Printf("  %s = %s  [%s]\n", colorize(colorBold, k.Key), value, k.EnvVar)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value. Valid keys: " + strings.Join(config.ValidKeys(), ", "),
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configResetCmd = &cobra.Command{
	Use:   "reset <key>",
	Short: "Remove a configuration value so its default applies",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.ResetKey(args[0]); err != nil {
			return err
		}
		printSuccess("Reset %s to its default", args[0])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configResetCmd)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// truncate shortens s to at most n runes and flattens newlines.
func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
