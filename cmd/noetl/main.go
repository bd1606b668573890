// Package main provides the noetl binary: the command-line control
// surface of the workflow server (register, run, status, cancel).
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/noetl/noetl/common/clients"
	"github.com/noetl/noetl/common/logger"
	"github.com/spf13/cobra"
)

// Exit codes of the control surface
const (
	exitOK         = 0
	exitValidation = 2
	exitNotFound   = 3
	exitConflict   = 4
	exitInternal   = 5
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCodeFor(err))
	}
}

func rootCmd() *cobra.Command {
	var serverURL string

	cmd := &cobra.Command{
		Use:   "noetl",
		Short: "Workflow orchestration control surface",
		Long: `noetl talks to the workflow server: register playbooks in the
catalog, start executions, inspect their status, and cancel them.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&serverURL, "server",
		envOr("NOETL_SERVER_URL", "http://localhost:8082"), "Server base URL")

	cmd.AddCommand(registerCmd(&serverURL))
	cmd.AddCommand(runCmd(&serverURL))
	cmd.AddCommand(statusCmd(&serverURL))
	cmd.AddCommand(cancelCmd(&serverURL))

	return cmd
}

func newClient(serverURL string) *clients.ServerClient {
	// CLI output goes to stdout; keep client logging quiet unless asked
	log := logger.New(envOr("LOG_LEVEL", "warn"), "text")
	return clients.NewServerClient(serverURL, log)
}

func registerCmd(serverURL *string) *cobra.Command {
	return &cobra.Command{
		Use:   "register <playbook.yaml>",
		Short: "Register a playbook version in the catalog",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read playbook: %w", err)
			}

			resp, err := newClient(*serverURL).RegisterPlaybook(cmd.Context(), string(content))
			if err != nil {
				return err
			}

			fmt.Printf("registered %s version %s (catalog_id %d)\n",
				resp.Path, resp.Version, resp.CatalogID)
			return nil
		},
	}
}

func runCmd(serverURL *string) *cobra.Command {
	var (
		version   string
		workload  string
		entryStep string
		wait      bool
		timeout   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run <path>",
		Short: "Start an execution of a cataloged playbook",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := parseWorkload(workload)
			if err != nil {
				return err
			}

			client := newClient(*serverURL)
			resp, err := client.Run(cmd.Context(), &clients.RunRequest{
				Path:      args[0],
				Version:   version,
				Workload:  payload,
				EntryStep: entryStep,
			})
			if err != nil {
				return err
			}

			fmt.Printf("execution %d started (catalog_id %d)\n", resp.ExecutionID, resp.CatalogID)
			if !wait {
				return nil
			}
			return waitTerminal(cmd.Context(), client, resp.ExecutionID, timeout)
		},
	}

	cmd.Flags().StringVar(&version, "version", "", "Playbook version (latest when empty)")
	cmd.Flags().StringVar(&workload, "workload", "", "Workload JSON, or @file to read from disk")
	cmd.Flags().StringVar(&entryStep, "entry-step", "", "Override the entry step")
	cmd.Flags().BoolVar(&wait, "wait", false, "Block until the execution reaches a terminal state")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Minute, "Wait timeout with --wait")

	return cmd
}

func statusCmd(serverURL *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status <execution_id>",
		Short: "Show the aggregated state of an execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid execution id %q", args[0])
			}

			state, err := newClient(*serverURL).Status(cmd.Context(), id)
			if err != nil {
				return err
			}

			encoded, err := json.MarshalIndent(state, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(encoded))

			switch state.Status {
			case "completed", "failed", "cancelled":
				return nil
			default:
				os.Exit(1)
				return nil
			}
		},
	}
}

func cancelCmd(serverURL *string) *cobra.Command {
	var (
		reason    string
		noCascade bool
	)
	cmd := &cobra.Command{
		Use:   "cancel <execution_id>",
		Short: "Request cooperative cancellation of an execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid execution id %q", args[0])
			}

			cancelled, err := newClient(*serverURL).Cancel(cmd.Context(), id, reason, !noCascade)
			if err != nil {
				return err
			}
			fmt.Printf("cancellation requested for execution %d (%d cancelled)\n", id, cancelled)
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded on cancelled work")
	cmd.Flags().BoolVar(&noCascade, "no-cascade", false, "do not cancel child executions")
	return cmd
}

// waitTerminal polls the status endpoint until the execution settles.
// A failed or cancelled execution exits non-zero so scripts can branch.
func waitTerminal(ctx context.Context, client *clients.ServerClient, executionID int64, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		state, err := client.Status(ctx, executionID)
		if err != nil {
			return err
		}

		switch state.Status {
		case "completed":
			fmt.Printf("execution %d completed (%d/%d steps)\n",
				executionID, state.Completed, state.TotalSteps)
			return nil
		case "failed", "cancelled":
			fmt.Printf("execution %d %s (%d failed steps)\n",
				executionID, state.Status, state.Failed)
			os.Exit(1)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("timed out waiting for execution %d", executionID)
		case <-ticker.C:
		}
	}
}

func parseWorkload(raw string) (map[string]any, error) {
	if raw == "" {
		return nil, nil
	}
	if strings.HasPrefix(raw, "@") {
		content, err := os.ReadFile(raw[1:])
		if err != nil {
			return nil, fmt.Errorf("read workload file: %w", err)
		}
		raw = string(content)
	}

	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("workload must be a JSON object: %w", err)
	}
	return out, nil
}

// exitCodeFor maps API failures to the documented exit codes:
// 2 validation, 3 not found, 4 conflict, 5 internal.
func exitCodeFor(err error) int {
	var apiErr *clients.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusNotFound:
			return exitNotFound
		case apiErr.StatusCode == http.StatusConflict:
			return exitConflict
		case apiErr.StatusCode >= 400 && apiErr.StatusCode < 500:
			return exitValidation
		default:
			return exitInternal
		}
	}
	return exitInternal
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
