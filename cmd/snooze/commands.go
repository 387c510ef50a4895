// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tombee/snooze/internal/client"
)

func newStatusCommand() *cobra.Command {
	var live bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the managed backend's lifecycle state",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := apiClient().GetStatus(cmd.Context(), live)
			if err != nil {
				return err
			}

			fmt.Printf("Service:      %s\n", s.ServiceID)
			fmt.Printf("State:        %s\n", s.State)
			fmt.Printf("Batch depth:  %d\n", s.BatchDepth)
			if s.LastStarted != "" {
				fmt.Printf("Last started: %s\n", s.LastStarted)
			}
			if s.LastStopped != "" {
				fmt.Printf("Last stopped: %s\n", s.LastStopped)
			}
			if live {
				if s.PlatformError != "" {
					fmt.Printf("Platform:     error: %s\n", s.PlatformError)
				} else {
					fmt.Printf("Platform:     %s\n", s.PlatformState)
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&live, "live", false, "Also query the hosting platform for the live state")
	return cmd
}

func newExecuteCommand() *cobra.Command {
	var (
		payload   string
		keepAlive bool
		batchID   string
		rawOutput bool
	)

	cmd := &cobra.Command{
		Use:   "execute <workflow>",
		Short: "Run a workflow, starting the backend if needed",
		Long: `Run a workflow with automatic backend lifecycle management: the backend
is started if it is not running, the workflow is invoked once it is
healthy, and the backend is stopped afterward unless a batch scope or
--keep-alive holds it open.

The payload may be inline JSON, @file, or - for stdin.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := readPayload(payload)
			if err != nil {
				return err
			}

			resp, err := apiClient().Execute(cmd.Context(), args[0], client.ExecuteRequest{
				Payload:   body,
				KeepAlive: keepAlive,
				BatchID:   batchID,
			})
			if err != nil {
				return err
			}

			if rawOutput {
				return json.NewEncoder(os.Stdout).Encode(resp.Output)
			}

			fmt.Printf("Workflow:     %s\n", resp.WorkflowID)
			fmt.Printf("Duration:     %dms\n", resp.DurationMS)
			fmt.Printf("Cold start:   %v\n", resp.StartedBackend)
			if resp.StopWarning != "" {
				fmt.Fprintf(os.Stderr, "Warning: backend stop failed: %s\n", resp.StopWarning)
			}
			if resp.Output != nil {
				out, err := json.MarshalIndent(resp.Output, "", "  ")
				if err != nil {
					return err
				}
				fmt.Printf("Output:\n%s\n", out)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&payload, "payload", "p", "", "JSON payload (inline, @file, or - for stdin)")
	cmd.Flags().BoolVar(&keepAlive, "keep-alive", false, "Leave the backend running (requires an active batch scope)")
	cmd.Flags().StringVar(&batchID, "batch", "", "Batch scope ID to tag this execution with")
	cmd.Flags().BoolVar(&rawOutput, "raw", false, "Print only the workflow output as JSON")
	return cmd
}

// readPayload resolves the --payload flag: inline JSON, @file, or - (stdin).
func readPayload(arg string) (json.RawMessage, error) {
	if arg == "" {
		return nil, nil
	}

	var data []byte
	var err error
	switch {
	case arg == "-":
		data, err = io.ReadAll(os.Stdin)
	case strings.HasPrefix(arg, "@"):
		data, err = os.ReadFile(arg[1:])
	default:
		data = []byte(arg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read payload: %w", err)
	}

	if !json.Valid(data) {
		return nil, fmt.Errorf("payload is not valid JSON")
	}
	return json.RawMessage(data), nil
}

func newExecutionsCommand() *cobra.Command {
	var (
		workflow string
		status   string
		limit    int
		asJSON   bool
	)

	cmd := &cobra.Command{
		Use:   "executions",
		Short: "List recent workflow executions",
		RunE: func(cmd *cobra.Command, args []string) error {
			execs, err := apiClient().ListExecutions(cmd.Context(), workflow, status, limit)
			if err != nil {
				return err
			}

			if asJSON {
				return json.NewEncoder(os.Stdout).Encode(execs)
			}

			if len(execs) == 0 {
				fmt.Println("No executions recorded.")
				return nil
			}

			for _, e := range execs {
				line := fmt.Sprintf("%s  %-8s %-20s %s", e.StartedAt, e.Status, e.WorkflowID, e.ID)
				if e.Error != "" {
					line += "  " + e.Error
				}
				fmt.Println(line)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&workflow, "workflow", "", "Filter by workflow ID")
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (ok, error)")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of rows")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

func newBatchCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Manage batch scopes",
		Long: `Batch scopes let several workflow runs share one backend start/stop
cycle. Enter a scope, run workflows with --keep-alive, then release it.`,
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "enter",
			Short: "Open a batch scope (starts the backend if needed)",
			RunE: func(cmd *cobra.Command, args []string) error {
				id, err := apiClient().EnterBatch(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Println(id)
				return nil
			},
		},
		newBatchRunCommand(),
		&cobra.Command{
			Use:   "release <batch-id>",
			Short: "Release a batch scope (stops the backend when last out)",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				warning, err := apiClient().ReleaseBatch(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if warning != "" {
					fmt.Fprintf(os.Stderr, "Warning: backend stop failed: %s\n", warning)
				}
				fmt.Println("released")
				return nil
			},
		},
	)

	return cmd
}

func newBatchRunCommand() *cobra.Command {
	var payload string

	cmd := &cobra.Command{
		Use:   "run <workflow>...",
		Short: "Run several workflows under one batch scope",
		Long: `Run the given workflows sequentially inside a single batch scope, so the
backend starts once, stays up across all runs, and stops after the last.
The scope is released even when a workflow fails.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := readPayload(payload)
			if err != nil {
				return err
			}

			c := apiClient()
			batchID, err := c.EnterBatch(cmd.Context())
			if err != nil {
				return err
			}
			defer func() {
				warning, relErr := c.ReleaseBatch(cmd.Context(), batchID)
				if relErr != nil {
					fmt.Fprintf(os.Stderr, "Warning: failed to release batch %s: %v\n", batchID, relErr)
					return
				}
				if warning != "" {
					fmt.Fprintf(os.Stderr, "Warning: backend stop failed: %s\n", warning)
				}
			}()

			var failed int
			for _, workflow := range args {
				resp, err := c.Execute(cmd.Context(), workflow, client.ExecuteRequest{
					Payload:   body,
					KeepAlive: true,
					BatchID:   batchID,
				})
				if err != nil {
					failed++
					fmt.Fprintf(os.Stderr, "%-20s error: %v\n", workflow, err)
					continue
				}
				fmt.Printf("%-20s ok (%dms)\n", workflow, resp.DurationMS)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d workflows failed", failed, len(args))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&payload, "payload", "p", "", "JSON payload sent to every workflow (inline, @file, or - for stdin)")
	return cmd
}
