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

// snooze is the CLI for snoozed, the on-demand workflow backend controller.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tombee/snooze/internal/client"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

var (
	flagAddr  string
	flagToken string
)

func main() {
	root := &cobra.Command{
		Use:   "snooze",
		Short: "Control an on-demand workflow backend",
		Long: `snooze talks to the snoozed daemon, which starts your workflow backend
on demand, runs workflows, and stops the backend again so idle compute
is never billed.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&flagAddr, "addr", "", "snoozed address (default: SNOOZE_ADDR or "+client.DefaultAddr+")")
	root.PersistentFlags().StringVar(&flagToken, "token", "", "API bearer token (default: SNOOZE_AUTH_TOKEN)")

	root.AddCommand(
		newStatusCommand(),
		newExecuteCommand(),
		newExecutionsCommand(),
		newBatchCommand(),
		newVersionCommand(),
	)

	if err := root.Execute(); err != nil {
		if client.IsDaemonNotRunning(err) {
			dnr := &client.DaemonNotRunningError{}
			fmt.Fprintln(os.Stderr, dnr.Guidance())
		} else {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(1)
	}
}

// apiClient builds a client from flags, falling back to the environment.
func apiClient() *client.Client {
	addr := flagAddr
	if addr == "" {
		addr = os.Getenv("SNOOZE_ADDR")
	}
	token := flagToken
	if token == "" {
		token = os.Getenv("SNOOZE_AUTH_TOKEN")
	}
	return client.New(addr, client.WithToken(token))
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show CLI and daemon version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("snooze %s (commit: %s, built: %s)\n", version, commit, buildDate)

			daemonVersion, err := apiClient().Version(cmd.Context())
			if err != nil {
				fmt.Println("snoozed: unreachable")
				return nil
			}
			fmt.Printf("snoozed %s\n", daemonVersion)
			return nil
		},
	}
}
