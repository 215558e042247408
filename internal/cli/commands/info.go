// Copyright 2025 Rhizo Authors
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

package commands

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var infoVerify bool

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show store statistics",
	Long: `Summarize the store: tables, versions, branches, chunk count and
total chunk bytes. With --verify, also cross-check the transaction log
against the catalog and changelog, repairing missing changelog entries.

Examples:
  rhizo info
  rhizo info --verify`,
	Args: cobra.NoArgs,
	RunE: runInfo,
}

func init() {
	infoCmd.Flags().BoolVar(&infoVerify, "verify", false, "run consistency checks")
	rootCmd.AddCommand(infoCmd)
}

func runInfo(cmd *cobra.Command, args []string) error {
	database, err := openDB()
	if err != nil {
		return err
	}
	defer database.Close()

	st, err := database.Stat()
	if err != nil {
		return err
	}
	fmt.Printf("Store:    %s\n", database.Root())
	fmt.Printf("Tables:   %d (%d version(s))\n", st.Tables, st.Versions)
	fmt.Printf("Branches: %d\n", st.Branches)
	fmt.Printf("Chunks:   %d (%s)\n", st.Chunks, humanize.IBytes(st.Bytes))

	if latest, ok, err := database.Transactions().LatestTxID(); err == nil && ok {
		fmt.Printf("Last tx:  %d\n", latest)
	}

	if infoVerify {
		issues, err := database.VerifyConsistency()
		if err != nil {
			return err
		}
		if len(issues) == 0 {
			fmt.Println("Consistency: ok")
			return nil
		}
		fmt.Printf("Consistency: %d issue(s)\n", len(issues))
		for _, issue := range issues {
			line := fmt.Sprintf("  [%s] tx %d", issue.Kind, issue.TxID)
			if issue.Table != "" {
				line += " table " + issue.Table
			}
			line += ": " + issue.Detail
			if issue.Repaired {
				line += " (repaired)"
			}
			fmt.Println(line)
		}
	}
	return nil
}
