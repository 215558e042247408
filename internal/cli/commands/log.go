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
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"rhizo/internal/txn"
)

var (
	logSinceTx uint64
	logTables  []string
	logBranch  string
	logLimit   int
)

var logCmd = &cobra.Command{
	Use:   "log",
	Short: "Show the commit changelog",
	Long: `Print committed transactions in order. Subscribers can poll with
--since-tx as a cursor; each committed transaction appears exactly once.

Examples:
  rhizo log
  rhizo log --since-tx 42 --table orders --limit 20`,
	Args: cobra.NoArgs,
	RunE: runLog,
}

func init() {
	logCmd.Flags().Uint64Var(&logSinceTx, "since-tx", 0, "only entries after this transaction id")
	logCmd.Flags().StringSliceVar(&logTables, "table", nil, "only entries touching these table(s)")
	logCmd.Flags().StringVar(&logBranch, "branch", "", "only entries on this branch")
	logCmd.Flags().IntVar(&logLimit, "limit", 0, "stop after this many entries (0 = all)")
	rootCmd.AddCommand(logCmd)
}

func runLog(cmd *cobra.Command, args []string) error {
	database, err := openDB()
	if err != nil {
		return err
	}
	defer database.Close()

	entries, err := database.Transactions().GetChangelog(txn.ChangelogQuery{
		SinceTxID: logSinceTx,
		Tables:    logTables,
		Branch:    logBranch,
		Limit:     logLimit,
	})
	if err != nil {
		return err
	}
	for _, e := range entries {
		when := humanize.Time(time.Unix(0, e.CommittedAt))
		fmt.Printf("tx %d\t%s\t%s\n", e.TxID, e.Branch, when)
		for _, ch := range e.Changes {
			if ch.OldVersion != nil {
				fmt.Printf("  %s: v%d -> v%d\n", ch.Table, *ch.OldVersion, ch.NewVersion)
			} else {
				fmt.Printf("  %s: new -> v%d\n", ch.Table, ch.NewVersion)
			}
		}
	}
	return nil
}
