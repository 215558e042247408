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

	"github.com/spf13/cobra"

	"rhizo/internal/gc"
)

var (
	gcMaxAge      int64
	gcMaxVersions int
)

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Run garbage collection",
	Long: `Drop table versions that fall outside the retention policy, then
sweep chunks no surviving version references. Versions referenced by a
branch, an open transaction, or that are the latest of their table always
survive.

At least one of --max-age or --max-versions is required.

Examples:
  rhizo gc --max-versions 10
  rhizo gc --max-age 604800 --max-versions 50`,
	Args: cobra.NoArgs,
	RunE: runGC,
}

func init() {
	gcCmd.Flags().Int64Var(&gcMaxAge, "max-age", 0, "delete versions older than this many seconds")
	gcCmd.Flags().IntVar(&gcMaxVersions, "max-versions", 0, "keep at most this many versions per table")
	rootCmd.AddCommand(gcCmd)
}

func runGC(cmd *cobra.Command, args []string) error {
	database, err := openDB()
	if err != nil {
		return err
	}
	defer database.Close()

	report, err := database.Collect(gc.Policy{
		MaxAgeSeconds:       gcMaxAge,
		MaxVersionsPerTable: gcMaxVersions,
	})
	if err != nil {
		return err
	}
	fmt.Printf("Deleted %d version(s), %d chunk(s); removed %d temp file(s) in %s\n",
		report.VersionsDeleted, report.ChunksDeleted, report.TempFilesRemoved, report.Elapsed)
	if report.VersionsFailed > 0 || report.ChunksFailed > 0 {
		fmt.Printf("Failures: %d version(s), %d chunk(s); the next run retries them\n",
			report.VersionsFailed, report.ChunksFailed)
	}
	return nil
}
