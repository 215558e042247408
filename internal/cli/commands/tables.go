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
)

var tablesCmd = &cobra.Command{
	Use:   "tables",
	Short: "List tables in the store",
	Args:  cobra.NoArgs,
	RunE:  runTables,
}

var versionsCmd = &cobra.Command{
	Use:   "versions <table>",
	Short: "List versions of a table",
	Long: `List every version of a table with its chunk count, row count and age.

Examples:
  rhizo versions orders`,
	Args: cobra.ExactArgs(1),
	RunE: runVersions,
}

func init() {
	rootCmd.AddCommand(tablesCmd)
	rootCmd.AddCommand(versionsCmd)
}

func runTables(cmd *cobra.Command, args []string) error {
	database, err := openDB()
	if err != nil {
		return err
	}
	defer database.Close()

	tables, err := database.ListTables()
	if err != nil {
		return err
	}
	if len(tables) == 0 {
		fmt.Println("No tables.")
		return nil
	}
	for _, t := range tables {
		versions, err := database.ListVersions(t)
		if err != nil {
			return err
		}
		latest, err := database.GetMetadata(t, 0)
		if err != nil {
			return err
		}
		fmt.Printf("%s\t%d version(s)\tlatest v%d (%s rows)\n",
			t, len(versions), latest.Version, humanize.Comma(latest.TotalRows()))
	}
	return nil
}

func runVersions(cmd *cobra.Command, args []string) error {
	database, err := openDB()
	if err != nil {
		return err
	}
	defer database.Close()

	versions, err := database.ListVersions(args[0])
	if err != nil {
		return err
	}
	for _, v := range versions {
		rec, err := database.GetMetadata(args[0], v)
		if err != nil {
			return err
		}
		created := time.Unix(0, rec.CreatedAt)
		fmt.Printf("v%d\t%d chunk(s)\t%s rows\t%s\n",
			rec.Version, len(rec.ChunkHashes), humanize.Comma(rec.TotalRows()),
			humanize.Time(created))
	}
	return nil
}
