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
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"rhizo/internal/db"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// SetVersion sets the version info for --version flag
func SetVersion(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = fmt.Sprintf("%s (%s, commit: %s)", version, formatBuildDate(date), commit)
}

// formatBuildDate converts epoch timestamp to readable date
func formatBuildDate(epoch string) string {
	ts, err := strconv.ParseInt(epoch, 10, 64)
	if err != nil {
		return epoch
	}
	return time.Unix(ts, 0).Format("2006-01-02")
}

var dbPath string

var rootCmd = &cobra.Command{
	Use:   "rhizo",
	Short: "Versioned, content-addressable columnar table store",
	Long: `Rhizo stores tables as immutable versions built from compressed,
content-addressed chunks, with Git-like branches and cross-table
transactions.

The store directory is taken from --db, the RHIZO_DB environment
variable, or the current directory, in that order.`,
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.SetVersionTemplate("rhizo version {{.Version}}\n")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "store directory (default $RHIZO_DB or .)")
}

// openDB opens the store the invocation targets.
func openDB() (*db.Database, error) {
	root := dbPath
	if root == "" {
		root = os.Getenv("RHIZO_DB")
	}
	if root == "" {
		root = "."
	}
	return db.Open(root)
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}
