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

	"rhizo/internal/branch"
)

var (
	branchFrom string
	branchDesc string
)

var branchCmd = &cobra.Command{
	Use:   "branch",
	Short: "Manage branches",
}

var branchListCmd = &cobra.Command{
	Use:   "list",
	Short: "List branches",
	Args:  cobra.NoArgs,
	RunE:  runBranchList,
}

var branchCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Fork a new branch",
	Long: `Fork a new branch from an existing one (main by default). The new
branch starts with the same table heads as its source.

Examples:
  rhizo branch create experiment
  rhizo branch create hotfix --from release --desc "urgent fix"`,
	Args: cobra.ExactArgs(1),
	RunE: runBranchCreate,
}

var branchDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete a branch",
	Args:  cobra.ExactArgs(1),
	RunE:  runBranchDelete,
}

var branchDiffCmd = &cobra.Command{
	Use:   "diff <source> <target>",
	Short: "Compare two branches table by table",
	Args:  cobra.ExactArgs(2),
	RunE:  runBranchDiff,
}

var branchMergeCmd = &cobra.Command{
	Use:   "merge <source> <target>",
	Short: "Fast-forward merge source into target",
	Long: `Fast-forward every table head from source into target. The merge
fails if any table changed on both branches since their fork point.`,
	Args: cobra.ExactArgs(2),
	RunE: runBranchMerge,
}

func init() {
	branchCreateCmd.Flags().StringVar(&branchFrom, "from", "", "source branch (default main)")
	branchCreateCmd.Flags().StringVar(&branchDesc, "desc", "", "branch description")
	branchCmd.AddCommand(branchListCmd)
	branchCmd.AddCommand(branchCreateCmd)
	branchCmd.AddCommand(branchDeleteCmd)
	branchCmd.AddCommand(branchDiffCmd)
	branchCmd.AddCommand(branchMergeCmd)
	rootCmd.AddCommand(branchCmd)
}

func runBranchList(cmd *cobra.Command, args []string) error {
	database, err := openDB()
	if err != nil {
		return err
	}
	defer database.Close()

	names, err := database.Branches().List()
	if err != nil {
		return err
	}
	for _, name := range names {
		b, err := database.Branches().Get(name)
		if err != nil {
			return err
		}
		line := fmt.Sprintf("%s\t%d table(s)", name, len(b.Head))
		if b.Description != "" {
			line += "\t" + b.Description
		}
		fmt.Println(line)
	}
	return nil
}

func runBranchCreate(cmd *cobra.Command, args []string) error {
	database, err := openDB()
	if err != nil {
		return err
	}
	defer database.Close()

	b, err := database.Branches().Create(args[0], branchFrom, branchDesc)
	if err != nil {
		return err
	}
	fmt.Printf("Created branch %s with %d table head(s)\n", b.Name, len(b.Head))
	return nil
}

func runBranchDelete(cmd *cobra.Command, args []string) error {
	database, err := openDB()
	if err != nil {
		return err
	}
	defer database.Close()

	if err := database.Branches().Delete(args[0]); err != nil {
		return err
	}
	fmt.Printf("Deleted branch %s\n", args[0])
	return nil
}

func runBranchDiff(cmd *cobra.Command, args []string) error {
	database, err := openDB()
	if err != nil {
		return err
	}
	defer database.Close()

	d, err := database.Branches().Diff(args[0], args[1])
	if err != nil {
		return err
	}
	if len(d.Tables) == 0 {
		fmt.Println("No tables on either branch.")
		return nil
	}
	for _, t := range d.Tables {
		line := fmt.Sprintf("%s\t%s\t(%s: v%d, %s: v%d)",
			t.Table, t.State, d.Source, t.SourceVersion, d.Target, t.TargetVersion)
		if t.Conflict {
			line += "\tCONFLICT"
		}
		fmt.Println(line)
	}
	if d.HasConflicts {
		fmt.Println("Branches have diverged; merge would conflict.")
	}
	return nil
}

func runBranchMerge(cmd *cobra.Command, args []string) error {
	database, err := openDB()
	if err != nil {
		return err
	}
	defer database.Close()

	d, err := database.Branches().Merge(args[0], args[1])
	if err != nil {
		return err
	}
	moved := 0
	for _, t := range d.Tables {
		if t.State != branch.StateUnchanged && t.SourceVersion > 0 {
			moved++
		}
	}
	fmt.Printf("Merged %s into %s (%d table head(s) moved)\n", args[0], args[1], moved)
	return nil
}
