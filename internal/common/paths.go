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

package common

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// On-disk layout of a rhizo store. The layout is a stable contract so
// external tools can interoperate:
//
//	<db>/
//	  format_version
//	  rhizo.yaml
//	  chunks/<aa>/<bb>/<hex>       chunk bytes
//	  catalog/<table>/vNNNNNNNN.meta
//	  catalog/<table>/table.meta
//	  branches/<branch>.meta
//	  transactions/wal.log
//	  transactions/changelog.log
type Layout struct {
	Root string
}

func NewLayout(root string) Layout { return Layout{Root: root} }

func (l Layout) ChunksDir() string        { return filepath.Join(l.Root, "chunks") }
func (l Layout) CatalogDir() string       { return filepath.Join(l.Root, "catalog") }
func (l Layout) BranchesDir() string      { return filepath.Join(l.Root, "branches") }
func (l Layout) TransactionsDir() string  { return filepath.Join(l.Root, "transactions") }
func (l Layout) FormatVersionPath() string { return filepath.Join(l.Root, "format_version") }
func (l Layout) ConfigPath() string       { return filepath.Join(l.Root, "rhizo.yaml") }

func (l Layout) TableDir(table string) string {
	return filepath.Join(l.CatalogDir(), table)
}

func (l Layout) VersionMetaPath(table string, version uint64) string {
	return filepath.Join(l.TableDir(table), fmt.Sprintf("v%08d.meta", version))
}

func (l Layout) TableMetaPath(table string) string {
	return filepath.Join(l.TableDir(table), "table.meta")
}

func (l Layout) TableLockPath(table string) string {
	return filepath.Join(l.TableDir(table), "lock")
}

func (l Layout) BranchMetaPath(branch string) string {
	return filepath.Join(l.BranchesDir(), branch+".meta")
}

func (l Layout) WALPath() string {
	return filepath.Join(l.TransactionsDir(), "wal.log")
}

func (l Layout) ChangelogPath() string {
	return filepath.Join(l.TransactionsDir(), "changelog.log")
}

func (l Layout) EpochPath() string {
	return filepath.Join(l.TransactionsDir(), "epoch")
}

func (l Layout) CommitLockPath() string {
	return filepath.Join(l.TransactionsDir(), "commit.lock")
}

var nameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,127}$`)

// NormalizeTableName validates and lowercases a table name.
func NormalizeTableName(name string) (string, error) {
	if !nameRe.MatchString(name) {
		return "", fmt.Errorf("invalid table name %q: %w", name, ErrValidation)
	}
	return strings.ToLower(name), nil
}

// ValidateColumnName checks a column name against the identifier rules.
// Column names travel into chunk encodings, so the same charset applies.
func ValidateColumnName(name string) error {
	if !nameRe.MatchString(name) {
		return fmt.Errorf("invalid column name %q: %w", name, ErrValidation)
	}
	return nil
}

// ValidateBranchName checks a branch name. Branches share the identifier
// charset but are case-sensitive.
func ValidateBranchName(name string) error {
	if !nameRe.MatchString(name) {
		return fmt.Errorf("invalid branch name %q: %w", name, ErrValidation)
	}
	return nil
}
