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
	"errors"
	"fmt"
)

// Error kinds. Every error returned by rhizo wraps exactly one of these
// sentinels so callers can classify with errors.Is.
var (
	ErrTableNotFound   = errors.New("table not found")
	ErrVersionNotFound = errors.New("version not found")
	ErrBranchNotFound  = errors.New("branch not found")
	ErrValidation      = errors.New("validation failed")
	ErrSchemaEvolution = errors.New("incompatible schema change")
	ErrPrimaryKey      = errors.New("primary key violation")
	ErrConflict        = errors.New("transaction conflict")
	ErrMergeConflict   = errors.New("merge conflict")
	ErrIntegrity       = errors.New("integrity check failed")
	ErrSizeLimit       = errors.New("size limit exceeded")
	ErrIO              = errors.New("I/O error")
	ErrFormatVersion   = errors.New("unsupported format version")
)

// SchemaEvolutionError reports a schema change rejected under the effective
// schema mode.
type SchemaEvolutionError struct {
	Table   string
	Mode    string
	Removed []string
	Changed []string
}

func (e *SchemaEvolutionError) Error() string {
	return fmt.Sprintf("table %q: schema change not allowed in %s mode (removed=%v, type-changed=%v)",
		e.Table, e.Mode, e.Removed, e.Changed)
}

func (e *SchemaEvolutionError) Unwrap() error { return ErrSchemaEvolution }

// PrimaryKeyViolationError reports duplicate key tuples in the input, or an
// attempt to change an immutable primary key.
type PrimaryKeyViolationError struct {
	Table           string
	DuplicateGroups int
	ImmutableChange bool
}

func (e *PrimaryKeyViolationError) Error() string {
	if e.ImmutableChange {
		return fmt.Sprintf("table %q: primary key is immutable once set", e.Table)
	}
	return fmt.Sprintf("table %q: %d duplicate primary key group(s) in input", e.Table, e.DuplicateGroups)
}

func (e *PrimaryKeyViolationError) Unwrap() error { return ErrPrimaryKey }

// ConflictError reports a transaction commit that lost the optimistic race:
// the branch head for a written table moved after the snapshot was taken.
type ConflictError struct {
	Branch   string
	Table    string
	Expected uint64
	Actual   uint64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("branch %q table %q: head moved from %d to %d since snapshot",
		e.Branch, e.Table, e.Expected, e.Actual)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// MergeConflictError reports a fast-forward merge that is not possible
// because the target branch diverged relative to the fork point.
type MergeConflictError struct {
	Source string
	Target string
	Tables []string
}

func (e *MergeConflictError) Error() string {
	return fmt.Sprintf("cannot fast-forward %q into %q: diverged tables %v", e.Source, e.Target, e.Tables)
}

func (e *MergeConflictError) Unwrap() error { return ErrMergeConflict }

// IntegrityError reports a chunk whose bytes do not hash to their address.
type IntegrityError struct {
	Hash     string
	Computed string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("chunk %s: content hashes to %s", e.Hash, e.Computed)
}

func (e *IntegrityError) Unwrap() error { return ErrIntegrity }

// ExitCode maps an error to the CLI exit code contract:
// 0 success, 1 user error, 2 integrity/IO error, 3 conflict.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrConflict), errors.Is(err, ErrMergeConflict):
		return 3
	case errors.Is(err, ErrIntegrity), errors.Is(err, ErrIO), errors.Is(err, ErrFormatVersion):
		return 2
	default:
		return 1
	}
}
