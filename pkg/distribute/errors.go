// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distribute

import (
	"fmt"

	"github.com/pkg/errors"
)

// Error kinds returned by the coordination surface. They are all programmer-error class
// failures: raised immediately at the call site, never retried and never swallowed.
// Match them with errors.Is; the full message carries the strategy, mode and operation
// involved.
var (
	// ErrModeViolation indicates a coordination method was called outside its required
	// mode (cross-replica vs. replica context), or on the wrong Strategy.
	ErrModeViolation = errors.New("mode violation")

	// ErrNestedScope indicates an attempt to enter a strategy scope while a different
	// strategy's scope was active -- or, for the default strategy, any nested scope at all.
	ErrNestedScope = errors.New("nested strategy scope")

	// ErrAmbiguousArguments indicates both loose trailing arguments and an Args container
	// were supplied to the same call.
	ErrAmbiguousArguments = errors.New("ambiguous arguments")

	// ErrUnsupportedReplicationMode indicates an input-replication mode other than
	// PerWorkerReplication was requested.
	ErrUnsupportedReplicationMode = errors.New("unsupported input replication mode")

	// ErrNotDivisible indicates a global batch size not evenly divisible by the number
	// of replicas in sync.
	ErrNotDivisible = errors.New("batch size not divisible")

	// ErrUnimplemented indicates a Strategy implementation does not support the
	// requested operation.
	ErrUnimplemented = errors.New("unimplemented")

	// ErrMergeMismatch indicates the replicas of one CallForEachReplica batch did not
	// all make the same sequence of MergeCall invocations.
	ErrMergeMismatch = errors.New("mismatched merge calls")
)

// errorf builds an error of the given kind with a formatted message and a stack trace.
// The kind is matchable with errors.Is.
func errorf(kind error, format string, args ...any) error {
	return errors.WithStack(fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...)))
}
