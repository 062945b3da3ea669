// Reel is a media dubbing job server.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package stage defines the pipeline contract between the job server and
// the media processing collaborators. The server owns ordering,
// checkpointing, progress, and retry; stages own the actual signal work
// and must keep their side effects inside the job's working directory.
package stage

import (
	"context"
	"errors"

	"reel/pkg/models"
)

// Stage is one step of a dubbing pipeline.
type Stage interface {
	Name() string
	Run(ctx context.Context, in Input) (Output, error)
}

// Input is everything a stage may read. Artifacts maps artifact name to
// an absolute path produced by earlier stages.
type Input struct {
	JobID     string
	WorkDir   string
	InputPath string
	Runtime   models.RuntimeConfig
	Artifacts map[string]string
}

// Output is what a stage hands back on success. Artifacts are merged
// into the job's artifact set; Progress is the stage's own completion
// fraction in [0,1] and only ever feeds the monotonic overall progress.
type Output struct {
	Artifacts map[string]string
	Progress  float64
	Message   string
}

// Class partitions stage errors by how the worker should react.
type Class int

const (
	// ClassTransient errors are retried with backoff up to the attempt
	// budget, then treated as fatal.
	ClassTransient Class = iota
	// ClassFatal errors fail the job immediately.
	ClassFatal
	// ClassCanceled means the run was canceled; the job keeps its
	// checkpoint and does not count as failed.
	ClassCanceled
)

// String returns the class name used in logs and timeline rows.
func (c Class) String() string {
	switch c {
	case ClassFatal:
		return "fatal"
	case ClassCanceled:
		return "canceled"
	default:
		return "transient"
	}
}

type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

type fatalError struct{ err error }

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

// Transient marks an error as retryable. Returns nil for nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// Fatal marks an error as non-retryable. Returns nil for nil.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

// Classify maps a stage error to its class. Cancellation wins over any
// wrapper; a watchdog deadline is fatal; unwrapped errors default to
// transient and rely on the worker's bounded retry budget.
func Classify(err error) Class {
	if errors.Is(err, context.Canceled) {
		return ClassCanceled
	}
	var fe *fatalError
	if errors.As(err, &fe) {
		return ClassFatal
	}
	var te *transientError
	if errors.As(err, &te) {
		return ClassTransient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassFatal
	}
	return ClassTransient
}
