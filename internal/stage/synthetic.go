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

package stage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Func adapts a plain function to the Stage interface.
type Func struct {
	StageName string
	RunFunc   func(ctx context.Context, in Input) (Output, error)
}

// Name returns the stage name.
func (f Func) Name() string { return f.StageName }

// Run invokes the wrapped function.
func (f Func) Run(ctx context.Context, in Input) (Output, error) {
	return f.RunFunc(ctx, in)
}

// SyntheticOptions tune the placeholder pipeline.
type SyntheticOptions struct {
	// StepDelay is slept per stage, honoring cancellation.
	StepDelay time.Duration
	// FailOn returns the mapped error instead of running the stage.
	FailOn map[string]error
}

// NewSynthetic builds the full dubbing pipeline out of deterministic
// placeholder stages. Each stage writes one artifact derived from its
// name and its inputs, so checkpoint and resume behavior can be
// exercised without any real media processing.
func NewSynthetic(opts SyntheticOptions) (*Pipeline, error) {
	stages := make([]Stage, 0, len(DubbingOrder))
	for _, name := range DubbingOrder {
		stages = append(stages, syntheticStage(name, opts))
	}
	return NewPipeline(DefaultPipelineName, stages, DubbingWeights)
}

func syntheticStage(name string, opts SyntheticOptions) Stage {
	return Func{
		StageName: name,
		RunFunc: func(ctx context.Context, in Input) (Output, error) {
			if err := opts.FailOn[name]; err != nil {
				return Output{}, err
			}
			if opts.StepDelay > 0 {
				t := time.NewTimer(opts.StepDelay)
				select {
				case <-ctx.Done():
					t.Stop()
					return Output{}, ctx.Err()
				case <-t.C:
				}
			}

			if err := os.MkdirAll(in.WorkDir, 0o755); err != nil {
				return Output{}, Transient(err)
			}
			path := filepath.Join(in.WorkDir, name+".out")
			if err := os.WriteFile(path, []byte(syntheticContent(name, in)), 0o644); err != nil {
				return Output{}, Transient(err)
			}
			return Output{
				Artifacts: map[string]string{name + ".out": path},
				Progress:  1,
				Message:   name + " complete",
			}, nil
		},
	}
}

// syntheticContent depends only on the stage, its upstream artifact
// names, and the runtime, so a resumed run reproduces a fresh run's
// artifacts byte for byte.
func syntheticContent(name string, in Input) string {
	upstream := make([]string, 0, len(in.Artifacts))
	for k := range in.Artifacts {
		upstream = append(upstream, k)
	}
	sort.Strings(upstream)
	return fmt.Sprintf("%s\nlang=%s>%s\ninputs=%s\n",
		name, in.Runtime.SourceLang, in.Runtime.TargetLang, strings.Join(upstream, ","))
}
