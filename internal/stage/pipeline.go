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
	"fmt"
	"sort"
	"sync"
)

// DefaultPipelineName is the pipeline jobs run unless their runtime
// says otherwise.
const DefaultPipelineName = "dubbing"

// DubbingOrder is the canonical stage order of a dubbing run.
var DubbingOrder = []string{
	"probe",
	"separate",
	"transcribe",
	"translate",
	"voice_clone",
	"tts",
	"mix",
	"mux",
	"subtitles",
	"finalize",
}

// DubbingWeights is each stage's share of overall progress. NewPipeline
// normalizes, so only the ratios matter.
var DubbingWeights = map[string]float64{
	"probe":       0.02,
	"separate":    0.10,
	"transcribe":  0.18,
	"translate":   0.10,
	"voice_clone": 0.15,
	"tts":         0.20,
	"mix":         0.10,
	"mux":         0.05,
	"subtitles":   0.05,
	"finalize":    0.05,
}

// Pipeline is an ordered, weighted stage sequence. Construction
// validates it; afterwards it is immutable and safe for concurrent use.
type Pipeline struct {
	name   string
	stages []Stage
	cum    []float64 // cum[i] = normalized progress once stage i completes
	index  map[string]int
}

// NewPipeline builds a pipeline from stages in execution order. Every
// stage needs a unique name and a positive weight.
func NewPipeline(name string, stages []Stage, weights map[string]float64) (*Pipeline, error) {
	if name == "" {
		return nil, fmt.Errorf("pipeline needs a name")
	}
	if len(stages) == 0 {
		return nil, fmt.Errorf("pipeline %s has no stages", name)
	}

	index := make(map[string]int, len(stages))
	var total float64
	for i, s := range stages {
		sn := s.Name()
		if sn == "" {
			return nil, fmt.Errorf("pipeline %s: stage %d has no name", name, i)
		}
		if _, dup := index[sn]; dup {
			return nil, fmt.Errorf("pipeline %s: duplicate stage %s", name, sn)
		}
		w, ok := weights[sn]
		if !ok {
			return nil, fmt.Errorf("pipeline %s: stage %s has no weight", name, sn)
		}
		if w <= 0 {
			return nil, fmt.Errorf("pipeline %s: stage %s weight %v is not positive", name, sn, w)
		}
		index[sn] = i
		total += w
	}

	cum := make([]float64, len(stages))
	var sum float64
	for i, s := range stages {
		sum += weights[s.Name()] / total
		cum[i] = sum
	}
	// Close the floating point gap so a finished pipeline reads 1.0.
	cum[len(cum)-1] = 1.0

	return &Pipeline{name: name, stages: stages, cum: cum, index: index}, nil
}

// Name returns the pipeline name.
func (p *Pipeline) Name() string { return p.name }

// Len returns the stage count.
func (p *Pipeline) Len() int { return len(p.stages) }

// Stage returns the stage at position i.
func (p *Pipeline) Stage(i int) Stage { return p.stages[i] }

// Index returns a stage's position, or -1 when absent.
func (p *Pipeline) Index(name string) int {
	if i, ok := p.index[name]; ok {
		return i
	}
	return -1
}

// Names returns the stage names in execution order.
func (p *Pipeline) Names() []string {
	names := make([]string, len(p.stages))
	for i, s := range p.stages {
		names[i] = s.Name()
	}
	return names
}

// ProgressAt computes overall progress while stage i runs at fraction
// frac of its own work. Out-of-range inputs clamp.
func (p *Pipeline) ProgressAt(i int, frac float64) float64 {
	if i < 0 {
		return 0
	}
	if i >= len(p.stages) {
		return 1
	}
	if frac < 0 {
		frac = 0
	}
	if frac > 1 {
		frac = 1
	}
	before := 0.0
	if i > 0 {
		before = p.cum[i-1]
	}
	return before + (p.cum[i]-before)*frac
}

// Downstream returns the named stage and everything after it, in order.
// Unknown names return nil. Used to invalidate checkpoints from a stage
// onward.
func (p *Pipeline) Downstream(name string) []string {
	i := p.Index(name)
	if i < 0 {
		return nil
	}
	names := make([]string, 0, len(p.stages)-i)
	for ; i < len(p.stages); i++ {
		names = append(names, p.stages[i].Name())
	}
	return names
}

// Registry holds the pipelines the server can run, keyed by name.
type Registry struct {
	mu        sync.RWMutex
	pipelines map[string]*Pipeline
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{pipelines: make(map[string]*Pipeline)}
}

// Register adds a pipeline. Registering the same name twice is an error.
func (r *Registry) Register(p *Pipeline) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.pipelines[p.Name()]; dup {
		return fmt.Errorf("pipeline %s already registered", p.Name())
	}
	r.pipelines[p.Name()] = p
	return nil
}

// Get looks a pipeline up by name.
func (r *Registry) Get(name string) (*Pipeline, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pipelines[name]
	return p, ok
}

// Names returns the registered pipeline names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.pipelines))
	for name := range r.pipelines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
