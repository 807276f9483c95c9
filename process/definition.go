// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package process

import (
	"errors"
	"fmt"
)

// Predicate is a pure function over the instance data used to decide
// whether a conditional step runs.
type Predicate func(data map[string]any) bool

// BoolKey returns a [Predicate] which is true when the named data key
// holds a boolean true.
func BoolKey(key string) Predicate {
	return func(data map[string]any) bool {
		b, _ := data[key].(bool)
		return b
	}
}

// Step is one node of a process graph. Steps run in slice order; a
// step with a predicate name is skipped when its predicate is false.
type Step struct {
	// Command is the command name executed for this step.
	Command string

	// Compensation is the command name undoing this step, or empty
	// when the step cannot be undone.
	Compensation string

	// Predicate names the condition guarding this step, or empty
	// when the step always runs.
	Predicate string

	// MaxRetries is how often a failed execution of this step is
	// retried with a fresh command before compensation begins.
	MaxRetries int
}

// Definition is a compiled process graph.
type Definition struct {
	// Type uniquely names the process.
	Type string

	// Initiation is the command name which starts an instance.
	Initiation string

	// Steps is the graph as an indexed vector. Successors are
	// positional.
	Steps []Step

	predicates map[string]Predicate
	retryable  func(step Step, cause string) bool
}

// Retryable reports whether a failed execution of step with the given
// cause should be retried. Without a RetryableWhen override every
// failure reply is final, since the executor only replies with
// failures it already classified as permanent.
func (d Definition) Retryable(step Step, cause string) bool {
	if d.retryable == nil {
		return false
	}
	return d.retryable(step, cause)
}

// StepIndex returns the index of the step executing the named command.
func (d Definition) StepIndex(command string) (int, bool) {
	for i, s := range d.Steps {
		if s.Command == command {
			return i, true
		}
	}
	return 0, false
}

// CompensationIndex returns the index of the step whose compensation
// is the named command.
func (d Definition) CompensationIndex(command string) (int, bool) {
	for i, s := range d.Steps {
		if s.Compensation != "" && s.Compensation == command {
			return i, true
		}
	}
	return 0, false
}

// NextRunnable returns the index of the first step at or after from
// whose predicate holds over data, or -1 when the process is complete.
func (d Definition) NextRunnable(from int, data map[string]any) int {
	for i := from; i < len(d.Steps); i++ {
		s := d.Steps[i]
		if s.Predicate == "" {
			return i
		}
		if d.predicates[s.Predicate](data) {
			return i
		}
	}
	return -1
}

// Branch is the intermediate builder state after ThenIf.
type Branch struct {
	builder   *Builder
	predicate string
}

// WhenTrue appends a step which only runs when the branch predicate
// holds.
func (br Branch) WhenTrue(command string) *Builder {
	b := br.builder
	b.appendStep(Step{Command: command, Predicate: br.predicate})
	return b
}

// Builder assembles a [Definition]. The first error sticks and is
// returned by [Builder.End].
type Builder struct {
	def Definition
	err error
}

// Define begins a process definition. The initiation command is the
// command name which, when executed, starts an instance of this
// process instead of running a handler.
func Define(processType, initiationCommand string) *Builder {
	b := &Builder{
		def: Definition{
			Type:       processType,
			Initiation: initiationCommand,
			predicates: make(map[string]Predicate),
		},
	}
	if processType == "" {
		b.err = errors.New("process: definition requires a type")
	}
	if b.err == nil && initiationCommand == "" {
		b.err = errors.New("process: definition requires an initiation command")
	}
	return b
}

// Predicate registers a named predicate referenced by ThenIf.
func (b *Builder) Predicate(name string, p Predicate) *Builder {
	if b.err != nil {
		return b
	}
	if name == "" || p == nil {
		b.err = errors.New("process: predicate requires a name and a function")
		return b
	}
	if _, ok := b.def.predicates[name]; ok {
		b.err = fmt.Errorf("process: predicate %s already registered", name)
		return b
	}

	b.def.predicates[name] = p
	return b
}

// RetryableWhen sets the retry policy consulted when a step execution
// fails. The cause is the error message carried by the failure reply.
func (b *Builder) RetryableWhen(f func(step Step, cause string) bool) *Builder {
	if b.err != nil {
		return b
	}

	b.def.retryable = f
	return b
}

// StartWith appends the first step. It must be called before any
// other step method and the first step is always unconditional.
func (b *Builder) StartWith(command string) *Builder {
	if b.err != nil {
		return b
	}
	if len(b.def.Steps) > 0 {
		b.err = errors.New("process: StartWith must be the first step")
		return b
	}

	b.appendStep(Step{Command: command})
	return b
}

// Then appends an unconditional step.
func (b *Builder) Then(command string) *Builder {
	b.appendStep(Step{Command: command})
	return b
}

// ThenIf begins a conditional step guarded by the named predicate.
func (b *Builder) ThenIf(predicate string) Branch {
	return Branch{builder: b, predicate: predicate}
}

// WithCompensation attaches a compensation command to the step
// appended last.
func (b *Builder) WithCompensation(command string) *Builder {
	if b.err != nil {
		return b
	}
	if len(b.def.Steps) == 0 {
		b.err = errors.New("process: WithCompensation requires a step")
		return b
	}
	if command == "" {
		b.err = errors.New("process: compensation requires a command name")
		return b
	}

	b.def.Steps[len(b.def.Steps)-1].Compensation = command
	return b
}

// WithMaxRetries sets the retry budget of the step appended last.
func (b *Builder) WithMaxRetries(n int) *Builder {
	if b.err != nil {
		return b
	}
	if len(b.def.Steps) == 0 {
		b.err = errors.New("process: WithMaxRetries requires a step")
		return b
	}
	if n < 0 {
		b.err = errors.New("process: max retries must not be negative")
		return b
	}

	b.def.Steps[len(b.def.Steps)-1].MaxRetries = n
	return b
}

func (b *Builder) appendStep(s Step) {
	if b.err != nil {
		return
	}
	if len(b.def.Steps) == 0 && s.Predicate != "" {
		b.err = errors.New("process: the first step must be unconditional")
		return
	}
	if s.Command == "" {
		b.err = errors.New("process: step requires a command name")
		return
	}

	b.def.Steps = append(b.def.Steps, s)
}

// End validates and returns the assembled definition.
//
// Command names must be unique across steps and across compensations,
// and the two sets must not overlap, so a log entry always identifies
// exactly one graph node. Every referenced predicate must have been
// registered.
func (b *Builder) End() (Definition, error) {
	if b.err != nil {
		return Definition{}, b.err
	}
	if len(b.def.Steps) == 0 {
		return Definition{}, errors.New("process: definition requires at least one step")
	}

	names := make(map[string]struct{}, 2*len(b.def.Steps))
	names[b.def.Initiation] = struct{}{}
	for _, s := range b.def.Steps {
		if _, ok := names[s.Command]; ok {
			return Definition{}, fmt.Errorf("process: duplicate command name %s in definition %s", s.Command, b.def.Type)
		}
		names[s.Command] = struct{}{}

		if s.Predicate != "" {
			if _, ok := b.def.predicates[s.Predicate]; !ok {
				return Definition{}, fmt.Errorf("process: unknown predicate %s in definition %s", s.Predicate, b.def.Type)
			}
		}
	}
	for _, s := range b.def.Steps {
		if s.Compensation == "" {
			continue
		}
		if _, ok := names[s.Compensation]; ok {
			return Definition{}, fmt.Errorf("process: duplicate command name %s in definition %s", s.Compensation, b.def.Type)
		}
		names[s.Compensation] = struct{}{}
	}

	return b.def, nil
}
