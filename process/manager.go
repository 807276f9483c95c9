// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package process

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/z5labs/keel/command"
	"github.com/z5labs/keel/envelope"
	"github.com/z5labs/keel/outbox"
)

// Txn bundles the stores the manager mutates. All stores must be
// bound to the same transaction so a process never advances without
// its step command and outbox entry, or vice versa.
type Txn struct {
	Commands  command.Store
	Outbox    outbox.Store
	Processes Store
}

// StartFailedError signals that a process could not be started for an
// initiation command. It is always classified permanent since
// redelivering the initiation command cannot fix it.
type StartFailedError struct {
	ProcessType string
	Err         error
}

func (e StartFailedError) Error() string {
	return fmt.Sprintf("process: failed to start %s: %v", e.ProcessType, e.Err)
}

func (e StartFailedError) Unwrap() error {
	return e.Err
}

// StartResult is the executor visible outcome of starting a process.
type StartResult struct {
	ProcessID   string `json:"processId"`
	ProcessType string `json:"processType"`
	Status      string `json:"status"`
}

// Manager interprets process definitions: it starts instances for
// initiation commands, advances them on step replies and walks the
// compensation chain on failure.
//
// The manager holds no store handles. Every operation receives a
// [Txn] bound to the caller's transaction, so process bookkeeping
// commits or rolls back atomically with whatever triggered it.
type Manager struct {
	mu          sync.RWMutex
	registry    *command.Registry
	naming      outbox.Naming
	defs        map[string]Definition
	initiations map[string]Definition
}

// NewManager initializes a [Manager]. Registered definitions mark
// their initiation commands on the registry so the executor routes
// them here instead of to a handler.
func NewManager(registry *command.Registry, naming outbox.Naming) *Manager {
	return &Manager{
		registry:    registry,
		naming:      naming,
		defs:        make(map[string]Definition),
		initiations: make(map[string]Definition),
	}
}

// Register adds a definition. Process types and initiation commands
// must be unique across all registered definitions.
func (m *Manager) Register(def Definition) error {
	if len(def.Steps) == 0 {
		return fmt.Errorf("process: definition %s has no steps", def.Type)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.defs[def.Type]; ok {
		return fmt.Errorf("process: definition %s already registered", def.Type)
	}
	if existing, ok := m.initiations[def.Initiation]; ok {
		return fmt.Errorf("process: initiation command %s already starts %s", def.Initiation, existing.Type)
	}

	m.defs[def.Type] = def
	m.initiations[def.Initiation] = def
	if m.registry != nil {
		m.registry.MarkInitiation(def.Initiation)
	}
	return nil
}

// Definition returns the registered definition for the process type.
func (m *Manager) Definition(processType string) (Definition, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	def, ok := m.defs[processType]
	return def, ok
}

func (m *Manager) initiationFor(commandName string) (Definition, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	def, ok := m.initiations[commandName]
	return def, ok
}

// Start creates an instance for the initiation command carried by env
// and schedules its first step. The envelope payload becomes the
// initial instance data and the envelope key the business key.
func (m *Manager) Start(ctx context.Context, txn Txn, env envelope.Envelope) (StartResult, error) {
	def, ok := m.initiationFor(env.Name)
	if !ok {
		return StartResult{}, command.Permanent(StartFailedError{
			Err: fmt.Errorf("no process is initiated by command %s", env.Name),
		})
	}

	data := make(map[string]any)
	if len(env.Payload) > 0 {
		err := json.Unmarshal(env.Payload, &data)
		if err != nil {
			return StartResult{}, command.Permanent(StartFailedError{
				ProcessType: def.Type,
				Err:         fmt.Errorf("failed to unmarshal initial data: %w", err),
			})
		}
	}

	now := time.Now().UTC()
	inst := Instance{
		ID:        uuid.NewString(),
		Status:    StatusNew,
		CreatedAt: now,
		UpdatedAt: now,
	}

	started := Event{
		Type:        EventProcessStarted,
		ProcessType: def.Type,
		BusinessKey: env.Key,
		Data:        data,
	}
	apply(&inst, started)

	err := txn.Processes.Save(ctx, inst)
	if err != nil {
		var derr DuplicateProcessError
		if errors.As(err, &derr) {
			return StartResult{}, command.Permanent(StartFailedError{ProcessType: def.Type, Err: err})
		}
		return StartResult{}, err
	}

	_, err = txn.Processes.AppendLog(ctx, inst.ID, started)
	if err != nil {
		return StartResult{}, err
	}

	err = m.emitStep(ctx, txn, &inst, def.Steps[0].Command, EventStepScheduled)
	if err != nil {
		return StartResult{}, err
	}

	err = txn.Processes.Update(ctx, inst)
	if err != nil {
		return StartResult{}, err
	}

	return StartResult{
		ProcessID:   inst.ID,
		ProcessType: def.Type,
		Status:      "STARTED",
	}, nil
}

// HandleReply routes a step reply to its process. The boolean reports
// whether the reply belonged to a process at all; false lets the
// caller route the reply elsewhere. Replies for superseded commands or
// settled processes are swallowed.
func (m *Manager) HandleReply(ctx context.Context, txn Txn, env envelope.Envelope) (bool, error) {
	inst, err := txn.Processes.Find(ctx, env.CorrelationID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if inst.Status.Terminal() || inst.Status == StatusPaused {
		return true, nil
	}
	if env.CommandID == "" || env.CommandID != inst.AwaitingCommandID() {
		return true, nil
	}

	def, ok := m.Definition(inst.Type)
	if !ok {
		return false, fmt.Errorf("process: no definition registered for %s", inst.Type)
	}

	var reply command.Reply
	if len(env.Payload) > 0 {
		err = json.Unmarshal(env.Payload, &reply)
		if err != nil {
			return false, command.Permanent(fmt.Errorf("process: failed to unmarshal reply for %s: %w", inst.ID, err))
		}
	}

	switch inst.Status {
	case StatusRunning:
		if reply.Status == command.ReplyFailed {
			return true, m.stepFailed(ctx, txn, def, &inst, env, reply)
		}
		return true, m.stepCompleted(ctx, txn, def, &inst, env, reply)
	case StatusCompensating:
		return true, m.compensationReply(ctx, txn, def, &inst, env, reply)
	default:
		return true, nil
	}
}

// Pause suspends a RUNNING instance. Replies arriving while paused
// are swallowed; Resume re-emits the outstanding step afterwards.
func (m *Manager) Pause(ctx context.Context, txn Txn, processID string) error {
	inst, err := txn.Processes.Find(ctx, processID)
	if err != nil {
		return err
	}
	if inst.Status != StatusRunning {
		return fmt.Errorf("process: cannot pause %s in status %s", processID, inst.Status)
	}

	ev := Event{Type: EventProcessPaused}
	apply(&inst, ev)

	_, err = txn.Processes.AppendLog(ctx, processID, ev)
	if err != nil {
		return err
	}
	return txn.Processes.Update(ctx, inst)
}

// Resume returns a PAUSED instance to RUNNING and re-emits its
// current step with a fresh command.
func (m *Manager) Resume(ctx context.Context, txn Txn, processID string) error {
	inst, err := txn.Processes.Find(ctx, processID)
	if err != nil {
		return err
	}
	if inst.Status != StatusPaused {
		return fmt.Errorf("process: cannot resume %s in status %s", processID, inst.Status)
	}

	def, ok := m.Definition(inst.Type)
	if !ok {
		return fmt.Errorf("process: no definition registered for %s", inst.Type)
	}
	if _, ok := def.StepIndex(inst.CurrentStep); !ok {
		return fmt.Errorf("process: unknown step %s in %s", inst.CurrentStep, inst.Type)
	}

	ev := Event{Type: EventProcessResumed}
	apply(&inst, ev)

	_, err = txn.Processes.AppendLog(ctx, processID, ev)
	if err != nil {
		return err
	}

	err = m.emitStep(ctx, txn, &inst, inst.CurrentStep, EventStepScheduled)
	if err != nil {
		return err
	}
	return txn.Processes.Update(ctx, inst)
}

// Compensate unwinds a PAUSED instance out of band: every logged
// completed step with a compensation is compensated in reverse order.
func (m *Manager) Compensate(ctx context.Context, txn Txn, processID string) error {
	inst, err := txn.Processes.Find(ctx, processID)
	if err != nil {
		return err
	}
	if inst.Status != StatusPaused {
		return fmt.Errorf("process: cannot compensate %s in status %s", processID, inst.Status)
	}

	def, ok := m.Definition(inst.Type)
	if !ok {
		return fmt.Errorf("process: no definition registered for %s", inst.Type)
	}

	return m.advanceCompensation(ctx, txn, def, &inst, StatusCompensated)
}

func (m *Manager) stepCompleted(ctx context.Context, txn Txn, def Definition, inst *Instance, env envelope.Envelope, reply command.Reply) error {
	idx, ok := def.StepIndex(inst.CurrentStep)
	if !ok {
		return fmt.Errorf("process: unknown step %s in %s", inst.CurrentStep, inst.Type)
	}

	ev := Event{
		Type:      EventStepCompleted,
		Step:      inst.CurrentStep,
		CommandID: env.CommandID,
		Data:      reply.Data,
	}
	apply(inst, ev)

	_, err := txn.Processes.AppendLog(ctx, inst.ID, ev)
	if err != nil {
		return err
	}

	next := def.NextRunnable(idx+1, inst.Data)
	if next < 0 {
		end := Event{Type: EventProcessEnded, Status: StatusSucceeded}
		apply(inst, end)

		_, err = txn.Processes.AppendLog(ctx, inst.ID, end)
		if err != nil {
			return err
		}
		return txn.Processes.Update(ctx, *inst)
	}

	err = m.emitStep(ctx, txn, inst, def.Steps[next].Command, EventStepScheduled)
	if err != nil {
		return err
	}
	return txn.Processes.Update(ctx, *inst)
}

func (m *Manager) stepFailed(ctx context.Context, txn Txn, def Definition, inst *Instance, env envelope.Envelope, reply command.Reply) error {
	idx, ok := def.StepIndex(inst.CurrentStep)
	if !ok {
		return fmt.Errorf("process: unknown step %s in %s", inst.CurrentStep, inst.Type)
	}
	step := def.Steps[idx]

	if def.Retryable(step, reply.Error) {
		entries, err := txn.Processes.Log(ctx, inst.ID)
		if err != nil {
			return err
		}

		if stepRetries(entries, step.Command) < step.MaxRetries {
			ev := Event{
				Type:      EventStepFailed,
				Step:      step.Command,
				CommandID: env.CommandID,
				Error:     reply.Error,
				Retrying:  true,
			}
			apply(inst, ev)

			_, err = txn.Processes.AppendLog(ctx, inst.ID, ev)
			if err != nil {
				return err
			}

			err = m.emitStep(ctx, txn, inst, step.Command, EventStepScheduled)
			if err != nil {
				return err
			}
			return txn.Processes.Update(ctx, *inst)
		}
	}

	ev := Event{
		Type:      EventStepFailed,
		Step:      step.Command,
		CommandID: env.CommandID,
		Error:     reply.Error,
	}
	apply(inst, ev)

	_, err := txn.Processes.AppendLog(ctx, inst.ID, ev)
	if err != nil {
		return err
	}

	return m.advanceCompensation(ctx, txn, def, inst, StatusFailed)
}

func (m *Manager) compensationReply(ctx context.Context, txn Txn, def Definition, inst *Instance, env envelope.Envelope, reply command.Reply) error {
	ev := Event{
		Type:      EventCompensationCompleted,
		Step:      inst.CurrentStep,
		CommandID: env.CommandID,
	}
	if reply.Status == command.ReplyFailed {
		// a permanently failed compensation is not retried, the walk
		// continues and the final status becomes FAILED
		ev = Event{
			Type:      EventStepFailed,
			Step:      inst.CurrentStep,
			CommandID: env.CommandID,
			Error:     reply.Error,
		}
	}
	apply(inst, ev)

	_, err := txn.Processes.AppendLog(ctx, inst.ID, ev)
	if err != nil {
		return err
	}

	return m.advanceCompensation(ctx, txn, def, inst, StatusCompensated)
}

// advanceCompensation schedules the next pending compensation or ends
// the process. noneStatus is the final status when the walk finds
// nothing to compensate at all.
func (m *Manager) advanceCompensation(ctx context.Context, txn Txn, def Definition, inst *Instance, noneStatus Status) error {
	entries, err := txn.Processes.Log(ctx, inst.ID)
	if err != nil {
		return err
	}

	target := nextCompensation(def, entries)
	if target < 0 {
		final := noneStatus
		if compensationBegan(entries) {
			final = StatusCompensated
			if anyCompensationFailed(def, entries) {
				final = StatusFailed
			}
		}

		end := Event{Type: EventProcessEnded, Status: final}
		apply(inst, end)

		_, err = txn.Processes.AppendLog(ctx, inst.ID, end)
		if err != nil {
			return err
		}
		return txn.Processes.Update(ctx, *inst)
	}

	err = m.emitStep(ctx, txn, inst, def.Steps[target].Compensation, EventCompensationScheduled)
	if err != nil {
		return err
	}
	return txn.Processes.Update(ctx, *inst)
}

// emitStep creates a fresh command for commandName, records its outbox
// entry and logs the scheduling event. The instance data, minus
// internal keys, becomes the command payload.
func (m *Manager) emitStep(ctx context.Context, txn Txn, inst *Instance, commandName string, evType EventType) error {
	data := make(map[string]any, len(inst.Data))
	maps.Copy(data, inst.Data)
	delete(data, awaitingDataKey)

	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("process: failed to marshal data for %s: %w", inst.ID, err)
	}

	replyHeaders := map[string]string{
		envelope.HeaderCorrelationID: inst.ID,
		envelope.HeaderReplyTo:       m.naming.ReplyQueue,
	}

	cmd := command.New(commandName, "", "", payload, replyHeaders)
	// commands are deduplicated per emission: retries intentionally
	// run a fresh command
	cmd.IdempotencyKey = cmd.ID
	cmd.BusinessKey = inst.BusinessKey + "#" + cmd.ID

	err = txn.Commands.SavePending(ctx, cmd)
	if err != nil {
		return err
	}

	_, err = txn.Outbox.Insert(ctx, m.naming.CommandRequested(commandName, cmd.ID, cmd.BusinessKey, payload, replyHeaders))
	if err != nil {
		return err
	}

	ev := Event{Type: evType, Step: commandName, CommandID: cmd.ID}
	apply(inst, ev)

	_, err = txn.Processes.AppendLog(ctx, inst.ID, ev)
	return err
}

// nextCompensation returns the index of the most recently completed
// step whose compensation has not been scheduled yet, or -1 when the
// walk is done.
func nextCompensation(def Definition, entries []LogEntry) int {
	var completed []string
	scheduled := make(map[string]struct{})
	for _, entry := range entries {
		switch entry.Event.Type {
		case EventStepCompleted:
			completed = append(completed, entry.Event.Step)
		case EventCompensationScheduled:
			scheduled[entry.Event.Step] = struct{}{}
		}
	}

	for i := len(completed) - 1; i >= 0; i-- {
		idx, ok := def.StepIndex(completed[i])
		if !ok {
			continue
		}

		comp := def.Steps[idx].Compensation
		if comp == "" {
			continue
		}
		if _, ok := scheduled[comp]; ok {
			continue
		}
		return idx
	}
	return -1
}

func compensationBegan(entries []LogEntry) bool {
	for _, entry := range entries {
		if entry.Event.Type == EventCompensationScheduled {
			return true
		}
	}
	return false
}

func anyCompensationFailed(def Definition, entries []LogEntry) bool {
	for _, entry := range entries {
		if entry.Event.Type != EventStepFailed || entry.Event.Retrying {
			continue
		}
		if _, ok := def.CompensationIndex(entry.Event.Step); ok {
			return true
		}
	}
	return false
}

func stepRetries(entries []LogEntry, step string) int {
	n := 0
	for _, entry := range entries {
		if entry.Event.Type == EventStepFailed && entry.Event.Retrying && entry.Event.Step == step {
			n++
		}
	}
	return n
}
