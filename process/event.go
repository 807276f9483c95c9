// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package process

import (
	"maps"
	"time"
)

// EventType enumerates the process log events.
type EventType string

const (
	EventProcessStarted        EventType = "ProcessStarted"
	EventStepScheduled         EventType = "StepScheduled"
	EventStepCompleted         EventType = "StepCompleted"
	EventStepFailed            EventType = "StepFailed"
	EventCompensationScheduled EventType = "CompensationScheduled"
	EventCompensationCompleted EventType = "CompensationCompleted"
	EventProcessPaused         EventType = "ProcessPaused"
	EventProcessResumed        EventType = "ProcessResumed"
	EventProcessEnded          EventType = "ProcessEnded"
)

// Event is one entry in a process log. Which fields are set depends
// on the event type.
type Event struct {
	Type        EventType      `json:"type"`
	ProcessType string         `json:"processType,omitempty"`
	BusinessKey string         `json:"businessKey,omitempty"`
	Step        string         `json:"step,omitempty"`
	CommandID   string         `json:"commandId,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
	Error       string         `json:"error,omitempty"`
	Retrying    bool           `json:"retrying,omitempty"`
	Status      Status         `json:"status,omitempty"`
}

// LogEntry is an [Event] with its position in the log.
type LogEntry struct {
	ProcessID string
	Seq       int64
	At        time.Time
	Event     Event
}

// apply folds ev into the materialized instance state. Both the live
// manager and [Replay] mutate instances exclusively through apply,
// which is what keeps the replay invariant true by construction.
func apply(inst *Instance, ev Event) {
	if inst.Data == nil {
		inst.Data = make(map[string]any)
	}

	switch ev.Type {
	case EventProcessStarted:
		inst.Type = ev.ProcessType
		inst.BusinessKey = ev.BusinessKey
		inst.Status = StatusRunning
		inst.Data = make(map[string]any, len(ev.Data))
		maps.Copy(inst.Data, ev.Data)
	case EventStepScheduled:
		inst.Status = StatusRunning
		inst.CurrentStep = ev.Step
		inst.Data[awaitingDataKey] = ev.CommandID
	case EventStepCompleted:
		delete(inst.Data, awaitingDataKey)
		maps.Copy(inst.Data, ev.Data)
	case EventStepFailed:
		delete(inst.Data, awaitingDataKey)
		if ev.Retrying {
			inst.Retries++
		}
	case EventCompensationScheduled:
		inst.Status = StatusCompensating
		inst.CurrentStep = ev.Step
		inst.Data[awaitingDataKey] = ev.CommandID
	case EventCompensationCompleted:
		delete(inst.Data, awaitingDataKey)
	case EventProcessPaused:
		inst.Status = StatusPaused
	case EventProcessResumed:
		inst.Status = StatusRunning
	case EventProcessEnded:
		inst.Status = ev.Status
		delete(inst.Data, awaitingDataKey)
	}
}

// Replay rebuilds an instance from its event log. The entries must be
// in sequence order. Replaying a stored instance's log always yields
// the same current state as the stored instance.
func Replay(entries []LogEntry) Instance {
	var inst Instance
	for _, entry := range entries {
		inst.ID = entry.ProcessID
		apply(&inst, entry.Event)
	}
	return inst
}
