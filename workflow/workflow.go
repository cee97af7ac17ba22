// Package workflow is the single authority on Source lifecycle transitions.
//
//	CREATED -> CRAWLING -> COMPLETED -> TRAINING -> TRAINED
//	any (except REMOVED)             -> PENDING_REMOVAL -> REMOVED
//	any (except REMOVED, ERROR)      -> ERROR
//	TRAINED | ERROR                  -> CRAWLING   (recrawl only)
//	TRAINED | ERROR                  -> TRAINING   (retrain only)
//
// Stores call Check before writing workflow_status and move the prior value
// into previous_status; nothing else writes the column.
package workflow

import (
	"errors"
	"fmt"
)

// Status is a Source workflow status.
type Status string

const (
	Created        Status = "CREATED"
	Crawling       Status = "CRAWLING"
	Completed      Status = "COMPLETED"
	Training       Status = "TRAINING"
	Trained        Status = "TRAINED"
	PendingRemoval Status = "PENDING_REMOVAL"
	Removed        Status = "REMOVED"
	Error          Status = "ERROR"
)

// All lists every status in lifecycle order.
var All = []Status{Created, Crawling, Completed, Training, Trained, PendingRemoval, Removed, Error}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, v := range All {
		if s == v {
			return true
		}
	}
	return false
}

// Trigger says who asks for a transition. Re-entry edges need an explicit
// user request; the pipeline alone can never take them.
type Trigger int

const (
	Pipeline Trigger = iota
	Recrawl
	Retrain
)

func (t Trigger) String() string {
	switch t {
	case Recrawl:
		return "recrawl"
	case Retrain:
		return "retrain"
	default:
		return "pipeline"
	}
}

// ErrInvalidTransition is wrapped by every rejected transition.
var ErrInvalidTransition = errors.New("invalid transition")

// TransitionError carries the rejected edge.
type TransitionError struct {
	From    Status
	To      Status
	Trigger Trigger
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("workflow: %s -> %s (%s): %v", e.From, e.To, e.Trigger, ErrInvalidTransition)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

var forward = map[Status]Status{
	Created:   Crawling,
	Crawling:  Completed,
	Completed: Training,
	Training:  Trained,
}

// Allowed reports whether from -> to is an edge for trigger.
func Allowed(from, to Status, trigger Trigger) bool {
	if !from.Valid() || !to.Valid() || from == to || from == Removed {
		return false
	}
	switch to {
	case PendingRemoval, Error:
		return true
	case Removed:
		return from == PendingRemoval
	}
	if from == PendingRemoval {
		return false
	}
	if forward[from] == to {
		return true
	}
	switch trigger {
	case Recrawl:
		return to == Crawling && (from == Trained || from == Error)
	case Retrain:
		return to == Training && (from == Trained || from == Error)
	}
	return false
}

// Check returns a *TransitionError when from -> to is not allowed.
func Check(from, to Status, trigger Trigger) error {
	if !Allowed(from, to, trigger) {
		return &TransitionError{From: from, To: to, Trigger: trigger}
	}
	return nil
}

// State is the pair of columns the machine owns.
type State struct {
	Status   Status
	Previous Status
}

// Apply moves s to target, keeping the old status in Previous. On error s
// is left unchanged.
func (s *State) Apply(target Status, trigger Trigger) error {
	if err := Check(s.Status, target, trigger); err != nil {
		return err
	}
	s.Previous, s.Status = s.Status, target
	return nil
}

// Active reports whether a source in s still accepts pipeline work.
func Active(s Status) bool {
	return s != PendingRemoval && s != Removed
}
