package session

import (
	"fmt"
	"time"
)

var transitions = map[Kind]map[Status][]Status{
	KindText: {
		StatusWaitingForDoctor: {StatusActive, StatusExpired, StatusDeclined, StatusFailed},
		StatusActive:           {StatusEnded, StatusExpired},
	},
	KindCall: {
		StatusPending:   {StatusAnswered, StatusDeclined, StatusFailed, StatusEnded},
		StatusAnswered:  {StatusConnected, StatusFailed, StatusEnded},
		StatusConnected: {StatusEnded},
	},
}

// InitialStatus is the status a freshly created session of the kind starts in.
func InitialStatus(kind Kind) Status {
	if kind == KindCall {
		return StatusPending
	}
	return StatusWaitingForDoctor
}

func CanTransition(kind Kind, from, to Status) bool {
	for _, next := range transitions[kind][from] {
		if next == to {
			return true
		}
	}
	return false
}

// PreviousStatuses lists every status that may move to the target.
func PreviousStatuses(kind Kind, to Status) []Status {
	out := make([]Status, 0, 3)
	for from, nexts := range transitions[kind] {
		for _, next := range nexts {
			if next == to {
				out = append(out, from)
			}
		}
	}
	return out
}

// Transition moves the session to the target status and stamps the timestamps
// the move implies. Existing timestamps are never overwritten.
func (s *Session) Transition(to Status, now time.Time) error {
	if !CanTransition(s.Kind, s.Status, to) {
		return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, s.Kind, s.Status, to)
	}

	switch to {
	case StatusActive:
		setOnce(&s.StartedAt, now)
	case StatusAnswered:
		setOnce(&s.AnsweredAt, now)
	case StatusConnected:
		if s.AnsweredAt != nil {
			setOnce(&s.ConnectedAt, *s.AnsweredAt)
		} else {
			setOnce(&s.ConnectedAt, now)
		}
	case StatusEnded, StatusExpired, StatusDeclined, StatusFailed:
		setOnce(&s.EndedAt, now)
		s.ReconcileConnectedAt()
	}

	s.Status = to
	s.UpdatedAt = now
	return nil
}

func setOnce(field **time.Time, at time.Time) {
	if *field != nil {
		return
	}
	v := at
	*field = &v
}
