package session

import "time"

// ElapsedMinutes returns whole minutes since the billing anchor, measured to
// EndedAt once the session has ended. A session without an anchor has zero
// elapsed time; a started session never reports less than one minute.
func (s *Session) ElapsedMinutes(now time.Time) int {
	anchor := s.BillingAnchor()
	if anchor == nil {
		return 0
	}
	until := now
	if s.EndedAt != nil {
		until = *s.EndedAt
	}
	d := until.Sub(*anchor)
	if d < 0 {
		d = 0
	}
	minutes := int(d / time.Minute)
	if minutes < 1 {
		minutes = 1
	}
	return minutes
}

// AutoUnits is the number of full billing intervals elapsed.
func (s *Session) AutoUnits(now time.Time) int {
	if s.BillingAnchor() == nil {
		return 0
	}
	return s.ElapsedMinutes(now) / UnitMinutes
}

// SessionsToDeduct is the total number of units owed: one per full interval
// plus one more when the session is ended manually.
func (s *Session) SessionsToDeduct(isManualEnd bool, now time.Time) int {
	if s.BillingAnchor() == nil {
		return 0
	}
	units := s.AutoUnits(now)
	if isManualEnd {
		units++
	}
	return units
}

// ShouldAutoEnd reports whether the session has consumed its whole quota snapshot.
func (s *Session) ShouldAutoEnd(now time.Time) bool {
	if s.BillingAnchor() == nil {
		return false
	}
	return s.ElapsedMinutes(now) >= s.SessionsRemainingBeforeStart*UnitMinutes
}

// DeductionDue reports whether auto-deduction n may be applied at now.
func (s *Session) DeductionDue(n int, now time.Time) bool {
	if n < 1 || s.BillingAnchor() == nil {
		return false
	}
	return s.AutoUnits(now) >= n
}

// EndPlan describes how a billing-active session is closed.
type EndPlan struct {
	EndedAt        time.Time
	AutoEnd        bool
	AutoUnits      int
	ManualUnit     bool
	BillableUnits  int
	RequestedUnits int
}

// PlanEnd computes the end timestamp and units for closing the session at now.
// A manual end that arrives after the quota is exhausted is closed as an
// automatic end at the quota deadline, and units never exceed the snapshot.
func (s *Session) PlanEnd(isAutoEnd bool, now time.Time) EndPlan {
	plan := EndPlan{EndedAt: now, AutoEnd: isAutoEnd}
	if !isAutoEnd && s.ShouldAutoEnd(now) {
		plan.AutoEnd = true
	}
	if deadline, ok := s.QuotaDeadline(); ok && plan.AutoEnd && deadline.Before(now) {
		plan.EndedAt = deadline
	}

	ended := s.Clone()
	ended.EndedAt = &plan.EndedAt

	plan.RequestedUnits = ended.SessionsToDeduct(!plan.AutoEnd, now)
	plan.AutoUnits, plan.ManualUnit = ended.EndUnits(plan.AutoEnd, now)
	plan.BillableUnits = plan.AutoUnits
	if plan.ManualUnit {
		plan.BillableUnits++
	}
	return plan
}

// EndUnits splits the units owed by a closing session into interval units and
// the manual unit, capped at the quota snapshot.
func (s *Session) EndUnits(isAutoEnd bool, now time.Time) (int, bool) {
	if s.BillingAnchor() == nil {
		return 0, false
	}
	auto := s.AutoUnits(now)
	if auto > s.SessionsRemainingBeforeStart {
		auto = s.SessionsRemainingBeforeStart
	}
	manual := !isAutoEnd && auto < s.SessionsRemainingBeforeStart
	return auto, manual
}

// ApplyLazyExpiration returns a copy moved to expired when the session is
// still waiting for the doctor past its response deadline. The bool reports
// whether the copy differs from the receiver.
func (s *Session) ApplyLazyExpiration(now time.Time) (*Session, bool) {
	if s.Status != StatusWaitingForDoctor || s.DoctorResponseDeadline == nil {
		return s, false
	}
	if now.Before(*s.DoctorResponseDeadline) {
		return s, false
	}
	expired := s.Clone()
	expired.Status = StatusExpired
	reason := "doctor_no_response"
	expired.Reason = &reason
	endedAt := now
	expired.EndedAt = &endedAt
	return expired, true
}

// PromotionAction is the decision taken for an answered call.
type PromotionAction int

const (
	PromotionNone PromotionAction = iota
	PromotionAlreadyConnected
	PromotionBackfill
	PromotionPromote
)

func (a PromotionAction) String() string {
	switch a {
	case PromotionAlreadyConnected:
		return "already_connected"
	case PromotionBackfill:
		return "backfill"
	case PromotionPromote:
		return "promote"
	default:
		return "none"
	}
}

// PlanPromotion decides how a call's connection anchor is established. The
// anchor is always the answer time, regardless of when the decision is made.
func (s *Session) PlanPromotion() PromotionAction {
	if s.Kind != KindCall {
		return PromotionNone
	}
	if s.ConnectedAt != nil {
		return PromotionAlreadyConnected
	}
	if s.AnsweredAt == nil {
		return PromotionNone
	}
	if s.Status == StatusAnswered {
		return PromotionPromote
	}
	if (s.Status == StatusEnded || s.Status == StatusFailed) && s.EndedAt != nil {
		return PromotionBackfill
	}
	return PromotionNone
}

// WithAnswerAnchor returns a copy of an answered but unconnected call whose
// ConnectedAt is taken from AnsweredAt, so that an end arriving before the
// promotion job still bills from the answer time.
func (s *Session) WithAnswerAnchor() *Session {
	if s.Kind != KindCall || s.ConnectedAt != nil || s.AnsweredAt == nil {
		return s
	}
	c := s.Clone()
	at := *s.AnsweredAt
	c.ConnectedAt = &at
	return c
}

// ReconcileConnectedAt backfills ConnectedAt from AnsweredAt on a call that
// was answered and has since ended or failed.
func (s *Session) ReconcileConnectedAt() bool {
	if s.Kind != KindCall || s.ConnectedAt != nil || s.AnsweredAt == nil || s.EndedAt == nil {
		return false
	}
	at := *s.AnsweredAt
	s.ConnectedAt = &at
	return true
}
