package schedule

import (
	"math"
	"time"
)

type DelayUnit string

const (
	UnitMinutes DelayUnit = "minutes"
	UnitHours   DelayUnit = "hours"
	UnitDays    DelayUnit = "days"
)

// Reason explains which constraint decided the scheduled instant.
type Reason string

const (
	ReasonNone      Reason = "none"
	ReasonStepDelay Reason = "step_delay"
	ReasonMinGap    Reason = "min_gap"
)

// DefaultGapMinutes applies when a step has no delay or a zero delay.
const DefaultGapMinutes = 2

type Input struct {
	Now             time.Time
	DelayValue      *int
	DelayUnit       DelayUnit
	MinGapMinutes   int
	Policy          Policy
	ContactTimezone string
}

type Result struct {
	ScheduledAt    time.Time `json:"scheduled_at"`
	DelayMinutes   int       `json:"delay_minutes"`
	Reason         Reason    `json:"reason"`
	UsedDefaultGap bool      `json:"used_default_gap"`
}

// ToMinutes converts a step delay. The boolean is false when the delay is
// absent or zero.
func ToMinutes(value *int, unit DelayUnit) (int, bool) {
	if value == nil || *value == 0 {
		return 0, false
	}
	switch unit {
	case UnitDays:
		return *value * 24 * 60, true
	case UnitHours:
		return *value * 60, true
	default:
		return *value, true
	}
}

// Compute returns the next send instant for a step. The result is never
// earlier than Now plus the effective gap unless the gap itself is not
// positive, in which case the step is due immediately.
//
// The min gap is measured from Now only. Nothing locks across enrollments, so
// two contacts of one sequence can still be scheduled inside the gap.
func Compute(in Input) Result {
	now := in.Now.UTC()

	stepMinutes, specified := ToMinutes(in.DelayValue, in.DelayUnit)
	usedDefault := false
	if !specified {
		stepMinutes = DefaultGapMinutes
		usedDefault = true
	}
	minGap := in.MinGapMinutes
	if minGap < 0 {
		minGap = 0
	}
	effective := stepMinutes
	if minGap > effective {
		effective = minGap
	}

	desired := now.Add(time.Duration(effective) * time.Minute)
	desired = in.Policy.Adjust(desired, in.ContactTimezone).UTC()
	if !desired.After(now) {
		return Result{ScheduledAt: now, Reason: ReasonNone, UsedDefaultGap: usedDefault}
	}

	reason := ReasonStepDelay
	if minGap > stepMinutes {
		reason = ReasonMinGap
	}
	return Result{
		ScheduledAt:    desired,
		DelayMinutes:   int(math.Ceil(desired.Sub(now).Minutes())),
		Reason:         reason,
		UsedDefaultGap: usedDefault,
	}
}
