package models

import "time"

// LoadingEvent records one trapped ion. TrappingTime is the primary key.
// TrappingDuration grows while the ion stays in the trap.
type LoadingEvent struct {
	TrappingTime     time.Time     `json:"trappingTime" msgpack:"trappingTime"`
	LoadingDuration  time.Duration `json:"loadingDuration" msgpack:"loadingDuration"`
	TrappingDuration time.Duration `json:"trappingDuration" msgpack:"trappingDuration"`
	ProfileName      string        `json:"profileName" msgpack:"profileName"`
	IonCount         int           `json:"ionCount" msgpack:"ionCount"`
	Valid            bool          `json:"valid" msgpack:"valid"`
}

// End returns the last instant the ion was known to be trapped.
func (e LoadingEvent) End() time.Time {
	return e.TrappingTime.Add(e.TrappingDuration)
}

// TimeRange represents a closed time window.
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Contains reports whether t lies in the window. A zero bound is open.
func (r TimeRange) Contains(t time.Time) bool {
	if !r.Start.IsZero() && t.Before(r.Start) {
		return false
	}
	if !r.End.IsZero() && t.After(r.End) {
		return false
	}
	return true
}
