// Package models contains domain types for the ion-trap AutoLoader service.
package models

import "fmt"

// LockStatus is the interlock state of a wavemeter channel or context.
// Values are ordered by severity: a lower value is worse, so the status of a
// group of channels is the minimum of its members.
type LockStatus int

const (
	Unlocked LockStatus = iota
	Transient
	NoData
	Locked
)

var lockStatusNames = [...]string{
	Unlocked:  "Unlocked",
	Transient: "Transient",
	NoData:    "NoData",
	Locked:    "Locked",
}

// String returns the status name.
func (s LockStatus) String() string {
	if s < Unlocked || s > Locked {
		return fmt.Sprintf("LockStatus(%d)", int(s))
	}
	return lockStatusNames[s]
}

// Severity returns the rank of s in the severity order (0 = worst).
func (s LockStatus) Severity() int { return int(s) }

// MarshalText encodes the status by name.
func (s LockStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a status name.
func (s *LockStatus) UnmarshalText(b []byte) error {
	for i, name := range lockStatusNames {
		if name == string(b) {
			*s = LockStatus(i)
			return nil
		}
	}
	return fmt.Errorf("unknown lock status %q", string(b))
}

// MinStatus returns the most severe of the given statuses, or Locked when
// none are given.
func MinStatus(statuses ...LockStatus) LockStatus {
	result := Locked
	for _, s := range statuses {
		if s < result {
			result = s
		}
	}
	return result
}
