package autoload

import (
	"time"

	"github.com/iontrap-lab/backend/internal/models"
)

// State names.
const (
	Idle               = "Idle"
	Preheat            = "Preheat"
	Load               = "Load"
	OvenCooldown       = "OvenCooldown"
	PeriodicCheck      = "PeriodicCheck"
	Check              = "Check"
	Trapped            = "Trapped"
	Frozen             = "Frozen"
	WaitingForComeback = "WaitingForComeback"
	AutoReloadFailed   = "AutoReloadFailed"
	PostSequenceWait   = "PostSequenceWait"
	BeyondThreshold    = "BeyondThreshold"
	Dump               = "Dump"
)

// States lists every state in registration order.
var States = []string{
	Idle, Preheat, Load, OvenCooldown, PeriodicCheck, Check, Trapped, Frozen,
	WaitingForComeback, AutoReloadFailed, PostSequenceWait, BeyondThreshold, Dump,
}

var stateColors = map[string]string{
	Idle:             "black",
	Preheat:          "red",
	Load:             "purple",
	OvenCooldown:     "blue",
	PeriodicCheck:    "darkCyan",
	Check:            "blue",
	Trapped:          "green",
	Frozen:           "gray",
	AutoReloadFailed: "black",
}

// Color returns the display color of state, or "" for none.
func Color(state string) string {
	return stateColors[state]
}

// Status is a point-in-time view of the AutoLoader for displays.
type Status struct {
	State             string            `json:"state"`
	Color             string            `json:"color,omitempty"`
	Confirmed         bool              `json:"confirmed"`
	EnteredAt         time.Time         `json:"enteredAt"`
	TimeInState       time.Duration     `json:"timeInState"`
	Profile           string            `json:"profile"`
	NumFailedAutoload int               `json:"numFailedAutoload"`
	LoadCheckCycles   int               `json:"loadCheckCycles"`
	LockStatus        models.LockStatus `json:"lockStatus"`
	Trapping          bool              `json:"trapping"`
	TrappingTime      time.Time         `json:"trappingTime,omitzero"`
	TrappingDuration  time.Duration     `json:"trappingDuration"`
}

// StatusChange is the payload published on the status-changed topic.
type StatusChange struct {
	From  string `json:"from"`
	State string `json:"state"`
	Color string `json:"color,omitempty"`
	Event string `json:"event"`
}

// InterlockChange is the payload published on the interlock-status-changed
// topic.
type InterlockChange struct {
	Context string            `json:"context"`
	Status  models.LockStatus `json:"status"`
}
