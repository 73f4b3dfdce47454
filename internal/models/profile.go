package models

import (
	"fmt"
	"time"
)

// AdjustmentKind tags the variant carried by an Adjustment.
type AdjustmentKind int

const (
	// AdjustShutter sets a named shutter open (Open=true) or closed.
	AdjustShutter AdjustmentKind = iota
	// AdjustGlobal assigns Value to a named global variable.
	AdjustGlobal
	// AdjustVoltageNode moves the electrodes to the named voltage node,
	// interpolated when Shuttle is set, in a single step otherwise.
	AdjustVoltageNode
)

func (k AdjustmentKind) String() string {
	switch k {
	case AdjustShutter:
		return "Shutter"
	case AdjustGlobal:
		return "Global"
	case AdjustVoltageNode:
		return "VoltageNode"
	}
	return fmt.Sprintf("AdjustmentKind(%d)", int(k))
}

// MarshalText encodes the kind by name.
func (k AdjustmentKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText decodes a kind name.
func (k *AdjustmentKind) UnmarshalText(b []byte) error {
	switch string(b) {
	case "Shutter":
		*k = AdjustShutter
	case "Global":
		*k = AdjustGlobal
	case "VoltageNode":
		*k = AdjustVoltageNode
	default:
		return fmt.Errorf("unknown adjustment kind %q", string(b))
	}
	return nil
}

// Adjustment is a per-state hardware override. Which value field is
// meaningful depends on Kind.
type Adjustment struct {
	Kind    AdjustmentKind `json:"kind" yaml:"kind" msgpack:"kind"`
	Name    string         `json:"name" yaml:"name" msgpack:"name" validate:"required"`
	Open    bool           `json:"open,omitempty" yaml:"open,omitempty" msgpack:"open"`
	Value   float64        `json:"value,omitempty" yaml:"value,omitempty" msgpack:"value"`
	Shuttle bool           `json:"shuttle,omitempty" yaml:"shuttle,omitempty" msgpack:"shuttle"`
	States  []string       `json:"states" yaml:"states" msgpack:"states"`
}

// ShutterAdjustment opens or closes a shutter in the given states.
func ShutterAdjustment(name string, open bool, states ...string) Adjustment {
	return Adjustment{Kind: AdjustShutter, Name: name, Open: open, States: states}
}

// GlobalAdjustment sets a global variable in the given states.
func GlobalAdjustment(name string, value float64, states ...string) Adjustment {
	return Adjustment{Kind: AdjustGlobal, Name: name, Value: value, States: states}
}

// VoltageAdjustment moves to a voltage node in the given states.
func VoltageAdjustment(node string, shuttle bool, states ...string) Adjustment {
	return Adjustment{Kind: AdjustVoltageNode, Name: node, Shuttle: shuttle, States: states}
}

// AppliesTo reports whether the adjustment is active in state.
func (a Adjustment) AppliesTo(state string) bool {
	return containsString(a.States, state)
}

// CounterBand is the acceptable count-rate band of one counter channel in
// a set of states. Min and Max are in counts per second.
type CounterBand struct {
	Channel int      `json:"channel" yaml:"channel" msgpack:"channel" validate:"min=0,max=15"`
	States  []string `json:"states" yaml:"states" msgpack:"states"`
	Min     float64  `json:"min" yaml:"min" msgpack:"min" validate:"gte=0"`
	Max     float64  `json:"max" yaml:"max" msgpack:"max" validate:"gtefield=Min"`
}

// ActiveIn reports whether the band is evaluated in state.
func (b CounterBand) ActiveIn(state string) bool {
	return containsString(b.States, state)
}

// Profile is a named set of AutoLoader parameters. Published profiles are
// never mutated; edits produce a new copy.
type Profile struct {
	Name        string        `json:"name" yaml:"name" msgpack:"name" validate:"required"`
	CounterMask uint16        `json:"counterMask" yaml:"counter_mask" msgpack:"counterMask"`
	ADCMask     uint16        `json:"adcMask" yaml:"adc_mask" msgpack:"adcMask"`
	Adjustments []Adjustment  `json:"adjustments" yaml:"adjustments" msgpack:"adjustments" validate:"dive"`
	Counters    []CounterBand `json:"counters" yaml:"counters" msgpack:"counters" validate:"dive"`

	IntegrationTime     time.Duration `json:"integrationTime" yaml:"integration_time" msgpack:"integrationTime" validate:"gt=0"`
	PreheatTime         time.Duration `json:"preheatTime" yaml:"preheat_time" msgpack:"preheatTime" validate:"gt=0"`
	MaxOvenOnTime       time.Duration `json:"maxTime" yaml:"max_time" msgpack:"maxTime" validate:"gt=0"`
	OvenCooldown        time.Duration `json:"ovenCoolDownTime" yaml:"oven_cool_down_time" msgpack:"ovenCoolDownTime" validate:"gt=0"`
	CheckTime           time.Duration `json:"checkTime" yaml:"check_time" msgpack:"checkTime" validate:"gt=0"`
	PeriodicCheckTime   time.Duration `json:"periodicCheck" yaml:"periodic_check" msgpack:"periodicCheck" validate:"gt=0"`
	PeriodicLoadTime    time.Duration `json:"periodicLoad" yaml:"periodic_load" msgpack:"periodicLoad" validate:"gt=0"`
	WaitForComeback     time.Duration `json:"waitForComebackTime" yaml:"wait_for_comeback_time" msgpack:"waitForComebackTime" validate:"gt=0"`
	PostSequenceWait    time.Duration `json:"postSequenceWaitTime" yaml:"post_sequence_wait_time" msgpack:"postSequenceWaitTime" validate:"gt=0"`
	BeyondThresholdTime time.Duration `json:"beyondThresholdTime" yaml:"beyond_threshold_time" msgpack:"beyondThresholdTime" validate:"gt=0"`
	DumpTime            time.Duration `json:"dumpTime" yaml:"dump_time" msgpack:"dumpTime" validate:"gt=0"`
	HistoryLength       time.Duration `json:"historyLength" yaml:"history_length" msgpack:"historyLength" validate:"gt=0"`

	MaxFailedAutoload  int    `json:"maxFailedAutoload" yaml:"max_failed_autoload" msgpack:"maxFailedAutoload" validate:"min=1"`
	MaxLoadCheckCycles int    `json:"maxLoadCheckCycles" yaml:"max_load_check_cycles" msgpack:"maxLoadCheckCycles" validate:"min=1"`
	UseInterlock       bool   `json:"useInterlock" yaml:"use_interlock" msgpack:"useInterlock"`
	AutoReload         bool   `json:"autoReload" yaml:"auto_reload" msgpack:"autoReload"`
	InterlockContext   string `json:"interlockContext" yaml:"interlock_context" msgpack:"interlockContext"`
}

// DefaultProfile returns the parameters a new profile starts from.
func DefaultProfile(name string) *Profile {
	return &Profile{
		Name:                name,
		IntegrationTime:     100 * time.Millisecond,
		PreheatTime:         60 * time.Second,
		MaxOvenOnTime:       10 * time.Minute,
		OvenCooldown:        5 * time.Minute,
		CheckTime:           2 * time.Second,
		PeriodicCheckTime:   30 * time.Second,
		PeriodicLoadTime:    5 * time.Second,
		WaitForComeback:     60 * time.Second,
		PostSequenceWait:    5 * time.Second,
		BeyondThresholdTime: 2 * time.Second,
		DumpTime:            1 * time.Second,
		HistoryLength:       30 * 24 * time.Hour,
		MaxFailedAutoload:   3,
		MaxLoadCheckCycles:  10,
		InterlockContext:    "load",
	}
}

// Clone returns a deep copy of p.
func (p *Profile) Clone() *Profile {
	if p == nil {
		return nil
	}
	c := *p
	if p.Adjustments != nil {
		c.Adjustments = make([]Adjustment, len(p.Adjustments))
		for i, a := range p.Adjustments {
			a.States = cloneStrings(a.States)
			c.Adjustments[i] = a
		}
	}
	if p.Counters != nil {
		c.Counters = make([]CounterBand, len(p.Counters))
		for i, b := range p.Counters {
			b.States = cloneStrings(b.States)
			c.Counters[i] = b
		}
	}
	return &c
}

// ActiveBands returns the counter bands evaluated in state, in profile order.
func (p *Profile) ActiveBands(state string) []CounterBand {
	var bands []CounterBand
	for _, b := range p.Counters {
		if b.ActiveIn(state) {
			bands = append(bands, b)
		}
	}
	return bands
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	return append(make([]string, 0, len(s)), s...)
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
