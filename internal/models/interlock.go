package models

import (
	"fmt"
	"time"
)

// InterlockChannel configures one wavemeter channel watched by the
// interlock. Min and Max are frequencies in GHz; nil leaves that side open.
type InterlockChannel struct {
	Wavemeter          string   `json:"wavemeter" xml:"Wavemeter" yaml:"wavemeter"`
	Channel            int      `json:"channel" xml:"Channel" yaml:"channel"`
	Min                *float64 `json:"min,omitempty" xml:"Min,omitempty" yaml:"min,omitempty"`
	Max                *float64 `json:"max,omitempty" xml:"Max,omitempty" yaml:"max,omitempty"`
	UseServerInterlock bool     `json:"useServerInterlock" xml:"UseServerInterlock" yaml:"use_server_interlock"`
	Contexts           []string `json:"contexts" xml:"Context" yaml:"contexts"`
	Enabled            bool     `json:"enabled" xml:"Enabled" yaml:"enabled"`
}

// Key identifies the channel across configuration reloads.
func (c InterlockChannel) Key() string {
	return fmt.Sprintf("%s/%d", c.Wavemeter, c.Channel)
}

// InContext reports whether the channel subscribes to ctx.
func (c InterlockChannel) InContext(ctx string) bool {
	for _, name := range c.Contexts {
		if name == ctx {
			return true
		}
	}
	return false
}

// ChannelReading is one reading reported by a wavemeter server.
type ChannelReading struct {
	Freq              float64   `json:"freq"`
	ServerTime        time.Time `json:"time"`
	ServerActive      bool      `json:"active"`
	ServerRangeActive bool      `json:"interlockEnabled"`
	ServerInRange     bool      `json:"interlockInRange"`
}

// ChannelStatus is the observed state of an interlock channel.
type ChannelStatus struct {
	InterlockChannel
	CurrentFreq   float64    `json:"currentFreq"`
	Timestamp     time.Time  `json:"timestamp"`
	UnlockedCount int        `json:"unlockedCount"`
	LockStatus    LockStatus `json:"lockStatus"`
}
