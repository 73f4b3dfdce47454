package models

import "time"

// MaxCounterChannels is the number of photon counter channels on the pulser.
const MaxCounterChannels = 16

// CounterSample is one integration window of photon counts. Counts[i] is the
// number of counts in channel i over IntegrationTime.
type CounterSample struct {
	Counts          []int         `json:"counts" msgpack:"counts"`
	IntegrationTime time.Duration `json:"integrationTime" msgpack:"integrationTime"`
}

// Rate returns the count rate of a channel in counts per second. Missing
// channels and empty windows read as zero.
func (s CounterSample) Rate(channel int) float64 {
	if channel < 0 || channel >= len(s.Counts) || s.IntegrationTime <= 0 {
		return 0
	}
	return float64(s.Counts[channel]) / s.IntegrationTime.Seconds()
}

// SampleForRates builds a sample that produces the given per-channel rates
// (counts per second) over integration.
func SampleForRates(integration time.Duration, rates ...float64) CounterSample {
	counts := make([]int, len(rates))
	for i, r := range rates {
		counts[i] = int(r*integration.Seconds() + 0.5)
	}
	return CounterSample{Counts: counts, IntegrationTime: integration}
}
