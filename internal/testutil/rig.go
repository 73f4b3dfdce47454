package testutil

import (
	"time"

	"github.com/iontrap-lab/backend/internal/hardware"
	"github.com/iontrap-lab/backend/internal/override"
)

// Rig is a set of simulated instruments with a typical loading layout:
// oven and ionization shutters, an oven current global and two voltage
// nodes.
type Rig struct {
	Pulser   *hardware.Pulser
	Globals  *hardware.GlobalStore
	Shutters *hardware.ShutterDict
	Voltages *hardware.VoltageController
}

// NewRig creates a rig with everything off and the ions at "Experiment".
// shuttleDelay is the duration of interpolated voltage moves.
func NewRig(shuttleDelay time.Duration) *Rig {
	return &Rig{
		Pulser:   hardware.NewPulser(),
		Globals:  hardware.NewGlobalStore(map[string]float64{"OvenCurrent": 0, "IonizationPower": 0}),
		Shutters: hardware.NewShutterDict(map[string]int{"Oven": 0, "Ionization": 1, "Cooling": 2}),
		Voltages: hardware.NewVoltageController([]string{"Experiment", "Load"}, "Experiment", shuttleDelay),
	}
}

// Hardware returns the rig as override collaborators.
func (r *Rig) Hardware() override.Hardware {
	return override.Hardware{
		Pulser:   r.Pulser,
		Globals:  r.Globals,
		Shutters: r.Shutters,
		Voltages: r.Voltages,
	}
}
