package microsim

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/atsc/junction-server/control"
)

// EmergencySpec schedules an emergency vehicle appearing on an approach at a
// simulated time.
type EmergencySpec struct {
	Time     int    `json:"time"`
	Approach string `json:"approach"`
}

// Scenario configures the built-in microscopic simulator. The scenario file
// path is the opaque simulator address the controller is configured with.
type Scenario struct {
	Seed int64 `json:"seed"`
	// Demand maps approach names to mean arrivals per minute.
	Demand      map[string]float64 `json:"demand"`
	Emergencies []EmergencySpec    `json:"emergencies,omitempty"`
	// SaturationHeadway is the seconds between departures on a green
	// approach; defaults to 2.
	SaturationHeadway int `json:"saturation_headway,omitempty"`
}

// DefaultScenario is a light, uniform demand used when no scenario file is
// given.
func DefaultScenario() Scenario {
	return Scenario{
		Seed: 1,
		Demand: map[string]float64{
			string(control.North): 6,
			string(control.East):  6,
			string(control.South): 6,
			string(control.West):  6,
		},
	}
}

// LoadScenario reads a scenario file.
func LoadScenario(path string) (Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Scenario{}, fmt.Errorf("unable to read scenario %s: %w", path, err)
	}
	var sc Scenario
	if err := json.Unmarshal(data, &sc); err != nil {
		return Scenario{}, fmt.Errorf("unable to parse scenario %s: %w", path, err)
	}
	for name := range sc.Demand {
		if !control.Approach(name).Valid() {
			return Scenario{}, fmt.Errorf("scenario %s: unknown approach %q", path, name)
		}
	}
	for _, e := range sc.Emergencies {
		if !control.Approach(e.Approach).Valid() {
			return Scenario{}, fmt.Errorf("scenario %s: unknown emergency approach %q", path, e.Approach)
		}
	}
	return sc, nil
}
