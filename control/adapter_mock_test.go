package control

import (
	"errors"

	log "gopkg.in/inconshreveable/log15.v2"
)

// fakeAdapter is a scripted simulator for unit tests: tests place vehicles
// on edges and set speeds directly, and every issued command is recorded.
type fakeAdapter struct {
	time   int
	edges  map[Approach][]VehicleID
	speeds map[VehicleID]float64
	types  map[VehicleID]VehicleType

	greens  []Approach
	allReds int
	failing bool
}

var errFakeDown = errors.New("simulator down")

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		edges:  make(map[Approach][]VehicleID),
		speeds: make(map[VehicleID]float64),
		types:  make(map[VehicleID]VehicleType),
	}
}

func (f *fakeAdapter) place(a Approach, id VehicleID, speed float64) {
	for _, existing := range f.edges[a] {
		if existing == id {
			f.speeds[id] = speed
			return
		}
	}
	f.edges[a] = append(f.edges[a], id)
	f.speeds[id] = speed
}

func (f *fakeAdapter) remove(a Approach, id VehicleID) {
	ids := f.edges[a]
	for i, existing := range ids {
		if existing == id {
			f.edges[a] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	delete(f.speeds, id)
	delete(f.types, id)
}

func (f *fakeAdapter) Step() error {
	if f.failing {
		return errFakeDown
	}
	f.time++
	return nil
}

func (f *fakeAdapter) VehiclesOnEdge(a Approach) ([]VehicleID, error) {
	if f.failing {
		return nil, errFakeDown
	}
	return append([]VehicleID(nil), f.edges[a]...), nil
}

func (f *fakeAdapter) VehicleSpeed(id VehicleID) (float64, error) {
	if f.failing {
		return 0, errFakeDown
	}
	sp, ok := f.speeds[id]
	if !ok {
		return 0, errFakeDown
	}
	return sp, nil
}

func (f *fakeAdapter) VehicleType(id VehicleID) (VehicleType, error) {
	if f.failing {
		return "", errFakeDown
	}
	if vt, ok := f.types[id]; ok {
		return vt, nil
	}
	return VehicleCar, nil
}

func (f *fakeAdapter) CurrentTime() (int, error) {
	if f.failing {
		return 0, errFakeDown
	}
	return f.time, nil
}

func (f *fakeAdapter) SetGreen(a Approach, durationSeconds int) error {
	if f.failing {
		return errFakeDown
	}
	f.greens = append(f.greens, a)
	return nil
}

func (f *fakeAdapter) SetAllRed(durationSeconds int) error {
	if f.failing {
		return errFakeDown
	}
	f.allReds++
	return nil
}

func (f *fakeAdapter) Reset() error {
	if f.failing {
		return errFakeDown
	}
	f.edges = make(map[Approach][]VehicleID)
	f.speeds = make(map[VehicleID]float64)
	f.types = make(map[VehicleID]VehicleType)
	return nil
}

func testLogger() log.Logger {
	logger := log.New()
	logger.SetHandler(log.DiscardHandler())
	return logger
}
