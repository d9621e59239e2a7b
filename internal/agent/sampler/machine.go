// Package sampler decides when and how precisely the device samples its location.
package sampler

import (
	"github.com/AdriaanGeldenhuis/relatives-sub005/internal/agent/fixes"
	"github.com/AdriaanGeldenhuis/relatives-sub005/internal/agent/prefs"
)

// MinIntervalSeconds is the floor applied to every effective sampling interval.
const MinIntervalSeconds = 30

// Mode is the sampling mode. Exactly one is active at a time.
type Mode int

const (
	ModeIdle Mode = iota
	ModeMoving
	ModeViewerBoosted
	ModePaused
)

func (m Mode) String() string {
	switch m {
	case ModeIdle:
		return "IDLE"
	case ModeMoving:
		return "MOVING"
	case ModeViewerBoosted:
		return "VIEWER_BOOSTED"
	case ModePaused:
		return "PAUSED"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the mode name in JSON payloads.
func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// Machine is the sampling state machine. It holds no I/O and is driven by Sampler.
type Machine struct {
	mode            Mode
	resumeTo        Mode
	intervalSeconds int
	preBoostSeconds int
	highAccuracy    bool
	viewerSeconds   int
	suspended       bool
}

// NewMachine returns an idle machine seeded from stored preferences.
func NewMachine(p prefs.Preferences, viewerIntervalSeconds int) Machine {
	machine := Machine{viewerSeconds: clampInterval(viewerIntervalSeconds)}
	machine.Refresh(p)
	return machine
}

func clampInterval(seconds int) int {
	if seconds < MinIntervalSeconds {
		return MinIntervalSeconds
	}
	return seconds
}

// Mode returns the active mode.
func (m *Machine) Mode() Mode {
	return m.mode
}

func (m *Machine) boosted() bool {
	return m.mode == ModeViewerBoosted || (m.mode == ModePaused && m.resumeTo == ModeViewerBoosted)
}

// Recording reports whether incoming fixes should be queued.
func (m *Machine) Recording() bool {
	return (m.mode == ModeMoving || m.mode == ModeViewerBoosted) && !m.suspended
}

// Suspended reports whether the server has disabled tracking.
func (m *Machine) Suspended() bool {
	return m.suspended
}

// BaseIntervalSeconds is the live interval outside a viewer boost, or the
// remembered pre-boost interval during one.
func (m *Machine) BaseIntervalSeconds() int {
	if m.boosted() {
		return m.preBoostSeconds
	}
	return m.intervalSeconds
}

// EffectiveIntervalSeconds is the interval currently requested from the fix source.
func (m *Machine) EffectiveIntervalSeconds() int {
	if m.boosted() {
		return clampInterval(min(m.viewerSeconds, m.preBoostSeconds))
	}
	return clampInterval(m.intervalSeconds)
}

// Request describes the location updates the current state wants.
func (m *Machine) Request() fixes.Request {
	return fixes.Request{
		Active:          m.Recording(),
		IntervalSeconds: m.EffectiveIntervalSeconds(),
		HighAccuracy:    m.highAccuracy || m.boosted(),
	}
}

// Start moves an idle machine to MOVING with the stored interval. Starting a
// running or paused machine changes nothing.
func (m *Machine) Start(p prefs.Preferences) bool {
	if m.mode != ModeIdle {
		return false
	}
	m.Refresh(p)
	m.mode = ModeMoving
	return true
}

// Stop returns the machine to IDLE from any mode.
func (m *Machine) Stop() bool {
	if m.boosted() {
		m.intervalSeconds = m.preBoostSeconds
	}
	changed := m.mode != ModeIdle
	m.mode = ModeIdle
	m.resumeTo = ModeIdle
	m.preBoostSeconds = 0
	return changed
}

// Pause suspends sampling and remembers the mode to resume to.
func (m *Machine) Pause() bool {
	if m.mode != ModeMoving && m.mode != ModeViewerBoosted {
		return false
	}
	m.resumeTo = m.mode
	m.mode = ModePaused
	return true
}

// Resume restores the mode active before Pause.
func (m *Machine) Resume() bool {
	if m.mode != ModePaused {
		return false
	}
	m.mode = m.resumeTo
	m.resumeTo = ModeIdle
	return true
}

// ViewerVisible boosts sampling while someone watches the live map.
func (m *Machine) ViewerVisible() bool {
	switch {
	case m.mode == ModeMoving:
		m.preBoostSeconds = m.intervalSeconds
		m.mode = ModeViewerBoosted
		return true
	case m.mode == ModePaused && m.resumeTo == ModeMoving:
		m.preBoostSeconds = m.intervalSeconds
		m.resumeTo = ModeViewerBoosted
		return true
	default:
		return false
	}
}

// ViewerHidden ends a boost and restores exactly the pre-boost interval.
func (m *Machine) ViewerHidden() bool {
	switch {
	case m.mode == ModeViewerBoosted:
		m.mode = ModeMoving
	case m.mode == ModePaused && m.resumeTo == ModeViewerBoosted:
		m.resumeTo = ModeMoving
	default:
		return false
	}
	m.intervalSeconds = m.preBoostSeconds
	m.preBoostSeconds = 0
	return true
}

// UpdateSettings applies a user interval change. During a boost the change is
// left to the stored preferences and the live interval is untouched.
func (m *Machine) UpdateSettings(intervalSeconds int, highAccuracy bool) bool {
	if m.boosted() {
		return false
	}
	m.intervalSeconds = clampInterval(intervalSeconds)
	m.highAccuracy = highAccuracy
	return true
}

// Refresh recomputes the baseline from preferences after a server push or a
// settings change. Server suspension applies in every mode.
func (m *Machine) Refresh(p prefs.Preferences) {
	m.suspended = p.ServerSuspended()
	if m.boosted() {
		return
	}
	m.intervalSeconds = clampInterval(p.UpdateIntervalSeconds)
	m.highAccuracy = p.HighAccuracy
}
