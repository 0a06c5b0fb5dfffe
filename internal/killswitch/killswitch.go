// Package killswitch is the process-wide emergency stop. State is
// persisted so an activation outlives the process, and a sentinel file
// on disk activates the switch out-of-band.
package killswitch

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sentineltrading/orchestrator/internal/observ"
)

// Activation sources.
const (
	SourceManual   = "manual"
	SourceFile     = "file"
	SourceInternal = "internal"
)

// State is the persisted switch state.
type State struct {
	Active      bool      `json:"active"`
	Reason      string    `json:"reason,omitempty"`
	Source      string    `json:"source,omitempty"`
	MonitorOnly bool      `json:"monitor_only,omitempty"`
	ActivatedAt time.Time `json:"activated_at,omitempty"`
}

// Alerter receives switch notifications. Nil is fine.
type Alerter interface {
	KillSwitch(active bool, reason string)
}

type Switch struct {
	mu           sync.Mutex
	statePath    string
	sentinelPath string
	blockExits   bool
	alerter      Alerter
	state        State
	now          func() time.Time
}

type Config struct {
	StatePath    string
	SentinelPath string // e.g. EMERGENCY_STOP in the working directory
	BlockExits   bool
}

// New loads persisted state; an activation from a previous run stays
// in force.
func New(cfg Config, alerter Alerter) (*Switch, error) {
	s := &Switch{
		statePath:    cfg.StatePath,
		sentinelPath: cfg.SentinelPath,
		blockExits:   cfg.BlockExits,
		alerter:      alerter,
		now:          time.Now,
	}
	data, err := os.ReadFile(cfg.StatePath)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("read kill switch state: %w", err)
	default:
		if err := json.Unmarshal(data, &s.state); err != nil {
			return nil, fmt.Errorf("parse kill switch state %s: %w", cfg.StatePath, err)
		}
		if s.state.Active {
			observ.Log("kill_switch_resumed_active", map[string]any{
				"reason": s.state.Reason, "source": s.state.Source,
			})
		}
	}
	s.publishGauge()
	return s, nil
}

// Active re-checks the sentinel file on every call, so dropping the
// file takes effect at the next inspection without a restart.
func (s *Switch) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkSentinelLocked()
	return s.state.Active
}

// MonitorOnly reports whether scanning should continue for visibility
// while refusing submissions.
func (s *Switch) MonitorOnly() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Active && s.state.MonitorOnly
}

// AllowExit reports whether position exits may proceed while active.
// Exits continue by default; block_exits config flips that.
func (s *Switch) AllowExit() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkSentinelLocked()
	if !s.state.Active {
		return true
	}
	return !s.blockExits
}

func (s *Switch) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkSentinelLocked()
	return s.state
}

func (s *Switch) checkSentinelLocked() {
	if s.state.Active || s.sentinelPath == "" {
		return
	}
	if _, err := os.Stat(s.sentinelPath); err == nil {
		s.activateLocked("sentinel file present", SourceFile, false)
	}
}

// Activate turns the switch on. Activating an already-active switch
// keeps the original activation record.
func (s *Switch) Activate(reason, source string, monitorOnly bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Active {
		observ.Log("kill_switch_already_active", map[string]any{"reason": s.state.Reason})
		return
	}
	s.activateLocked(reason, source, monitorOnly)
}

func (s *Switch) activateLocked(reason, source string, monitorOnly bool) {
	s.state = State{
		Active:      true,
		Reason:      reason,
		Source:      source,
		MonitorOnly: monitorOnly,
		ActivatedAt: s.now(),
	}
	if err := s.persistLocked(); err != nil {
		observ.Log("kill_switch_persist_failed", map[string]any{"error": err.Error()})
	}
	s.publishGauge()
	observ.IncCounter("kill_switch_activations_total", map[string]string{"source": source})
	observ.Log("kill_switch_activated", map[string]any{
		"reason": reason, "source": source, "monitor_only": monitorOnly,
	})
	if s.alerter != nil {
		s.alerter.KillSwitch(true, reason)
	}
}

// Deactivate turns the switch off and removes the sentinel file so it
// does not immediately re-trigger.
func (s *Switch) Deactivate(operator string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.Active {
		observ.Log("kill_switch_deactivate_noop", map[string]any{"operator": operator})
		return nil
	}
	if s.sentinelPath != "" {
		if err := os.Remove(s.sentinelPath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove sentinel: %w", err)
		}
	}
	s.state = State{}
	if err := s.persistLocked(); err != nil {
		return fmt.Errorf("persist deactivation: %w", err)
	}
	s.publishGauge()
	observ.Log("kill_switch_deactivated", map[string]any{"operator": operator})
	if s.alerter != nil {
		s.alerter.KillSwitch(false, "deactivated by "+operator)
	}
	return nil
}

func (s *Switch) publishGauge() {
	v := 0.0
	if s.state.Active {
		v = 1.0
	}
	observ.SetGauge("kill_switch_active", v, nil)
}

func (s *Switch) persistLocked() error {
	data, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.statePath), 0o755); err != nil {
		return err
	}
	tmp := s.statePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.statePath)
}
