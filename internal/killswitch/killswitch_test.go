package killswitch

import (
	"os"
	"path/filepath"
	"testing"
)

func newTestSwitch(t *testing.T, blockExits bool) (*Switch, Config) {
	t.Helper()
	dir := t.TempDir()
	cfg := Config{
		StatePath:    filepath.Join(dir, "kill_switch.json"),
		SentinelPath: filepath.Join(dir, "EMERGENCY_STOP"),
		BlockExits:   blockExits,
	}
	s, err := New(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	return s, cfg
}

func TestActivateDeactivate(t *testing.T) {
	s, _ := newTestSwitch(t, false)

	if s.Active() {
		t.Fatal("fresh switch should be inactive")
	}

	s.Activate("manual stop", SourceManual, false)
	if !s.Active() {
		t.Fatal("switch should be active")
	}
	st := s.State()
	if st.Reason != "manual stop" || st.Source != SourceManual {
		t.Errorf("state = %+v", st)
	}

	// double activation keeps the original record
	s.Activate("second reason", SourceInternal, true)
	if got := s.State().Reason; got != "manual stop" {
		t.Errorf("reason overwritten to %q", got)
	}

	if err := s.Deactivate("ops"); err != nil {
		t.Fatal(err)
	}
	if s.Active() {
		t.Fatal("switch should be inactive after deactivation")
	}
	// deactivating again is a no-op
	if err := s.Deactivate("ops"); err != nil {
		t.Fatal(err)
	}
}

func TestActivationSurvivesRestart(t *testing.T) {
	s, cfg := newTestSwitch(t, false)
	s.Activate("incident", SourceManual, false)

	s2, err := New(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !s2.Active() {
		t.Fatal("activation must survive restart")
	}
	if got := s2.State().Reason; got != "incident" {
		t.Errorf("reason = %q", got)
	}
}

func TestSentinelFileActivates(t *testing.T) {
	s, cfg := newTestSwitch(t, false)

	if s.Active() {
		t.Fatal("inactive before sentinel appears")
	}
	if err := os.WriteFile(cfg.SentinelPath, []byte("stop"), 0o644); err != nil {
		t.Fatal(err)
	}
	if !s.Active() {
		t.Fatal("sentinel file must activate the switch on next inspection")
	}
	if got := s.State().Source; got != SourceFile {
		t.Errorf("source = %q, want file", got)
	}

	// deactivation removes the sentinel so it does not re-trigger
	if err := s.Deactivate("ops"); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(cfg.SentinelPath); !os.IsNotExist(err) {
		t.Error("sentinel file should be removed on deactivation")
	}
	if s.Active() {
		t.Error("switch should stay off after sentinel removal")
	}
}

func TestExitPolicyWhileActive(t *testing.T) {
	testCases := []struct {
		name       string
		blockExits bool
		wantAllow  bool
	}{
		{"exits_continue_by_default", false, true},
		{"block_exits_config_refuses", true, false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			s, _ := newTestSwitch(t, tc.blockExits)
			s.Activate("incident", SourceManual, false)
			if got := s.AllowExit(); got != tc.wantAllow {
				t.Errorf("AllowExit = %v, want %v", got, tc.wantAllow)
			}
		})
	}
}

func TestMonitorOnly(t *testing.T) {
	s, _ := newTestSwitch(t, false)
	if s.MonitorOnly() {
		t.Fatal("inactive switch is never monitor-only")
	}
	s.Activate("observe the book", SourceManual, true)
	if !s.MonitorOnly() {
		t.Fatal("monitor-only flag lost")
	}
	if !s.Active() {
		t.Fatal("monitor-only is still an active switch")
	}
}
