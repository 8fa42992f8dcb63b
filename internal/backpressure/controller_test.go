package backpressure

import (
	"testing"
)

func TestLevel_String(t *testing.T) {
	tests := []struct {
		level    Level
		expected string
	}{
		{LevelNormal, "normal"},
		{LevelWarning, "warning"},
		{LevelCritical, "critical"},
		{LevelEmergency, "emergency"},
	}

	for _, tt := range tests {
		if tt.level.String() != tt.expected {
			t.Errorf("level %d: expected %s, got %s", tt.level, tt.expected, tt.level.String())
		}
	}
}

func testOptions() Options {
	return Options{
		Enabled: true,
		Thresholds: Thresholds{
			Warning:   0.50,
			Critical:  0.80,
			Emergency: 0.95,
		},
		Hysteresis: 0.10,
		Cooldown:   0, // disable for testing
	}
}

func TestController_Check(t *testing.T) {
	usage := 0.0
	c := New(testOptions(), func() float64 { return usage })

	if level := c.Check(); level != LevelNormal {
		t.Errorf("expected normal, got %s", level)
	}

	usage = 0.55
	if level := c.Check(); level != LevelWarning {
		t.Errorf("expected warning at 55%%, got %s", level)
	}

	usage = 0.82
	if level := c.Check(); level != LevelCritical {
		t.Errorf("expected critical at 82%%, got %s", level)
	}

	usage = 0.96
	if level := c.Check(); level != LevelEmergency {
		t.Errorf("expected emergency at 96%%, got %s", level)
	}
	if !c.ShouldReject() {
		t.Error("emergency should reject appends")
	}
}

func TestController_Hysteresis(t *testing.T) {
	usage := 0.55
	c := New(testOptions(), func() float64 { return usage })

	if level := c.Check(); level != LevelWarning {
		t.Errorf("expected warning at 55%%, got %s", level)
	}

	// Just below the warning threshold: hysteresis holds the level.
	usage = 0.45
	if level := c.Check(); level != LevelWarning {
		t.Errorf("expected warning to hold at 45%%, got %s", level)
	}

	// Below threshold minus hysteresis: level steps down.
	usage = 0.35
	if level := c.Check(); level != LevelNormal {
		t.Errorf("expected normal at 35%%, got %s", level)
	}
}

func TestController_StepsDownOneLevel(t *testing.T) {
	usage := 0.96
	c := New(testOptions(), func() float64 { return usage })

	if level := c.Check(); level != LevelEmergency {
		t.Fatalf("expected emergency, got %s", level)
	}

	// Recovery is gradual: emergency drops to critical, not normal.
	usage = 0.30
	if level := c.Check(); level != LevelCritical {
		t.Errorf("expected critical after emergency, got %s", level)
	}
	if level := c.Check(); level != LevelWarning {
		t.Errorf("expected warning next, got %s", level)
	}
	if level := c.Check(); level != LevelNormal {
		t.Errorf("expected normal last, got %s", level)
	}
}

func TestController_Disabled(t *testing.T) {
	opts := testOptions()
	opts.Enabled = false
	c := New(opts, func() float64 { return 1.0 })

	if level := c.Check(); level != LevelNormal {
		t.Errorf("disabled controller reported %s", level)
	}
	if c.IsEnabled() {
		t.Error("IsEnabled = true")
	}
}

func TestController_LevelChangeCallback(t *testing.T) {
	usage := 0.0
	c := New(testOptions(), func() float64 { return usage })

	var transitions [][2]Level
	c.SetOnLevelChange(func(old, new Level) {
		transitions = append(transitions, [2]Level{old, new})
	})

	c.Check()
	usage = 0.85
	c.Check()
	usage = 0.0
	c.Check()

	want := [][2]Level{
		{LevelNormal, LevelCritical},
		{LevelCritical, LevelWarning},
	}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v", transitions)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d = %v, want %v", i, transitions[i], want[i])
		}
	}

	st := c.Stats()
	if st.LevelChanges != 2 || st.CriticalCount != 1 || st.WarningCount != 1 {
		t.Errorf("stats = %+v", st)
	}
}
