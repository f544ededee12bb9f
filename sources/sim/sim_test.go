package sim_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	vis "github.com/mercedes-benz/vehicle-information-service"
	"github.com/mercedes-benz/vehicle-information-service/sources/sim"
)

const sampleConfig = `signals:
  - path: Signal.Drivetrain.InternalCombustionEngine.RPM
    mode: cycle
    period: 500ms
    values: [800, 1250, 2400, 1250]
  - path: Signal.Cabin.Door.Row1.Left.IsOpen
    mode: constant
    period: 5s
    value: false
  - path: Private.Example.Sim.Counter
    mode: counter
    period: 1s
`

func TestParse(t *testing.T) {
	cfg, err := sim.Parse([]byte(sampleConfig))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(cfg.Signals) != 3 {
		t.Fatalf("parsed %d signals, want 3", len(cfg.Signals))
	}

	rpm := cfg.Signals[0]
	if rpm.Mode != sim.ModeCycle || rpm.Period != "500ms" || len(rpm.Values) != 4 {
		t.Errorf("first signal = %+v, want a four value cycle at 500ms", rpm)
	}
	door := cfg.Signals[1]
	if door.Mode != sim.ModeConstant || door.Value != false {
		t.Errorf("second signal = %+v, want constant false", door)
	}
	counter := cfg.Signals[2]
	if counter.Mode != sim.ModeCounter || counter.Path != "Private.Example.Sim.Counter" {
		t.Errorf("third signal = %+v, want a counter", counter)
	}
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name    string
		config  string
		wantErr string
	}{
		{
			name:    "MalformedYAML",
			config:  "signals: [",
			wantErr: "failed to parse",
		},
		{
			name:    "NoSignals",
			config:  "signals: []",
			wantErr: "no signals",
		},
		{
			name: "MissingPath",
			config: `signals:
  - mode: counter
    period: 1s
`,
			wantErr: "path is required",
		},
		{
			name: "MissingPeriod",
			config: `signals:
  - path: Signal.A
    mode: counter
`,
			wantErr: "period is required",
		},
		{
			name: "UnparseablePeriod",
			config: `signals:
  - path: Signal.A
    mode: counter
    period: fast
`,
			wantErr: "invalid period",
		},
		{
			name: "NegativePeriod",
			config: `signals:
  - path: Signal.A
    mode: counter
    period: -1s
`,
			wantErr: "must be positive",
		},
		{
			name: "ConstantWithoutValue",
			config: `signals:
  - path: Signal.A
    mode: constant
    period: 1s
`,
			wantErr: "constant mode requires a value",
		},
		{
			name: "CycleWithoutValues",
			config: `signals:
  - path: Signal.A
    mode: cycle
    period: 1s
`,
			wantErr: "cycle mode requires values",
		},
		{
			name: "UnknownMode",
			config: `signals:
  - path: Signal.A
    mode: random
    period: 1s
`,
			wantErr: `unknown mode "random"`,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := sim.Parse([]byte(tc.config))
			if err == nil {
				t.Fatal("Parse() succeeded, want error")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("Parse() error = %v, want it to mention %q", err, tc.wantErr)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sim.yaml")
	if err := os.WriteFile(path, []byte(sampleConfig), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	cfg, err := sim.Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(cfg.Signals) != 3 {
		t.Errorf("loaded %d signals, want 3", len(cfg.Signals))
	}

	if _, err := sim.Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Load() on a missing file succeeded, want error")
	}
}

func TestConfig_Attach(t *testing.T) {
	cfg, err := sim.Parse([]byte(`signals:
  - path: Private.Sim.Counter
    mode: counter
    period: 5ms
  - path: Private.Sim.Constant
    mode: constant
    period: 5ms
    value: 42
  - path: Private.Sim.Cycle
    mode: cycle
    period: 5ms
    values: [1, 2, 3]
`))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	svc := vis.NewService()
	defer svc.Close()

	stop, err := cfg.Attach(svc)
	if err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	defer stop()

	// All three producers write their path within a few periods.
	paths := []string{"Private.Sim.Counter", "Private.Sim.Constant", "Private.Sim.Cycle"}
	deadline := time.Now().Add(2 * time.Second)
	for _, path := range paths {
		for {
			if _, err := svc.Get(path); err == nil {
				break
			}
			if time.Now().After(deadline) {
				t.Fatalf("producer for %s never wrote the signal", path)
			}
			time.Sleep(5 * time.Millisecond)
		}
	}

	value, err := svc.Get("Private.Sim.Constant")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(value) != `42` {
		t.Errorf("constant value = %s, want 42", value)
	}
}

func TestConfig_AttachErrors(t *testing.T) {
	t.Run("BadPeriod", func(t *testing.T) {
		svc := vis.NewService()
		defer svc.Close()

		cfg := &sim.Config{Signals: []sim.Signal{
			{Path: "Private.Sim.A", Mode: sim.ModeCounter, Period: "soon"},
		}}
		if _, err := cfg.Attach(svc); err == nil {
			t.Fatal("Attach() succeeded, want error for an unparseable period")
		}
	})

	t.Run("ClosedService", func(t *testing.T) {
		svc := vis.NewService()
		svc.Close()

		cfg := &sim.Config{Signals: []sim.Signal{
			{Path: "Private.Sim.A", Mode: sim.ModeCounter, Period: "5ms"},
		}}
		if _, err := cfg.Attach(svc); err == nil {
			t.Fatal("Attach() on a closed service succeeded, want error")
		}
	})
}
