// Package sim provides simulated signal producers configured from a YAML
// file: counters, constants and cycling value sequences, each with its own
// period and path. It exists so a service can expose moving signals without
// any vehicle bus attached.
//
// A configuration file looks like this:
//
//	signals:
//	  - path: Signal.Drivetrain.InternalCombustionEngine.RPM
//	    mode: cycle
//	    period: 500ms
//	    values: [800, 1250, 2400, 1250]
//	  - path: Signal.Cabin.Door.Row1.Left.IsOpen
//	    mode: constant
//	    period: 5s
//	    value: false
//	  - path: Private.Example.Sim.Counter
//	    mode: counter
//	    period: 1s
package sim

import (
	"errors"
	"fmt"
	"os"
	"time"

	vis "github.com/mercedes-benz/vehicle-information-service"
	"github.com/mercedes-benz/vehicle-information-service/sources/interval"
	"gopkg.in/yaml.v3"
)

// Config is a set of simulated producers, one per signal path.
type Config struct {
	Signals []Signal `yaml:"signals"`
}

// Signal configures one simulated producer.
type Signal struct {
	// Path is the dotted signal path the producer writes to.
	Path string `yaml:"path"`
	// Mode selects the value pattern: ModeCounter, ModeConstant or ModeCycle.
	Mode string `yaml:"mode"`
	// Period is the emission period as a Go duration string such as "500ms".
	Period string `yaml:"period"`
	// Value is the emitted value in constant mode.
	Value any `yaml:"value"`
	// Values is the emitted sequence in cycle mode, repeated from the start
	// when exhausted.
	Values []any `yaml:"values"`
}

// Modes a simulated signal can run in.
const (
	ModeCounter  = "counter"
	ModeConstant = "constant"
	ModeCycle    = "cycle"
)

// Load reads and parses a simulation configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read simulation config: %w", err)
	}
	return Parse(data)
}

// Parse parses and validates a simulation configuration.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse simulation config: %w", err)
	}

	if len(cfg.Signals) == 0 {
		return nil, errors.New("simulation config has no signals")
	}
	for i := range cfg.Signals {
		if err := cfg.Signals[i].validate(); err != nil {
			return nil, fmt.Errorf("signal %d: %w", i, err)
		}
	}

	return &cfg, nil
}

// Attach registers one producer per configured signal on the service. It
// returns a stop function releasing all of them; on error nothing stays
// attached.
func (c *Config) Attach(service *vis.Service) (func(), error) {
	stops := make([]func(), 0, len(c.Signals))
	stopAll := func() {
		for _, stop := range stops {
			stop()
		}
	}

	for i := range c.Signals {
		s := &c.Signals[i]
		period, err := s.period()
		if err != nil {
			stopAll()
			return nil, fmt.Errorf("signal %d: %w", i, err)
		}

		stop, err := service.RegisterSource(s.Path, interval.New(period, s.next()))
		if err != nil {
			stopAll()
			return nil, fmt.Errorf("signal %d: %w", i, err)
		}
		stops = append(stops, stop)
	}

	return stopAll, nil
}

func (s *Signal) validate() error {
	if s.Path == "" {
		return errors.New("path is required")
	}
	if _, err := s.period(); err != nil {
		return err
	}

	switch s.Mode {
	case ModeCounter:
	case ModeConstant:
		if s.Value == nil {
			return errors.New("constant mode requires a value")
		}
	case ModeCycle:
		if len(s.Values) == 0 {
			return errors.New("cycle mode requires values")
		}
	default:
		return fmt.Errorf("unknown mode %q", s.Mode)
	}

	return nil
}

func (s *Signal) period() (time.Duration, error) {
	if s.Period == "" {
		return 0, errors.New("period is required")
	}
	period, err := time.ParseDuration(s.Period)
	if err != nil {
		return 0, fmt.Errorf("invalid period %q: %w", s.Period, err)
	}
	if period <= 0 {
		return 0, fmt.Errorf("period %q must be positive", s.Period)
	}
	return period, nil
}

// next builds the per-tick value function for the signal's mode. The returned
// closure is consumed by a single producer goroutine.
func (s *Signal) next() func() any {
	switch s.Mode {
	case ModeConstant:
		return func() any { return s.Value }
	case ModeCycle:
		i := 0
		return func() any {
			v := s.Values[i%len(s.Values)]
			i++
			return v
		}
	default: // ModeCounter
		n := 0
		return func() any {
			v := n
			n++
			return v
		}
	}
}
