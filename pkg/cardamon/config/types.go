package config

import (
	"fmt"
	"time"
)

// ProcessKind distinguishes how a process is launched and observed.
type ProcessKind string

const (
	// KindBaremetal processes are spawned directly and tracked by PID.
	KindBaremetal ProcessKind = "baremetal"
	// KindDocker processes are started via a command (typically compose)
	// and tracked through their named containers.
	KindDocker ProcessKind = "docker"
)

// Redirect controls where a spawned process sends stdout/stderr.
type Redirect string

const (
	// RedirectDiscard throws child output away.
	RedirectDiscard Redirect = "discard"
	// RedirectInherit attaches child output to cardamon's own streams.
	RedirectInherit Redirect = "inherit"
	// RedirectFile writes child output to <name>.stdout / <name>.stderr.
	RedirectFile Redirect = "file"
)

// Process describes a single unit cardamon can start, stop and observe.
type Process struct {
	Name string `yaml:"name"`
	// Up is the start command. For docker processes this is usually a
	// detached compose invocation.
	Up string `yaml:"up"`
	// Down optionally overrides how the process is stopped. For baremetal
	// processes it may contain a {pid} placeholder which is substituted
	// with the live PID at stop time.
	Down       string      `yaml:"down,omitempty"`
	Kind       ProcessKind `yaml:"kind"`
	Containers []string    `yaml:"containers,omitempty"`
	Redirect   Redirect    `yaml:"redirect,omitempty"`
}

// Scenario is a repeatable workload command run against a set of processes.
type Scenario struct {
	Name       string   `yaml:"name"`
	Command    string   `yaml:"command"`
	Iterations int      `yaml:"iterations,omitempty"`
	Processes  []string `yaml:"processes"`
}

// Observation names either a list of scenarios to execute or a list of
// processes to monitor live. Exactly one of the two lists is populated.
type Observation struct {
	Name      string   `yaml:"name"`
	Scenarios []string `yaml:"scenarios,omitempty"`
	Processes []string `yaml:"processes,omitempty"`
}

// CPU identifies the CPU model and its fitted power curve. The curve maps
// system-wide utilization (0-100) to total system power draw in watts as a
// cubic polynomial a + b*u + c*u^2 + d*u^3.
type CPU struct {
	Name  string     `yaml:"name"`
	Curve [4]float64 `yaml:"curve"`
	// TDP in watts, used as a fallback linear model when no curve is fit.
	TDP float64 `yaml:"tdp,omitempty"`
}

// CarbonConfig supplies the emission factor used to convert energy to CO2e.
type CarbonConfig struct {
	// Intensity is a fixed carbon intensity in gCO2e/kWh. When zero and a
	// region is set, the intensity is resolved through the carbon provider.
	Intensity float64 `yaml:"intensity,omitempty"`
	Region    string  `yaml:"region,omitempty"`
	// APIURL points at a carbon intensity API. Empty disables remote lookup.
	APIURL string `yaml:"apiUrl,omitempty"`
}

// MetricsConfig tunes the sampler.
type MetricsConfig struct {
	SampleInterval time.Duration `yaml:"sampleInterval,omitempty"`
	FlushInterval  time.Duration `yaml:"flushInterval,omitempty"`
	// StartTimeout bounds how long the supervisor waits for a docker
	// process's containers to resolve before failing the run.
	StartTimeout time.Duration `yaml:"startTimeout,omitempty"`
	StopTimeout  time.Duration `yaml:"stopTimeout,omitempty"`
}

// DBConfig selects the sqlite database file backing the run repository.
type DBConfig struct {
	Path string `yaml:"path,omitempty"`
}

// APIConfig configures the query/UI server.
type APIConfig struct {
	Port int `yaml:"port,omitempty"`
}

// Config is the root cardamon configuration.
type Config struct {
	Processes    []Process     `yaml:"processes"`
	Scenarios    []Scenario    `yaml:"scenarios"`
	Observations []Observation `yaml:"observations"`
	CPU          CPU           `yaml:"cpu"`
	Carbon       CarbonConfig  `yaml:"carbon"`
	Metrics      MetricsConfig `yaml:"metrics"`
	DB           DBConfig      `yaml:"db"`
	API          APIConfig     `yaml:"api"`
	// StopOnScenarioFailure aborts the remaining iterations and scenarios
	// of a run when a scenario command exits non-zero. When false the
	// failure is recorded against the iteration and the run continues.
	StopOnScenarioFailure bool `yaml:"stopOnScenarioFailure,omitempty"`
}

// Defaults applied by Load for fields left unset.
const (
	DefaultSampleInterval = 500 * time.Millisecond
	DefaultFlushInterval  = 5 * time.Second
	DefaultStartTimeout   = 10 * time.Second
	DefaultStopTimeout    = 10 * time.Second
	DefaultDBPath         = "cardamon.db"
	DefaultAPIPort        = 1337
)

// Process returns the process definition with the given name.
func (c *Config) Process(name string) (*Process, bool) {
	for i := range c.Processes {
		if c.Processes[i].Name == name {
			return &c.Processes[i], true
		}
	}
	return nil, false
}

// Scenario returns the scenario definition with the given name.
func (c *Config) Scenario(name string) (*Scenario, bool) {
	for i := range c.Scenarios {
		if c.Scenarios[i].Name == name {
			return &c.Scenarios[i], true
		}
	}
	return nil, false
}

// Observation returns the observation definition with the given name.
func (c *Config) Observation(name string) (*Observation, bool) {
	for i := range c.Observations {
		if c.Observations[i].Name == name {
			return &c.Observations[i], true
		}
	}
	return nil, false
}

// IsLive reports whether the observation monitors processes directly
// instead of driving scenarios.
func (o *Observation) IsLive() bool {
	return len(o.Scenarios) == 0
}

// Validate performs validation of the configuration.
func (c *Config) Validate() error {
	names := make(map[string]bool)
	for _, p := range c.Processes {
		if p.Name == "" {
			return fmt.Errorf("process name must not be empty")
		}
		if names[p.Name] {
			return fmt.Errorf("duplicate process name %q", p.Name)
		}
		names[p.Name] = true

		switch p.Kind {
		case KindBaremetal:
			if len(p.Containers) > 0 {
				return fmt.Errorf("process %q is baremetal but lists containers", p.Name)
			}
		case KindDocker:
			if len(p.Containers) == 0 {
				return fmt.Errorf("docker process %q must list at least one container", p.Name)
			}
		default:
			return fmt.Errorf("process %q has unknown kind %q", p.Name, p.Kind)
		}
		if p.Up == "" {
			return fmt.Errorf("process %q has no start command", p.Name)
		}
		switch p.Redirect {
		case "", RedirectDiscard, RedirectInherit, RedirectFile:
		default:
			return fmt.Errorf("process %q has unknown redirect %q", p.Name, p.Redirect)
		}
	}

	names = make(map[string]bool)
	for _, s := range c.Scenarios {
		if s.Name == "" {
			return fmt.Errorf("scenario name must not be empty")
		}
		if names[s.Name] {
			return fmt.Errorf("duplicate scenario name %q", s.Name)
		}
		names[s.Name] = true

		if s.Command == "" {
			return fmt.Errorf("scenario %q has no command", s.Name)
		}
		if s.Iterations < 0 {
			return fmt.Errorf("scenario %q has negative iteration count", s.Name)
		}
		for _, proc := range s.Processes {
			if _, ok := c.Process(proc); !ok {
				return fmt.Errorf("scenario %q references unknown process %q", s.Name, proc)
			}
		}
	}

	names = make(map[string]bool)
	for _, o := range c.Observations {
		if o.Name == "" {
			return fmt.Errorf("observation name must not be empty")
		}
		if names[o.Name] {
			return fmt.Errorf("duplicate observation name %q", o.Name)
		}
		names[o.Name] = true

		if len(o.Scenarios) > 0 && len(o.Processes) > 0 {
			return fmt.Errorf("observation %q must list scenarios or processes, not both", o.Name)
		}
		if len(o.Scenarios) == 0 && len(o.Processes) == 0 {
			return fmt.Errorf("observation %q lists neither scenarios nor processes", o.Name)
		}
		for _, scen := range o.Scenarios {
			if _, ok := c.Scenario(scen); !ok {
				return fmt.Errorf("observation %q references unknown scenario %q", o.Name, scen)
			}
		}
		for _, proc := range o.Processes {
			if _, ok := c.Process(proc); !ok {
				return fmt.Errorf("observation %q references unknown process %q", o.Name, proc)
			}
		}
	}

	if c.CPU.Curve == [4]float64{} && c.CPU.TDP <= 0 {
		return fmt.Errorf("cpu must supply a power curve or a tdp")
	}
	if c.Carbon.Intensity < 0 {
		return fmt.Errorf("carbon intensity must not be negative")
	}
	if c.Metrics.SampleInterval < 0 || c.Metrics.FlushInterval < 0 {
		return fmt.Errorf("metrics intervals must not be negative")
	}

	return nil
}
