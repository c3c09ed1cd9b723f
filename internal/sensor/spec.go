package sensor

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strings"

	"github.com/goccy/go-yaml"
)

// Strategy selects how a sensor's next value is produced.
type Strategy string

const (
	StrategyUniform    Strategy = "uniform"
	StrategyRandomWalk Strategy = "walk"
)

// DefaultStation names the station when the sensor file does not.
const DefaultStation = "station"

// MaxPrecision is the most decimal places a float64 reading can carry.
const MaxPrecision = 15

// Spec holds the generation parameters of one simulated sensor.
type Spec struct {
	Name     string
	Unit     string
	Min      float64
	Max      float64
	Strategy Strategy
	// Start is the first value a random walk steps from.
	Start float64
	// Step bounds the magnitude of a single random walk step.
	Step float64
	// Precision is the number of decimal places kept, -1 keeps all.
	Precision int
}

// Station is a validated sensor configuration.
type Station struct {
	Name    string
	Sensors []Spec
}

// ConfigError reports a sensor configuration that cannot be used.
type ConfigError struct {
	Path   string
	Sensor string
	Err    error
}

func (e *ConfigError) Error() string {
	if e.Sensor != "" {
		return fmt.Sprintf("sensor config %s: sensor %q: %v", e.Path, e.Sensor, e.Err)
	}
	return fmt.Sprintf("sensor config %s: %v", e.Path, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

type entry struct {
	Name      *string  `yaml:"name"`
	Unit      *string  `yaml:"unit"`
	Min       *float64 `yaml:"min"`
	Max       *float64 `yaml:"max"`
	Strategy  string   `yaml:"strategy"`
	Start     *float64 `yaml:"start"`
	Step      float64  `yaml:"step"`
	Precision *int     `yaml:"precision"`
}

type document struct {
	StationName string  `yaml:"station_name"`
	Sensors     []entry `yaml:"sensors"`
}

// groupedDocument is the layout where sensors are keyed by name under a
// station block:
//
//	station:
//	  station_name: river-01
//	  sensors:
//	    - ph: {min: 6.5, max: 8.5, start: 7, dp: 2, max_step: 0.05}
//	settings:
//	  timestamp_format: "%Y-%m-%d %H:%M:%S"
//
// Every sensor in it is a random walk. settings is accepted and ignored.
type groupedDocument struct {
	Station struct {
		StationName string                    `yaml:"station_name"`
		Sensors     []map[string]groupedEntry `yaml:"sensors"`
	} `yaml:"station"`
	Settings map[string]any `yaml:"settings"`
}

type groupedEntry struct {
	Unit    *string  `yaml:"unit"`
	Min     *float64 `yaml:"min"`
	Max     *float64 `yaml:"max"`
	Start   *float64 `yaml:"start"`
	Dp      *int     `yaml:"dp"`
	MaxStep float64  `yaml:"max_step"`
}

func (g groupedDocument) document() (document, error) {
	doc := document{StationName: g.Station.StationName, Sensors: make([]entry, 0, len(g.Station.Sensors))}
	for i, m := range g.Station.Sensors {
		if len(m) != 1 {
			return doc, &ConfigError{
				Sensor: fmt.Sprintf("#%d", i+1),
				Err:    fmt.Errorf("expected a single sensor name, got %d keys", len(m)),
			}
		}
		for name, e := range m {
			unit := ""
			if e.Unit != nil {
				unit = *e.Unit
			}
			doc.Sensors = append(doc.Sensors, entry{
				Name:      &name,
				Unit:      &unit,
				Min:       e.Min,
				Max:       e.Max,
				Strategy:  string(StrategyRandomWalk),
				Start:     e.Start,
				Step:      e.MaxStep,
				Precision: e.Dp,
			})
		}
	}
	return doc, nil
}

// Load reads and validates the sensor file at path. The file is a
// top-level list of sensors, a document with station_name and sensors,
// or a station block with sensors keyed by name.
func Load(path string) (Station, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Station{}, &ConfigError{Path: path, Err: err}
	}
	st, err := Parse(b)
	if err != nil {
		var ce *ConfigError
		if errors.As(err, &ce) {
			ce.Path = path
			return Station{}, ce
		}
		return Station{}, &ConfigError{Path: path, Err: err}
	}
	return st, nil
}

// Parse validates sensor configuration held in memory.
func Parse(b []byte) (Station, error) {
	var shape any
	if err := yaml.Unmarshal(b, &shape); err != nil {
		return Station{}, &ConfigError{Err: fmt.Errorf("malformed yaml: %w", err)}
	}

	var doc document
	switch shape.(type) {
	case nil:
		return Station{}, &ConfigError{Err: errors.New("no sensors defined")}
	case []any:
		if err := yaml.Unmarshal(b, &doc.Sensors); err != nil {
			return Station{}, &ConfigError{Err: fmt.Errorf("malformed sensor list: %w", err)}
		}
	case map[string]any:
		if _, grouped := shape.(map[string]any)["station"]; grouped {
			var g groupedDocument
			if err := yaml.Unmarshal(b, &g); err != nil {
				return Station{}, &ConfigError{Err: fmt.Errorf("malformed station document: %w", err)}
			}
			var err error
			if doc, err = g.document(); err != nil {
				return Station{}, err
			}
			break
		}
		if err := yaml.Unmarshal(b, &doc); err != nil {
			return Station{}, &ConfigError{Err: fmt.Errorf("malformed station document: %w", err)}
		}
	default:
		return Station{}, &ConfigError{Err: errors.New("expected a list of sensors or a station document")}
	}

	if len(doc.Sensors) == 0 {
		return Station{}, &ConfigError{Err: errors.New("no sensors defined")}
	}

	st := Station{Name: strings.TrimSpace(doc.StationName), Sensors: make([]Spec, 0, len(doc.Sensors))}
	if st.Name == "" {
		st.Name = DefaultStation
	}
	seen := make(map[string]bool, len(doc.Sensors))
	for i, e := range doc.Sensors {
		spec, err := e.spec()
		if err != nil {
			name := spec.Name
			if name == "" {
				name = fmt.Sprintf("#%d", i+1)
			}
			return Station{}, &ConfigError{Sensor: name, Err: err}
		}
		if seen[spec.Name] {
			return Station{}, &ConfigError{Sensor: spec.Name, Err: errors.New("duplicate sensor name")}
		}
		seen[spec.Name] = true
		st.Sensors = append(st.Sensors, spec)
	}
	return st, nil
}

func (e entry) spec() (Spec, error) {
	var s Spec
	if e.Name != nil {
		s.Name = strings.TrimSpace(*e.Name)
	}
	switch {
	case e.Name == nil:
		return s, errors.New("missing required key: name")
	case s.Name == "":
		return s, errors.New("name must not be empty")
	case e.Unit == nil:
		return s, errors.New("missing required key: unit")
	case e.Min == nil:
		return s, errors.New("missing required key: min")
	case e.Max == nil:
		return s, errors.New("missing required key: max")
	}

	s.Unit = *e.Unit
	s.Min, s.Max = *e.Min, *e.Max
	if math.IsNaN(s.Min) || math.IsNaN(s.Max) || math.IsInf(s.Min, 0) || math.IsInf(s.Max, 0) {
		return s, errors.New("min and max must be finite numbers")
	}
	if s.Min > s.Max {
		return s, fmt.Errorf("min %v is greater than max %v", s.Min, s.Max)
	}

	s.Precision = -1
	if e.Precision != nil {
		if *e.Precision < 0 {
			return s, fmt.Errorf("precision %d must not be negative", *e.Precision)
		}
		if *e.Precision > MaxPrecision {
			return s, fmt.Errorf("precision %d is above the maximum of %d", *e.Precision, MaxPrecision)
		}
		s.Precision = *e.Precision
	}

	switch strings.ToLower(strings.TrimSpace(e.Strategy)) {
	case "", string(StrategyUniform):
		s.Strategy = StrategyUniform
	case string(StrategyRandomWalk), "random_walk":
		s.Strategy = StrategyRandomWalk
		if !(e.Step > 0) || math.IsInf(e.Step, 0) {
			return s, errors.New("walk strategy requires a positive finite step")
		}
		s.Step = e.Step
		s.Start = s.Min/2 + s.Max/2
		if e.Start != nil {
			s.Start = *e.Start
		}
		if s.Start < s.Min || s.Start > s.Max {
			return s, fmt.Errorf("start %v is outside [%v, %v]", s.Start, s.Min, s.Max)
		}
	default:
		return s, fmt.Errorf("unknown strategy %q", e.Strategy)
	}
	return s, nil
}
