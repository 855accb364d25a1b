package tuning

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"fracflow.ai/internal/sim/model"
	"fracflow.ai/internal/sim/pressure"
	"fracflow.ai/internal/sim/recorder"
)

//go:embed run.schema.json
var schemaJSON string

const schemaURL = "https://fracflow.ai/schemas/run.schema.json"

var runSchema = jsonschema.MustCompileString(schemaURL, schemaJSON)

// SchemaJSON returns the JSON schema run files are checked against.
func SchemaJSON() string { return schemaJSON }

type Run struct {
	Iterations int     `yaml:"iterations" json:"iterations"`
	DeltaP     float64 `yaml:"delta_p" json:"delta_p"`
	SMin       float64 `yaml:"s_min" json:"s_min"`
	SMax       float64 `yaml:"s_max" json:"s_max"`
	BatchSize  int     `yaml:"batch_size" json:"batch_size"`
	Seed       uint64  `yaml:"seed" json:"seed"`
	Profile    string  `yaml:"profile" json:"profile"`
	OutputDir  string  `yaml:"output_dir" json:"output_dir"`
}

func Defaults() Run {
	return Run{
		Iterations: 100000,
		DeltaP:     0.3,
		SMin:       1.3,
		SMax:       2.3,
		BatchSize:  recorder.DefaultBatchSize,
		Seed:       1,
		Profile:    string(pressure.Exponential),
		OutputDir:  ".",
	}
}

// Load reads a YAML run file. Keys absent from the file keep their Defaults
// value.
func Load(path string) (Run, error) {
	r := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return r, err
	}
	if err := checkSchema(raw); err != nil {
		return r, fmt.Errorf("%s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &r); err != nil {
		return r, fmt.Errorf("%s: %w", path, err)
	}
	if err := r.Validate(); err != nil {
		return r, fmt.Errorf("%s: %w", path, err)
	}
	return r, nil
}

func checkSchema(raw []byte) error {
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return err
	}
	if doc == nil {
		return nil
	}
	// The validator expects encoding/json value types.
	b, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("run file is not a plain mapping: %w", err)
	}
	var v any
	if err := json.NewDecoder(bytes.NewReader(b)).Decode(&v); err != nil {
		return err
	}
	if err := runSchema.Validate(v); err != nil {
		return fmt.Errorf("tuning: %w", err)
	}
	return nil
}

func (r Run) Validate() error {
	if r.Iterations <= 0 {
		return fmt.Errorf("tuning: iterations must be > 0")
	}
	if !(r.DeltaP > 0 && r.DeltaP <= 1) {
		return fmt.Errorf("tuning: delta_p must be in (0, 1], got %v", r.DeltaP)
	}
	if r.SMin < 0 {
		return fmt.Errorf("tuning: s_min must be >= 0, got %v", r.SMin)
	}
	if !(r.SMin < r.SMax) {
		return fmt.Errorf("tuning: s_min must be < s_max")
	}
	if r.BatchSize <= 0 {
		return fmt.Errorf("tuning: batch_size must be > 0")
	}
	if _, err := pressure.ParseShape(r.Profile); err != nil {
		return fmt.Errorf("tuning: %w", err)
	}
	if r.OutputDir == "" {
		return fmt.Errorf("tuning: output_dir is required")
	}
	return nil
}

func (r Run) ModelConfig() model.Config {
	shape, _ := pressure.ParseShape(r.Profile)
	return model.Config{
		Iterations: r.Iterations,
		DeltaP:     r.DeltaP,
		SMin:       r.SMin,
		SMax:       r.SMax,
		BatchSize:  r.BatchSize,
		Shape:      shape,
	}
}
