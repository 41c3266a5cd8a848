package model

import (
	"maps"
	"time"
)

// SimulatorConfig is a wafer-style configuration owned by one simulator.
// Zero values of optional fields are replaced by defaults on creation.
type SimulatorConfig struct {
	Width       int               `json:"width" yaml:"width"`
	Height      int               `json:"height" yaml:"height"`
	Material    string            `json:"material,omitempty" yaml:"material,omitempty"`
	Orientation string            `json:"orientation,omitempty" yaml:"orientation,omitempty"`
	Thickness   float64           `json:"thickness,omitempty" yaml:"thickness,omitempty"`
	DopingType  string            `json:"dopingType,omitempty" yaml:"doping_type,omitempty"`
	Resistivity float64           `json:"resistivity,omitempty" yaml:"resistivity,omitempty"`
	OutputDir   string            `json:"outputDir,omitempty" yaml:"output_dir,omitempty"`
	Options     map[string]string `json:"options,omitempty" yaml:"options,omitempty"`
}

// Cells is the number of grid cells of the wafer.
func (c SimulatorConfig) Cells() int64 {
	return int64(c.Width) * int64(c.Height)
}

func (c SimulatorConfig) Clone() SimulatorConfig {
	c.Options = maps.Clone(c.Options)
	return c
}

// SimulatorInfo is a read-only view of a simulator handle.
type SimulatorInfo struct {
	ID      string          `json:"id"`
	Created time.Time       `json:"created"`
	Config  SimulatorConfig `json:"config"`
	Steps   []ProcessStep   `json:"steps"`
}
