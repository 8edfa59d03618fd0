// Package config provides configuration loading and management for microfit.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"
)

// Config represents the evaluation configuration loaded from YAML
type Config struct {
	// Verbose enables the per-stage progress output
	Verbose bool `yaml:"verbose"`

	// Data parameters locate the subject's input files
	Data struct {
		// StudyPath is the folder containing all subjects of one study
		StudyPath string `yaml:"studyPath"`

		// Subject is the subject folder, relative to the study path
		Subject string `yaml:"subject"`

		// DWIFilename is the diffusion signal volume, relative to the subject folder
		DWIFilename string `yaml:"dwiFilename"`

		// SchemeFilename is the acquisition scheme, relative to the subject folder
		SchemeFilename string `yaml:"schemeFilename"`

		// MaskFilename is an optional binary mask; empty means fit every voxel
		MaskFilename string `yaml:"maskFilename"`

		// PeaksFilename is an optional volume of precomputed fiber directions;
		// empty means estimate directions with a per-voxel tensor fit
		PeaksFilename string `yaml:"peaksFilename"`

		// B0Threshold is the b-value at or below which a sample counts as b0
		B0Threshold float64 `yaml:"b0Threshold"`
	} `yaml:"data"`

	// Fitting parameters control the voxel-wise model fit
	Fitting struct {
		// Model is the registered name of the model to fit
		Model string `yaml:"model"`

		// NormalizeSignal divides each voxel's signal by its b0 baseline
		NormalizeSignal bool `yaml:"normalizeSignal"`

		// MergeB0 collapses repeated b0 samples into their mean before fitting
		MergeB0 bool `yaml:"mergeB0"`

		// ComputeNRMSE enables the voxel-wise fitting error map
		ComputeNRMSE bool `yaml:"computeNRMSE"`

		// NumWorkers sets how many voxels are fitted concurrently; 0 means
		// one worker per CPU core
		NumWorkers int `yaml:"numWorkers"`

		// OutputSuffix is appended to the results directory name
		OutputSuffix string `yaml:"outputSuffix"`
	} `yaml:"fitting"`

	// Kernels parameters control response-function generation
	Kernels struct {
		// Lmax is the maximum spherical-harmonic order of the rotation basis
		Lmax int `yaml:"lmax"`

		// Regenerate forces kernel regeneration even when a valid set exists
		Regenerate bool `yaml:"regenerate"`

		// TableDir is where the precomputed harmonic tables live
		TableDir string `yaml:"tableDir"`
	} `yaml:"kernels"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.Verbose = true

	// Set default data parameters
	cfg.Data.DWIFilename = "DWI.nii"
	cfg.Data.SchemeFilename = "DWI.scheme"
	cfg.Data.B0Threshold = 0

	// Set default fitting parameters
	cfg.Fitting.Model = "MeanSignal"
	cfg.Fitting.NormalizeSignal = true
	cfg.Fitting.MergeB0 = true
	cfg.Fitting.ComputeNRMSE = false
	cfg.Fitting.NumWorkers = runtime.NumCPU() // Use all available cores by default

	// Set default kernel parameters
	cfg.Kernels.Lmax = 12
	cfg.Kernels.Regenerate = false
	cfg.Kernels.TableDir = defaultTableDir()

	return cfg
}

// defaultTableDir places the precomputed tables in the user's home
// directory, falling back to a relative path when home is unknown.
func defaultTableDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".microfit"
	}
	return filepath.Join(home, ".microfit")
}

// DataPath returns the subject folder all input filenames are relative to
func (cfg *Config) DataPath() string {
	return filepath.Join(cfg.Data.StudyPath, cfg.Data.Subject)
}

// KernelDir returns the directory holding the generated atoms of a model.
// Kernels are shared between the subjects of a study, so the path hangs
// off the study folder, namespaced by model id
func (cfg *Config) KernelDir(modelID string) string {
	return filepath.Join(cfg.Data.StudyPath, "kernels", modelID)
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	// Read config file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	// Parse YAML
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	// Marshal config to YAML
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	// Write to file
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}
