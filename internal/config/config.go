package config

import (
	"os"

	"github.com/creasty/defaults"
	"gopkg.in/yaml.v3"
)

// Environment toggles for the validators. "1" enables, any other value
// disables and an unset variable keeps the configured value.
const (
	EnvParameterValidation = "ZE_ENABLE_PARAMETER_VALIDATION"
	EnvHandleLifetime      = "ZE_ENABLE_HANDLE_LIFETIME"
	EnvThreadingValidation = "ZE_ENABLE_THREADING_VALIDATION"
	EnvBasicLeakChecker    = "ZEL_ENABLE_BASIC_LEAK_CHECKER"
)

type Config struct {
	Logger struct {
		Verbosity string `yaml:"verbosity" default:"info"`
	} `yaml:"logger"`
	Validation Validation `yaml:"validation"`
	Driver     Driver     `yaml:"driver"`
	Metrics    struct {
		ListenAddress string `yaml:"listenAddress" default:"127.0.0.1:9464"`
	} `yaml:"metrics"`
}

// Validation selects the validators in the chain.
type Validation struct {
	ParameterValidation bool `yaml:"parameterValidation" default:"true"`
	HandleLifetime      bool `yaml:"handleLifetime" default:"true"`
	ThreadingValidation bool `yaml:"threadingValidation"`
	BasicLeakChecker    bool `yaml:"basicLeakChecker" default:"true"`
}

// Driver describes the topology of the simulated driver.
type Driver struct {
	Backend          string `yaml:"backend" default:"simulated"`
	Drivers          int    `yaml:"drivers" default:"1"`
	DevicesPerDriver int    `yaml:"devicesPerDriver" default:"2"`
	// Components maps a component type name such as "power" or "fan" to
	// the number of components of that type on each device.
	Components map[string]int `yaml:"components" default:"{\"power\":2,\"frequency\":2,\"fan\":1,\"engine\":4,\"temperature\":3,\"memory\":1,\"fabric_port\":2}"`
}

// Default returns the configuration used when no file sets a value.
func Default() *Config {
	cfg := &Config{}
	defaults.MustSet(cfg)
	return cfg
}

// LoadConfig reads a YAML file over the defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	config := Default()
	components := config.Driver.Components
	// yaml merges into a non-nil map; a file listing components replaces them.
	config.Driver.Components = nil
	err = yaml.Unmarshal(data, config)
	if err != nil {
		return nil, err
	}
	if config.Driver.Components == nil {
		config.Driver.Components = components
	}

	return config, nil
}

// ApplyEnv overrides the validator toggles from the environment. lookup
// has the signature of os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	toggles := []struct {
		name string
		dst  *bool
	}{
		{EnvParameterValidation, &c.Validation.ParameterValidation},
		{EnvHandleLifetime, &c.Validation.HandleLifetime},
		{EnvThreadingValidation, &c.Validation.ThreadingValidation},
		{EnvBasicLeakChecker, &c.Validation.BasicLeakChecker},
	}
	for _, t := range toggles {
		if v, ok := lookup(t.name); ok {
			*t.dst = v == "1"
		}
	}
}
