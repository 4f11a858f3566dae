package file

import (
	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/samueltorres/stocklock/pkg/harness"
	"github.com/samueltorres/stocklock/pkg/stock"
)

type scenariosConfig struct {
	Scenarios []harness.Scenario `mapstructure:"scenarios"`
}

// LoadScenarios reads a list of harness scenarios from a yaml, json or toml file.
func LoadScenarios(file string) ([]harness.Scenario, error) {
	v := viper.New()
	v.SetConfigFile(file)
	err := v.ReadInConfig()
	if err != nil {
		return nil, errors.Wrap(err, "error reading in scenario file")
	}

	var config scenariosConfig
	err = v.Unmarshal(&config)
	if err != nil {
		return nil, errors.Wrap(err, "error on scenario config unmarshal")
	}

	scenarios := make([]harness.Scenario, 0, len(config.Scenarios))
	for i, sc := range config.Scenarios {
		// normalized before defaults so the default name is the canonical strategy
		strategy, err := stock.ParseStrategy(sc.Strategy.String())
		if err != nil {
			return nil, errors.Wrapf(err, "scenario file is invalid: scenario %d", i)
		}
		sc.Strategy = strategy
		scenarios = append(scenarios, sc.WithDefaults())
	}

	err = validateScenarios(scenarios)
	if err != nil {
		return nil, errors.Wrap(err, "scenario file is invalid")
	}

	return scenarios, nil
}

func validateScenarios(scenarios []harness.Scenario) error {

	// validate that there is at least one scenario
	if len(scenarios) == 0 {
		return errors.Errorf("there are no scenarios")
	}

	names := make(map[string]bool, len(scenarios))
	for i, sc := range scenarios {
		// validate that there are no duplicated names
		if _, exists := names[sc.Name]; exists {
			return errors.Errorf("duplicated scenario name %s (%d)", sc.Name, i)
		}
		names[sc.Name] = true

		if _, err := stock.ParseStrategy(sc.Strategy.String()); err != nil {
			return errors.Wrapf(err, "scenario (%s)", sc.Name)
		}

		if sc.Initial < 0 {
			return errors.Errorf("invalid initial quantity - scenario (%s)", sc.Name)
		}
		if sc.Calls < 0 || sc.Workers < 0 {
			return errors.Errorf("invalid calls or workers - scenario (%s)", sc.Name)
		}
		if sc.Amount <= 0 {
			return errors.Errorf("invalid amount - scenario (%s)", sc.Name)
		}
	}

	return nil
}
