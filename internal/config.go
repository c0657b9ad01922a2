package internal

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/haatos/simple-lava/internal/util"
)

var Config *Configuration

// SecondsDuration is a duration written as seconds in the config file.
type SecondsDuration time.Duration

func NewSecondsDuration(seconds float64) SecondsDuration {
	return SecondsDuration(seconds * float64(time.Second))
}

func (sd SecondsDuration) Duration() time.Duration {
	return time.Duration(sd)
}

func (sd SecondsDuration) MarshalJSON() ([]byte, error) {
	seconds := float64(time.Duration(sd)) / float64(time.Second)
	return json.Marshal(seconds)
}

func (sd *SecondsDuration) UnmarshalJSON(data []byte) error {
	var seconds float64
	if err := json.Unmarshal(data, &seconds); err != nil {
		return err
	}
	*sd = NewSecondsDuration(seconds)
	return nil
}

type Configuration struct {
	ActionTimeout        SecondsDuration `json:"action_timeout_seconds"`
	ConnectionTimeout    SecondsDuration `json:"connection_timeout_seconds"`
	RetrySleep           SecondsDuration `json:"retry_sleep_seconds"`
	TestShellPoll        SecondsDuration `json:"test_shell_poll_seconds"`
	CoordinatorPollDelay SecondsDuration `json:"coordinator_poll_delay_seconds"`
	CoordinatorTimeout   SecondsDuration `json:"coordinator_timeout_seconds"`
	GroupExpiry          SecondsDuration `json:"group_expiry_seconds"`
}

func DefaultConfiguration() *Configuration {
	return &Configuration{
		ActionTimeout:        NewSecondsDuration(30),
		ConnectionTimeout:    NewSecondsDuration(10),
		RetrySleep:           NewSecondsDuration(1),
		TestShellPoll:        NewSecondsDuration(1),
		CoordinatorPollDelay: NewSecondsDuration(1),
		CoordinatorTimeout:   NewSecondsDuration(30),
		GroupExpiry:          NewSecondsDuration(24 * 60 * 60),
	}
}

// InitializeConfiguration reads path into Config, writing the defaults
// to path when it does not exist yet.
func InitializeConfiguration(path string) error {
	Config = DefaultConfiguration()

	configFileExists, err := util.PathExists(path)
	if err != nil {
		return err
	}
	if !configFileExists {
		return UpdateConfiguration(path, Config)
	}
	configBytes, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("err reading config: %w", err)
	}
	if err := json.Unmarshal(configBytes, Config); err != nil {
		return fmt.Errorf("err parsing config %s: %w", path, err)
	}
	return nil
}

func UpdateConfiguration(path string, config *Configuration) error {
	b, err := json.MarshalIndent(config, "", "    ")
	if err != nil {
		return err
	}

	if err := util.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("err writing config: %w", err)
	}

	Config = config

	return nil
}
