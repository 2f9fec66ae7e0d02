// Package config loads the engine's process-wide configuration from config.json.
package config

import (
	"encoding/json"
	"errors"
	"os"
)

// Config is the recognized configuration surface for the publish engine process.
type Config struct {
	MaxPublishRequestInQueue int    `json:"max_publish_request_in_queue"`
	TickInterval             string `json:"tick_interval"`
	DebugMode                bool   `json:"debug_mode"`
	AppName                  string `json:"app_name"`
}

func defaultConfig() Config {
	return Config{
		MaxPublishRequestInQueue: 100,
		TickInterval:             "100ms",
		DebugMode:                false,
		AppName:                  "opcua-pubsub-engine",
	}
}

var config Config
var initialized = false

// ReadConfig loads config.json, creating it with defaults on first run.
func ReadConfig() (Config, error) {
	bytes, err := os.ReadFile("config.json")

	if err != nil {
		config = defaultConfig()
		writer, _ := os.OpenFile("config.json", os.O_RDWR|os.O_CREATE, 0644)
		data, _ := json.MarshalIndent(config, "", "\t")
		_, _ = writer.Write(data)
		_ = writer.Close()
		return config, errors.New("the configuration file does not exist and has been created. Please try again after editing the configuration file")
	}

	err = json.Unmarshal(bytes, &config)

	if err != nil {
		return config, errors.New("the configuration file does not contain valid JSON")
	}

	if config.MaxPublishRequestInQueue <= 0 {
		config.MaxPublishRequestInQueue = defaultConfig().MaxPublishRequestInQueue
	}
	if config.TickInterval == "" {
		config.TickInterval = defaultConfig().TickInterval
	}

	initialized = true
	return config, nil
}

// GetConfig returns the memoized configuration, loading it on first call.
func GetConfig() (Config, error) {
	if initialized {
		return config, nil
	}
	return ReadConfig()
}
