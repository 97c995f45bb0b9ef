// Copyright (c) 2024 The ScientistCloud Project and its Contributors
//
// Permission is hereby granted, free of charge, to any person obtaining a copy of
// this software and associated documentation files (the "Software"), to deal in
// the Software without restriction, including without limitation the rights to
// use, copy, modify, merge, publish, distribute, sublicense, and/or sell copies
// of the Software, and to permit persons to whom the Software is furnished to do
// so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

// Package config holds the pipeline's configuration, read once at startup
// from a YAML file. All environment variables of the form ${ENV_VAR} are
// expanded before parsing.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// a type with service configuration parameters
type serviceConfig struct {
	// descriptive name for this deployment (used in logs and the API root)
	Name string `yaml:"name"`
	// port on which the HTTP surface listens
	Port int `yaml:"port"`
	// maximum number of allowed incoming connections
	MaxConnections int `yaml:"max_connections"`
}

// a type with dataset store configuration parameters
type storeConfig struct {
	// path to the SQLite database file backing the dataset store
	Path string `yaml:"path"`
}

// a type with staging filesystem layout parameters
type directoryConfig struct {
	// base directory for raw uploaded bytes (one subdirectory per dataset)
	Upload string `yaml:"upload"`
	// base directory for converter output (mirrors the upload layout)
	Converted string `yaml:"converted"`
	// scratch area for chunked-upload sessions and lock files
	Scratch string `yaml:"scratch"`
}

// a type holding the two process-scoped secrets that credential decryption
// derives its AES key and IV from
type secretsConfig struct {
	Key string `yaml:"key"`
	Iv  string `yaml:"iv"`
}

// a type with Google OAuth client parameters used when refreshing stored
// Drive credentials
type googleConfig struct {
	ClientId     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
}

// a type with scheduler and executor tunables
type jobsConfig struct {
	// interval between scheduler polls of the dataset store (milliseconds)
	PollInterval int `yaml:"poll_interval_ms"`
	// per-phase retry budget
	MaxRetries int `yaml:"max_retries"`
	// wall-clock budget for a single upload or conversion run (minutes)
	PhaseTimeout int `yaml:"phase_timeout_minutes"`
	// interval between staleness reaper sweeps (seconds)
	ReaperInterval int `yaml:"reaper_interval_seconds"`
	// age at which a claimed record counts as abandoned (minutes)
	StaleAfter int `yaml:"stale_after_minutes"`
	// upper bound on a single uploaded file (bytes)
	MaxFileSize int64 `yaml:"max_file_size"`
	// chunk size for chunked-upload sessions (bytes)
	ChunkSize int64 `yaml:"chunk_size"`
	// age at which an incomplete chunked-upload session is reaped (hours)
	SessionExpiry int `yaml:"session_expiry_hours"`
	// command invoked to convert a dataset; run as
	// <command> <input> <output> <sensor> [--params <json>]
	ConverterCommand string `yaml:"converter_command"`
	// age at which the raw staging bytes of a converted dataset are purged
	// (seconds); 0 keeps them forever
	DeleteAfter int `yaml:"delete_after_seconds"`
}

// global config variables
var Service serviceConfig
var Store storeConfig
var Directories directoryConfig
var Secrets secretsConfig
var Google googleConfig
var Jobs jobsConfig

// This struct performs the unmarshalling from the YAML config file and then
// copies its fields to the globals above.
type configFile struct {
	Service     serviceConfig   `yaml:"service"`
	Store       storeConfig     `yaml:"store"`
	Directories directoryConfig `yaml:"directories"`
	Secrets     secretsConfig   `yaml:"secrets"`
	Google      googleConfig    `yaml:"google"`
	Jobs        jobsConfig      `yaml:"jobs"`
}

// reads configuration data, expanding environment variables and applying
// defaults before parsing
func readConfig(data []byte) error {
	data = []byte(os.ExpandEnv(string(data)))

	var conf configFile
	conf.Service.Name = "ucp"
	conf.Service.Port = 8080
	conf.Service.MaxConnections = 100
	conf.Jobs.PollInterval = 5000
	conf.Jobs.MaxRetries = 3
	conf.Jobs.PhaseTimeout = 120
	conf.Jobs.ReaperInterval = 60
	conf.Jobs.StaleAfter = 30
	conf.Jobs.MaxFileSize = 10 * 1024 * 1024 * 1024 * 1024 // 10 TiB
	conf.Jobs.ChunkSize = 100 * 1024 * 1024                // 100 MiB
	conf.Jobs.SessionExpiry = 7 * 24
	err := yaml.Unmarshal(data, &conf)
	if err != nil {
		return fmt.Errorf("Couldn't parse configuration data: %s", err.Error())
	}

	// copy the config data into place
	Service = conf.Service
	Store = conf.Store
	Directories = conf.Directories
	Secrets = conf.Secrets
	Google = conf.Google
	Jobs = conf.Jobs

	return nil
}

// This helper validates the configuration, returning an error that indicates
// success or failure.
func validateConfig() error {
	if Service.Port < 0 || Service.Port > 65535 {
		return fmt.Errorf("Invalid port: %d (must be 0-65535)", Service.Port)
	}
	if Service.MaxConnections <= 0 {
		return fmt.Errorf("Invalid max_connections: %d (must be positive)",
			Service.MaxConnections)
	}
	if Store.Path == "" {
		return fmt.Errorf("No dataset store path was provided!")
	}
	if Directories.Upload == "" || Directories.Converted == "" || Directories.Scratch == "" {
		return fmt.Errorf("All of the upload, converted, and scratch directories must be provided!")
	}
	if Jobs.PollInterval <= 0 {
		return fmt.Errorf("Invalid poll_interval_ms: %d (must be positive)", Jobs.PollInterval)
	}
	if Jobs.MaxRetries < 0 {
		return fmt.Errorf("Invalid max_retries: %d", Jobs.MaxRetries)
	}
	if Jobs.ChunkSize <= 0 || Jobs.MaxFileSize <= 0 {
		return fmt.Errorf("Chunk size and max file size must be positive")
	}
	if Jobs.ChunkSize > Jobs.MaxFileSize {
		return fmt.Errorf("Chunk size (%d) cannot exceed max file size (%d)",
			Jobs.ChunkSize, Jobs.MaxFileSize)
	}
	return nil
}

// Initializes the pipeline configuration using the given YAML byte data.
func Init(yamlData []byte) error {
	err := readConfig(yamlData)
	if err != nil {
		return err
	}
	return validateConfig()
}
