/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package session

import (
	"fmt"
	"os"
	"time"

	yaml "gopkg.in/yaml.v2"
)

// BackoffConfig describes the MD retry backoff, bounded by reply_timeout/2
// per spec's retry policy.
type BackoffConfig struct {
	Mode     string `yaml:"mode"` // "fixed", "linear" or "exponential"
	Step     time.Duration `yaml:"step"`
	MaxValue time.Duration `yaml:"max_value"`
}

const (
	backoffFixed       = "fixed"
	backoffLinear      = "linear"
	backoffExponential = "exponential"
)

// Validate checks BackoffConfig is sane.
func (c *BackoffConfig) Validate() error {
	if c.Mode != backoffFixed && c.Mode != backoffLinear && c.Mode != backoffExponential {
		return fmt.Errorf("mode must be either %q, %q or %q", backoffFixed, backoffLinear, backoffExponential)
	}
	if c.Step <= 0 {
		return fmt.Errorf("step must be positive")
	}
	if c.MaxValue <= 0 {
		return fmt.Errorf("max_value must be positive")
	}
	return nil
}

// ComParam is a communication parameter record, spec §6.3: "array of {id,
// QoS, TTL, retries, VLAN, TSN-on}".
type ComParam struct {
	ID      uint32 `yaml:"id"`
	QoS     int    `yaml:"qos"`
	TTL     int    `yaml:"ttl"`
	Retries int    `yaml:"retries"`
	VLAN    uint16 `yaml:"vlan"`
	TSNOn   bool   `yaml:"tsn_on"`
}

// InterfaceConfig names the network interface a session binds to.
type InterfaceConfig struct {
	Name     string `yaml:"name"`
	HostIP   string `yaml:"host_ip"`
	LeaderIP string `yaml:"leader_ip"`
	NetworkID uint32 `yaml:"network_id"`
}

// SDTConfig configures the optional SDTv2 payload-safety CRC (see
// SPEC_FULL.md's SUPPLEMENTED FEATURES). Not a security mechanism.
type SDTConfig struct {
	Enabled bool   `yaml:"enabled"`
	SMI     uint32 `yaml:"smi"` // safe message identifier, used as the CRC seed
}

// Config is the session's open-time configuration, spec §6.3.
type Config struct {
	HostName   string `yaml:"host_name"`
	LeaderName string `yaml:"leader_name"`

	Interface InterfaceConfig `yaml:"interface"`

	PDPort int `yaml:"pd_port"`
	MDPort int `yaml:"md_port"`

	EtbTopoCount   uint32 `yaml:"etb_topo_count"`
	OpTrnTopoCount uint32 `yaml:"op_trn_topo_count"`

	ComParams []ComParam `yaml:"com_params"`

	MaxMDSessions   int           `yaml:"max_md_sessions"`
	MDReplyTimeout  time.Duration `yaml:"md_reply_timeout"`
	MDConfirmTimeout time.Duration `yaml:"md_confirm_timeout"`
	MDConnectTimeout time.Duration `yaml:"md_connect_timeout"`
	Backoff         BackoffConfig `yaml:"backoff"`

	SDT SDTConfig `yaml:"sdt"`

	MonitoringPort int `yaml:"monitoring_port"`
}

// DefaultConfig returns a Config initialized with default values, mirroring
// the teacher's DefaultConfig pattern.
func DefaultConfig() *Config {
	return &Config{
		PDPort:           17224,
		MDPort:           17225,
		MaxMDSessions:    64,
		MDReplyTimeout:   1 * time.Second,
		MDConfirmTimeout: 1 * time.Second,
		MDConnectTimeout: 5 * time.Second,
		Backoff: BackoffConfig{
			Mode:     backoffExponential,
			Step:     100 * time.Millisecond,
			MaxValue: 2 * time.Second,
		},
		MonitoringPort: 9273,
	}
}

// Validate checks that Config is internally consistent.
func (c *Config) Validate() error {
	if c.Interface.Name == "" {
		return fmt.Errorf("interface.name must be specified")
	}
	if c.PDPort <= 0 {
		return fmt.Errorf("pd_port must be positive")
	}
	if c.MDPort <= 0 {
		return fmt.Errorf("md_port must be positive")
	}
	if c.MaxMDSessions <= 0 {
		return fmt.Errorf("max_md_sessions must be positive")
	}
	if c.MDReplyTimeout <= 0 {
		return fmt.Errorf("md_reply_timeout must be positive")
	}
	if c.MDConfirmTimeout <= 0 {
		return fmt.Errorf("md_confirm_timeout must be positive")
	}
	if c.MDConnectTimeout <= 0 {
		return fmt.Errorf("md_connect_timeout must be positive")
	}
	if err := c.Backoff.Validate(); err != nil {
		return fmt.Errorf("invalid backoff config: %w", err)
	}
	for i, cp := range c.ComParams {
		if cp.Retries < 0 {
			return fmt.Errorf("com_params[%d]: retries must be 0 or positive", i)
		}
		if cp.TTL < 0 || cp.TTL > 255 {
			return fmt.Errorf("com_params[%d]: ttl must be 0-255", i)
		}
	}
	return nil
}

// ReadConfig reads and validates a Config from a YAML file.
func ReadConfig(path string) (*Config, error) {
	c := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return c, nil
}

// ComParamFor returns the communication parameter record bound to id, if any.
func (c *Config) ComParamFor(id uint32) (ComParam, bool) {
	for _, cp := range c.ComParams {
		if cp.ID == id {
			return cp, true
		}
	}
	return ComParam{}, false
}
