// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"fmt"
	"os"

	"github.com/hashicorp/hcl"
)

// ParseConfigFile loads one HCL configuration file.
func ParseConfigFile(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var config Config
	if err := hcl.Decode(&config, string(raw)); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return &config, nil
}

// LoadConfig merges the given files, in order, over the defaults.
func LoadConfig(paths ...string) (*Config, error) {
	config := DefaultConfig()
	for _, path := range paths {
		file, err := ParseConfigFile(path)
		if err != nil {
			return nil, err
		}
		config = config.Merge(file)
	}
	if config.NodeName == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("failed to determine node name: %w", err)
		}
		config.NodeName = hostname
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}
