// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"dario.cat/mergo"
	"github.com/ghodss/yaml"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// DefaultConfigFile is loaded when no -config flag is given. Unlike an
// explicitly named file, it is allowed to be missing.
const DefaultConfigFile = "/etc/jobdispatch/config.yml"

// Loader reads a site config file and applies it on top of the
// built-in defaults.
type Loader struct {
	// Path to the site config file. "-" means read from Stdin.
	Path   string
	Stdin  io.Reader
	Logger logrus.FieldLogger
}

// NewLoader returns a Loader that reads DefaultConfigFile, or stdin if
// the path is later set to "-".
func NewLoader(stdin io.Reader, logger logrus.FieldLogger) *Loader {
	return &Loader{
		Path:   DefaultConfigFile,
		Stdin:  stdin,
		Logger: logger,
	}
}

// Load returns the effective configuration.
func (ldr *Loader) Load() (*Config, error) {
	var buf []byte
	var err error
	switch ldr.Path {
	case "-":
		buf, err = io.ReadAll(ldr.Stdin)
		if err != nil {
			return nil, errors.Wrap(err, "reading config from stdin")
		}
	case "":
		// defaults only
	default:
		buf, err = os.ReadFile(ldr.Path)
		if os.IsNotExist(err) && ldr.Path == DefaultConfigFile {
			ldr.Logger.WithField("Path", ldr.Path).Debug("no site config file, using built-in defaults")
			buf, err = nil, nil
		} else if err != nil {
			return nil, errors.Wrapf(err, "reading config file %s", ldr.Path)
		}
	}
	cfg, err := load(buf)
	if err != nil {
		return nil, errors.Wrapf(err, "loading config %s", ldr.Path)
	}
	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg, err := load(nil)
	if err != nil {
		panic(fmt.Sprintf("BUG: built-in config does not load: %s", err))
	}
	return cfg
}

func load(buf []byte) (*Config, error) {
	var cfg Config
	err := yaml.Unmarshal(DefaultYAML, &cfg)
	if err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}
	if len(bytes.TrimSpace(buf)) > 0 {
		err = yaml.Unmarshal(buf, &cfg)
		if err != nil {
			return nil, err
		}
		// Decoding into a non-nil map adds keys instead of
		// replacing it. A site derating table replaces the
		// default table entirely.
		var site struct {
			CPU struct {
				Derating struct {
					Table map[int]int
				}
			}
		}
		err = yaml.Unmarshal(buf, &site)
		if err != nil {
			return nil, err
		}
		if site.CPU.Derating.Table != nil {
			cfg.CPU.Derating.Table = site.CPU.Derating.Table
		}
	}
	if err = cfg.Check(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Merge applies every non-zero field of override to cfg. It is used
// to apply command line flags on top of the loaded config file.
func (cfg *Config) Merge(override Config) error {
	err := mergo.Merge(cfg, override, mergo.WithOverride)
	if err != nil {
		return err
	}
	return cfg.Check()
}

// Check returns an error if the configuration is unusable.
func (cfg *Config) Check() error {
	var problems []string
	switch cfg.RemoteExecutor {
	case ExecutorSSHCLI:
		if strings.TrimSpace(cfg.SSHCommand) == "" {
			problems = append(problems, "SSHCommand must not be empty when RemoteExecutor is "+ExecutorSSHCLI)
		}
	case ExecutorNative:
	default:
		problems = append(problems, fmt.Sprintf("unknown RemoteExecutor %q", cfg.RemoteExecutor))
	}
	switch cfg.IdleBackoff.Kind {
	case BackoffConstant, BackoffExponential:
	default:
		problems = append(problems, fmt.Sprintf("unknown IdleBackoff.Kind %q", cfg.IdleBackoff.Kind))
	}
	switch cfg.Pool.Lock.Driver {
	case LockDriverFlock:
	case LockDriverPostgreSQL:
		if cfg.Pool.Lock.PostgreSQL.DSN == "" {
			problems = append(problems, "Pool.Lock.PostgreSQL.DSN is required by the postgresql lock driver")
		}
	case LockDriverEtcd:
		if len(cfg.Pool.Lock.Etcd.Endpoints) == 0 {
			problems = append(problems, "Pool.Lock.Etcd.Endpoints is required by the etcd lock driver")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown Pool.Lock.Driver %q", cfg.Pool.Lock.Driver))
	}
	if cfg.CPU.Derating.Scale < 0 || cfg.CPU.Derating.Scale > 1 {
		problems = append(problems, fmt.Sprintf("CPU.Derating.Scale %v is outside [0, 1]", cfg.CPU.Derating.Scale))
	}
	if cfg.LaunchRate < 0 {
		problems = append(problems, "LaunchRate must not be negative")
	}
	if cfg.ProbeTimeout <= 0 {
		problems = append(problems, "ProbeTimeout must be positive")
	}
	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}
