// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Duration is time.Duration but looks like "12s" in JSON/YAML, rather
// than a number of nanoseconds.
type Duration time.Duration

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		return d.Set(s)
	}
	// Mimic encoding/json behavior of passing null through
	// unchanged.
	if string(data) == "null" {
		return nil
	}
	return fmt.Errorf("duration must be given as a string like \"600s\" or \"1h30m\"")
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// String implements fmt.Stringer.
func (d Duration) String() string {
	return time.Duration(d).String()
}

// Set implements flag.Value.
func (d *Duration) Set(s string) error {
	if s == "" || s == "0" {
		*d = 0
		return nil
	}
	dur, err := time.ParseDuration(s)
	*d = Duration(dur)
	return err
}

// Duration returns d as a time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

const (
	ExecutorSSHCLI = "ssh-cli"
	ExecutorNative = "native"

	LockDriverFlock      = "flock"
	LockDriverPostgreSQL = "postgresql"
	LockDriverEtcd       = "etcd"

	BackoffConstant    = "constant"
	BackoffExponential = "exponential"
)

// Config is the full jobdispatch configuration, as loaded from YAML.
type Config struct {
	// Path to the node roster file.
	Roster string
	// How remote commands are executed: "ssh-cli" runs the
	// OpenSSH client, "native" uses an in-process SSH client.
	RemoteExecutor string
	// Command line prefix used by the ssh-cli executor. The node
	// address and remote command are appended.
	SSHCommand string
	SSH        SSHConfig

	ProbeTimeout  Duration
	LaunchTimeout Duration
	// Maximum job launches per second, 0 = unlimited.
	LaunchRate float64
	// Give up if no job has been placed for this long, 0 =
	// never give up.
	MaxWait     Duration
	IdleBackoff BackoffConfig

	CPU  CPUConfig
	GPU  GPUConfig
	Pool PoolConfig

	ManagementListen string
	ManagementToken  string
	// Maximum concurrent management connections, 0 =
	// unlimited.
	ManagementMaxConns int

	Log LogConfig
}

type SSHConfig struct {
	User           string
	Port           string
	PrivateKeyFile string
	KnownHostsFile string
	MaxConnections int
}

type BackoffConfig struct {
	Kind        string
	Interval    Duration
	MaxInterval Duration
}

type CPUConfig struct {
	SettleDelay  Duration
	Derating     DeratingConfig
	LoadCommand  string
	CoresCommand string
}

// DeratingConfig selects a core-count derating policy. If Scale is
// non-zero it takes precedence over Table.
type DeratingConfig struct {
	Table map[int]int
	Scale float64
}

type GPUConfig struct {
	SettleDelay        Duration
	OccupyingProcesses []string
	DoubleBook         bool
	DoubleBookModels   []string
	ListCommand        string
	ProcessCommand     string
}

type PoolConfig struct {
	Directory     string
	Marker        string
	ScriptPattern string
	Shell         string
	CPUInterval   Duration
	GPUInterval   Duration
	Lock          LockConfig
}

// Interval returns the polling interval for the given resource
// tag. GPU-class tags poll less often than everything else.
func (pc PoolConfig) Interval(tag string) time.Duration {
	if strings.EqualFold(tag, "GPU") {
		return pc.GPUInterval.Duration()
	}
	return pc.CPUInterval.Duration()
}

type LockConfig struct {
	Driver     string
	Directory  string
	RetryDelay Duration
	PostgreSQL struct {
		DSN string
	}
	Etcd struct {
		Endpoints []string
		Prefix    string
		TTL       Duration
	}
}

type LogConfig struct {
	Level  string
	Format string
}
