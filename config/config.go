// config.go - Hyperletter socket configuration.
// Copyright (C) 2023  The Hyperletter Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package config provides the socket configuration. All durations in the
// TOML representation are integer milliseconds.
package config

import (
	"errors"
	"fmt"
	"io/ioutil"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
)

const (
	defaultHeartbeatIntervalMSec = 1000
	defaultHeartbeatMaxMissed    = 3
	defaultInitializeTimeoutMSec = 5000
	defaultAckTimeoutMSec        = 5000
	defaultMaxLettersInBatch     = 100
	defaultConnectBackoffMSec    = 500
	defaultConnectBackoffMaxMSec = 30000
	defaultLogLevel              = "NOTICE"
)

var defaultLogging = Logging{
	File:  "",
	Level: defaultLogLevel,
}

// Heartbeat is the keep-alive configuration.
type Heartbeat struct {
	// IntervalMSec is the heartbeat timer period in milliseconds.
	IntervalMSec int

	// MaxMissed is the number of missed intervals after which a silent
	// peer is disconnected.
	MaxMissed int
}

// Interval returns the heartbeat timer period.
func (h *Heartbeat) Interval() time.Duration {
	return time.Duration(h.IntervalMSec) * time.Millisecond
}

func (h *Heartbeat) validate() error {
	if h.IntervalMSec <= 0 {
		return errors.New("config: Heartbeat.IntervalMSec must be positive")
	}
	if h.MaxMissed <= 0 {
		return errors.New("config: Heartbeat.MaxMissed must be positive")
	}
	return nil
}

// Batch is the outbound batching configuration.
type Batch struct {
	// Enabled inserts the batching decorator over every channel.
	Enabled bool

	// MaxLettersInBatch is the buffer size that forces a flush.
	MaxLettersInBatch int

	// MaxExtendedBatchCount caps the letters placed into one batch when
	// the buffer is drained on channel availability. 0 means
	// MaxLettersInBatch.
	MaxExtendedBatchCount int
}

func (b *Batch) validate() error {
	if b.MaxLettersInBatch <= 0 {
		return errors.New("config: Batch.MaxLettersInBatch must be positive")
	}
	if b.MaxExtendedBatchCount < 0 {
		return errors.New("config: Batch.MaxExtendedBatchCount must not be negative")
	}
	return nil
}

// Connect is the outbound reconnect configuration.
type Connect struct {
	// BackoffMSec is the initial reconnect delay in milliseconds.
	BackoffMSec int

	// BackoffMaxMSec caps the exponential reconnect delay.
	BackoffMaxMSec int
}

// Backoff returns the initial reconnect delay.
func (c *Connect) Backoff() time.Duration {
	return time.Duration(c.BackoffMSec) * time.Millisecond
}

// BackoffMax returns the reconnect delay ceiling.
func (c *Connect) BackoffMax() time.Duration {
	return time.Duration(c.BackoffMaxMSec) * time.Millisecond
}

func (c *Connect) validate() error {
	if c.BackoffMSec <= 0 || c.BackoffMaxMSec < c.BackoffMSec {
		return errors.New("config: Connect backoff range is invalid")
	}
	return nil
}

// Logging is the logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level out of `ERROR`, `WARNING`, `NOTICE`,
	// `INFO` and `DEBUG`.
	Level string
}

func (l *Logging) validate() error {
	switch l.Level {
	case "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG":
	default:
		return fmt.Errorf("config: Logging.Level '%v' is invalid", l.Level)
	}
	return nil
}

// Config is the top level socket configuration.
type Config struct {
	// NodeID is the optional 16 byte node identifier as a UUID string.
	// If omitted, FixupAndValidate generates a fresh random identifier once
	// per Config; sockets created from the same Config share it.
	NodeID string

	// InitializeTimeoutMSec bounds the handshake, in milliseconds.
	InitializeTimeoutMSec int

	// AckTimeoutMSec bounds the wait for a peer Ack, in milliseconds.
	AckTimeoutMSec int

	Heartbeat *Heartbeat
	Batch     *Batch
	Connect   *Connect
	Logging   *Logging

	nodeID uuid.UUID
}

// InitializeTimeout returns the handshake deadline.
func (c *Config) InitializeTimeout() time.Duration {
	return time.Duration(c.InitializeTimeoutMSec) * time.Millisecond
}

// AckTimeout returns the Ack deadline.
func (c *Config) AckTimeout() time.Duration {
	return time.Duration(c.AckTimeoutMSec) * time.Millisecond
}

// LocalNodeID returns the node identifier that FixupAndValidate parsed or
// generated. It does not generate one itself: before FixupAndValidate it
// returns the zero identifier.
func (c *Config) LocalNodeID() uuid.UUID {
	return c.nodeID
}

// MaxExtendedBatch returns the effective extended batch ceiling.
func (c *Config) MaxExtendedBatch() int {
	if c.Batch.MaxExtendedBatchCount == 0 {
		return c.Batch.MaxLettersInBatch
	}
	return c.Batch.MaxExtendedBatchCount
}

// FixupAndValidate applies defaults to omitted fields and validates the
// configuration.
func (c *Config) FixupAndValidate() error {
	if c.Heartbeat == nil {
		c.Heartbeat = &Heartbeat{
			IntervalMSec: defaultHeartbeatIntervalMSec,
			MaxMissed:    defaultHeartbeatMaxMissed,
		}
	}
	if c.Batch == nil {
		c.Batch = &Batch{MaxLettersInBatch: defaultMaxLettersInBatch}
	}
	if c.Connect == nil {
		c.Connect = &Connect{
			BackoffMSec:    defaultConnectBackoffMSec,
			BackoffMaxMSec: defaultConnectBackoffMaxMSec,
		}
	}
	if c.Logging == nil {
		l := defaultLogging
		c.Logging = &l
	}
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	if c.InitializeTimeoutMSec == 0 {
		c.InitializeTimeoutMSec = defaultInitializeTimeoutMSec
	}
	if c.AckTimeoutMSec == 0 {
		c.AckTimeoutMSec = defaultAckTimeoutMSec
	}

	if c.InitializeTimeoutMSec < 0 {
		return errors.New("config: InitializeTimeoutMSec must be positive")
	}
	if c.AckTimeoutMSec < 0 {
		return errors.New("config: AckTimeoutMSec must be positive")
	}
	if err := c.Heartbeat.validate(); err != nil {
		return err
	}
	if err := c.Batch.validate(); err != nil {
		return err
	}
	if err := c.Connect.validate(); err != nil {
		return err
	}
	if err := c.Logging.validate(); err != nil {
		return err
	}

	if c.NodeID == "" {
		if c.nodeID == (uuid.UUID{}) {
			c.nodeID = uuid.New()
		}
	} else {
		id, err := uuid.Parse(c.NodeID)
		if err != nil {
			return fmt.Errorf("config: NodeID is not a valid UUID: %v", err)
		}
		c.nodeID = id
	}
	return nil
}

// Default returns a validated configuration with all defaults applied.
func Default() *Config {
	cfg := new(Config)
	if err := cfg.FixupAndValidate(); err != nil {
		panic("config: default configuration failed validation: " + err.Error())
	}
	return cfg
}

// Load parses and validates the provided TOML buffer.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)
	if err := toml.Unmarshal(b, cfg); err != nil {
		return nil, err
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses and validates the provided TOML file.
func LoadFile(f string) (*Config, error) {
	b, err := ioutil.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
