// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package ipcconfig reads the configuration of an event-stream server.
package ipcconfig

import (
	"os"
	"sort"
	"time"

	"github.com/juju/errors"
	"github.com/juju/schema"
	"gopkg.in/yaml.v3"
)

// Network names accepted by the listen section.
const (
	NetworkUnix      = "unix"
	NetworkTCP       = "tcp"
	NetworkWebsocket = "websocket"
)

// DefaultPath is the websocket path used when none is configured.
const DefaultPath = "/eventstream"

// Config holds the server configuration.
type Config struct {
	Listen         ListenConfig
	MetricsAddress string
	PingInterval   time.Duration
	PingTimeout    time.Duration
	Clients        map[string]ClientConfig
}

// ListenConfig says where connections are accepted.
type ListenConfig struct {
	Network string
	Address string
	// Path is only used by websocket listeners.
	Path string
}

// ClientConfig holds the credentials and permissions of one client.
type ClientConfig struct {
	Token      string
	Operations []string
}

var listenChecker = schema.FieldMap(
	schema.Fields{
		"network": schema.OneOf(
			schema.Const(NetworkUnix),
			schema.Const(NetworkTCP),
			schema.Const(NetworkWebsocket),
		),
		"address": schema.NonEmptyString("address"),
		"path":    schema.String(),
	},
	schema.Defaults{
		"network": NetworkUnix,
		"path":    DefaultPath,
	},
)

var clientChecker = schema.FieldMap(
	schema.Fields{
		"token":      schema.NonEmptyString("token"),
		"operations": schema.List(schema.String()),
	},
	schema.Defaults{
		"operations": []interface{}{},
	},
)

var configChecker = schema.FieldMap(
	schema.Fields{
		"listen":          listenChecker,
		"metrics-address": schema.String(),
		"ping-interval":   schema.TimeDuration(),
		"ping-timeout":    schema.TimeDuration(),
		"clients":         schema.StringMap(clientChecker),
	},
	schema.Defaults{
		"metrics-address": "",
		"ping-interval":   time.Duration(0),
		"ping-timeout":    time.Duration(0),
		"clients":         map[string]interface{}{},
	},
)

// Parse reads a YAML configuration document.
func Parse(data []byte) (*Config, error) {
	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, errors.Annotate(err, "parsing config")
	}
	if raw == nil {
		raw = map[string]interface{}{}
	}
	coerced, err := configChecker.Coerce(raw, nil)
	if err != nil {
		return nil, errors.NewNotValid(err, "config")
	}
	valid := coerced.(map[string]interface{})
	listen := valid["listen"].(map[string]interface{})

	cfg := &Config{
		Listen: ListenConfig{
			Network: listen["network"].(string),
			Address: listen["address"].(string),
			Path:    listen["path"].(string),
		},
		MetricsAddress: valid["metrics-address"].(string),
		PingInterval:   valid["ping-interval"].(time.Duration),
		PingTimeout:    valid["ping-timeout"].(time.Duration),
		Clients:        make(map[string]ClientConfig),
	}
	for name, v := range valid["clients"].(map[string]interface{}) {
		client := v.(map[string]interface{})
		var ops []string
		for _, op := range client["operations"].([]interface{}) {
			ops = append(ops, op.(string))
		}
		cfg.Clients[name] = ClientConfig{
			Token:      client["token"].(string),
			Operations: ops,
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return cfg, nil
}

// ReadFile reads the configuration at path.
func ReadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Trace(err)
	}
	cfg, err := Parse(data)
	return cfg, errors.Annotatef(err, "reading %s", path)
}

// Validate ensures that the config values are valid.
func (c *Config) Validate() error {
	if c.Listen.Address == "" {
		return errors.NotValidf("empty listen address")
	}
	if c.Listen.Network == NetworkWebsocket && c.Listen.Path == "" {
		return errors.NotValidf("empty websocket path")
	}
	if c.PingInterval < 0 || c.PingTimeout < 0 {
		return errors.NotValidf("negative ping setting")
	}
	if c.PingTimeout > 0 && c.PingInterval == 0 {
		return errors.NotValidf("ping-timeout without ping-interval")
	}
	if c.PingTimeout > 0 && c.PingTimeout <= c.PingInterval {
		return errors.NotValidf("ping-timeout %v not above ping-interval %v", c.PingTimeout, c.PingInterval)
	}
	tokens := make(map[string]string)
	for _, name := range c.ClientNames() {
		token := c.Clients[name].Token
		if other, ok := tokens[token]; ok {
			return errors.NotValidf("token shared by clients %q and %q", other, name)
		}
		tokens[token] = name
	}
	return nil
}

// ClientNames returns the configured client names in order.
func (c *Config) ClientNames() []string {
	names := make([]string, 0, len(c.Clients))
	for name := range c.Clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Tokens returns each client's token, keyed by client name.
func (c *Config) Tokens() map[string]string {
	tokens := make(map[string]string, len(c.Clients))
	for name, client := range c.Clients {
		tokens[name] = client.Token
	}
	return tokens
}

// Operations returns the operations each client may call, keyed by
// client name.
func (c *Config) Operations() map[string][]string {
	ops := make(map[string][]string, len(c.Clients))
	for name, client := range c.Clients {
		ops[name] = client.Operations
	}
	return ops
}
