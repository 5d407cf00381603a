// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package gatewayconfig loads, validates and materializes the gateway
// configuration document. One YAML file describes the whole deployment:
// identity, northbound OPC UA surface, southbound connectors, tags,
// data assemblies, services, safety and the web UI.
package gatewayconfig

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// SchemaVersion is the semver of the configuration schema
const SchemaVersion = "1.0.0"

// Config is the root document
type Config struct {
	SchemaVersion string `mapstructure:"schema_version" yaml:"schema_version"`

	Gateway        GatewayConfig     `mapstructure:"gateway" yaml:"gateway"`
	OPCUA          OPCUAServerConfig `mapstructure:"opcua" yaml:"opcua"`
	Connectors     []ConnectorConfig `mapstructure:"connectors" yaml:"connectors"`
	Tags           []TagConfig       `mapstructure:"tags" yaml:"tags"`
	DataAssemblies []DAConfig        `mapstructure:"data_assemblies" yaml:"data_assemblies"`
	Services       []ServiceConfig   `mapstructure:"services" yaml:"services"`
	Safety         SafetyConfig      `mapstructure:"safety" yaml:"safety"`
	Persistence    PersistenceConfig `mapstructure:"persistence" yaml:"persistence"`
	WebUI          WebUIConfig       `mapstructure:"webui" yaml:"webui"`
}

// GatewayConfig is the identity block
type GatewayConfig struct {
	Name        string `mapstructure:"name" yaml:"name"`
	Version     string `mapstructure:"version" yaml:"version"`
	Description string `mapstructure:"description" yaml:"description,omitempty"`
	LogLevel    string `mapstructure:"log_level" yaml:"log_level"`
	LogFormat   string `mapstructure:"log_format" yaml:"log_format"`
}

// OPCUAServerConfig is the northbound endpoint block
type OPCUAServerConfig struct {
	Host         string `mapstructure:"host" yaml:"host"`
	Port         int    `mapstructure:"port" yaml:"port"`
	NamespaceURI string `mapstructure:"namespace_uri" yaml:"namespace_uri"`
	CertFile     string `mapstructure:"cert_file" yaml:"cert_file,omitempty"`
	KeyFile      string `mapstructure:"key_file" yaml:"key_file,omitempty"`
}

// Endpoint renders the opc.tcp URL
func (c OPCUAServerConfig) Endpoint() string {
	host := c.Host
	if host == "" {
		host = "0.0.0.0"
	}
	return fmt.Sprintf("opc.tcp://%s:%d", host, c.Port)
}

// ConnectorConfig describes one southbound connection
type ConnectorConfig struct {
	Name           string `mapstructure:"name" yaml:"name"`
	Protocol       string `mapstructure:"protocol" yaml:"protocol"`
	Address        string `mapstructure:"address" yaml:"address"`
	PollIntervalMs int    `mapstructure:"poll_interval_ms" yaml:"poll_interval_ms"`
	TimeoutMs      int    `mapstructure:"timeout_ms" yaml:"timeout_ms"`

	// Modbus RTU serial parameters
	BaudRate int    `mapstructure:"baudrate" yaml:"baudrate,omitempty"`
	DataBits int    `mapstructure:"bytesize" yaml:"bytesize,omitempty"`
	Parity   string `mapstructure:"parity" yaml:"parity,omitempty"`
	StopBits int    `mapstructure:"stopbits" yaml:"stopbits,omitempty"`
	UnitID   int    `mapstructure:"unit_id" yaml:"unit_id,omitempty"`

	// S7 addressing
	Rack int `mapstructure:"rack" yaml:"rack,omitempty"`
	Slot int `mapstructure:"slot" yaml:"slot,omitempty"`

	// OPC UA client security
	SecurityPolicy string `mapstructure:"security_policy" yaml:"security_policy,omitempty"`
	SecurityMode   string `mapstructure:"security_mode" yaml:"security_mode,omitempty"`
	CertFile       string `mapstructure:"cert_file" yaml:"cert_file,omitempty"`
	KeyFile        string `mapstructure:"key_file" yaml:"key_file,omitempty"`
	Username       string `mapstructure:"username" yaml:"username,omitempty"`
	Password       string `mapstructure:"password" yaml:"password,omitempty"`

	// Simulator seed values
	Seed map[string]interface{} `mapstructure:"seed" yaml:"seed,omitempty"`
}

// ScaleConfigYAML is the linear scaling block on a tag
type ScaleConfigYAML struct {
	Gain   float64 `mapstructure:"gain" yaml:"gain"`
	Offset float64 `mapstructure:"offset" yaml:"offset"`
}

// TagConfig describes one tag
type TagConfig struct {
	Name      string           `mapstructure:"name" yaml:"name"`
	Connector string           `mapstructure:"connector" yaml:"connector"`
	Address   string           `mapstructure:"address" yaml:"address"`
	DataType  string           `mapstructure:"datatype" yaml:"datatype"`
	Writable  bool             `mapstructure:"writable" yaml:"writable,omitempty"`
	Scale     *ScaleConfigYAML `mapstructure:"scale" yaml:"scale,omitempty"`
	Unit      string           `mapstructure:"unit" yaml:"unit,omitempty"`
	ByteOrder string           `mapstructure:"byte_order" yaml:"byte_order,omitempty"`
	WordOrder string           `mapstructure:"word_order" yaml:"word_order,omitempty"`
}

// InterlockConfig is one interlock binding
type InterlockConfig struct {
	SourceTag     string      `mapstructure:"source_tag" yaml:"source_tag"`
	RequiredValue interface{} `mapstructure:"required_value" yaml:"required_value"`
	Message       string      `mapstructure:"message" yaml:"message,omitempty"`
}

// DAConfig describes one published data assembly
type DAConfig struct {
	Name     string            `mapstructure:"name" yaml:"name"`
	Type     string            `mapstructure:"type" yaml:"type"`
	Bindings map[string]string `mapstructure:"bindings" yaml:"bindings,omitempty"`
	SclMin   *float64          `mapstructure:"scl_min" yaml:"scl_min,omitempty"`
	SclMax   *float64          `mapstructure:"scl_max" yaml:"scl_max,omitempty"`
	Unit     string            `mapstructure:"unit" yaml:"unit,omitempty"`
	State0   string            `mapstructure:"state0" yaml:"state0,omitempty"`
	State1   string            `mapstructure:"state1" yaml:"state1,omitempty"`

	// Monitor limits, AnaMon only
	LimitHH *float64 `mapstructure:"limit_hh" yaml:"limit_hh,omitempty"`
	LimitH  *float64 `mapstructure:"limit_h" yaml:"limit_h,omitempty"`
	LimitL  *float64 `mapstructure:"limit_l" yaml:"limit_l,omitempty"`
	LimitLL *float64 `mapstructure:"limit_ll" yaml:"limit_ll,omitempty"`

	// BinMon expected state; an alarm raises when the source differs
	ExpectedState *bool  `mapstructure:"expected_state" yaml:"expected_state,omitempty"`
	AlarmMessage  string `mapstructure:"alarm_message" yaml:"alarm_message,omitempty"`

	// Interlock source for valve/drive types
	InterlockSource string `mapstructure:"interlock_source" yaml:"interlock_source,omitempty"`
}

// ProcedureConfig is one service procedure
type ProcedureConfig struct {
	ID      int    `mapstructure:"id" yaml:"id"`
	Name    string `mapstructure:"name" yaml:"name"`
	Default bool   `mapstructure:"default" yaml:"default,omitempty"`
}

// ConditionConfig gates completion of one acting state
type ConditionConfig struct {
	State     string      `mapstructure:"state" yaml:"state"`
	Tag       string      `mapstructure:"tag" yaml:"tag"`
	Operator  string      `mapstructure:"operator" yaml:"operator"`
	Value     interface{} `mapstructure:"value" yaml:"value"`
	TimeoutS  float64     `mapstructure:"timeout_s" yaml:"timeout_s,omitempty"`
	OnTimeout string      `mapstructure:"on_timeout" yaml:"on_timeout,omitempty"`
}

// ServiceBindingsConfig holds the PLC mirror tags for THIN/HYBRID
type ServiceBindingsConfig struct {
	StateTag     string `mapstructure:"state_tag" yaml:"state_tag,omitempty"`
	CommandTag   string `mapstructure:"command_tag" yaml:"command_tag,omitempty"`
	ProcedureTag string `mapstructure:"procedure_tag" yaml:"procedure_tag,omitempty"`
}

// ServiceConfig describes one service
type ServiceConfig struct {
	Name           string                `mapstructure:"name" yaml:"name"`
	Mode           string                `mapstructure:"mode" yaml:"mode"`
	SelfCompleting bool                  `mapstructure:"self_completing" yaml:"self_completing,omitempty"`
	Procedures     []ProcedureConfig     `mapstructure:"procedures" yaml:"procedures,omitempty"`
	Conditions     []ConditionConfig     `mapstructure:"conditions" yaml:"conditions,omitempty"`
	Interlocks     []InterlockConfig     `mapstructure:"interlocks" yaml:"interlocks,omitempty"`
	Bindings       ServiceBindingsConfig `mapstructure:"bindings" yaml:"bindings,omitempty"`
}

// SafetyConfig parameterizes the safety controller
type SafetyConfig struct {
	Allowlist          []string               `mapstructure:"allowlist" yaml:"allowlist,omitempty"`
	MaxWritesPerSecond float64                `mapstructure:"max_writes_per_second" yaml:"max_writes_per_second,omitempty"`
	Burst              int                    `mapstructure:"burst" yaml:"burst,omitempty"`
	SafeState          map[string]interface{} `mapstructure:"safe_state" yaml:"safe_state,omitempty"`
}

// PersistenceConfig locates the store and tunes the history recorder
type PersistenceConfig struct {
	Path           string   `mapstructure:"path" yaml:"path"`
	HistoryInclude []string `mapstructure:"history_include" yaml:"history_include,omitempty"`
	HistoryExclude []string `mapstructure:"history_exclude" yaml:"history_exclude,omitempty"`
	RetentionDays  int      `mapstructure:"retention_days" yaml:"retention_days,omitempty"`
}

// UserConfig is one web UI account. PasswordHash is the hex SHA-256 of
// the password; plaintext never appears in the document.
type UserConfig struct {
	Username     string `mapstructure:"username" yaml:"username"`
	PasswordHash string `mapstructure:"password_hash" yaml:"password_hash"`
	Role         string `mapstructure:"role" yaml:"role"`
}

// WebUIConfig is the REST/WebSocket block
type WebUIConfig struct {
	Enabled             bool         `mapstructure:"enabled" yaml:"enabled"`
	Listen              string       `mapstructure:"listen" yaml:"listen"`
	JWTSecret           string       `mapstructure:"jwt_secret" yaml:"jwt_secret"`
	TokenTTLMinutes     int          `mapstructure:"token_ttl_minutes" yaml:"token_ttl_minutes,omitempty"`
	MinUpdateIntervalMs int          `mapstructure:"min_update_interval_ms" yaml:"min_update_interval_ms,omitempty"`
	Users               []UserConfig `mapstructure:"users" yaml:"users,omitempty"`
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetDefault("schema_version", SchemaVersion)
	v.SetDefault("gateway.version", "1.0.0")
	v.SetDefault("gateway.log_level", "info")
	v.SetDefault("gateway.log_format", "text")
	v.SetDefault("opcua.host", "0.0.0.0")
	v.SetDefault("opcua.port", 4840)
	v.SetDefault("persistence.path", "gateway.db")
	v.SetDefault("webui.listen", "127.0.0.1:8080")
	v.SetDefault("webui.token_ttl_minutes", 60)
	v.SetDefault("webui.min_update_interval_ms", 100)
	v.SetEnvPrefix("MTP_GATEWAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads a configuration file. Overrides are "path.to.key=value"
// pairs applied on top of the document.
func Load(path string, overrides ...string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "read config %s", path)
	}
	return finish(v, overrides)
}

// LoadBytes parses configuration from memory, mostly for tests and the
// schema tooling.
func LoadBytes(data []byte, overrides ...string) (*Config, error) {
	v := newViper()
	if err := v.ReadConfig(strings.NewReader(string(data))); err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	return finish(v, overrides)
}

func finish(v *viper.Viper, overrides []string) (*Config, error) {
	for _, o := range overrides {
		key, value, found := strings.Cut(o, "=")
		if !found {
			return nil, errors.Errorf("override %q is not key=value", o)
		}
		v.Set(key, value)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	applyConnectorDefaults(&cfg)
	return &cfg, nil
}

func applyConnectorDefaults(cfg *Config) {
	for i := range cfg.Connectors {
		c := &cfg.Connectors[i]
		if c.PollIntervalMs == 0 {
			c.PollIntervalMs = 1000
		}
		if c.TimeoutMs == 0 {
			c.TimeoutMs = 2000
		}
	}
}

// Connector returns a connector block by name
func (c *Config) Connector(name string) (ConnectorConfig, bool) {
	for _, cc := range c.Connectors {
		if cc.Name == name {
			return cc, true
		}
	}
	return ConnectorConfig{}, false
}

// Tag returns a tag block by name
func (c *Config) Tag(name string) (TagConfig, bool) {
	for _, tc := range c.Tags {
		if tc.Name == name {
			return tc, true
		}
	}
	return TagConfig{}, false
}
