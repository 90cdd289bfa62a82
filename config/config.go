package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"gopkg.in/yaml.v3"
)

// Config is the transaction manager configuration.
type Config struct {
	// RetryLimit bounds the attempts of one transaction.
	RetryLimit int `toml:"retry-limit" json:"retry-limit" yaml:"retry-limit"`
	// LockWait bounds a write lock acquisition and a wait on a conflicting transaction.
	LockWait Duration `toml:"lock-wait" json:"lock-wait" yaml:"lock-wait"`
	// BargeWait is how long a transaction must have run before it may kill a younger one.
	BargeWait Duration `toml:"barge-wait" json:"barge-wait" yaml:"barge-wait"`

	// History depth bounds applied to new refs.
	MinHistory int `toml:"min-history" json:"min-history" yaml:"min-history"`
	MaxHistory int `toml:"max-history" json:"max-history" yaml:"max-history"`

	ActionQueueCapacity int `toml:"action-queue-capacity" json:"action-queue-capacity" yaml:"action-queue-capacity"`

	Log log.Config `toml:"log" json:"log" yaml:"log"`

	// WarningMsgs collects non-fatal problems found while loading.
	WarningMsgs []string `toml:"-" json:"-" yaml:"-"`
}

const (
	defaultRetryLimit          = 10000
	defaultLockWait            = 100 * time.Millisecond
	defaultBargeWait           = 10 * time.Millisecond
	defaultMinHistory          = 0
	defaultMaxHistory          = 10
	defaultActionQueueCapacity = 128
	defaultLogFormat           = "text"
)

func getLogLevel() (logLevel string) {
	logLevel = "info"
	if l := os.Getenv("LOG_LEVEL"); len(l) != 0 {
		logLevel = l
	}
	return
}

func NewDefaultConfig() *Config {
	return &Config{
		RetryLimit:          defaultRetryLimit,
		LockWait:            NewDuration(defaultLockWait),
		BargeWait:           NewDuration(defaultBargeWait),
		MinHistory:          defaultMinHistory,
		MaxHistory:          defaultMaxHistory,
		ActionQueueCapacity: defaultActionQueueCapacity,
		Log: log.Config{
			Level:  getLogLevel(),
			Format: defaultLogFormat,
		},
	}
}

// NewTestConfig returns a config with a small retry budget and short waits.
func NewTestConfig() *Config {
	return &Config{
		RetryLimit:          100,
		LockWait:            NewDuration(10 * time.Millisecond),
		BargeWait:           NewDuration(time.Millisecond),
		MinHistory:          defaultMinHistory,
		MaxHistory:          defaultMaxHistory,
		ActionQueueCapacity: 16,
		Log: log.Config{
			Level:  getLogLevel(),
			Format: defaultLogFormat,
		},
	}
}

func adjustInt(v *int, defValue int) {
	if *v == 0 {
		*v = defValue
	}
}

func adjustString(v *string, defValue string) {
	if len(*v) == 0 {
		*v = defValue
	}
}

func adjustDuration(v *Duration, defValue time.Duration) {
	if v.Duration == 0 {
		v.Duration = defValue
	}
}

// Adjust fills zero fields with defaults. meta, when loaded from TOML, tells explicit
// zeros apart from missing keys.
func (c *Config) Adjust(meta *toml.MetaData) error {
	configMetaData := newConfigMetadata(meta)
	if err := configMetaData.CheckUndecoded(); err != nil {
		c.WarningMsgs = append(c.WarningMsgs, err.Error())
	}

	adjustInt(&c.RetryLimit, defaultRetryLimit)
	adjustDuration(&c.LockWait, defaultLockWait)
	if !configMetaData.IsDefined("barge-wait") {
		adjustDuration(&c.BargeWait, defaultBargeWait)
	}
	if !configMetaData.IsDefined("max-history") {
		adjustInt(&c.MaxHistory, defaultMaxHistory)
	}
	adjustInt(&c.ActionQueueCapacity, defaultActionQueueCapacity)
	adjustString(&c.Log.Level, getLogLevel())
	adjustString(&c.Log.Format, defaultLogFormat)

	return c.Validate()
}

func (c *Config) Validate() error {
	if c.RetryLimit <= 0 {
		return errors.Errorf("retry-limit must be positive, got %d", c.RetryLimit)
	}
	if c.LockWait.Duration <= 0 {
		return errors.Errorf("lock-wait must be positive, got %v", c.LockWait)
	}
	if c.BargeWait.Duration < 0 {
		return errors.Errorf("barge-wait can't be negative, got %v", c.BargeWait)
	}
	if c.MinHistory < 0 {
		return errors.Errorf("min-history can't be negative, got %d", c.MinHistory)
	}
	if c.MaxHistory < c.MinHistory {
		return errors.Errorf("max-history %d is smaller than min-history %d", c.MaxHistory, c.MinHistory)
	}
	if c.ActionQueueCapacity <= 0 {
		return errors.Errorf("action-queue-capacity must be positive, got %d", c.ActionQueueCapacity)
	}
	return nil
}

// Utility to test if a configuration is defined.
type configMetaData struct {
	meta *toml.MetaData
	path []string
}

func newConfigMetadata(meta *toml.MetaData) *configMetaData {
	return &configMetaData{meta: meta}
}

func (m *configMetaData) IsDefined(key string) bool {
	if m.meta == nil {
		return false
	}
	keys := append([]string(nil), m.path...)
	keys = append(keys, key)
	return m.meta.IsDefined(keys...)
}

func (m *configMetaData) CheckUndecoded() error {
	if m.meta == nil {
		return nil
	}
	undecoded := m.meta.Undecoded()
	if len(undecoded) == 0 {
		return nil
	}
	keys := make([]string, 0, len(undecoded))
	for _, key := range undecoded {
		keys = append(keys, key.String())
	}
	return errors.New("Config contains undefined item: " + strings.Join(keys, ", "))
}

// LoadFile reads a TOML or YAML file over the defaults, picked by extension.
func LoadFile(path string) (*Config, error) {
	c := NewDefaultConfig()
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		meta, err := toml.DecodeFile(path, c)
		if err != nil {
			return nil, errors.Annotatef(err, "decode %s", path)
		}
		if err := c.Adjust(&meta); err != nil {
			return nil, err
		}
	case ".yaml", ".yml":
		f, err := os.Open(path)
		if err != nil {
			return nil, errors.Trace(err)
		}
		defer f.Close()
		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)
		if err := dec.Decode(c); err != nil {
			return nil, errors.Annotatef(err, "decode %s", path)
		}
		if err := c.Adjust(nil); err != nil {
			return nil, err
		}
	default:
		return nil, errors.Errorf("unsupported config file extension %q", ext)
	}
	return c, nil
}

// Clone returns a cloned configuration.
func (c *Config) Clone() *Config {
	cfg := &Config{}
	*cfg = *c
	cfg.WarningMsgs = append([]string(nil), c.WarningMsgs...)
	return cfg
}

func (c *Config) String() string {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return "<nil>"
	}
	return string(data)
}
