package config

import (
	"fmt"
	"time"

	"github.com/pingcap/errors"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration written as a string such as "100ms" in config files.
type Duration struct {
	time.Duration
}

func NewDuration(duration time.Duration) Duration {
	return Duration{Duration: duration}
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf(`"%s"`, d.String())), nil
}

func (d *Duration) UnmarshalJSON(text []byte) error {
	s, err := unquote(string(text))
	if err != nil {
		return err
	}
	return d.UnmarshalText([]byte(s))
}

func (d *Duration) UnmarshalText(text []byte) error {
	duration, err := time.ParseDuration(string(text))
	if err != nil {
		return errors.Trace(err)
	}
	d.Duration = duration
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	return d.UnmarshalText([]byte(value.Value))
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

func unquote(s string) (string, error) {
	if len(s) < 2 || s[0] != '"' || s[len(s)-1] != '"' {
		return "", errors.Errorf("invalid duration %s", s)
	}
	return s[1 : len(s)-1], nil
}
