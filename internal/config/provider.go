package config

import (
	"encoding/json"
	"errors"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const envKeyProviderType = "EnvKey"

var ErrUnknownProviderType = errors.New("unknown provider type")

type envKeyProviderConfiguration struct {
	Type   string `json:"type" yaml:"type"`
	EnvKey string `json:"envKey" yaml:"envKey"`
}

func (e envKeyProviderConfiguration) lookup() (string, error) {
	if e.Type != envKeyProviderType {
		return "", ErrUnknownProviderType
	}
	return os.Getenv(e.EnvKey), nil
}

// StringProvider is either a literal string or a reference to an environment variable.
type StringProvider struct {
	value string
}

func NewStringProvider(value string) StringProvider {
	return StringProvider{value: value}
}

func (s StringProvider) Value() string {
	return s.value
}

func (s *StringProvider) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err == nil {
		s.value = raw
		return nil
	}
	var e envKeyProviderConfiguration
	if err := json.Unmarshal(b, &e); err != nil {
		return err
	}
	value, err := e.lookup()
	if err != nil {
		return err
	}
	s.value = value
	return nil
}

func (s *StringProvider) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		s.value = node.Value
		return nil
	}
	var e envKeyProviderConfiguration
	if err := node.Decode(&e); err != nil {
		return err
	}
	value, err := e.lookup()
	if err != nil {
		return err
	}
	s.value = value
	return nil
}

type Int64Provider struct {
	value int64
}

func NewInt64Provider(value int64) Int64Provider {
	return Int64Provider{value: value}
}

func (i Int64Provider) Value() int64 {
	return i.value
}

func (i *Int64Provider) UnmarshalJSON(b []byte) error {
	var raw int64
	if err := json.Unmarshal(b, &raw); err == nil {
		i.value = raw
		return nil
	}
	var e envKeyProviderConfiguration
	if err := json.Unmarshal(b, &e); err != nil {
		return err
	}
	value, err := e.lookup()
	if err != nil {
		return err
	}
	i.value, err = strconv.ParseInt(value, 10, 64)
	return err
}

func (i *Int64Provider) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		value, err := strconv.ParseInt(node.Value, 10, 64)
		if err != nil {
			return err
		}
		i.value = value
		return nil
	}
	var e envKeyProviderConfiguration
	if err := node.Decode(&e); err != nil {
		return err
	}
	value, err := e.lookup()
	if err != nil {
		return err
	}
	i.value, err = strconv.ParseInt(value, 10, 64)
	return err
}

// Duration accepts "90s"-style strings or plain nanoseconds.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case float64:
		*d = Duration(time.Duration(value))
		return nil
	case string:
		tmp, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		*d = Duration(tmp)
		return nil
	default:
		return errors.New("invalid duration")
	}
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return errors.New("invalid duration")
	}
	if nanos, err := strconv.ParseInt(node.Value, 10, 64); err == nil {
		*d = Duration(time.Duration(nanos))
		return nil
	}
	tmp, err := time.ParseDuration(node.Value)
	if err != nil {
		return err
	}
	*d = Duration(tmp)
	return nil
}

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}
