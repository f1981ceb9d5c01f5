package config

import (
	"fmt"
	"strconv"
)

// KeyInfo describes one setting for `promptbot config show`.
type KeyInfo struct {
	Key     string
	EnvVar  string
	Value   string
	Default string
}

// Overridden reports whether the effective value differs from the default.
func (k KeyInfo) Overridden() bool {
	return k.Value != k.Default
}

// ShowAll lists every setting with its effective and default value.
func ShowAll(cfg Config) []KeyInfo {
	def := defaults()
	result := make([]KeyInfo, 0, len(specs))
	for _, s := range specs {
		result = append(result, KeyInfo{
			Key:     s.key,
			EnvVar:  s.env,
			Value:   fmt.Sprint(s.extract(cfg)),
			Default: fmt.Sprint(s.extract(def)),
		})
	}
	return result
}

// SetKey validates value for key and persists it to the config file.
func SetKey(key, value string) error {
	return setKeyWith(newPlatformBackend(), key, value)
}

// ResetKey removes key from the config file so its default applies again.
func ResetKey(key string) error {
	return resetKeyWith(newPlatformBackend(), key)
}

func lookupSpec(key string) (keySpec, error) {
	for _, s := range specs {
		if s.key == key {
			return s, nil
		}
	}
	return keySpec{}, fmt.Errorf("unknown config key: %q", key)
}

func setKeyWith(b ConfigBackend, key, value string) error {
	s, err := lookupSpec(key)
	if err != nil {
		return err
	}

	var parsed any
	switch s.typ {
	case kString:
		parsed = value
	case kInt:
		i, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid integer value for %s: %w", key, err)
		}
		parsed = i
	case kBool:
		bv, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid bool value for %s: %w", key, err)
		}
		parsed = bv
	}

	// Refuse values that would stop the next Load from succeeding.
	candidate := defaults()
	s.apply(&candidate, parsed)
	if err := candidate.validate(); err != nil {
		return err
	}

	switch v := parsed.(type) {
	case int:
		return b.SetInt(key, v)
	case bool:
		return b.SetString(key, strconv.FormatBool(v))
	default:
		return b.SetString(key, value)
	}
}

func resetKeyWith(b ConfigBackend, key string) error {
	if _, err := lookupSpec(key); err != nil {
		return err
	}
	return b.Delete(key)
}

// ValidKeys returns the list of valid config key names.
func ValidKeys() []string {
	keys := make([]string, 0, len(specs))
	for _, s := range specs {
		keys = append(keys, s.key)
	}
	return keys
}
