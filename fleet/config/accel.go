package config

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Accel is the hardware acceleration preference.
type Accel string

const (
	AccelAuto     Accel = "auto"
	AccelEnabled  Accel = "enabled"
	AccelDisabled Accel = "disabled"
)

// UnmarshalText accepts the three modes and the boolean spellings written by
// older configuration files.
func (a *Accel) UnmarshalText(text []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(text))) {
	case "", "auto":
		*a = AccelAuto
	case "enabled", "on", "true", "yes":
		*a = AccelEnabled
	case "disabled", "off", "false", "no":
		*a = AccelDisabled
	default:
		return fmt.Errorf("unknown hardware_acceleration %q (want auto, enabled or disabled)", string(text))
	}
	return nil
}

func (a Accel) MarshalText() ([]byte, error) {
	if a == "" {
		return []byte(AccelAuto), nil
	}
	return []byte(a), nil
}

func (a *Accel) UnmarshalYAML(node *yaml.Node) error {
	return a.UnmarshalText([]byte(node.Value))
}
