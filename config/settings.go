package config

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

var (
	ErrUnknownSetting = errors.New("unknown setting")
	ErrInvalidValue   = errors.New("invalid value")
)

// ChannelTargets maps the names accepted by /config setchannel to the
// channel setting they change.
var ChannelTargets = map[string]func(c *Config) *string{
	"ticket":       func(c *Config) *string { return &c.Tickets.ThreadChannel },
	"ticket_panel": func(c *Config) *string { return &c.Tickets.PanelChannel },
	"ticket_queue": func(c *Config) *string { return &c.Tickets.QueueChannel },
	"music":        func(c *Config) *string { return &c.Music.Channel },
	"music_log":    func(c *Config) *string { return &c.Music.LogChannel },
}

// RoleTargets maps the names accepted by /config setrole to a setter. Admin
// and DJ are replaced by the single given role.
var RoleTargets = map[string]func(c *Config, roleID string){
	"admin": func(c *Config, id string) { c.Permissions.AdminRoles = []string{id} },
	"dj":    func(c *Config, id string) { c.Permissions.DJRoles = []string{id} },
	"staff": func(c *Config, id string) { c.Tickets.StaffRole = id },
}

type valueSetter func(c *Config, v string) error

var valueSetters = map[string]valueSetter{
	"music.enabled":                  boolValue(func(c *Config) *bool { return &c.Music.Enabled }),
	"tickets.enabled":                boolValue(func(c *Config) *bool { return &c.Tickets.Enabled }),
	"music.max_queue_size":           intValue(1, 10000, func(c *Config) *int { return &c.Music.MaxQueueSize }),
	"music.default_volume":           intValue(1, 100, func(c *Config) *int { return &c.Music.DefaultVolume }),
	"music.idle_timeout_seconds":     intValue(0, 86400, func(c *Config) *int { return &c.Music.IdleTimeoutSeconds }),
	"music.metadata_timeout_seconds": intValue(1, 300, func(c *Config) *int { return &c.Music.MetadataTimeoutSeconds }),
	"music.resolve_timeout_seconds":  intValue(1, 600, func(c *Config) *int { return &c.Music.ResolveTimeoutSeconds }),
	"music.metadata_policy": func(c *Config, v string) error {
		v = strings.ToLower(v)
		if v != MetadataTolerate && v != MetadataStrict {
			return fmt.Errorf("%w: %q (use %s or %s)", ErrInvalidValue, v, MetadataTolerate, MetadataStrict)
		}
		c.Music.MetadataPolicy = v
		return nil
	},
	"tickets.default_close_reason": func(c *Config, v string) error {
		if v == "" {
			return fmt.Errorf("%w: empty reason", ErrInvalidValue)
		}
		c.Tickets.DefaultCloseReason = v
		return nil
	},
}

func boolValue(field func(c *Config) *bool) valueSetter {
	return func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: %q is not true or false", ErrInvalidValue, v)
		}
		*field(c) = b
		return nil
	}
}

func intValue(min, max int, field func(c *Config) *int) valueSetter {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil || n < min || n > max {
			return fmt.Errorf("%w: %q (expected %d to %d)", ErrInvalidValue, v, min, max)
		}
		*field(c) = n
		return nil
	}
}

// ValueKeys lists the keys SetValue accepts.
func ValueKeys() []string {
	keys := make([]string, 0, len(valueSetters))
	for k := range valueSetters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// SetValue parses value into the setting named key.
func SetValue(c *Config, key, value string) error {
	set, ok := valueSetters[strings.ToLower(strings.TrimSpace(key))]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSetting, key)
	}
	return set(c, strings.TrimSpace(value))
}

// SetChannel points the channel setting target at channelID.
func SetChannel(c *Config, target, channelID string) error {
	field, ok := ChannelTargets[target]
	if !ok {
		return fmt.Errorf("%w: channel %s", ErrUnknownSetting, target)
	}
	*field(c) = channelID
	return nil
}

// SetRole assigns roleID to the role setting target.
func SetRole(c *Config, target, roleID string) error {
	set, ok := RoleTargets[target]
	if !ok {
		return fmt.Errorf("%w: role %s", ErrUnknownSetting, target)
	}
	set(c, roleID)
	return nil
}
