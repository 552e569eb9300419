// Package sysconfig reads process-wide settings from a key/value
// configuration repository, with component-scoped overrides and typed getters.
package sysconfig

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/SNL-GMS/GMS-PI21-OPEN-sub019/errors"
)

// Repository is a keyed string store. Lookup reports found=false for an
// absent key and a non-nil error only when the repository itself could not
// be read.
type Repository interface {
	Lookup(ctx context.Context, key string) (value string, found bool, err error)
}

// SystemConfig resolves keys for one component. A key is first looked up as
// "<component>.<key>" and then as "<key>", so a shared repository can carry
// defaults alongside per-component overrides.
type SystemConfig struct {
	component string
	repo      Repository
}

// New returns a SystemConfig for component backed by repo. An empty
// component disables scoped lookup.
func New(component string, repo Repository) *SystemConfig {
	return &SystemConfig{component: component, repo: repo}
}

// Component returns the scope name.
func (c *SystemConfig) Component() string {
	return c.component
}

// Lookup returns the scoped or global value for key.
// Repository failures are reported as errors.ErrConfigUnavailable.
func (c *SystemConfig) Lookup(ctx context.Context, key string) (string, bool, error) {
	if c.component != "" {
		v, ok, err := c.lookup(ctx, c.component+"."+key)
		if err != nil || ok {
			return v, ok, err
		}
	}
	return c.lookup(ctx, key)
}

func (c *SystemConfig) lookup(ctx context.Context, key string) (string, bool, error) {
	v, ok, err := c.repo.Lookup(ctx, key)
	if err != nil {
		return "", false, errors.WrapTransient(
			fmt.Errorf("%w: %v", errors.ErrConfigUnavailable, err),
			"SystemConfig", "Lookup", "read "+key)
	}
	return strings.TrimSpace(v), ok, nil
}

// GetValue returns the value for key, or errors.ErrMissingConfig when absent.
func (c *SystemConfig) GetValue(ctx context.Context, key string) (string, error) {
	v, ok, err := c.Lookup(ctx, key)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", errors.Wrap(errors.ErrMissingConfig, "SystemConfig", "GetValue", "find "+c.describe(key))
	}
	return v, nil
}

func (c *SystemConfig) describe(key string) string {
	if c.component == "" {
		return fmt.Sprintf("key %q", key)
	}
	return fmt.Sprintf("key %q for component %q", key, c.component)
}

// GetValueAsInt parses the value for key as a base-10 int.
func (c *SystemConfig) GetValueAsInt(ctx context.Context, key string) (int, error) {
	return getParsed(ctx, c, key, "int", func(s string) (int, error) {
		return strconv.Atoi(s)
	})
}

// GetValueAsLong parses the value for key as a base-10 int64.
func (c *SystemConfig) GetValueAsLong(ctx context.Context, key string) (int64, error) {
	return getParsed(ctx, c, key, "long", func(s string) (int64, error) {
		return strconv.ParseInt(s, 10, 64)
	})
}

// GetValueAsDouble parses the value for key as a float64.
func (c *SystemConfig) GetValueAsDouble(ctx context.Context, key string) (float64, error) {
	return getParsed(ctx, c, key, "double", func(s string) (float64, error) {
		return strconv.ParseFloat(s, 64)
	})
}

// GetValueAsBool parses the value for key with strconv.ParseBool.
func (c *SystemConfig) GetValueAsBool(ctx context.Context, key string) (bool, error) {
	return getParsed(ctx, c, key, "bool", strconv.ParseBool)
}

// GetValueAsDuration parses Go durations ("1m30s") and ISO-8601 durations ("PT1M30S").
func (c *SystemConfig) GetValueAsDuration(ctx context.Context, key string) (time.Duration, error) {
	return getParsed(ctx, c, key, "duration", ParseDuration)
}

// GetValueAsIntOr is GetValueAsInt with a fallback for absent keys.
// Repository and parse failures are still returned.
func (c *SystemConfig) GetValueAsIntOr(ctx context.Context, key string, def int) (int, error) {
	if _, ok, err := c.Lookup(ctx, key); err != nil || !ok {
		return def, err
	}
	return c.GetValueAsInt(ctx, key)
}

// GetValueAsDurationOr is GetValueAsDuration with a fallback for absent keys.
func (c *SystemConfig) GetValueAsDurationOr(ctx context.Context, key string, def time.Duration) (time.Duration, error) {
	if _, ok, err := c.Lookup(ctx, key); err != nil || !ok {
		return def, err
	}
	return c.GetValueAsDuration(ctx, key)
}

func getParsed[T any](ctx context.Context, c *SystemConfig, key, kind string, parse func(string) (T, error)) (T, error) {
	var zero T
	raw, err := c.GetValue(ctx, key)
	if err != nil {
		return zero, err
	}
	v, err := parse(raw)
	if err != nil {
		return zero, errors.WrapInvalid(
			fmt.Errorf("%w: %q is not a %s: %v", errors.ErrInvalidConfig, raw, kind, err),
			"SystemConfig", "GetValue", "parse "+key)
	}
	return v, nil
}

var isoDuration = regexp.MustCompile(`^P(?:(\d+)D)?(?:T(?:(\d+)H)?(?:(\d+)M)?(?:(\d+(?:\.\d+)?)S)?)?$`)

// ParseDuration accepts time.ParseDuration syntax or an ISO-8601 day/time
// duration such as "PT10S" or "P1DT2H".
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}

	m := isoDuration.FindStringSubmatch(strings.ToUpper(s))
	if m == nil || s == "P" || strings.HasSuffix(strings.ToUpper(s), "T") {
		return 0, fmt.Errorf("invalid duration %q", s)
	}

	var total time.Duration
	for i, unit := range []time.Duration{24 * time.Hour, time.Hour, time.Minute} {
		if m[i+1] == "" {
			continue
		}
		n, err := strconv.ParseInt(m[i+1], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q: %w", s, err)
		}
		total += time.Duration(n) * unit
	}
	if m[4] != "" {
		secs, err := strconv.ParseFloat(m[4], 64)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q: %w", s, err)
		}
		total += time.Duration(secs * float64(time.Second))
	}
	return total, nil
}
