// Package bytesize provides a Size type that parses human-friendly byte
// quantities ("128KiB", "64MiB") from configuration files and flags.
package bytesize

import (
	"fmt"
	"strconv"
	"strings"
)

// Size is a byte count that marshals to/from human-readable strings.
type Size int64

const (
	B   Size = 1
	KiB      = 1024 * B
	MiB      = 1024 * KiB
	GiB      = 1024 * MiB
)

var units = []struct {
	suffix string
	size   Size
}{
	{"GiB", GiB},
	{"MiB", MiB},
	{"KiB", KiB},
	{"GB", GiB},
	{"MB", MiB},
	{"KB", KiB},
	{"B", B},
}

// Bytes returns the size as a plain int64 byte count.
func (s Size) Bytes() int64 { return int64(s) }

func (s Size) String() string {
	for _, u := range units {
		if u.size == B {
			continue
		}
		if s != 0 && s%u.size == 0 {
			return fmt.Sprintf("%d%s", int64(s/u.size), u.suffix)
		}
	}
	return fmt.Sprintf("%dB", int64(s))
}

// ParseSize parses a string like "128KiB" or "4194304" into a Size.
func ParseSize(s string) (Size, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("bytesize: empty value")
	}
	for _, u := range units {
		if strings.HasSuffix(s, u.suffix) {
			numPart := strings.TrimSuffix(s, u.suffix)
			numPart = strings.TrimSpace(numPart)
			n, err := strconv.ParseFloat(numPart, 64)
			if err != nil {
				return 0, fmt.Errorf("bytesize: invalid value %q: %w", s, err)
			}
			return Size(n * float64(u.size)), nil
		}
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bytesize: invalid value %q: %w", s, err)
	}
	return Size(n), nil
}

// UnmarshalText implements encoding.TextUnmarshaler so Size fields decode
// directly from YAML/JSON/env values via mapstructure's string hook.
func (s *Size) UnmarshalText(text []byte) error {
	parsed, err := ParseSize(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (s Size) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
