package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration for YAML values such as "60s" or "5m".
type Duration time.Duration

// Duration returns the value as a time.Duration
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// ByteSize is a size in bytes that accepts YAML values such as "500MB" or "50GB".
type ByteSize int64

const (
	KB ByteSize = 1 << (10 * (iota + 1))
	MB
	GB
	TB
)

func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		var n int64
		if err2 := value.Decode(&n); err2 != nil {
			return err
		}
		*b = ByteSize(n)
		return nil
	}
	parsed, err := ParseByteSize(s)
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}

func (b ByteSize) MarshalYAML() (interface{}, error) {
	return b.String(), nil
}

// String formats the size with the largest whole unit
func (b ByteSize) String() string {
	switch {
	case b >= TB && b%TB == 0:
		return fmt.Sprintf("%dTB", b/TB)
	case b >= GB && b%GB == 0:
		return fmt.Sprintf("%dGB", b/GB)
	case b >= MB && b%MB == 0:
		return fmt.Sprintf("%dMB", b/MB)
	case b >= KB && b%KB == 0:
		return fmt.Sprintf("%dKB", b/KB)
	}
	return fmt.Sprintf("%dB", int64(b))
}

// ParseByteSize parses "1024", "512KB", "10MB", "1.5GB" and similar values.
func ParseByteSize(s string) (ByteSize, error) {
	s = strings.TrimSpace(strings.ToUpper(s))
	if len(s) == 0 {
		return 0, fmt.Errorf("empty byte size")
	}

	multiplier := ByteSize(1)
	numStr := s

	switch {
	case strings.HasSuffix(s, "KB"):
		multiplier, numStr = KB, s[:len(s)-2]
	case strings.HasSuffix(s, "MB"):
		multiplier, numStr = MB, s[:len(s)-2]
	case strings.HasSuffix(s, "GB"):
		multiplier, numStr = GB, s[:len(s)-2]
	case strings.HasSuffix(s, "TB"):
		multiplier, numStr = TB, s[:len(s)-2]
	case strings.HasSuffix(s, "B"):
		numStr = s[:len(s)-1]
	}

	var n float64
	if _, err := fmt.Sscanf(strings.TrimSpace(numStr), "%g", &n); err != nil {
		return 0, fmt.Errorf("invalid byte size %q: %w", s, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("invalid byte size %q: negative", s)
	}
	return ByteSize(n * float64(multiplier)), nil
}
