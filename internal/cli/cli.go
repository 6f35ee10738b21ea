// Package cli holds the small parsing helpers shared by rwsort,
// rwdedupe, rwbag, rwbagtool, and rwpollexec's flag.FlagSet-based command
// lines, plus the exit-code convention every main() follows.
package cli

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	apperrors "github.com/flowkit/flowkit/pkg/errors"
)

// NewLogger builds the shared logrus logger every cmd/ main uses, from
// the config-file-or-flag log_level/log_format pair.
func NewLogger(level, format string) *logrus.Logger {
	logger := logrus.New()
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	logger.SetLevel(parsed)
	if format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{})
	}
	return logger
}

// SplitFields parses a comma-separated --fields value into a slice,
// trimming whitespace and dropping empty entries.
func SplitFields(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ParseByteSize parses a buffer-size flag value with an optional k/m/g
// suffix (case-insensitive), e.g. "256m" -> 268435456.
func ParseByteSize(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, fmt.Errorf("cli: empty size")
	}
	mult := int64(1)
	suffix := raw[len(raw)-1]
	switch suffix {
	case 'k', 'K':
		mult = 1 << 10
		raw = raw[:len(raw)-1]
	case 'm', 'M':
		mult = 1 << 20
		raw = raw[:len(raw)-1]
	case 'g', 'G':
		mult = 1 << 30
		raw = raw[:len(raw)-1]
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("cli: invalid size %q: %w", raw, err)
	}
	return n * mult, nil
}

// ParseBagRequest parses one --bag-file=KEY,COUNTER,OUTPUT[,PMAP] token
// into its four components; PMAP is only required for *-pmap key fields.
func ParseBagRequest(raw string) (key, counter, output, pmap string, err error) {
	parts := strings.Split(raw, ",")
	if len(parts) < 3 {
		return "", "", "", "", fmt.Errorf("cli: --bag-file requires KEY,COUNTER,OUTPUT[,PMAP], got %q", raw)
	}
	key, counter, output = parts[0], parts[1], parts[2]
	if len(parts) > 3 {
		pmap = parts[3]
	}
	return key, counter, output, pmap, nil
}

// Fail prints err to stderr and exits with the code its category maps
// to, or 1 if err isn't an *apperrors.AppError.
func Fail(err error) {
	if appErr, ok := apperrors.AsAppError(err); ok {
		fmt.Fprintln(os.Stderr, appErr.Error())
		os.Exit(appErr.ExitCode())
	}
	fmt.Fprintln(os.Stderr, err.Error())
	os.Exit(1)
}
