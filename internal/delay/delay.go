// Package delay converts human wait durations ("30 minutos", "2h", "1d") into time.Duration.
package delay

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// DefaultWait is used when a wait duration cannot be parsed
const DefaultWait = 30 * time.Minute

// immediate is the wait used for "imediatamente"
const immediate = time.Second

// ErrMalformedDuration is returned by ParseStrict for input it cannot interpret
var ErrMalformedDuration = errors.New("malformed duration")

var (
	compactPattern = regexp.MustCompile(`^(\d+)([smhd])$`)
	// The number must not follow a sign, a decimal separator or another digit.
	naturalPattern = regexp.MustCompile(`(?:^|[^\d.,\-\s])\s*(\d+)\s*(segundos?|minutos?|horas?|dias?|semanas?)\b`)
)

var compactUnits = map[string]time.Duration{
	"s": time.Second,
	"m": time.Minute,
	"h": time.Hour,
	"d": 24 * time.Hour,
}

var naturalUnits = map[string]time.Duration{
	"segundo": time.Second,
	"minuto":  time.Minute,
	"hora":    time.Hour,
	"dia":     24 * time.Hour,
	"semana":  7 * 24 * time.Hour,
}

// ParseStrict parses text and reports ErrMalformedDuration instead of falling back.
// Zero and overflowing values are rejected.
func ParseStrict(text string) (time.Duration, error) {
	s := strings.ToLower(strings.TrimSpace(text))
	if s == "" {
		return 0, fmt.Errorf("%w: empty input", ErrMalformedDuration)
	}

	if strings.Contains(s, "imediatamente") {
		return immediate, nil
	}

	if m := compactPattern.FindStringSubmatch(s); m != nil {
		return scale(m[1], compactUnits[m[2]], text)
	}

	if m := naturalPattern.FindStringSubmatch(s); m != nil {
		unit := strings.TrimSuffix(m[2], "s")
		return scale(m[1], naturalUnits[unit], text)
	}

	return 0, fmt.Errorf("%w: %q", ErrMalformedDuration, text)
}

func scale(digits string, unit time.Duration, text string) (time.Duration, error) {
	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrMalformedDuration, text)
	}
	if n <= 0 {
		return 0, fmt.Errorf("%w: non-positive value %q", ErrMalformedDuration, text)
	}
	if n > int64(math.MaxInt64/unit) {
		return 0, fmt.Errorf("%w: value out of range %q", ErrMalformedDuration, text)
	}
	return time.Duration(n) * unit, nil
}

// Parser parses wait durations and never fails: malformed input yields Default.
type Parser struct {
	// Default is returned for unparseable input (DefaultWait if zero)
	Default time.Duration
	Logger  *slog.Logger
	// OnFallback is called with the offending input every time Default is used
	OnFallback func(input string)
}

// NewParser creates a parser with the given default and logger
func NewParser(def time.Duration, logger *slog.Logger, onFallback func(string)) *Parser {
	if def <= 0 {
		def = DefaultWait
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Parser{Default: def, Logger: logger, OnFallback: onFallback}
}

// Parse returns the duration described by text, or the default
func (p *Parser) Parse(text string) time.Duration {
	d, err := ParseStrict(text)
	if err == nil {
		return d
	}

	def := p.Default
	if def <= 0 {
		def = DefaultWait
	}
	if p.Logger != nil {
		p.Logger.Warn("unparseable wait duration, using default", "input", text, "default", def, "error", err)
	}
	if p.OnFallback != nil {
		p.OnFallback(text)
	}
	return def
}

// Parse parses text with DefaultWait as fallback and no logging
func Parse(text string) time.Duration {
	d, err := ParseStrict(text)
	if err != nil {
		return DefaultWait
	}
	return d
}
