package killfeed

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/emeraldservers/killfeed-ingest/internal/domain"
	"github.com/emeraldservers/killfeed-ingest/internal/normalizer"
)

// MaxDistance is the upper bound (meters) accepted for a kill distance.
// Anything larger is treated as corrupt data and clamped.
const MaxDistance = 5000.0

// Parse errors. Callers count them as skipped lines.
var (
	ErrEmptyLine     = errors.New("empty line")
	ErrTooFewFields  = errors.New("too few fields")
	ErrBadTimestamp  = errors.New("unparseable timestamp")
	ErrMissingPlayer = errors.New("missing killer or victim name")
)

// TimestampPolicy decides what happens to a line whose timestamp matches
// none of the known formats.
type TimestampPolicy int

const (
	// FallbackNow substitutes the current time. Used by the live killfeed,
	// where dropping an event is worse than a slightly wrong time.
	FallbackNow TimestampPolicy = iota
	// RejectInvalid drops the line. Used by backfill, where a wrong time
	// would corrupt the global ordering.
	RejectInvalid
)

func (p TimestampPolicy) String() string {
	switch p {
	case FallbackNow:
		return "fallback_now"
	case RejectInvalid:
		return "reject"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// timestampLayouts are tried in order
var timestampLayouts = []string{
	"2006.01.02-15.04.05",
	"2006.01.02-15.04.05.000", // server log form, colon rewritten to a dot
	"2006-01-02 15:04:05",
	"2006-01-02_15-04-05",
	"2006-01-02-15.04.05",
	"2006.01.02 15:04:05",
	"01/02/2006 15:04:05",
	time.RFC3339,
}

// Minimum column counts per layout
const (
	minSemicolonFields = 7 // ts;killer;killerId;victim;victimId;weapon;distance[;kp;vp]
	minCommaFields     = 5 // ts,killer,victim,weapon,distance[,kp,vp]
)

// Parser converts killfeed CSV lines into KillEvents.
// It holds no mutable state; one instance can be shared between goroutines.
type Parser struct {
	policy     TimestampPolicy
	now        func() time.Time
	normalizer *normalizer.EventNormalizer
}

// NewParser creates a parser with the given timestamp policy
func NewParser(policy TimestampPolicy) *Parser {
	return &Parser{
		policy:     policy,
		now:        time.Now,
		normalizer: normalizer.NewEventNormalizer(),
	}
}

// WithClock returns a copy of the parser using now as the fallback clock
func (p *Parser) WithClock(now func() time.Time) *Parser {
	cp := *p
	cp.now = now
	return &cp
}

// Policy returns the parser's timestamp policy
func (p *Parser) Policy() TimestampPolicy {
	return p.policy
}

// ParseLine parses one line (without trailing newline).
// Returns an error wrapping one of the Err* values when the line is unusable.
func (p *Parser) ParseLine(line string) (*domain.KillEvent, error) {
	line = strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(line) == "" {
		return nil, ErrEmptyLine
	}

	var (
		tsField, killer, killerID, victim, victimID, weapon, distance, killerPlat, victimPlat string
	)

	if strings.Contains(line, ";") {
		parts := splitFields(line, ";")
		if len(parts) < minSemicolonFields {
			return nil, fmt.Errorf("%w: got %d, need %d", ErrTooFewFields, len(parts), minSemicolonFields)
		}
		tsField, killer, killerID, victim, victimID, weapon, distance = parts[0], parts[1], parts[2], parts[3], parts[4], parts[5], parts[6]
		killerPlat, victimPlat = field(parts, 7), field(parts, 8)
	} else {
		parts := splitFields(line, ",")
		if len(parts) < minCommaFields {
			return nil, fmt.Errorf("%w: got %d, need %d", ErrTooFewFields, len(parts), minCommaFields)
		}
		tsField, killer, victim, weapon, distance = parts[0], parts[1], parts[2], parts[3], parts[4]
		killerPlat, victimPlat = field(parts, 5), field(parts, 6)
	}

	event := &domain.KillEvent{RawLine: line}

	ts, ok := ParseTimestamp(tsField)
	if !ok {
		if p.policy == RejectInvalid {
			return nil, fmt.Errorf("%w: %q", ErrBadTimestamp, tsField)
		}
		ts = p.now().UTC()
		event.TimestampFallback = true
	}
	event.Timestamp = ts

	event.KillerName = p.normalizer.NormalizeName(killer)
	event.VictimName = p.normalizer.NormalizeName(victim)
	event.KillerID = strings.TrimSpace(killerID)
	event.VictimID = strings.TrimSpace(victimID)
	event.KillerPlatform = p.normalizer.NormalizePlatform(killerPlat)
	event.VictimPlatform = p.normalizer.NormalizePlatform(victimPlat)
	event.Distance = ParseDistance(distance)

	label, cause := p.normalizer.NormalizeWeapon(weapon)
	selfKill := event.KillerName != "" && event.KillerName == event.VictimName
	switch {
	case cause != domain.SuicideNone:
		event.IsSuicide = true
		event.SuicideCause = cause
		event.Weapon = label
	case selfKill:
		event.IsSuicide = true
		event.SuicideCause = domain.SuicideOther
		event.Weapon = p.normalizer.SuicideLabel()
	default:
		event.Weapon = label
	}

	if event.IsSuicide {
		// Self deaths only need the dying player
		if event.VictimName == "" {
			event.VictimName = event.KillerName
		}
		if event.KillerName == "" {
			event.KillerName = event.VictimName
		}
		if event.VictimName == "" {
			return nil, ErrMissingPlayer
		}
	} else if event.KillerName == "" || event.VictimName == "" {
		return nil, ErrMissingPlayer
	}

	return event, nil
}

// ParseTimestamp tries every known layout and returns the UTC time
func ParseTimestamp(s string) (time.Time, bool) {
	s = strings.TrimSpace(strings.Trim(strings.TrimSpace(s), `"[]`))
	if s == "" {
		return time.Time{}, false
	}
	// 2025.04.30-00.16.49:123 carries milliseconds after a colon, which the
	// time package cannot express in a layout
	if len(s) == 23 && s[19] == ':' {
		s = s[:19] + "." + s[20:]
	}
	for _, layout := range timestampLayouts {
		if ts, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return ts.UTC(), true
		}
	}
	return time.Time{}, false
}

// ParseDistance converts a distance field into meters.
// Empty, non-numeric or non-finite input yields 0; the result is clamped
// into [0, MaxDistance] and rounded to one decimal place.
func ParseDistance(s string) float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	d, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(d) || math.IsInf(d, 0) {
		return 0
	}
	if d < 0 {
		d = 0
	}
	if d > MaxDistance {
		d = MaxDistance
	}
	return math.Round(d*10) / 10
}

func splitFields(line, sep string) []string {
	parts := strings.Split(line, sep)
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func field(parts []string, i int) string {
	if i < len(parts) {
		return parts[i]
	}
	return ""
}
