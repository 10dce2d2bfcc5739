package killfeed

import (
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/emeraldservers/killfeed-ingest/internal/domain"
	"github.com/emeraldservers/killfeed-ingest/internal/normalizer"
)

// ErrNoSessionEvent is returned for server log lines that carry no
// connection information. Most lines of the server log are like that, so
// callers should not count it as malformed.
var ErrNoSessionEvent = errors.New("no session event in line")

// SessionParser extracts player connection changes from server log lines
type SessionParser struct {
	policy     TimestampPolicy
	now        func() time.Time
	normalizer *normalizer.EventNormalizer

	joinRequest       *regexp.Regexp
	eosIDParam        *regexp.Regexp
	nameParam         *regexp.Regexp
	platformParam     *regexp.Regexp
	registeredPattern *regexp.Regexp
	disconnectPattern *regexp.Regexp
}

// NewSessionParser creates a server log parser with compiled patterns
func NewSessionParser(policy TimestampPolicy) *SessionParser {
	return &SessionParser{
		policy:     policy,
		now:        time.Now,
		normalizer: normalizer.NewEventNormalizer(),

		joinRequest:   regexp.MustCompile(`(?i)LogNet: Join request: /Game/Maps/\S*\?`),
		eosIDParam:    regexp.MustCompile(`(?i)eosid=\|([a-f0-9]+)`),
		nameParam:     regexp.MustCompile(`(?i)[?&]Name=([^&?\s]+)`),
		platformParam: regexp.MustCompile(`(?i)platformid=([^&?\s]+)`),
		registeredPattern: regexp.MustCompile(
			`(?i)LogOnline: Warning: Player \|([a-f0-9]+) successfully registered!`),
		disconnectPattern: regexp.MustCompile(
			`(?i)LogNet: UChannel::Close: Sending CloseBunch.*?UniqueId: EOS:\|([a-f0-9]+)`),
	}
}

// WithClock returns a copy using now as the fallback clock
func (p *SessionParser) WithClock(now func() time.Time) *SessionParser {
	cp := *p
	cp.now = now
	return &cp
}

// ParseLine extracts a SessionEvent from one server log line
func (p *SessionParser) ParseLine(line string) (*domain.SessionEvent, error) {
	line = strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(line) == "" {
		return nil, ErrEmptyLine
	}

	event := &domain.SessionEvent{RawLine: line}

	switch {
	case p.joinRequest.MatchString(line):
		m := p.eosIDParam.FindStringSubmatch(line)
		if m == nil {
			return nil, ErrNoSessionEvent
		}
		event.State = domain.SessionQueued
		event.PlayerID = strings.ToLower(m[1])
		if nm := p.nameParam.FindStringSubmatch(line); nm != nil {
			event.PlayerName = p.normalizer.DecodeLogName(nm[1])
		}
		if pm := p.platformParam.FindStringSubmatch(line); pm != nil {
			event.Platform = p.normalizer.NormalizePlatform(pm[1])
		}
	case p.registeredPattern.MatchString(line):
		event.State = domain.SessionConnected
		event.PlayerID = strings.ToLower(p.registeredPattern.FindStringSubmatch(line)[1])
	case p.disconnectPattern.MatchString(line):
		event.State = domain.SessionDisconnected
		event.PlayerID = strings.ToLower(p.disconnectPattern.FindStringSubmatch(line)[1])
	default:
		return nil, ErrNoSessionEvent
	}

	ts, fallback, err := logTimestamp(line, p.policy, p.now)
	if err != nil {
		return nil, err
	}
	event.Timestamp = ts
	event.TimestampFallback = fallback

	return event, nil
}

// [2025.04.30-00.16.49:123][ 12]LogNet: ...
var logTimestampPattern = regexp.MustCompile(`^\[(\d{4}\.\d{2}\.\d{2}-\d{2}\.\d{2}\.\d{2}:\d{3})\]`)

// logTimestamp reads the bracketed prefix of a server log line. Without
// one, policy decides between the current time and ErrBadTimestamp.
func logTimestamp(line string, policy TimestampPolicy, now func() time.Time) (time.Time, bool, error) {
	if m := logTimestampPattern.FindStringSubmatch(line); m != nil {
		if ts, ok := ParseTimestamp(m[1]); ok {
			return ts, false, nil
		}
	}
	if policy == RejectInvalid {
		return time.Time{}, false, ErrBadTimestamp
	}
	return now().UTC(), true, nil
}
