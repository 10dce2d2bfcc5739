package killfeed

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/emeraldservers/killfeed-ingest/internal/domain"
)

// ErrNoServerEvent is returned for server log lines with no world or
// configuration event
var ErrNoServerEvent = errors.New("no server event in line")

// ServerEventParser extracts missions, world events and the player cap
// from server log lines
type ServerEventParser struct {
	policy TimestampPolicy
	now    func() time.Time

	mission    *regexp.Regexp
	airdrop    *regexp.Regexp
	helicrash  *regexp.Regexp
	trader     *regexp.Regexp
	maxPlayers *regexp.Regexp
}

// NewServerEventParser creates a parser with compiled patterns
func NewServerEventParser(policy TimestampPolicy) *ServerEventParser {
	return &ServerEventParser{
		policy: policy,
		now:    time.Now,

		mission:    regexp.MustCompile(`(?i)LogSFPS: Mission (GA_[A-Za-z0-9_]+) switched to ([A-Z_]+)`),
		airdrop:    regexp.MustCompile(`(?i)Event_AirDrop.*spawned.*location.*X=([\d.-]+).*Y=([\d.-]+)`),
		helicrash:  regexp.MustCompile(`(?i)LogSFPS:.*(?:helicrash|helicopter.*crash)`),
		trader:     regexp.MustCompile(`(?i)LogSFPS:.*trader.*(?:spawn|ready|arrived)`),
		maxPlayers: regexp.MustCompile(`(?i)playersmaxcount\s*=\s*(\d+)`),
	}
}

// WithClock returns a copy using now as the fallback clock
func (p *ServerEventParser) WithClock(now func() time.Time) *ServerEventParser {
	cp := *p
	cp.now = now
	return &cp
}

// ParseLine extracts a ServerEvent from one server log line.
// Mission lines win over the looser world event patterns.
func (p *ServerEventParser) ParseLine(line string) (*domain.ServerEvent, error) {
	line = strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(line) == "" {
		return nil, ErrEmptyLine
	}

	event := &domain.ServerEvent{RawLine: line}

	if m := p.mission.FindStringSubmatch(line); m != nil {
		event.Kind = domain.ServerMission
		event.MissionID = m[1]
		event.MissionState = strings.ToUpper(m[2])
	} else if m := p.airdrop.FindStringSubmatch(line); m != nil {
		event.Kind = domain.ServerAirdrop
		x, errX := strconv.ParseFloat(m[1], 64)
		y, errY := strconv.ParseFloat(m[2], 64)
		if errX == nil && errY == nil {
			event.X, event.Y, event.HasLocation = x, y, true
		}
	} else if p.helicrash.MatchString(line) {
		event.Kind = domain.ServerHelicrash
	} else if p.trader.MatchString(line) {
		event.Kind = domain.ServerTrader
	} else if m := p.maxPlayers.FindStringSubmatch(line); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return nil, ErrNoServerEvent
		}
		event.Kind = domain.ServerMaxPlayers
		event.MaxPlayers = n
	} else {
		return nil, ErrNoServerEvent
	}

	ts, fallback, err := logTimestamp(line, p.policy, p.now)
	if err != nil {
		return nil, err
	}
	event.Timestamp = ts
	event.TimestampFallback = fallback

	return event, nil
}
