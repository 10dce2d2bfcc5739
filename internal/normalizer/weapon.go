package normalizer

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/emeraldservers/killfeed-ingest/internal/domain"
)

// Weapon labels emitted for self-inflicted deaths
const (
	LabelMenuSuicide = "Menu Suicide"
	LabelFalling     = "Falling"
	LabelSuicide     = "Suicide"
)

// maxPlayerNameLen bounds names decoded from server log URLs
const maxPlayerNameLen = 32

// EventNormalizer normalizes the free-text fields of killfeed and log lines
// (weapon labels, player names, platform tags)
type EventNormalizer struct {
	whitespacePattern *regexp.Regexp
	platformPattern   *regexp.Regexp

	// selfDeathCauses maps the lowercased raw weapon to its label and cause
	selfDeathCauses map[string]selfDeath
}

type selfDeath struct {
	label string
	cause domain.SuicideCause
}

// NewEventNormalizer creates a normalizer with compiled patterns
func NewEventNormalizer() *EventNormalizer {
	return &EventNormalizer{
		whitespacePattern: regexp.MustCompile(`\s+`),
		// platformid=PS5:123abc -> PS5
		platformPattern: regexp.MustCompile(`^([A-Za-z0-9]+)`),
		selfDeathCauses: map[string]selfDeath{
			"suicide_by_relocation": {label: LabelMenuSuicide, cause: domain.SuicideMenu},
			"menu suicide":          {label: LabelMenuSuicide, cause: domain.SuicideMenu},
			"falling":               {label: LabelFalling, cause: domain.SuicideFalling},
			"suicide":               {label: LabelSuicide, cause: domain.SuicideOther},
		},
	}
}

// NormalizeWeapon returns the display label of a weapon and, when the weapon
// is a known self-death cause, its SuicideCause. Matching is case-insensitive.
func (n *EventNormalizer) NormalizeWeapon(raw string) (string, domain.SuicideCause) {
	weapon := strings.TrimSpace(raw)
	if sd, ok := n.selfDeathCauses[strings.ToLower(weapon)]; ok {
		return sd.label, sd.cause
	}
	return weapon, domain.SuicideNone
}

// SuicideLabel returns the weapon label for a self-kill with a weapon that is
// not itself a self-death cause.
func (n *EventNormalizer) SuicideLabel() string {
	return LabelSuicide
}

// NormalizeName trims a player name and collapses inner whitespace
func (n *EventNormalizer) NormalizeName(raw string) string {
	name := strings.TrimSpace(strings.Trim(strings.TrimSpace(raw), `"`))
	return n.whitespacePattern.ReplaceAllString(name, " ")
}

// DecodeLogName decodes a URL-encoded player name from a server log join
// request. Returns "" if nothing usable remains.
func (n *EventNormalizer) DecodeLogName(raw string) string {
	decoded, err := url.QueryUnescape(raw)
	if err != nil {
		decoded = strings.ReplaceAll(raw, "+", " ")
	}
	name := n.NormalizeName(decoded)
	if runes := []rune(name); len(runes) > maxPlayerNameLen {
		name = string(runes[:maxPlayerNameLen])
	}
	return name
}

// NormalizePlatform reduces a platform tag to its leading token (PS5:abc -> PS5)
func (n *EventNormalizer) NormalizePlatform(raw string) string {
	p := strings.TrimSpace(strings.Trim(strings.TrimSpace(raw), `"`))
	if m := n.platformPattern.FindString(p); m != "" {
		return m
	}
	return p
}
