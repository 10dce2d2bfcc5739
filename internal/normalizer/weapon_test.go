package normalizer

import (
	"testing"

	"github.com/emeraldservers/killfeed-ingest/internal/domain"
)

func TestNormalizeWeapon(t *testing.T) {
	n := NewEventNormalizer()

	tests := []struct {
		name      string
		input     string
		wantLabel string
		wantCause domain.SuicideCause
	}{
		{name: "relocation", input: "Suicide_by_relocation", wantLabel: "Menu Suicide", wantCause: domain.SuicideMenu},
		{name: "relocation upper case", input: "SUICIDE_BY_RELOCATION", wantLabel: "Menu Suicide", wantCause: domain.SuicideMenu},
		{name: "falling", input: "falling", wantLabel: "Falling", wantCause: domain.SuicideFalling},
		{name: "falling padded", input: "  Falling ", wantLabel: "Falling", wantCause: domain.SuicideFalling},
		{name: "plain suicide", input: "suicide", wantLabel: "Suicide", wantCause: domain.SuicideOther},
		{name: "regular weapon", input: "AK47", wantLabel: "AK47", wantCause: domain.SuicideNone},
		{name: "empty", input: "", wantLabel: "", wantCause: domain.SuicideNone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			label, cause := n.NormalizeWeapon(tt.input)
			if label != tt.wantLabel || cause != tt.wantCause {
				t.Errorf("NormalizeWeapon(%q) = (%q, %q), want (%q, %q)", tt.input, label, cause, tt.wantLabel, tt.wantCause)
			}
		})
	}
}

func TestNormalizeName(t *testing.T) {
	n := NewEventNormalizer()

	tests := []struct {
		input    string
		expected string
	}{
		{input: "  Killer1 ", expected: "Killer1"},
		{input: `"Quoted Name"`, expected: "Quoted Name"},
		{input: "Two   Spaces", expected: "Two Spaces"},
		{input: "   ", expected: ""},
	}

	for _, tt := range tests {
		if got := n.NormalizeName(tt.input); got != tt.expected {
			t.Errorf("NormalizeName(%q) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}

func TestDecodeLogName(t *testing.T) {
	n := NewEventNormalizer()

	tests := []struct {
		input    string
		expected string
	}{
		{input: "John+Doe", expected: "John Doe"},
		{input: "%D0%98%D0%B2%D0%B0%D0%BD", expected: "Иван"},
		{input: "bad%zzname", expected: "bad%zzname"},
		{input: "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789", expected: "ABCDEFGHIJKLMNOPQRSTUVWXYZ012345"},
	}

	for _, tt := range tests {
		if got := n.DecodeLogName(tt.input); got != tt.expected {
			t.Errorf("DecodeLogName(%q) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}

func TestNormalizePlatform(t *testing.T) {
	n := NewEventNormalizer()
	if got := n.NormalizePlatform("PS5:0002a1b2"); got != "PS5" {
		t.Errorf("NormalizePlatform() = %q, want PS5", got)
	}
	if got := n.NormalizePlatform(" Xbox "); got != "Xbox" {
		t.Errorf("NormalizePlatform() = %q, want Xbox", got)
	}
}
