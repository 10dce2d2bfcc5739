package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"time"
)

// writeTimestamp adds ts to the hash unless it was substituted by the
// parser. A substituted time changes on every read, while source file and
// line number already pin the line down.
func writeTimestamp(h hash.Hash, ts time.Time, fallback bool) {
	if fallback {
		fmt.Fprint(h, "fallback|")
		return
	}
	fmt.Fprintf(h, "%s|", ts.UTC().Format(time.RFC3339Nano))
}

// Hash returns the SHA256 identity of a kill event.
// It covers the source position, so two identical lines in one file stay
// distinct while a re-delivered line maps to the same hash.
func (e *KillEvent) Hash() string {
	h := sha256.New()

	fmt.Fprintf(h, "%s|", e.GuildID)
	fmt.Fprintf(h, "%s|", e.ServerID)
	writeTimestamp(h, e.Timestamp, e.TimestampFallback)
	fmt.Fprintf(h, "%s|", e.KillerName)
	fmt.Fprintf(h, "%s|", e.KillerID)
	fmt.Fprintf(h, "%s|", e.VictimName)
	fmt.Fprintf(h, "%s|", e.VictimID)
	fmt.Fprintf(h, "%s|", e.Weapon)
	fmt.Fprintf(h, "%.1f|", e.Distance)
	fmt.Fprintf(h, "%s|", e.SourceFile)
	fmt.Fprintf(h, "%d|", e.LineNumber)

	return hex.EncodeToString(h.Sum(nil))
}

// Hash returns the SHA256 identity of a session event
func (e *SessionEvent) Hash() string {
	h := sha256.New()

	fmt.Fprintf(h, "%s|", e.GuildID)
	fmt.Fprintf(h, "%s|", e.ServerID)
	writeTimestamp(h, e.Timestamp, e.TimestampFallback)
	fmt.Fprintf(h, "%s|", e.PlayerID)
	fmt.Fprintf(h, "%s|", e.State)
	fmt.Fprintf(h, "%s|", e.SourceFile)
	fmt.Fprintf(h, "%d|", e.LineNumber)

	return hex.EncodeToString(h.Sum(nil))
}
