package remote

import (
	"bytes"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
)

// DecodeText converts raw file bytes to a UTF-8 string.
// Valid UTF-8 (with or without BOM) is returned as is; anything else is
// decoded as Windows-1252, which every byte sequence maps into.
func DecodeText(b []byte) string {
	if utf8.Valid(b) {
		out, err := unicode.UTF8BOM.NewDecoder().Bytes(b)
		if err != nil {
			return string(bytes.TrimPrefix(b, []byte{0xEF, 0xBB, 0xBF}))
		}
		return string(out)
	}
	out, err := charmap.Windows1252.NewDecoder().Bytes(b)
	if err != nil {
		// Latin-1 is a last resort: every byte is a code point
		runes := make([]rune, len(b))
		for i, c := range b {
			runes[i] = rune(c)
		}
		return string(runes)
	}
	return string(out)
}

// CompleteLength returns the length of the prefix of b that ends with the
// last newline. Bytes after it belong to a line still being written.
func CompleteLength(b []byte) int {
	return bytes.LastIndexByte(b, '\n') + 1
}

// Lines decodes b and splits it into lines without terminators.
// A trailing newline does not produce an empty last line.
func Lines(b []byte) []string {
	if len(b) == 0 {
		return nil
	}
	text := DecodeText(b)
	text = strings.TrimSuffix(text, "\n")
	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSuffix(l, "\r")
	}
	return lines
}
