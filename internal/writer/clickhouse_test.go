package writer

import (
	"testing"
	"time"
)

func TestEnsureValidDateTime(t *testing.T) {
	valid := time.Date(2025, 4, 30, 0, 16, 49, 0, time.UTC)
	tests := []struct {
		name     string
		input    time.Time
		expected time.Time
	}{
		{"valid", valid, valid},
		{"zero", time.Time{}, minClickHouseDateTime},
		{"too early", time.Date(1900, 1, 1, 0, 0, 0, 0, time.UTC), minClickHouseDateTime},
		{"too late", time.Date(2300, 1, 1, 0, 0, 0, 0, time.UTC), minClickHouseDateTime},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ensureValidDateTime(tt.input); !got.Equal(tt.expected) {
				t.Errorf("ensureValidDateTime() = %v, want %v", got, tt.expected)
			}
		})
	}
}
