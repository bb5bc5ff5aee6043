package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPairingIsDue(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	hourly := int64(3600)
	at := func(d time.Duration) *time.Time {
		ts := now.Add(-d)
		return &ts
	}

	tests := []struct {
		name    string
		pairing Pairing
		want    bool
	}{
		{
			name:    "exactly at last success plus frequency",
			pairing: Pairing{Status: PairingActive, RefreshFreqSeconds: &hourly, LastSuccessfulIndexTime: at(time.Hour)},
			want:    true,
		},
		{
			name:    "one second before the frequency elapses",
			pairing: Pairing{Status: PairingActive, RefreshFreqSeconds: &hourly, LastSuccessfulIndexTime: at(time.Hour - time.Second)},
			want:    false,
		},
		{
			name:    "never succeeded",
			pairing: Pairing{Status: PairingActive, RefreshFreqSeconds: &hourly},
			want:    true,
		},
		{
			name: "overdue but in repeated error state",
			pairing: Pairing{Status: PairingActive, RefreshFreqSeconds: &hourly, LastSuccessfulIndexTime: at(48 * time.Hour),
				InRepeatedErrorState: true},
			want: false,
		},
		{
			name:    "overdue but paused",
			pairing: Pairing{Status: PairingPaused, RefreshFreqSeconds: &hourly, LastSuccessfulIndexTime: at(48 * time.Hour)},
			want:    false,
		},
		{
			name:    "manual only",
			pairing: Pairing{Status: PairingActive},
			want:    false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.pairing.IsDue(now))
		})
	}
}
