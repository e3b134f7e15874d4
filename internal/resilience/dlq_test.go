package resilience

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDLQEntry_CanRetry(t *testing.T) {
	tests := []struct {
		name       string
		retryCount int
		maxRetries int
		want       bool
	}{
		{"fresh", 0, 3, true},
		{"one below max", 2, 3, true},
		{"at max", 3, 3, false},
		{"above max", 5, 3, false},
		{"permanent", 0, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := DLQEntry{RecordPath: "records/42.json", RetryCount: tt.retryCount, MaxRetries: tt.maxRetries}
			assert.Equal(t, tt.want, e.CanRetry())
		})
	}
}
