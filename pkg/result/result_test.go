package result

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusSuppressed(t *testing.T) {
	tests := []struct {
		status Status
		want   bool
	}{
		{StatusOk, false},
		{StatusProcessing, false},
		{StatusServerError, false},
		{StatusRateLimited, false},
		{StatusFilterHit, true},
		{StatusSamplingHit, true},
		{StatusLimitReached, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.status.Suppressed())
		})
	}
}

func TestResult(t *testing.T) {
	ok := Ok(nil, map[string]any{"_rxid": "abc-123", "response": "ok"})
	assert.True(t, ok.OK())
	assert.Equal(t, "abc-123", ok.RxID())
	assert.Equal(t, "ok (rxid abc-123)", ok.String())

	failed := OnError(StatusServerError, nil, errors.New("status 500"))
	assert.False(t, failed.OK())
	assert.Equal(t, "status 500", failed.Message)
	assert.Equal(t, "server-error: status 500", failed.String())
	assert.Empty(t, failed.RxID())

	var missing *Result
	assert.False(t, missing.OK())
	assert.Equal(t, "<nil>", missing.String())

	assert.Equal(t, "report suppressed: sampling-hit", Suppress(StatusSamplingHit, nil).Message)
}
