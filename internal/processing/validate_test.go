package processing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/ephys2osc/internal/errors"
)

func TestValidateConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		factor    int
		method    string
		batchSize int
		timeout   time.Duration
		wantErr   string
	}{
		{name: "defaults", factor: 30, method: "average", batchSize: 1, timeout: time.Second},
		{name: "bounds", factor: 1000, method: "decimate", batchSize: 10000, timeout: time.Millisecond},
		{name: "factor zero", factor: 0, method: "average", batchSize: 1, timeout: time.Second, wantErr: "downsampling factor"},
		{name: "factor too large", factor: 1001, method: "average", batchSize: 1, timeout: time.Second, wantErr: "downsampling factor"},
		{name: "bad method", factor: 1, method: "median", batchSize: 1, timeout: time.Second, wantErr: "median"},
		{name: "batch too large", factor: 1, method: "average", batchSize: 10001, timeout: time.Second, wantErr: "batch size"},
		{name: "zero timeout", factor: 1, method: "average", batchSize: 1, timeout: 0, wantErr: "batch timeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := ValidateConfig(tt.factor, tt.method, tt.batchSize, tt.timeout)
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
			assert.True(t, errors.IsCategory(err, errors.CategoryValidation))
		})
	}
}

func TestValidateConfigReportsAllProblems(t *testing.T) {
	t.Parallel()

	err := ValidateConfig(0, "x", 0, 0)
	require.Error(t, err)
	for _, part := range []string{"downsampling factor", "method", "batch size", "batch timeout"} {
		assert.Contains(t, err.Error(), part)
	}
}
