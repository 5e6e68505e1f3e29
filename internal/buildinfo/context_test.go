package buildinfo

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContextVersion(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		ctx  *Context
		want string
	}{
		{name: "nil context", ctx: nil, want: UnknownValue},
		{name: "empty version", ctx: NewContext("", "2026-01-01"), want: UnknownValue},
		{name: "valid version", ctx: NewContext("1.0.0", "2026-01-01"), want: "1.0.0"},
		{name: "pre-release tag", ctx: NewContext("1.0.0-beta.1", "2026-01-01"), want: "1.0.0-beta.1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.ctx.Version())
		})
	}
}

func TestContextBuildDate(t *testing.T) {
	t.Parallel()

	assert.Equal(t, UnknownValue, (*Context)(nil).BuildDate())
	assert.Equal(t, UnknownValue, NewContext("1.0.0", "").BuildDate())
	assert.Equal(t, "2026-01-01", NewContext("1.0.0", "2026-01-01").BuildDate())
}

func TestContextString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "1.2.3 (built 2026-01-01)", NewContext("1.2.3", "2026-01-01").String())
	assert.Equal(t, "unknown (built unknown)", NewContext("", "").String())
}

func TestCurrentNeverEmpty(t *testing.T) {
	t.Parallel()

	c := Current()
	assert.NotEmpty(t, c.Version())
	assert.NotEmpty(t, c.BuildDate())
}
