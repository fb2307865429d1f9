package common

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsProdRuntime(t *testing.T) {
	tests := []struct {
		name  string
		value string
		set   bool
		want  bool
	}{
		{name: "unset", want: false},
		{name: "prod", value: "prod", set: true, want: true},
		{name: "mixed case", value: "PROD", set: true, want: true},
		{name: "dev", value: "dev", set: true, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.set {
				t.Setenv(ENVKeyLighthouseRuntime, tt.value)
			} else {
				t.Setenv(ENVKeyLighthouseRuntime, "")
			}
			if !tt.set {
				// t.Setenv with "" still sets the variable; an empty value is not prod either.
				assert.False(t, IsProdRuntime())
				return
			}
			assert.Equal(t, tt.want, IsProdRuntime())
		})
	}
}

func TestBuildZapLogger(t *testing.T) {
	t.Setenv(ENVKeyLighthouseRuntime, "prod")
	zl, err := BuildZapLogger()
	require.NoError(t, err)
	assert.True(t, zl.Core().Enabled(0)) // info
	assert.False(t, zl.Core().Enabled(-1))

	t.Setenv(ENVKeyLighthouseRuntime, "dev")
	zl, err = BuildZapLogger()
	require.NoError(t, err)
	assert.True(t, zl.Core().Enabled(-1)) // debug

	logger := InitLogger()
	logger.Info("logger ready", "runtime", "dev")
}
