package version

import (
	"runtime/debug"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVersionOf(t *testing.T) {
	tests := []struct {
		name string
		info *debug.BuildInfo
		exp  string
	}{
		{
			name: "main module",
			info: &debug.BuildInfo{Main: debug.Module{Path: modulePath, Version: "v1.2.3"}},
			exp:  "v1.2.3",
		},
		{
			name: "main module devel",
			info: &debug.BuildInfo{Main: debug.Module{Path: modulePath, Version: "(devel)"}},
			exp:  Default,
		},
		{
			name: "dependency",
			info: &debug.BuildInfo{
				Main: debug.Module{Path: "example.com/app"},
				Deps: []*debug.Module{
					{Path: "go.uber.org/zap", Version: "v1.27.0"},
					{Path: modulePath, Version: "v0.0.0-20240101000000-abcdef123456"},
				},
			},
			exp: "v0.0.0-20240101000000-abcdef123456",
		},
		{
			name: "replaced dependency",
			info: &debug.BuildInfo{
				Main: debug.Module{Path: "example.com/app"},
				Deps: []*debug.Module{
					{Path: modulePath, Version: "v0.1.0", Replace: &debug.Module{Path: "../jitcore", Version: ""}},
				},
			},
			exp: "v0.1.0",
		},
		{
			name: "not a dependency",
			info: &debug.BuildInfo{Main: debug.Module{Path: "example.com/app"}},
			exp:  Default,
		},
	}

	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.exp, versionOf(tc.info))
		})
	}
}

func TestGetVersion(t *testing.T) {
	require.NotEmpty(t, GetVersion())
}
