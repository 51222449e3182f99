package version

import (
	"encoding/json"
	"regexp"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionFollowsSemverOrDev(t *testing.T) {
	require.NotEmpty(t, Version)
	if Version == "dev" {
		return
	}
	semver := regexp.MustCompile(`^\d+\.\d+\.\d+(-[a-zA-Z0-9.]+)?$`)
	assert.True(t, semver.MatchString(Version), "got: %s", Version)
}

func TestStringContainsBuildInfo(t *testing.T) {
	s := String()
	assert.Contains(t, s, "mdkeeper")
	assert.Contains(t, s, Version)
	assert.Contains(t, s, "commit")
}

func TestGetInfoRoundtrips(t *testing.T) {
	info := GetInfo()
	assert.Equal(t, Version, info.Version)
	assert.Equal(t, runtime.Version(), info.GoVersion)
	assert.Equal(t, runtime.GOOS, info.OS)

	data, err := json.Marshal(info)
	require.NoError(t, err)
	var parsed map[string]string
	require.NoError(t, json.Unmarshal(data, &parsed))
	assert.Contains(t, parsed, "version")
	assert.Contains(t, parsed, "go_version")
}
