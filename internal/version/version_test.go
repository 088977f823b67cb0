package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestString(t *testing.T) {
	v, sha, bt := Version, GitSHA, BuildTime
	t.Cleanup(func() { Version, GitSHA, BuildTime = v, sha, bt })

	Version, GitSHA, BuildTime = "0.3.0", "abc1234", "2026-03-01T08:00:00Z"
	assert.Equal(t, "0.3.0 (git abc1234, built 2026-03-01T08:00:00Z)", String())
}
