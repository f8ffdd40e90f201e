package mcpserver

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildCodingServer_ConstructsWithoutPanic(t *testing.T) {
	assert.NotPanics(t, func() {
		s := BuildCodingServer(Deps{})
		assert.NotNil(t, s)
	})
}

func TestBuildSupportServer_ConstructsWithoutPanic(t *testing.T) {
	assert.NotPanics(t, func() {
		s := BuildSupportServer(Deps{})
		assert.NotNil(t, s)
	})
}

func TestDeps_LoggerDefaultsWhenNil(t *testing.T) {
	d := Deps{}
	assert.NotNil(t, d.logger())
}
