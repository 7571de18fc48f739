package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// The platforms the registration endpoint accepts must all pass the
// device_tokens CHECK constraint.
func TestDeviceTokenPlatformCheck(t *testing.T) {
	assert.Contains(t, schema, "platform IN ('android','ios','web')")
}
