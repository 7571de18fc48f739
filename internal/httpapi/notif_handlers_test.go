package httpapi

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bindDeviceRegister(t *testing.T, body string) error {
	t.Helper()
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodPost, "/notifications/devices/register/", strings.NewReader(body))
	c.Request.Header.Set("Content-Type", "application/json")

	var req deviceRegisterRequest
	return c.ShouldBindJSON(&req)
}

func TestDeviceRegisterAcceptedPlatforms(t *testing.T) {
	for _, platform := range []string{"android", "ios", "web"} {
		t.Run(platform, func(t *testing.T) {
			body := fmt.Sprintf(`{"device_id":"d1","token":"tok","platform":%q}`, platform)
			require.NoError(t, bindDeviceRegister(t, body))
		})
	}
}

func TestDeviceRegisterRejectsUnknownPlatform(t *testing.T) {
	body := `{"device_id":"d1","token":"tok","platform":"blackberry"}`
	assert.Error(t, bindDeviceRegister(t, body))
}

func TestPreferencesPatchClockValidation(t *testing.T) {
	assert.True(t, validClock("22:00"))
	assert.True(t, validClock("07:30"))
	assert.False(t, validClock("25:00"))
	assert.False(t, validClock("9pm"))
	assert.False(t, validClock(""))
}
