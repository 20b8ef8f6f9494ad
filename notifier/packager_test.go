package notifier

import (
	"fmt"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/n0needt0/goodies/rollbar-agent/config"
	"github.com/n0needt0/goodies/rollbar-agent/domain"
)

func testPackager(mutate func(*config.Rollbar)) *Packager {
	cfg := &config.Rollbar{
		AccessToken: "tok",
		Environment: "test",
		Enabled:     true,
		Platform:    "linux",
	}
	if mutate != nil {
		mutate(cfg)
	}
	return NewPackager(cfg)
}

func TestBuildDataFromString(t *testing.T) {
	pk := testPackager(nil)

	data := pk.BuildData(domain.LevelError, "boom", nil, nil)

	require.NotNil(t, data.Body.Message)
	assert.Equal(t, "boom", data.Body.Message.Body)
	assert.Equal(t, "boom", data.Title)
	assert.Equal(t, "error", data.Level)
	assert.Equal(t, "test", data.Environment)
	assert.Equal(t, "go", data.Language)
	assert.NotEmpty(t, data.UUID)
	assert.NotZero(t, data.Timestamp)
	require.NotNil(t, data.Notifier)
	assert.Equal(t, "rollbar-agent", data.Notifier.Name)
}

func TestBuildDataFromError(t *testing.T) {
	pk := testPackager(nil)

	data := pk.BuildData(domain.LevelError, fmt.Errorf("kaput"), nil, nil)

	require.NotNil(t, data.Body.Trace)
	assert.Equal(t, "kaput", data.Body.Trace.Exception.Message)
	assert.NotEmpty(t, data.Body.Trace.Frames, "a single error carries the captured stack")
}

func TestBuildDataFromWrappedError(t *testing.T) {
	pk := testPackager(nil)

	cause := errors.New("connection refused")
	err := fmt.Errorf("dial upstream: %w", cause)

	data := pk.BuildData(domain.LevelError, err, nil, nil)

	require.NotNil(t, data.Body.TraceChain)
	require.Len(t, data.Body.TraceChain, 2)
	assert.Equal(t, "dial upstream: connection refused", data.Body.TraceChain[0].Exception.Message)
	assert.Equal(t, "connection refused", data.Body.TraceChain[1].Exception.Message)
	assert.NotEmpty(t, data.Body.TraceChain[0].Frames)
	assert.Empty(t, data.Body.TraceChain[1].Frames)
}

func TestBuildDataFromMapMergesCustom(t *testing.T) {
	pk := testPackager(nil)

	data := pk.BuildData(domain.LevelWarning, map[string]interface{}{
		"message": "disk almost full",
		"disk":    "/dev/sda1",
	}, nil, map[string]interface{}{"host": "web-1"})

	require.NotNil(t, data.Body.Message)
	assert.Equal(t, "disk almost full", data.Body.Message.Body)
	assert.Equal(t, "/dev/sda1", data.Custom["disk"])
	assert.Equal(t, "web-1", data.Custom["host"])
}

func TestBuildDataFromPreparedBody(t *testing.T) {
	pk := testPackager(nil)

	body := domain.CrashReportBody("raw dump")
	data := pk.BuildData(domain.LevelCritical, body, nil, nil)

	assert.Same(t, body, data.Body)
}

func TestScrubFieldsInCustom(t *testing.T) {
	pk := testPackager(func(cfg *config.Rollbar) {
		cfg.ScrubFields = []string{"password", "api_key"}
	})

	data := pk.BuildData(domain.LevelError, "x", nil, map[string]interface{}{
		"password": "hunter2",
		"nested":   map[string]interface{}{"api_key": "abc"},
		"kept":     "value",
	})

	assert.Equal(t, "***", data.Custom["password"])
	assert.Equal(t, "***", data.Custom["nested"].(map[string]interface{})["api_key"])
	assert.Equal(t, "value", data.Custom["kept"])
}

func TestScrubWhitelistWins(t *testing.T) {
	pk := testPackager(func(cfg *config.Rollbar) {
		cfg.ScrubFields = []string{"password", "token"}
		cfg.ScrubWhitelistFields = []string{"token"}
	})

	data := pk.BuildData(domain.LevelError, "x", nil, map[string]interface{}{
		"password": "hunter2",
		"token":    "public-token",
	})

	assert.Equal(t, "***", data.Custom["password"])
	assert.Equal(t, "public-token", data.Custom["token"])
}

func TestScrubRequestHeaders(t *testing.T) {
	pk := testPackager(func(cfg *config.Rollbar) {
		cfg.ScrubFields = []string{"authorization"}
	})

	req := &domain.RequestInfo{
		Headers: map[string]string{"Authorization": "Bearer abc", "Accept": "*/*"},
	}
	data := pk.BuildData(domain.LevelError, "x", req, nil)

	assert.Equal(t, "***", data.Request.Headers["Authorization"])
	assert.Equal(t, "*/*", data.Request.Headers["Accept"])
}

func TestPersonPolicies(t *testing.T) {
	pk := testPackager(func(cfg *config.Rollbar) {
		cfg.Person = &domain.Person{ID: "42", Username: "jo", Email: "jo@example.com"}
		cfg.PersonDataCollectionPolicies = config.PersonPolicies{CollectUsername: true}
	})

	data := pk.BuildData(domain.LevelError, "x", nil, nil)

	require.NotNil(t, data.Person)
	assert.Equal(t, "42", data.Person.ID)
	assert.Equal(t, "jo", data.Person.Username)
	assert.Empty(t, data.Person.Email, "email is withheld without its policy")
}

func TestIpAddressPolicies(t *testing.T) {
	req := &domain.RequestInfo{UserIP: "203.0.113.7"}

	collect := testPackager(nil)
	assert.Equal(t, "203.0.113.7", collect.BuildData(domain.LevelError, "x", req, nil).Request.UserIP)

	anon := testPackager(func(cfg *config.Rollbar) {
		cfg.IpAddressCollectionPolicy = config.IpPolicyAnonymize
	})
	assert.Equal(t, "203.0.113.0", anon.BuildData(domain.LevelError, "x", req, nil).Request.UserIP)

	none := testPackager(func(cfg *config.Rollbar) {
		cfg.IpAddressCollectionPolicy = config.IpPolicyDoNotSend
	})
	assert.Empty(t, none.BuildData(domain.LevelError, "x", req, nil).Request.UserIP)
}
