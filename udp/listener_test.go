package udp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEventExtractsMessageAndLevel(t *testing.T) {
	event, custom, err := ParseEvent([]byte(`{"message":"disk failing","level":"critical","host":"web-1"}`))
	require.NoError(t, err)

	assert.Equal(t, "disk failing", event.Message)
	assert.Equal(t, "critical", event.Level)
	assert.Equal(t, "web-1", custom["host"])
	assert.NotContains(t, custom, "message")
	assert.NotContains(t, custom, "level")
}

func TestParseEventFlattensNestedFields(t *testing.T) {
	payload := []byte(`{"message":"slow query","db":{"name":"orders","timing":{"ms":5400}}}`)

	event, custom, err := ParseEvent(payload)
	require.NoError(t, err)

	assert.Equal(t, "slow query", event.Message)
	assert.Equal(t, "orders", custom["db.name"])
	assert.Equal(t, float64(5400), custom["db.timing.ms"])
}

func TestParseEventMinimal(t *testing.T) {
	event, custom, err := ParseEvent([]byte(`{"message":"just text"}`))
	require.NoError(t, err)

	assert.Equal(t, "just text", event.Message)
	assert.Empty(t, event.Level)
	assert.Nil(t, custom)
}

func TestParseEventRejectsGarbage(t *testing.T) {
	_, _, err := ParseEvent([]byte(`not json at all`))
	assert.Error(t, err)
}

func TestParseEventRejectsNonObject(t *testing.T) {
	_, _, err := ParseEvent([]byte(`[1,2,3]`))
	assert.Error(t, err)
}
