package metrics_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/someone5678/system-update-engine-twrp/internal/models"
	"github.com/someone5678/system-update-engine-twrp/pkg/metrics"
	"github.com/someone5678/system-update-engine-twrp/tests/mocks"
)

func publishedEvent(t *testing.T, mqttClient *mocks.MockMQTTClient) models.MetricEvent {
	require.Len(t, mqttClient.Calls, 1)
	raw := mqttClient.Calls[0].Arguments.Get(3).([]byte)

	var event models.MetricEvent
	require.NoError(t, json.Unmarshal(raw, &event))
	return event
}

func newSink(mqttClient *mocks.MockMQTTClient) *metrics.MQTTSink {
	token := new(mocks.MockToken)
	mqttClient.On("Publish", "iot/metrics", byte(0), false, mock.Anything).Return(token)
	return metrics.NewMQTTSink("iot/metrics", "device-001", 0, mqttClient, zerolog.Nop())
}

func TestMQTTSinkCount(t *testing.T) {
	mqttClient := new(mocks.MockMQTTClient)
	sink := newSink(mqttClient)

	sink.Count("update.url_switch_count", 3)

	event := publishedEvent(t, mqttClient)
	assert.Equal(t, "update.url_switch_count", event.Name)
	assert.Equal(t, "count", event.Kind)
	assert.Equal(t, int64(3), event.Value)
	assert.Equal(t, "device-001", event.DeviceID)
	assert.False(t, event.Timestamp.IsZero())
}

func TestMQTTSinkDurationReportsMilliseconds(t *testing.T) {
	mqttClient := new(mocks.MockMQTTClient)
	sink := newSink(mqttClient)

	sink.Duration("update.time_to_reboot", 90*time.Second)

	event := publishedEvent(t, mqttClient)
	assert.Equal(t, "duration", event.Kind)
	assert.Equal(t, int64(90000), event.Value)
}

func TestMQTTSinkText(t *testing.T) {
	mqttClient := new(mocks.MockMQTTClient)
	sink := newSink(mqttClient)

	sink.Text("update.payload_type", "full")

	event := publishedEvent(t, mqttClient)
	assert.Equal(t, "text", event.Kind)
	assert.Equal(t, "full", event.Text)
}
