package metrics

import (
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/someone5678/system-update-engine-twrp/internal/models"
	"github.com/someone5678/system-update-engine-twrp/pkg/mqtt"
)

// Metric names emitted by the payload state manager.
const (
	MetricCurrentBytesDownloaded = "update.bytes_downloaded.current" // suffixed with .<source>
	MetricTotalBytesDownloaded   = "update.bytes_downloaded.total"   // suffixed with .<source>
	MetricDownloadOverheadPct    = "update.download_overhead_percent"
	MetricURLSwitchCount         = "update.url_switch_count"
	MetricNumReboots             = "update.reboot_count"
	MetricUpdateDuration         = "update.duration"
	MetricUpdateDurationUptime   = "update.duration_uptime"
	MetricTimeToReboot           = "update.time_to_reboot"
	MetricFailedBootAttempts     = "update.failed_boot_attempt_count"
	MetricResponsesAbandoned     = "update.responses_abandoned_count"
	MetricPayloadType            = "update.payload_type"
	MetricAttemptCount           = "update.attempt_count"
	MetricFullAttemptCount       = "update.full_attempt_count"
)

// Sink receives fire-and-forget metric emissions. Implementations must not
// block the caller on delivery.
type Sink interface {
	Count(name string, value int64)
	Duration(name string, value time.Duration)
	Text(name string, value string)
}

// MQTTSink publishes metric events as JSON documents on a metrics topic,
// one message per emission.
type MQTTSink struct {
	pubTopic   string
	deviceID   string
	qos        int
	mqttClient mqtt.MQTTClient
	logger     zerolog.Logger
}

// NewMQTTSink creates an MQTT-backed metrics sink.
func NewMQTTSink(pubTopic, deviceID string, qos int, mqttClient mqtt.MQTTClient, logger zerolog.Logger) *MQTTSink {
	return &MQTTSink{
		pubTopic:   pubTopic,
		deviceID:   deviceID,
		qos:        qos,
		mqttClient: mqttClient,
		logger:     logger,
	}
}

// Count emits a counter sample.
func (m *MQTTSink) Count(name string, value int64) {
	m.publish(models.MetricEvent{Name: name, Kind: "count", Value: value})
}

// Duration emits a duration sample in milliseconds.
func (m *MQTTSink) Duration(name string, value time.Duration) {
	m.publish(models.MetricEvent{Name: name, Kind: "duration", Value: value.Milliseconds()})
}

// Text emits a textual sample, used for enum-like metrics.
func (m *MQTTSink) Text(name string, value string) {
	m.publish(models.MetricEvent{Name: name, Kind: "text", Text: value})
}

func (m *MQTTSink) publish(event models.MetricEvent) {
	event.DeviceID = m.deviceID
	event.Timestamp = time.Now().UTC()

	payload, err := json.Marshal(event)
	if err != nil {
		m.logger.Error().Err(err).Str("metric", event.Name).Msg("Failed to serialize metric event")
		return
	}

	// Fire and forget: delivery failures are logged by paho, never
	// surfaced to the state machine.
	m.mqttClient.Publish(m.pubTopic, byte(m.qos), false, payload)
	m.logger.Debug().Str("metric", event.Name).Int64("value", event.Value).Msg("Published metric")
}

// NopSink discards all emissions.
type NopSink struct{}

func (NopSink) Count(string, int64)            {}
func (NopSink) Duration(string, time.Duration) {}
func (NopSink) Text(string, string)            {}
