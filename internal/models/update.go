package models

import "time"

// UpdateResponse is a read-only snapshot of the manifest the update server
// is currently offering. It carries only the fields that influence the
// payload state machine.
type UpdateResponse struct {
	PayloadUrls           []string `json:"payload_urls"`              // Ordered candidate download URLs
	Size                  int64    `json:"size"`                      // Payload size in bytes
	Hash                  string   `json:"hash"`                      // Payload hash
	MetadataSize          int64    `json:"metadata_size"`             // Metadata blob size in bytes
	IsDeltaPayload        bool     `json:"is_delta_payload"`          // Delta vs. full payload
	Version               string   `json:"version"`                   // Target OS version
	MaxFailureCountPerURL int64    `json:"max_failure_count_per_url"` // Failures tolerated per URL before switching
	DisablePayloadBackoff bool     `json:"disable_payload_backoff"`   // Server opted this payload out of backoff
}

// UpdateCommandPayload is the JSON body of a lifecycle command received over
// MQTT from the fleet backend.
type UpdateCommandPayload struct {
	Command   string          `json:"command"`              // response | progress | resumed | restarted | succeeded | failed | reset | rollback
	Response  *UpdateResponse `json:"response,omitempty"`   // Present for "response" commands
	ByteCount int64           `json:"byte_count,omitempty"` // Present for "progress" commands
	ErrorCode int             `json:"error_code,omitempty"` // Present for "failed" commands
}

// UpdateStatusPayload is published back to the fleet backend on request and
// after every lifecycle transition.
type UpdateStatusPayload struct {
	State                 string    `json:"state"`
	CurrentURL            string    `json:"current_url"`
	PayloadAttemptNumber  int       `json:"payload_attempt_number"`
	URLFailureCount       int64     `json:"url_failure_count"`
	URLSwitchCount        int64     `json:"url_switch_count"`
	NumResponsesSeen      int       `json:"num_responses_seen"`
	BackoffExpiryTime     time.Time `json:"backoff_expiry_time"`
	ShouldBackoff         bool      `json:"should_backoff"`
	UpdateDurationSeconds float64   `json:"update_duration_seconds"`
}

// MetricEvent is the wire format of a single metric emission.
type MetricEvent struct {
	DeviceID  string    `json:"device_id"`
	Name      string    `json:"name"`
	Kind      string    `json:"kind"` // count | duration | text
	Value     int64     `json:"value,omitempty"`
	Text      string    `json:"text,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
