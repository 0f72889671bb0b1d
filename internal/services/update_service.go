package services

import (
	"encoding/json"
	"errors"

	"github.com/Masterminds/semver/v3"
	MQTT "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/someone5678/system-update-engine-twrp/internal/constants"
	"github.com/someone5678/system-update-engine-twrp/internal/models"
	"github.com/someone5678/system-update-engine-twrp/pkg/mqtt"
	"github.com/someone5678/system-update-engine-twrp/pkg/sysinfo"
)

// UpdateService bridges the fleet backend and the payload state manager: it
// subscribes to per-device lifecycle commands over MQTT, applies version and
// rollback gating, forwards each command to the manager, and publishes the
// resulting status. All decision state lives in the manager; this service
// holds none of its own.
type UpdateService struct {
	subTopic     string
	statusTopic  string
	deviceID     string
	qos          int
	mqttClient   mqtt.MQTTClient
	payloadState PayloadStateInterface
	systemInfo   sysinfo.SystemInfoInterface
	logger       zerolog.Logger

	running bool
}

// NewUpdateService creates and returns a new instance of UpdateService.
func NewUpdateService(subTopic, statusTopic, deviceID string, qos int,
	mqttClient mqtt.MQTTClient, payloadState PayloadStateInterface,
	systemInfo sysinfo.SystemInfoInterface, logger zerolog.Logger) *UpdateService {

	return &UpdateService{
		subTopic:     subTopic,
		statusTopic:  statusTopic,
		deviceID:     deviceID,
		qos:          qos,
		mqttClient:   mqttClient,
		payloadState: payloadState,
		systemInfo:   systemInfo,
		logger:       logger,
	}
}

// Start loads the persisted payload state, runs the startup reboot check,
// and subscribes to the update command topic.
func (u *UpdateService) Start() error {
	if u.running {
		u.logger.Warn().Msg("UpdateService is already running")
		return errors.New("update service is already running")
	}

	u.payloadState.UpdateEngineStarted()

	topic := u.subTopic + "/" + u.deviceID
	token := u.mqttClient.Subscribe(topic, byte(u.qos), u.handleUpdateCommand)
	if token.Wait() && token.Error() != nil {
		u.logger.Error().Err(token.Error()).Str("topic", topic).Msg("Failed to subscribe to update topic")
		return token.Error()
	}

	u.running = true
	u.logger.Info().Str("topic", topic).Msg("Subscribed to MQTT update topic")
	return nil
}

// Stop unsubscribes from the update command topic.
func (u *UpdateService) Stop() error {
	if !u.running {
		return errors.New("update service is not running")
	}

	topic := u.subTopic + "/" + u.deviceID
	u.mqttClient.Unsubscribe(topic)
	u.running = false
	u.logger.Info().Msg("UpdateService stopped")
	return nil
}

// handleUpdateCommand processes incoming MQTT update lifecycle commands.
func (u *UpdateService) handleUpdateCommand(client MQTT.Client, msg MQTT.Message) {
	var payload models.UpdateCommandPayload
	if err := json.Unmarshal(msg.Payload(), &payload); err != nil {
		u.logger.Error().Err(err).Msg("Failed to parse update command payload")
		return
	}

	u.logger.Info().Str("command", payload.Command).Msg("Received update command")

	switch payload.Command {
	case "response":
		u.handleResponse(payload.Response)

	case "progress":
		u.payloadState.DownloadProgress(payload.ByteCount)

	case "download-complete":
		u.payloadState.DownloadComplete()

	case "resumed":
		u.payloadState.UpdateResumed()

	case "restarted":
		u.payloadState.UpdateRestarted()

	case "succeeded":
		u.payloadState.UpdateSucceeded()

	case "failed":
		u.payloadState.UpdateFailed(constants.ErrorCode(payload.ErrorCode))

	case "reset":
		u.payloadState.ResetUpdateStatus()

	case "rollback":
		u.payloadState.Rollback()

	case "status":
		// Fall through to the status publication below.

	default:
		u.logger.Warn().Str("command", payload.Command).Msg("Unknown update command")
		return
	}

	u.publishStatus()
}

// handleResponse gates an offered manifest before handing it to the payload
// state: blacklisted rollback versions and versions not newer than the
// running one are refused.
func (u *UpdateService) handleResponse(response *models.UpdateResponse) {
	if response == nil {
		u.logger.Error().Msg("Response command without a response body")
		return
	}

	if rollback := u.payloadState.GetRollbackVersion(); rollback != "" && rollback == response.Version {
		u.logger.Warn().Str("version", response.Version).Msg("Refusing blacklisted rollback version")
		return
	}

	if !u.isNewerThanRunning(response.Version) {
		u.logger.Info().Str("version", response.Version).Msg("Offered version is not newer than the running one, ignoring")
		return
	}

	u.payloadState.SetResponse(*response)
}

// isNewerThanRunning compares the offered version against the running OS
// version. Unparseable versions are let through; refusing updates is worse
// than accepting a re-offer.
func (u *UpdateService) isNewerThanRunning(offered string) bool {
	runningVersion, err := u.systemInfo.GetOSVersion()
	if err != nil {
		u.logger.Warn().Err(err).Msg("Cannot determine running version, accepting offer")
		return true
	}

	running, err := semver.NewVersion(runningVersion)
	if err != nil {
		return true
	}
	candidate, err := semver.NewVersion(offered)
	if err != nil {
		return true
	}
	return candidate.GreaterThan(running)
}

// publishStatus emits the current update status document.
func (u *UpdateService) publishStatus() {
	status := models.UpdateStatusPayload{
		State:                 string(u.payloadState.GetState()),
		CurrentURL:            u.payloadState.GetCurrentURL(),
		PayloadAttemptNumber:  u.payloadState.GetPayloadAttemptNumber(),
		URLFailureCount:       u.payloadState.GetURLFailureCount(),
		URLSwitchCount:        u.payloadState.GetURLSwitchCount(),
		NumResponsesSeen:      u.payloadState.GetNumResponsesSeen(),
		BackoffExpiryTime:     u.payloadState.GetBackoffExpiryTime(),
		ShouldBackoff:         u.payloadState.ShouldBackoffDownload(),
		UpdateDurationSeconds: u.payloadState.GetUpdateDuration().Seconds(),
	}

	data, err := json.Marshal(status)
	if err != nil {
		u.logger.Error().Err(err).Msg("Failed to serialize update status")
		return
	}

	topic := u.statusTopic + "/" + u.deviceID
	u.mqttClient.Publish(topic, byte(u.qos), false, data)
}
