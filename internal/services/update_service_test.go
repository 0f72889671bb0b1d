package services_test

import (
	"encoding/json"
	"testing"

	MQTT "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/someone5678/system-update-engine-twrp/internal/constants"
	"github.com/someone5678/system-update-engine-twrp/internal/models"
	"github.com/someone5678/system-update-engine-twrp/internal/services"
	"github.com/someone5678/system-update-engine-twrp/tests/mocks"
)

const (
	testDeviceID    = "device-001"
	testSubTopic    = "iot/updates"
	testStatusTopic = "iot/update-status"
)

// serviceFixture wires an UpdateService to a real payload state manager on
// in-memory stores, with the MQTT boundary mocked. The subscribe callback is
// captured so tests can inject commands as if the broker delivered them.
type serviceFixture struct {
	service    *services.UpdateService
	payload    *services.PayloadState
	mqttClient *mocks.MockMQTTClient
	sysInfo    *mocks.MockSystemInfo
	clk        *mocks.FakeClock
	sink       *mocks.RecordingMetricsSink
	handler    MQTT.MessageHandler
}

func newServiceFixture(t *testing.T) *serviceFixture {
	f := &serviceFixture{
		mqttClient: new(mocks.MockMQTTClient),
		sysInfo:    new(mocks.MockSystemInfo),
		clk:        mocks.NewFakeClock(),
		sink:       mocks.NewRecordingMetricsSink(),
	}

	f.payload = services.NewPayloadState(
		mocks.NewMemoryPrefsStore(), mocks.NewMemoryPrefsStore(),
		f.clk, f.sink, f.sysInfo, testPolicy(), zerolog.Nop())
	f.payload.Initialize()

	f.service = services.NewUpdateService(testSubTopic, testStatusTopic,
		testDeviceID, 1, f.mqttClient, f.payload, f.sysInfo, zerolog.Nop())

	subToken := new(mocks.MockToken)
	subToken.On("Wait").Return(true)
	subToken.On("Error").Return(nil)
	f.mqttClient.On("Subscribe", testSubTopic+"/"+testDeviceID, byte(1), mock.Anything).
		Run(func(args mock.Arguments) {
			f.handler = args.Get(2).(MQTT.MessageHandler)
		}).
		Return(subToken)

	pubToken := new(mocks.MockToken)
	f.mqttClient.On("Publish", testStatusTopic+"/"+testDeviceID, byte(1), false, mock.Anything).
		Return(pubToken)

	f.sysInfo.On("GetBootID").Return("boot-1", nil)

	require.NoError(t, f.service.Start())
	require.NotNil(t, f.handler)
	return f
}

// deliver hands a command to the captured subscribe callback the way paho
// would.
func (f *serviceFixture) deliver(t *testing.T, payload models.UpdateCommandPayload) {
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	f.handler(nil, mocks.NewMockMessage(testSubTopic+"/"+testDeviceID, data))
}

// lastStatus decodes the most recently published status document.
func (f *serviceFixture) lastStatus(t *testing.T) models.UpdateStatusPayload {
	var publishCalls []mock.Call
	for _, call := range f.mqttClient.Calls {
		if call.Method == "Publish" {
			publishCalls = append(publishCalls, call)
		}
	}
	require.NotEmpty(t, publishCalls, "expected at least one status publication")

	raw := publishCalls[len(publishCalls)-1].Arguments.Get(3).([]byte)
	var status models.UpdateStatusPayload
	require.NoError(t, json.Unmarshal(raw, &status))
	return status
}

func commandResponse(response models.UpdateResponse) models.UpdateCommandPayload {
	return models.UpdateCommandPayload{Command: "response", Response: &response}
}

func TestUpdateServiceStart(t *testing.T) {
	f := newServiceFixture(t)

	f.mqttClient.AssertCalled(t, "Subscribe", testSubTopic+"/"+testDeviceID, byte(1), mock.Anything)

	err := f.service.Start()
	assert.Error(t, err, "starting twice must fail")
}

func TestUpdateServiceStop(t *testing.T) {
	f := newServiceFixture(t)

	unsubToken := new(mocks.MockToken)
	f.mqttClient.On("Unsubscribe", []string{testSubTopic + "/" + testDeviceID}).Return(unsubToken)

	require.NoError(t, f.service.Stop())
	f.mqttClient.AssertCalled(t, "Unsubscribe", []string{testSubTopic + "/" + testDeviceID})

	assert.Error(t, f.service.Stop(), "stopping twice must fail")
}

func TestResponseCommandAcceptsNewerVersion(t *testing.T) {
	f := newServiceFixture(t)
	f.sysInfo.On("GetOSVersion").Return("1.0.0", nil)

	f.deliver(t, commandResponse(testResponse()))

	assert.Equal(t, constants.UpdateStateResponseReceived, f.payload.GetState())
	status := f.lastStatus(t)
	assert.Equal(t, "response_received", status.State)
	assert.Equal(t, "https://server-a.example.com/payload.bin", status.CurrentURL)
	assert.Equal(t, 1, status.NumResponsesSeen)
}

func TestResponseCommandRefusesOlderVersion(t *testing.T) {
	f := newServiceFixture(t)
	f.sysInfo.On("GetOSVersion").Return("2.0.0", nil)

	downgrade := testResponse()
	downgrade.Version = "1.9.0"
	f.deliver(t, commandResponse(downgrade))

	assert.Equal(t, constants.UpdateStateIdle, f.payload.GetState())
	assert.Equal(t, 0, f.payload.GetNumResponsesSeen())
}

func TestResponseCommandRefusesSameVersion(t *testing.T) {
	f := newServiceFixture(t)
	f.sysInfo.On("GetOSVersion").Return("2.0.0", nil)

	f.deliver(t, commandResponse(testResponse()))

	assert.Equal(t, constants.UpdateStateIdle, f.payload.GetState())
}

func TestResponseCommandAcceptsUnparseableVersions(t *testing.T) {
	f := newServiceFixture(t)
	f.sysInfo.On("GetOSVersion").Return("factory-image-XYZ", nil)

	f.deliver(t, commandResponse(testResponse()))

	assert.Equal(t, constants.UpdateStateResponseReceived, f.payload.GetState())
}

func TestResponseCommandRefusesBlacklistedVersion(t *testing.T) {
	f := newServiceFixture(t)
	f.sysInfo.On("GetOSVersion").Return("1.0.0", nil)

	f.deliver(t, models.UpdateCommandPayload{Command: "rollback"})
	require.Equal(t, "1.0.0", f.payload.GetRollbackVersion())

	blacklisted := testResponse()
	blacklisted.Version = "1.0.0"
	f.deliver(t, commandResponse(blacklisted))

	assert.Equal(t, constants.UpdateStateIdle, f.payload.GetState())

	// A different version is still welcome, and lifts the blacklist.
	f.deliver(t, commandResponse(testResponse()))
	assert.Equal(t, constants.UpdateStateResponseReceived, f.payload.GetState())
	assert.Equal(t, "", f.payload.GetRollbackVersion())
}

func TestResponseCommandWithoutBodyIsIgnored(t *testing.T) {
	f := newServiceFixture(t)

	f.deliver(t, models.UpdateCommandPayload{Command: "response"})

	assert.Equal(t, constants.UpdateStateIdle, f.payload.GetState())
}

func TestProgressAndFailureCommands(t *testing.T) {
	f := newServiceFixture(t)
	f.sysInfo.On("GetOSVersion").Return("1.0.0", nil)
	f.deliver(t, commandResponse(testResponse()))

	f.deliver(t, models.UpdateCommandPayload{Command: "progress", ByteCount: 4096})
	assert.Equal(t, uint64(4096), f.payload.GetCurrentBytesDownloaded(constants.DownloadSourceHTTPSServer))

	f.deliver(t, models.UpdateCommandPayload{
		Command:   "failed",
		ErrorCode: int(constants.ErrorCodeDownloadTransferError),
	})
	assert.Equal(t, int64(1), f.payload.GetURLFailureCount())

	status := f.lastStatus(t)
	assert.Equal(t, "failure", status.State)
	assert.Equal(t, int64(1), status.URLFailureCount)
}

func TestSucceededCommandRecordsExpectedVersion(t *testing.T) {
	f := newServiceFixture(t)
	f.sysInfo.On("GetOSVersion").Return("1.0.0", nil).Once()
	f.deliver(t, commandResponse(testResponse()))

	f.deliver(t, models.UpdateCommandPayload{Command: "download-complete"})
	f.deliver(t, models.UpdateCommandPayload{Command: "succeeded"})

	assert.Equal(t, constants.UpdateStateIdle, f.payload.GetState())
	assert.NotEmpty(t, f.sink.Durations["update.duration"])

	// The version delivered in the response command is what the boot check
	// looks for at the next startup.
	f.sysInfo.On("GetOSVersion").Return("2.0.0", nil)
	f.payload.UpdateEngineStarted()

	assert.Len(t, f.sink.Durations["update.time_to_reboot"], 1)
}

func TestStatusCommandPublishesWithoutSideEffects(t *testing.T) {
	f := newServiceFixture(t)

	f.deliver(t, models.UpdateCommandPayload{Command: "status"})

	status := f.lastStatus(t)
	assert.Equal(t, "idle", status.State)
	assert.Equal(t, "", status.CurrentURL)
	assert.False(t, status.ShouldBackoff)
}

func TestResetCommand(t *testing.T) {
	f := newServiceFixture(t)
	f.sysInfo.On("GetOSVersion").Return("1.0.0", nil)
	f.deliver(t, commandResponse(testResponse()))

	f.deliver(t, models.UpdateCommandPayload{Command: "reset"})

	assert.Equal(t, constants.UpdateStateIdle, f.payload.GetState())
	assert.Equal(t, "", f.payload.GetResponseSignature())
}

func TestUnknownCommandPublishesNothing(t *testing.T) {
	f := newServiceFixture(t)

	f.deliver(t, models.UpdateCommandPayload{Command: "self-destruct"})

	f.mqttClient.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestMalformedCommandIsDropped(t *testing.T) {
	f := newServiceFixture(t)

	f.handler(nil, mocks.NewMockMessage(testSubTopic+"/"+testDeviceID, []byte("{not json")))

	f.mqttClient.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}
