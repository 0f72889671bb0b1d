package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/someone5678/system-update-engine-twrp/internal/services"
	"github.com/someone5678/system-update-engine-twrp/internal/utils"
	"github.com/someone5678/system-update-engine-twrp/pkg/clock"
	"github.com/someone5678/system-update-engine-twrp/pkg/file"
	"github.com/someone5678/system-update-engine-twrp/pkg/metrics"
	"github.com/someone5678/system-update-engine-twrp/pkg/mqtt"
	"github.com/someone5678/system-update-engine-twrp/pkg/prefs"
	"github.com/someone5678/system-update-engine-twrp/pkg/sysinfo"
)

func main() {
	// Set up structured logging with JSON output
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	// Initialize file operations handler
	fileClient := file.NewFileService()

	// Load configuration from file
	config, err := utils.LoadConfig("configs/config.yaml", fileClient)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Generate a unique MQTT Client ID by appending a UUID
	config.MQTT.ClientID = config.MQTT.ClientID + "-" + uuid.New().String()
	logger.Info().Str("client_id", config.MQTT.ClientID).Msg("Using MQTT Client ID")

	// Initialize the shared MQTT connection
	mqttClient := mqtt.NewMqttService(fileClient, logger)
	if err := mqttClient.Initialize(config.MQTT.Broker, config.MQTT.ClientID, config.MQTT.CACertificate); err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize MQTT connection")
	}

	// Open the persistent stores: one wiped by a factory reset, one not
	prefsStore, powerwashStore, err := openPrefsStores(config, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open persistent stores")
	}

	systemClock := clock.NewSystemClock()
	systemInfo := sysinfo.NewSystemInfo(config.Device.OSReleaseFile, fileClient)
	metricsSink := metrics.NewMQTTSink(config.Services.Metrics.Topic, config.Device.ID,
		config.Services.Metrics.QOS, mqttClient, logger)

	// Reconstruct the payload state from the stores
	payloadState := services.NewPayloadState(prefsStore, powerwashStore, systemClock,
		metricsSink, systemInfo, services.NewBackoffPolicy(config), logger)
	payloadState.Initialize()

	updateService := services.NewUpdateService(
		config.Services.Update.Topic,
		config.Services.Update.StatusTopic,
		config.Device.ID,
		config.Services.Update.QOS,
		mqttClient,
		payloadState,
		systemInfo,
		logger,
	)

	if config.Services.Update.Enabled {
		if err := updateService.Start(); err != nil {
			logger.Fatal().Err(err).Msg("Failed to start update service")
		}
	}
	logger.Info().Msg("Update agent started successfully")

	// Handle graceful shutdown
	stopCh := make(chan os.Signal, 1)
	signal.Notify(stopCh, syscall.SIGINT, syscall.SIGTERM)
	<-stopCh

	logger.Info().Msg("Shutting down gracefully...")
	if config.Services.Update.Enabled {
		updateService.Stop()
	}
	mqttClient.Disconnect(250)
}

// openPrefsStores builds the ephemeral and powerwash-safe stores from the
// configured backend.
func openPrefsStores(config *utils.Config, logger zerolog.Logger) (prefs.Store, prefs.Store, error) {
	if config.Prefs.Backend == "redis" {
		ctx := context.Background()
		store, err := prefs.NewRedisStore(ctx, config.Prefs.RedisAddr, config.Prefs.RedisHashKey, logger)
		if err != nil {
			return nil, nil, err
		}
		powerwash, err := prefs.NewRedisStore(ctx, config.Prefs.RedisAddr, config.Prefs.RedisPowerwashKey, logger)
		if err != nil {
			return nil, nil, err
		}
		return store, powerwash, nil
	}

	store, err := prefs.NewFileStore(config.Prefs.Directory, logger)
	if err != nil {
		return nil, nil, err
	}
	powerwash, err := prefs.NewFileStore(config.Prefs.PowerwashDirectory, logger)
	if err != nil {
		return nil, nil, err
	}
	return store, powerwash, nil
}
