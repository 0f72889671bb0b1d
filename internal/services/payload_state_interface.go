package services

import (
	"time"

	"github.com/someone5678/system-update-engine-twrp/internal/constants"
	"github.com/someone5678/system-update-engine-twrp/internal/models"
)

// PayloadStateInterface exposes the persisted decision-making state of the
// update agent. Production code and test doubles both implement it; the
// orchestrator never reaches past this surface.
//
// All operations are synchronous and must be invoked from a single logical
// caller; the implementation persists every mutation before returning but
// performs no internal locking.
type PayloadStateInterface interface {
	// Lifecycle operations driven by the update orchestrator.
	SetResponse(response models.UpdateResponse)
	DownloadComplete()
	DownloadProgress(count int64)
	UpdateResumed()
	UpdateRestarted()
	UpdateSucceeded()
	UpdateFailed(errorCode constants.ErrorCode)
	ResetUpdateStatus()
	ShouldBackoffDownload() bool
	Rollback()
	ExpectRebootInNewVersion(targetVersion string)
	UpdateEngineStarted()

	// Read accessors for persisted and derived state.
	GetState() constants.UpdateState
	GetResponseSignature() string
	GetPayloadAttemptNumber() int
	GetFullPayloadAttemptNumber() int
	GetCurrentURL() string
	GetURLIndex() int64
	GetURLFailureCount() int64
	GetURLSwitchCount() int64
	GetNumResponsesSeen() int
	GetNumReboots() int64
	GetBackoffExpiryTime() time.Time
	GetUpdateDuration() time.Duration
	GetUpdateDurationUptime() time.Duration
	GetCurrentDownloadSource() constants.DownloadSource
	GetCurrentBytesDownloaded(source constants.DownloadSource) uint64
	GetTotalBytesDownloaded(source constants.DownloadSource) uint64
	GetRollbackVersion() string
}
