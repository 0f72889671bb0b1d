package constants

// Keys under which the payload state is persisted. Per-source keys append
// "-<source-number>" to the listed prefix.
const (
	PrefsResponseSignature        = "response-signature"
	PrefsResponseVersion          = "response-version"
	PrefsPayloadAttemptNumber     = "payload-attempt-number"
	PrefsFullPayloadAttemptNumber = "full-payload-attempt-number"
	PrefsCurrentURLIndex          = "current-url-index"
	PrefsCurrentURLFailureCount   = "current-url-failure-count"
	PrefsURLSwitchCount           = "url-switch-count"
	PrefsBackoffExpiryTime        = "backoff-expiry-time"
	PrefsUpdateTimestampStart     = "update-timestamp-start"
	PrefsUpdateDurationUptime     = "update-duration-uptime"
	PrefsCurrentBytesDownloaded   = "current-bytes-downloaded"
	PrefsTotalBytesDownloaded     = "total-bytes-downloaded"
	PrefsNumResponsesSeen         = "num-responses-seen"
	PrefsNumReboots               = "num-reboots"
	PrefsSystemUpdatedMarker      = "system-updated-marker"
	PrefsTargetVersionInstalled   = "target-version-installed"
	PrefsTargetVersionAttempt     = "target-version-attempt"
	PrefsBootID                   = "boot-id"

	// Stored in the powerwash-safe prefs instance only.
	PrefsRollbackVersion = "rollback-version"
)
