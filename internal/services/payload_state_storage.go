package services

import (
	"fmt"
	"time"

	"github.com/someone5678/system-update-engine-twrp/internal/constants"
	"github.com/someone5678/system-update-engine-twrp/pkg/prefs"
)

// Load/persist plumbing for every field of the payload state. Reads treat
// missing, malformed and negative stored values as absent and substitute the
// default; writes log failures and carry on, since losing a counter beats
// halting updates.

// sourceKey returns the persisted key for a per-download-source counter.
func sourceKey(prefix string, source constants.DownloadSource) string {
	return fmt.Sprintf("%s-%d", prefix, int(source))
}

// getPersistedValue reads a non-negative integer from the given store.
// Anything else reads as absent.
func (p *PayloadState) getPersistedValue(store prefs.Store, key string) (int64, bool) {
	value, err := store.GetInt64(key)
	if err != nil {
		return 0, false
	}
	if value < 0 {
		p.logger.Warn().Str("key", key).Int64("value", value).Msg("Ignoring negative persisted value")
		return 0, false
	}
	return value, true
}

// persistInt64 writes an integer, logging and swallowing failures.
func (p *PayloadState) persistInt64(store prefs.Store, key string, value int64) {
	if err := store.SetInt64(key, value); err != nil {
		p.logger.Error().Err(err).Str("key", key).Msg("Failed to persist value")
	}
}

// persistString writes a string, logging and swallowing failures.
func (p *PayloadState) persistString(store prefs.Store, key string, value string) {
	if err := store.SetString(key, value); err != nil {
		p.logger.Error().Err(err).Str("key", key).Msg("Failed to persist value")
	}
}

func (p *PayloadState) loadResponseSignature() {
	signature, err := p.prefs.GetString(constants.PrefsResponseSignature)
	if err != nil {
		signature = ""
	}
	p.responseSignature = signature
}

func (p *PayloadState) setResponseSignature(signature string) {
	p.responseSignature = signature
	if signature == "" {
		if err := p.prefs.Delete(constants.PrefsResponseSignature); err != nil {
			p.logger.Error().Err(err).Msg("Failed to clear response signature")
		}
		return
	}
	p.persistString(p.prefs, constants.PrefsResponseSignature, signature)
}

func (p *PayloadState) loadTargetVersion() {
	version, err := p.prefs.GetString(constants.PrefsResponseVersion)
	if err != nil {
		version = ""
	}
	p.targetVersion = version
}

func (p *PayloadState) setTargetVersion(version string) {
	p.targetVersion = version
	p.persistString(p.prefs, constants.PrefsResponseVersion, version)
}

func (p *PayloadState) loadPayloadAttemptNumber() {
	value, _ := p.getPersistedValue(p.prefs, constants.PrefsPayloadAttemptNumber)
	p.payloadAttemptNumber = int(value)
}

func (p *PayloadState) setPayloadAttemptNumber(attemptNumber int) {
	p.payloadAttemptNumber = attemptNumber
	p.persistInt64(p.prefs, constants.PrefsPayloadAttemptNumber, int64(attemptNumber))
}

func (p *PayloadState) loadFullPayloadAttemptNumber() {
	value, _ := p.getPersistedValue(p.prefs, constants.PrefsFullPayloadAttemptNumber)
	p.fullPayloadAttemptNumber = int(value)
}

func (p *PayloadState) setFullPayloadAttemptNumber(attemptNumber int) {
	p.fullPayloadAttemptNumber = attemptNumber
	p.persistInt64(p.prefs, constants.PrefsFullPayloadAttemptNumber, int64(attemptNumber))
}

func (p *PayloadState) loadURLIndex() {
	value, _ := p.getPersistedValue(p.prefs, constants.PrefsCurrentURLIndex)
	p.urlIndex = value
}

func (p *PayloadState) setURLIndex(urlIndex int64) {
	p.urlIndex = urlIndex
	p.persistInt64(p.prefs, constants.PrefsCurrentURLIndex, urlIndex)
}

func (p *PayloadState) loadURLFailureCount() {
	value, _ := p.getPersistedValue(p.prefs, constants.PrefsCurrentURLFailureCount)
	p.urlFailureCount = value
}

func (p *PayloadState) setURLFailureCount(failureCount int64) {
	p.urlFailureCount = failureCount
	p.persistInt64(p.prefs, constants.PrefsCurrentURLFailureCount, failureCount)
}

func (p *PayloadState) loadURLSwitchCount() {
	value, _ := p.getPersistedValue(p.prefs, constants.PrefsURLSwitchCount)
	p.urlSwitchCount = value
}

func (p *PayloadState) setURLSwitchCount(switchCount int64) {
	p.urlSwitchCount = switchCount
	p.persistInt64(p.prefs, constants.PrefsURLSwitchCount, switchCount)
}

// loadBackoffExpiryTime restores the backoff deadline. A deadline further
// out than the policy could ever produce is treated as store corruption.
func (p *PayloadState) loadBackoffExpiryTime() {
	p.backoffExpiryTime = time.Time{}

	micros, ok := p.getPersistedValue(p.prefs, constants.PrefsBackoffExpiryTime)
	if !ok || micros == 0 {
		return
	}

	expiry := time.UnixMicro(micros)
	upperBound := p.clock.Now().Add(p.policy.MaxInterval + p.policy.MaxJitter)
	if expiry.After(upperBound) {
		p.logger.Warn().Time("expiry", expiry).Msg("Persisted backoff expiry exceeds policy maximum, discarding")
		return
	}
	p.backoffExpiryTime = expiry
}

func (p *PayloadState) setBackoffExpiryTime(expiry time.Time) {
	p.backoffExpiryTime = expiry
	if expiry.IsZero() {
		p.persistInt64(p.prefs, constants.PrefsBackoffExpiryTime, 0)
		return
	}
	p.persistInt64(p.prefs, constants.PrefsBackoffExpiryTime, expiry.UnixMicro())
}

// loadUpdateTimestampStart restores the attempt start time. An absent value
// initializes to now; a value in the future beyond the slack means the
// wall clock stepped backwards since it was written, and now is the closest
// defensible stand-in.
func (p *PayloadState) loadUpdateTimestampStart() {
	now := p.clock.Now()

	micros, ok := p.getPersistedValue(p.prefs, constants.PrefsUpdateTimestampStart)
	if !ok {
		p.setUpdateTimestampStart(now)
		return
	}

	start := time.UnixMicro(micros)
	if start.After(now.Add(p.policy.DurationSlack)) {
		p.logger.Warn().Time("start", start).Msg("Persisted update start is in the future, clamping to now")
		p.setUpdateTimestampStart(now)
		return
	}
	p.updateTimestampStart = start
}

func (p *PayloadState) setUpdateTimestampStart(start time.Time) {
	p.updateTimestampStart = start
	p.persistInt64(p.prefs, constants.PrefsUpdateTimestampStart, start.UnixMicro())
}

// setUpdateTimestampEnd is memory-only: the end of an update is immediately
// followed by a state reset, so persisting it buys nothing.
func (p *PayloadState) setUpdateTimestampEnd(end time.Time) {
	p.updateTimestampEnd = end
}

func (p *PayloadState) loadUpdateDurationUptime() {
	nanos, _ := p.getPersistedValue(p.prefs, constants.PrefsUpdateDurationUptime)
	p.updateDurationUptime = time.Duration(nanos)
	// Checkpoint restarts from the current monotonic reading; uptime from
	// before the restart is already banked in the persisted value.
	p.updateDurationUptimeTimestamp = p.clock.MonotonicNow()
}

func (p *PayloadState) setUpdateDurationUptime(duration time.Duration) {
	p.updateDurationUptime = duration
	p.persistInt64(p.prefs, constants.PrefsUpdateDurationUptime, int64(duration))
}

func (p *PayloadState) loadCurrentBytesDownloaded(source constants.DownloadSource) {
	if source < 0 || source >= constants.NumDownloadSources {
		return
	}
	value, _ := p.getPersistedValue(p.prefs, sourceKey(constants.PrefsCurrentBytesDownloaded, source))
	p.currentBytesDownloaded[source] = uint64(value)
}

func (p *PayloadState) setCurrentBytesDownloaded(source constants.DownloadSource, bytes uint64) {
	if source < 0 || source >= constants.NumDownloadSources {
		return
	}
	p.currentBytesDownloaded[source] = bytes
	p.persistInt64(p.prefs, sourceKey(constants.PrefsCurrentBytesDownloaded, source), int64(bytes))
}

func (p *PayloadState) loadTotalBytesDownloaded(source constants.DownloadSource) {
	if source < 0 || source >= constants.NumDownloadSources {
		return
	}
	value, _ := p.getPersistedValue(p.prefs, sourceKey(constants.PrefsTotalBytesDownloaded, source))
	p.totalBytesDownloaded[source] = uint64(value)
}

func (p *PayloadState) setTotalBytesDownloaded(source constants.DownloadSource, bytes uint64) {
	if source < 0 || source >= constants.NumDownloadSources {
		return
	}
	p.totalBytesDownloaded[source] = bytes
	p.persistInt64(p.prefs, sourceKey(constants.PrefsTotalBytesDownloaded, source), int64(bytes))
}

func (p *PayloadState) loadNumResponsesSeen() {
	value, _ := p.getPersistedValue(p.prefs, constants.PrefsNumResponsesSeen)
	p.numResponsesSeen = int(value)
}

func (p *PayloadState) setNumResponsesSeen(numResponsesSeen int) {
	p.numResponsesSeen = numResponsesSeen
	p.persistInt64(p.prefs, constants.PrefsNumResponsesSeen, int64(numResponsesSeen))
}

func (p *PayloadState) loadNumReboots() {
	value, _ := p.getPersistedValue(p.prefs, constants.PrefsNumReboots)
	p.numReboots = value
}

func (p *PayloadState) setNumReboots(numReboots int64) {
	p.numReboots = numReboots
	p.persistInt64(p.prefs, constants.PrefsNumReboots, numReboots)
}

// loadRollbackVersion reads from the powerwash-safe store: the blacklist
// must survive a factory reset.
func (p *PayloadState) loadRollbackVersion() {
	version, err := p.powerwashPrefs.GetString(constants.PrefsRollbackVersion)
	if err != nil {
		version = ""
	}
	p.rollbackVersion = version
}

func (p *PayloadState) setRollbackVersion(version string) {
	p.rollbackVersion = version
	p.persistString(p.powerwashPrefs, constants.PrefsRollbackVersion, version)
}
