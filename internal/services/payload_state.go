package services

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/rand"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/someone5678/system-update-engine-twrp/internal/constants"
	"github.com/someone5678/system-update-engine-twrp/internal/models"
	"github.com/someone5678/system-update-engine-twrp/internal/utils"
	"github.com/someone5678/system-update-engine-twrp/pkg/clock"
	"github.com/someone5678/system-update-engine-twrp/pkg/metrics"
	"github.com/someone5678/system-update-engine-twrp/pkg/prefs"
	"github.com/someone5678/system-update-engine-twrp/pkg/sysinfo"
)

// BackoffPolicy carries the retry policy knobs. The zero value is not
// usable; construct it from config via NewBackoffPolicy.
type BackoffPolicy struct {
	BaseInterval  time.Duration
	MaxInterval   time.Duration
	MaxJitter     time.Duration
	DurationSlack time.Duration
}

// NewBackoffPolicy builds a BackoffPolicy from the loaded configuration.
func NewBackoffPolicy(config *utils.Config) BackoffPolicy {
	return BackoffPolicy{
		BaseInterval:  time.Duration(config.Backoff.BaseInterval),
		MaxInterval:   time.Duration(config.Backoff.MaxInterval),
		MaxJitter:     time.Duration(config.Backoff.MaxJitter),
		DurationSlack: time.Duration(config.Backoff.DurationSlack),
	}
}

// PayloadState tracks how the single in-flight update payload is being
// downloaded and applied: which URL is in use, how often it failed, how long
// to back off, how many bytes went through each channel, and whether the
// device rebooted into the update it expected. Every mutation is persisted
// immediately so the most recently saved value wins when the process
// restarts; all state is also cached in memory so a broken store never
// stalls progress.
type PayloadState struct {
	prefs          prefs.Store
	powerwashPrefs prefs.Store
	clock          clock.Clock
	metricsSink    metrics.Sink
	systemInfo     sysinfo.SystemInfoInterface
	policy         BackoffPolicy
	logger         zerolog.Logger

	response          models.UpdateResponse
	responseSignature string
	targetVersion     string

	payloadAttemptNumber     int
	fullPayloadAttemptNumber int
	urlIndex                 int64
	urlFailureCount          int64
	urlSwitchCount           int64
	numResponsesSeen         int
	numReboots               int64

	candidateUrls         []string
	currentDownloadSource constants.DownloadSource

	backoffExpiryTime time.Time

	updateTimestampStart          time.Time
	updateTimestampEnd            time.Time
	updateDurationUptime          time.Duration
	updateDurationUptimeTimestamp time.Time

	// One extra slot beyond the known sources so that accounting against
	// the out-of-range sentinel stays within bounds and is a no-op.
	currentBytesDownloaded [constants.NumDownloadSources + 1]uint64
	totalBytesDownloaded   [constants.NumDownloadSources + 1]uint64

	rollbackVersion string

	state            constants.UpdateState
	validTransitions map[constants.UpdateState][]constants.UpdateState
}

// NewPayloadState creates the payload state manager. Call Initialize before
// any other method.
func NewPayloadState(prefsStore, powerwashStore prefs.Store, clk clock.Clock,
	metricsSink metrics.Sink, systemInfo sysinfo.SystemInfoInterface,
	policy BackoffPolicy, logger zerolog.Logger) *PayloadState {

	return &PayloadState{
		prefs:                 prefsStore,
		powerwashPrefs:        powerwashStore,
		clock:                 clk,
		metricsSink:           metricsSink,
		systemInfo:            systemInfo,
		policy:                policy,
		logger:                logger,
		currentDownloadSource: constants.NumDownloadSources,
		state:                 constants.UpdateStateIdle,
		validTransitions: map[constants.UpdateState][]constants.UpdateState{
			constants.UpdateStateIdle:             {constants.UpdateStateResponseReceived},
			constants.UpdateStateResponseReceived: {constants.UpdateStateDownloading, constants.UpdateStateBackingOff, constants.UpdateStateSuccess, constants.UpdateStateFailure, constants.UpdateStateIdle},
			constants.UpdateStateDownloading:      {constants.UpdateStateBackingOff, constants.UpdateStateSuccess, constants.UpdateStateFailure, constants.UpdateStateIdle},
			constants.UpdateStateBackingOff:       {constants.UpdateStateDownloading, constants.UpdateStateSuccess, constants.UpdateStateFailure, constants.UpdateStateIdle},
			constants.UpdateStateSuccess:          {constants.UpdateStateIdle},
			constants.UpdateStateFailure:          {constants.UpdateStateDownloading, constants.UpdateStateBackingOff, constants.UpdateStateSuccess, constants.UpdateStateIdle},
		},
	}
}

// Initialize reconstructs all in-memory state from the persistent store.
// Missing, malformed and negative stored values fall back to defaults.
func (p *PayloadState) Initialize() {
	p.loadResponseSignature()
	p.loadTargetVersion()
	p.loadPayloadAttemptNumber()
	p.loadFullPayloadAttemptNumber()
	p.loadURLIndex()
	p.loadURLFailureCount()
	p.loadURLSwitchCount()
	p.loadBackoffExpiryTime()
	p.loadUpdateTimestampStart()
	p.loadUpdateDurationUptime()
	p.loadNumResponsesSeen()
	p.loadNumReboots()
	p.loadRollbackVersion()
	for source := constants.DownloadSource(0); source < constants.NumDownloadSources; source++ {
		p.loadCurrentBytesDownloaded(source)
		p.loadTotalBytesDownloaded(source)
	}

	p.logger.Debug().
		Str("response_signature", p.responseSignature).
		Int("payload_attempt_number", p.payloadAttemptNumber).
		Int64("url_index", p.urlIndex).
		Int64("url_failure_count", p.urlFailureCount).
		Time("backoff_expiry_time", p.backoffExpiryTime).
		Msg("Loaded payload state")
}

// UpdateEngineStarted is called once per process start, after Initialize.
// It counts reboots that happened while an update was in flight and checks
// whether an update that reported success actually booted into its target
// version.
func (p *PayloadState) UpdateEngineStarted() {
	p.updateNumReboots()
	p.reportFailedBootIfNeeded()
}

// SetResponse installs the currently offered manifest. A changed response
// signature abandons the previous attempt: all attempt-scoped state resets
// and the responses-seen counter bumps. An unchanged signature means the
// existing attempt continues (resume semantics).
func (p *PayloadState) SetResponse(response models.UpdateResponse) {
	// Bank accumulated uptime under the old response before switching.
	p.calculateUpdateDurationUptime()

	p.response = response
	newSignature := p.calculateResponseSignature()

	if p.responseSignature != newSignature {
		p.setResponseSignature(newSignature)
		p.setNumResponsesSeen(p.numResponsesSeen + 1)
		p.resetPersistedState()
		p.logger.Info().
			Str("signature", newSignature).
			Int("num_responses_seen", p.numResponsesSeen).
			Msg("New response detected, attempt state reset")
	} else {
		p.logger.Info().Msg("Same response as before, resuming attempt")
	}

	// A materially different offer lifts the rollback blacklist.
	if p.rollbackVersion != "" && p.rollbackVersion != response.Version {
		p.ResetRollbackVersion()
	}

	// Persisted so the post-install boot check can be armed even if the
	// process restarts before the update finishes.
	p.setTargetVersion(response.Version)

	p.computeCandidateUrls()
	if p.urlIndex >= int64(len(p.candidateUrls)) {
		// Persisted index belongs to a longer URL list than the one we
		// just computed; restart from the first URL.
		p.setURLIndex(0)
		p.setURLFailureCount(0)
	}
	p.updateCurrentDownloadSource()

	if p.state != constants.UpdateStateIdle {
		p.setState(constants.UpdateStateIdle)
	}
	p.setState(constants.UpdateStateResponseReceived)
}

// DownloadComplete accounts a finished download of the payload.
func (p *PayloadState) DownloadComplete() {
	p.logger.Info().Msg("Payload download complete")
	p.incrementPayloadAttemptNumber()
	p.incrementFullPayloadAttemptNumber()
}

// DownloadProgress charges count freshly downloaded bytes to the current
// download source.
func (p *PayloadState) DownloadProgress(count int64) {
	if count <= 0 {
		return
	}

	p.calculateUpdateDurationUptime()
	p.updateBytesDownloaded(uint64(count))

	if p.state == constants.UpdateStateResponseReceived || p.state == constants.UpdateStateBackingOff || p.state == constants.UpdateStateFailure {
		p.setState(constants.UpdateStateDownloading)
	}
}

// UpdateResumed is called when an interrupted download continues where it
// left off. Counters are preserved; reboots that happened in between are
// picked up here.
func (p *PayloadState) UpdateResumed() {
	p.logger.Info().Msg("Resuming an update that was previously started")
	p.updateNumReboots()
	if p.state == constants.UpdateStateResponseReceived || p.state == constants.UpdateStateBackingOff || p.state == constants.UpdateStateFailure {
		p.setState(constants.UpdateStateDownloading)
	}
}

// UpdateRestarted is called when the download starts over from byte zero.
// Per-source current-attempt byte counters reset; lifetime counters do not.
func (p *PayloadState) UpdateRestarted() {
	p.logger.Info().Msg("Restarting the update from the beginning")
	p.resetDownloadSourcesOnNewUpdate()
	p.setNumReboots(0)
	if p.state == constants.UpdateStateResponseReceived || p.state == constants.UpdateStateBackingOff || p.state == constants.UpdateStateFailure {
		p.setState(constants.UpdateStateDownloading)
	}
}

// UpdateSucceeded finalizes a successfully applied update: reports all
// attempt metrics, writes the system-updated marker for the reboot check,
// and clears state for the next update cycle.
func (p *PayloadState) UpdateSucceeded() {
	p.calculateUpdateDurationUptime()
	p.setUpdateTimestampEnd(p.clock.Now())
	p.setState(constants.UpdateStateSuccess)

	p.reportBytesDownloadedMetrics()
	p.reportURLSwitchesMetric()
	p.reportRebootMetric()
	p.reportDurationMetrics()
	p.reportResponsesAbandonedMetric()
	p.reportPayloadTypeMetric()
	p.reportAttemptsCountMetrics()

	if p.targetVersion != "" {
		p.ExpectRebootInNewVersion(p.targetVersion)
	}
	p.createSystemUpdatedMarker()

	// Lifetime counters run from one successful update to the next.
	p.setNumResponsesSeen(0)
	p.resetTotalBytesDownloaded()
	p.resetPersistedState()

	p.setState(constants.UpdateStateIdle)
}

// UpdateFailed classifies the failure and charges it to the current URL,
// switches URLs, or ignores it, depending on what the error says about URL
// health.
func (p *PayloadState) UpdateFailed(errorCode constants.ErrorCode) {
	if len(p.candidateUrls) == 0 {
		p.logger.Warn().Int("error_code", int(errorCode)).Msg("Update failed with no candidate URLs, nothing to charge")
		return
	}

	p.logger.Info().Int("error_code", int(errorCode)).Msg("Update attempt failed")

	switch errorCode {
	case constants.ErrorCodePayloadHashMismatch,
		constants.ErrorCodePayloadSizeMismatch,
		constants.ErrorCodePayloadMismatchedType,
		constants.ErrorCodeSignatureMismatch:
		// The URL served a bad payload; no point retrying it.
		p.incrementURLIndex()

	case constants.ErrorCodeDownloadTransferError,
		constants.ErrorCodeConnectionTimeout,
		constants.ErrorCodeWriteError:
		p.incrementFailureCount()

	default:
		// Not indicative of URL health; leave the counters alone.
		p.logger.Debug().Int("error_code", int(errorCode)).Msg("Error not charged to any URL")
		return
	}

	if p.ShouldBackoffDownload() {
		p.setState(constants.UpdateStateBackingOff)
	} else {
		p.setState(constants.UpdateStateFailure)
	}
}

// ResetUpdateStatus aborts the current attempt. The persisted response
// signature clears too, so the next response is treated as new.
func (p *PayloadState) ResetUpdateStatus() {
	p.logger.Info().Msg("Resetting update status")
	p.resetPersistedState()
	p.setResponseSignature("")
	p.candidateUrls = nil
	p.updateCurrentDownloadSource()
	p.state = constants.UpdateStateIdle
}

// ShouldBackoffDownload reports whether a new download attempt must wait.
// Delta payloads and server-exempted payloads never back off. A reading
// within the configured slack of the expiry is treated as expired so clock
// corrections cannot wedge the attempt.
func (p *PayloadState) ShouldBackoffDownload() bool {
	if p.response.DisablePayloadBackoff {
		return false
	}
	if p.response.IsDeltaPayload {
		return false
	}
	if p.backoffExpiryTime.IsZero() {
		return false
	}
	return p.backoffExpiryTime.Sub(p.clock.Now()) > p.policy.DurationSlack
}

// Rollback blacklists the currently installed version so it is not offered
// again right after the device rolls back from it. The entry survives a
// factory reset.
func (p *PayloadState) Rollback() {
	version, err := p.systemInfo.GetOSVersion()
	if err != nil {
		p.logger.Error().Err(err).Msg("Cannot determine installed version for rollback blacklist")
		return
	}
	p.setRollbackVersion(version)
	p.logger.Info().Str("version", version).Msg("Blacklisted rolled-back version")
}

// ResetRollbackVersion clears the rollback blacklist.
func (p *PayloadState) ResetRollbackVersion() {
	p.rollbackVersion = ""
	if err := p.powerwashPrefs.Delete(constants.PrefsRollbackVersion); err != nil {
		p.logger.Error().Err(err).Msg("Failed to clear rollback version")
	}
}

// ExpectRebootInNewVersion records the version the device should be running
// after the post-update reboot. reportFailedBootIfNeeded compares against it
// at the next startup. A counter keyed to the version tracks how many times
// an update to this exact version has asked for a boot; re-arming for a
// different version restarts the count.
func (p *PayloadState) ExpectRebootInNewVersion(targetVersion string) {
	attempt := int64(1)
	previous, err := p.prefs.GetString(constants.PrefsTargetVersionInstalled)
	if err == nil && previous == targetVersion {
		if stored, ok := p.getPersistedValue(p.prefs, constants.PrefsTargetVersionAttempt); ok {
			attempt = stored + 1
		}
	}

	p.persistString(p.prefs, constants.PrefsTargetVersionInstalled, targetVersion)
	p.persistInt64(p.prefs, constants.PrefsTargetVersionAttempt, attempt)
}

// GetState returns the lifecycle state of the current attempt.
func (p *PayloadState) GetState() constants.UpdateState {
	return p.state
}

// GetResponseSignature returns the signature of the active response.
func (p *PayloadState) GetResponseSignature() string {
	return p.responseSignature
}

// GetPayloadAttemptNumber returns the attempt count for the active response.
func (p *PayloadState) GetPayloadAttemptNumber() int {
	return p.payloadAttemptNumber
}

// GetFullPayloadAttemptNumber returns the attempt count considering only
// full (non-delta) payloads.
func (p *PayloadState) GetFullPayloadAttemptNumber() int {
	return p.fullPayloadAttemptNumber
}

// GetCurrentURL returns the candidate URL downloads currently use, or the
// empty string when no response is active.
func (p *PayloadState) GetCurrentURL() string {
	if len(p.candidateUrls) == 0 {
		return ""
	}
	return p.candidateUrls[p.urlIndex]
}

// GetURLIndex returns the index of the current URL in the candidate list.
func (p *PayloadState) GetURLIndex() int64 {
	return p.urlIndex
}

// GetURLFailureCount returns the consecutive failures charged to the
// current URL.
func (p *PayloadState) GetURLFailureCount() int64 {
	return p.urlFailureCount
}

// GetURLSwitchCount returns how many times the attempt advanced URLs.
func (p *PayloadState) GetURLSwitchCount() int64 {
	return p.urlSwitchCount
}

// GetNumResponsesSeen returns the distinct responses seen since the last
// successful update.
func (p *PayloadState) GetNumResponsesSeen() int {
	return p.numResponsesSeen
}

// GetNumReboots returns the device reboots observed during this attempt.
func (p *PayloadState) GetNumReboots() int64 {
	return p.numReboots
}

// GetBackoffExpiryTime returns the wall-clock time the backoff lifts, or
// the zero time when no backoff is in effect.
func (p *PayloadState) GetBackoffExpiryTime() time.Time {
	return p.backoffExpiryTime
}

// GetUpdateDuration returns the wall-clock duration of the current attempt,
// or of the finished attempt once UpdateSucceeded ran. Clock steps cannot
// drive it negative.
func (p *PayloadState) GetUpdateDuration() time.Duration {
	if p.updateTimestampStart.IsZero() {
		return 0
	}
	end := p.updateTimestampEnd
	if end.IsZero() {
		end = p.clock.Now()
	}
	duration := end.Sub(p.updateTimestampStart)
	if duration < 0 {
		return 0
	}
	return duration
}

// GetUpdateDurationUptime returns the monotonic uptime accumulated by the
// current attempt, including time since the last checkpoint.
func (p *PayloadState) GetUpdateDurationUptime() time.Duration {
	p.calculateUpdateDurationUptime()
	return p.updateDurationUptime
}

// GetCurrentDownloadSource returns the channel classification of the
// current URL; constants.NumDownloadSources when it matches no channel.
func (p *PayloadState) GetCurrentDownloadSource() constants.DownloadSource {
	return p.currentDownloadSource
}

// GetCurrentBytesDownloaded returns the bytes downloaded through source
// during the current attempt. Out-of-range sources read as zero.
func (p *PayloadState) GetCurrentBytesDownloaded(source constants.DownloadSource) uint64 {
	if source < 0 || source >= constants.NumDownloadSources {
		return 0
	}
	return p.currentBytesDownloaded[source]
}

// GetTotalBytesDownloaded returns the bytes downloaded through source since
// the last successful update. Out-of-range sources read as zero.
func (p *PayloadState) GetTotalBytesDownloaded(source constants.DownloadSource) uint64 {
	if source < 0 || source >= constants.NumDownloadSources {
		return 0
	}
	return p.totalBytesDownloaded[source]
}

// GetRollbackVersion returns the blacklisted rollback version, if any.
func (p *PayloadState) GetRollbackVersion() string {
	return p.rollbackVersion
}

// incrementPayloadAttemptNumber bumps the attempt counter used for metrics.
func (p *PayloadState) incrementPayloadAttemptNumber() {
	p.setPayloadAttemptNumber(p.payloadAttemptNumber + 1)
}

// incrementFullPayloadAttemptNumber bumps the attempt counter that governs
// backoff. Delta payloads do not participate.
func (p *PayloadState) incrementFullPayloadAttemptNumber() {
	if p.response.IsDeltaPayload {
		return
	}
	p.setFullPayloadAttemptNumber(p.fullPayloadAttemptNumber + 1)
	p.updateBackoffExpiryTime()
}

// incrementURLIndex advances to the next candidate URL, wrapping to the
// first one when the list is exhausted. A full wrap counts as a new payload
// attempt. Persistence order is fixed (index, failure count, switch count,
// attempt numbers) so that any crash prefix remains internally consistent.
func (p *PayloadState) incrementURLIndex() {
	if len(p.candidateUrls) == 0 {
		return
	}

	nextIndex := p.urlIndex + 1
	wrapped := nextIndex >= int64(len(p.candidateUrls))
	if wrapped {
		nextIndex = 0
	}

	p.setURLIndex(nextIndex)
	p.setURLFailureCount(0)
	if len(p.candidateUrls) > 1 {
		p.setURLSwitchCount(p.urlSwitchCount + 1)
	}
	if wrapped {
		p.logger.Info().Msg("Exhausted all candidate URLs, starting a new payload attempt")
		p.incrementPayloadAttemptNumber()
		p.incrementFullPayloadAttemptNumber()
	}

	p.updateCurrentDownloadSource()
}

// incrementFailureCount charges a failure to the current URL and switches
// URLs once the response's per-URL failure budget is spent.
func (p *PayloadState) incrementFailureCount() {
	if p.urlFailureCount+1 < p.response.MaxFailureCountPerURL {
		p.setURLFailureCount(p.urlFailureCount + 1)
		p.logger.Info().
			Int64("url_failure_count", p.urlFailureCount).
			Str("url", p.GetCurrentURL()).
			Msg("Incremented URL failure count")
		return
	}
	p.incrementURLIndex()
}

// updateBackoffExpiryTime recomputes the backoff expiry from the full
// payload attempt number: base * 2^(attempt-1), capped, plus bounded
// non-negative jitter to spread retries across the fleet. The first attempt
// is never backed off.
func (p *PayloadState) updateBackoffExpiryTime() {
	if p.response.DisablePayloadBackoff || p.response.IsDeltaPayload {
		p.setBackoffExpiryTime(time.Time{})
		return
	}
	if p.fullPayloadAttemptNumber <= 1 {
		p.setBackoffExpiryTime(time.Time{})
		return
	}

	backoff := p.policy.BaseInterval
	for i := 1; i < p.fullPayloadAttemptNumber && backoff < p.policy.MaxInterval; i++ {
		backoff *= 2
	}
	if backoff > p.policy.MaxInterval {
		backoff = p.policy.MaxInterval
	}

	var jitter time.Duration
	if p.policy.MaxJitter > 0 {
		jitter = time.Duration(rand.Int63n(int64(p.policy.MaxJitter)))
	}

	expiry := p.clock.Now().Add(backoff + jitter)
	p.setBackoffExpiryTime(expiry)
	p.logger.Info().
		Int("full_payload_attempt_number", p.fullPayloadAttemptNumber).
		Time("backoff_expiry_time", expiry).
		Msg("Updated backoff expiry time")
}

// updateCurrentDownloadSource reclassifies the transport behind the current
// URL. Unknown schemes classify to the sentinel so byte accounting no-ops.
func (p *PayloadState) updateCurrentDownloadSource() {
	p.currentDownloadSource = constants.NumDownloadSources

	currentURL := p.GetCurrentURL()
	if currentURL == "" {
		return
	}

	parsed, err := url.Parse(currentURL)
	if err != nil {
		return
	}
	switch strings.ToLower(parsed.Scheme) {
	case "https":
		p.currentDownloadSource = constants.DownloadSourceHTTPSServer
	case "http":
		p.currentDownloadSource = constants.DownloadSourceHTTPServer
	case "p2p":
		p.currentDownloadSource = constants.DownloadSourceHTTPPeer
	}
}

// updateBytesDownloaded adds count to the current and lifetime counters of
// the active source. A sentinel classification drops the bytes on purpose.
func (p *PayloadState) updateBytesDownloaded(count uint64) {
	source := p.currentDownloadSource
	if source < 0 || source >= constants.NumDownloadSources {
		return
	}
	p.setCurrentBytesDownloaded(source, p.currentBytesDownloaded[source]+count)
	p.setTotalBytesDownloaded(source, p.totalBytesDownloaded[source]+count)
}

// updateNumReboots compares the kernel boot id against the one persisted at
// the last observation and counts a reboot when they differ.
func (p *PayloadState) updateNumReboots() {
	bootID, err := p.systemInfo.GetBootID()
	if err != nil {
		p.logger.Error().Err(err).Msg("Cannot read boot id, skipping reboot detection")
		return
	}

	storedBootID, err := p.prefs.GetString(constants.PrefsBootID)
	if err == nil && storedBootID == bootID {
		return
	}
	if err == nil && storedBootID != bootID {
		p.setNumReboots(p.numReboots + 1)
		p.logger.Info().Int64("num_reboots", p.numReboots).Msg("Device rebooted since last observation")
	}

	if err := p.prefs.SetString(constants.PrefsBootID, bootID); err != nil {
		p.logger.Error().Err(err).Msg("Failed to persist boot id")
	}
}

// calculateUpdateDurationUptime checkpoints the monotonic clock into the
// accumulated attempt uptime, so a crash loses at most the time since the
// previous checkpoint.
func (p *PayloadState) calculateUpdateDurationUptime() {
	now := p.clock.MonotonicNow()
	if !p.updateDurationUptimeTimestamp.IsZero() {
		delta := now.Sub(p.updateDurationUptimeTimestamp)
		if delta > 0 {
			p.setUpdateDurationUptime(p.updateDurationUptime + delta)
		}
	}
	p.updateDurationUptimeTimestamp = now
}

// computeCandidateUrls filters the response's URL list down to the
// transport-eligible candidates, preserving order.
func (p *PayloadState) computeCandidateUrls() {
	candidates := make([]string, 0, len(p.response.PayloadUrls))
	for _, rawURL := range p.response.PayloadUrls {
		parsed, err := url.Parse(rawURL)
		if err != nil {
			p.logger.Warn().Str("url", rawURL).Msg("Dropping unparseable payload URL")
			continue
		}
		switch strings.ToLower(parsed.Scheme) {
		case "https", "http", "p2p":
			candidates = append(candidates, rawURL)
		default:
			p.logger.Warn().Str("url", rawURL).Msg("Dropping payload URL with unsupported scheme")
		}
	}
	p.candidateUrls = candidates
}

// calculateResponseSignature serializes the behavior-affecting subset of the
// response and hashes it. URL order matters; incidental metadata must not
// leak in or resumable attempts would be spuriously reset.
func (p *PayloadState) calculateResponseSignature() string {
	var builder strings.Builder
	for index, payloadURL := range p.response.PayloadUrls {
		fmt.Fprintf(&builder, "url-%d = %s\n", index, payloadURL)
	}
	fmt.Fprintf(&builder, "size = %d\n", p.response.Size)
	fmt.Fprintf(&builder, "hash = %s\n", p.response.Hash)
	fmt.Fprintf(&builder, "metadata-size = %d\n", p.response.MetadataSize)
	fmt.Fprintf(&builder, "is-delta = %t\n", p.response.IsDeltaPayload)
	fmt.Fprintf(&builder, "max-failure-count-per-url = %d\n", p.response.MaxFailureCountPerURL)
	fmt.Fprintf(&builder, "disable-payload-backoff = %t\n", p.response.DisablePayloadBackoff)
	fmt.Fprintf(&builder, "version = %s\n", p.response.Version)

	digest := sha256.Sum256([]byte(builder.String()))
	return hex.EncodeToString(digest[:])
}

// resetPersistedState clears all attempt-scoped state. The response
// signature itself is left alone.
func (p *PayloadState) resetPersistedState() {
	p.setPayloadAttemptNumber(0)
	p.setFullPayloadAttemptNumber(0)
	p.setURLIndex(0)
	p.setURLFailureCount(0)
	p.setURLSwitchCount(0)
	p.updateBackoffExpiryTime()
	p.setUpdateTimestampStart(p.clock.Now())
	p.setUpdateTimestampEnd(time.Time{})
	p.setUpdateDurationUptime(0)
	p.resetDownloadSourcesOnNewUpdate()
	p.setNumReboots(0)
	p.updateCurrentDownloadSource()
}

// resetDownloadSourcesOnNewUpdate zeroes the per-source current-attempt
// byte counters.
func (p *PayloadState) resetDownloadSourcesOnNewUpdate() {
	for source := constants.DownloadSource(0); source < constants.NumDownloadSources; source++ {
		p.setCurrentBytesDownloaded(source, 0)
	}
}

// resetTotalBytesDownloaded zeroes the lifetime byte counters, after their
// final values were reported.
func (p *PayloadState) resetTotalBytesDownloaded() {
	for source := constants.DownloadSource(0); source < constants.NumDownloadSources; source++ {
		p.setTotalBytesDownloaded(source, 0)
	}
}

// createSystemUpdatedMarker records "a reboot into the new version is
// expected after this point" with the current wall-clock time.
func (p *PayloadState) createSystemUpdatedMarker() {
	now := p.clock.Now()
	if err := p.prefs.SetInt64(constants.PrefsSystemUpdatedMarker, now.UnixMicro()); err != nil {
		p.logger.Error().Err(err).Msg("Failed to write system-updated marker")
	}
}

// reportFailedBootIfNeeded runs at startup. A present marker means an
// update reported success and the expected reboot has not been confirmed
// yet: either we are now running the target version (report time-to-reboot,
// clear the marker) or the device came back on the old version (report the
// failed boot, keep the marker so the next start reports again).
func (p *PayloadState) reportFailedBootIfNeeded() {
	exists, err := p.prefs.Exists(constants.PrefsSystemUpdatedMarker)
	if err != nil || !exists {
		return
	}

	markerMicros, err := p.prefs.GetInt64(constants.PrefsSystemUpdatedMarker)
	if err != nil || markerMicros < 0 {
		p.logger.Warn().Msg("Malformed system-updated marker, discarding")
		p.deleteSystemUpdatedMarker()
		return
	}

	targetVersion, err := p.prefs.GetString(constants.PrefsTargetVersionInstalled)
	if err != nil {
		p.logger.Warn().Msg("System-updated marker without expected version, discarding")
		p.deleteSystemUpdatedMarker()
		return
	}

	currentVersion, err := p.systemInfo.GetOSVersion()
	if err != nil {
		p.logger.Error().Err(err).Msg("Cannot determine running version for boot check")
		return
	}

	if currentVersion == targetVersion {
		timeToReboot := p.clock.Now().Sub(time.UnixMicro(markerMicros))
		if timeToReboot < 0 {
			timeToReboot = 0
		}
		p.logger.Info().
			Str("version", currentVersion).
			Dur("time_to_reboot", timeToReboot).
			Msg("Device booted into the expected update")
		p.metricsSink.Duration(metrics.MetricTimeToReboot, timeToReboot)
		p.deleteSystemUpdatedMarker()
		return
	}

	// The per-version counter survives the reset that follows a success,
	// so it still carries the number of boots this version has asked for.
	attempt, _ := p.getPersistedValue(p.prefs, constants.PrefsTargetVersionAttempt)
	p.logger.Warn().
		Str("running_version", currentVersion).
		Str("expected_version", targetVersion).
		Int64("attempt", attempt).
		Msg("Device failed to boot into the expected update")
	p.metricsSink.Count(metrics.MetricFailedBootAttempts, attempt)
}

func (p *PayloadState) deleteSystemUpdatedMarker() {
	if err := p.prefs.Delete(constants.PrefsSystemUpdatedMarker); err != nil {
		p.logger.Error().Err(err).Msg("Failed to delete system-updated marker")
	}
	if err := p.prefs.Delete(constants.PrefsTargetVersionInstalled); err != nil {
		p.logger.Error().Err(err).Msg("Failed to delete expected target version")
	}
	if err := p.prefs.Delete(constants.PrefsTargetVersionAttempt); err != nil {
		p.logger.Error().Err(err).Msg("Failed to delete target version attempt count")
	}
}

// reportBytesDownloadedMetrics emits per-source byte counters and the
// overall download overhead relative to the payload size.
func (p *PayloadState) reportBytesDownloadedMetrics() {
	var grandTotal uint64
	for source := constants.DownloadSource(0); source < constants.NumDownloadSources; source++ {
		name := source.String()
		p.metricsSink.Count(metrics.MetricCurrentBytesDownloaded+"."+name, int64(p.currentBytesDownloaded[source]))
		p.metricsSink.Count(metrics.MetricTotalBytesDownloaded+"."+name, int64(p.totalBytesDownloaded[source]))
		grandTotal += p.totalBytesDownloaded[source]
	}

	if p.response.Size > 0 && grandTotal >= uint64(p.response.Size) {
		overheadPct := (grandTotal - uint64(p.response.Size)) * 100 / uint64(p.response.Size)
		p.metricsSink.Count(metrics.MetricDownloadOverheadPct, int64(overheadPct))
	}
}

func (p *PayloadState) reportURLSwitchesMetric() {
	p.metricsSink.Count(metrics.MetricURLSwitchCount, p.urlSwitchCount)
}

func (p *PayloadState) reportRebootMetric() {
	p.metricsSink.Count(metrics.MetricNumReboots, p.numReboots)
}

func (p *PayloadState) reportDurationMetrics() {
	p.metricsSink.Duration(metrics.MetricUpdateDuration, p.GetUpdateDuration())
	p.metricsSink.Duration(metrics.MetricUpdateDurationUptime, p.updateDurationUptime)
}

// reportResponsesAbandonedMetric counts responses that came and went without
// producing a successful update; the one that succeeded is not abandoned.
func (p *PayloadState) reportResponsesAbandonedMetric() {
	abandoned := p.numResponsesSeen - 1
	if abandoned < 0 {
		abandoned = 0
	}
	p.metricsSink.Count(metrics.MetricResponsesAbandoned, int64(abandoned))
}

func (p *PayloadState) reportPayloadTypeMetric() {
	payloadType := constants.PayloadTypeFull
	if p.response.IsDeltaPayload {
		payloadType = constants.PayloadTypeDelta
	}
	p.metricsSink.Text(metrics.MetricPayloadType, string(payloadType))
}

func (p *PayloadState) reportAttemptsCountMetrics() {
	p.metricsSink.Count(metrics.MetricAttemptCount, int64(p.payloadAttemptNumber))
	p.metricsSink.Count(metrics.MetricFullAttemptCount, int64(p.fullPayloadAttemptNumber))
}

// setState applies a lifecycle transition. Invalid transitions are logged
// and dropped rather than raised; the machine must stay usable.
func (p *PayloadState) setState(newState constants.UpdateState) {
	if newState == p.state {
		return
	}
	if !p.isValidTransition(newState) {
		p.logger.Warn().
			Str("from", string(p.state)).
			Str("to", string(newState)).
			Msg("Ignoring invalid update state transition")
		return
	}
	p.logger.Debug().Str("from", string(p.state)).Str("to", string(newState)).Msg("Update state transition")
	p.state = newState
}

// isValidTransition checks if the transition between states is valid.
func (p *PayloadState) isValidTransition(newState constants.UpdateState) bool {
	validStates, exists := p.validTransitions[p.state]
	if !exists {
		return false
	}
	for _, validState := range validStates {
		if newState == validState {
			return true
		}
	}
	return false
}
