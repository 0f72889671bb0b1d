package constants

// UpdateState represents the lifecycle state of the current update attempt.
type UpdateState string

const (
	UpdateStateIdle             UpdateState = "idle"
	UpdateStateResponseReceived UpdateState = "response_received"
	UpdateStateDownloading      UpdateState = "downloading"
	UpdateStateBackingOff       UpdateState = "backing_off"
	UpdateStateSuccess          UpdateState = "success"
	UpdateStateFailure          UpdateState = "failure"
)

// DownloadSource classifies the transport channel behind a payload URL.
type DownloadSource int

const (
	DownloadSourceHTTPSServer DownloadSource = iota
	DownloadSourceHTTPServer
	DownloadSourceHTTPPeer

	// NumDownloadSources doubles as the out-of-range sentinel. Byte
	// accounting against the sentinel is a no-op.
	NumDownloadSources
)

// String returns a stable name used in per-source persistence keys and
// metric names.
func (s DownloadSource) String() string {
	switch s {
	case DownloadSourceHTTPSServer:
		return "https_server"
	case DownloadSourceHTTPServer:
		return "http_server"
	case DownloadSourceHTTPPeer:
		return "http_peer"
	default:
		return "unknown"
	}
}

// ErrorCode classifies an update failure reported by the orchestrator.
type ErrorCode int

const (
	ErrorCodeSuccess ErrorCode = iota

	// Errors that indicate a problem with the current URL itself. These
	// advance the URL immediately instead of burning failure budget.
	ErrorCodePayloadHashMismatch
	ErrorCodePayloadSizeMismatch
	ErrorCodePayloadMismatchedType
	ErrorCodeSignatureMismatch

	// Transient download errors charged against the current URL's
	// failure count.
	ErrorCodeDownloadTransferError
	ErrorCodeConnectionTimeout
	ErrorCodeWriteError

	// Errors with no bearing on URL health; counters are left untouched.
	ErrorCodeOmahaRequestError
	ErrorCodePostInstallFailed
	ErrorCodeFilesystemVerifierError
)

// PayloadType distinguishes the kind of payload applied, for metrics.
type PayloadType string

const (
	PayloadTypeDelta PayloadType = "delta"
	PayloadTypeFull  PayloadType = "full"
)
