package transport

// Logical channel names. Backends map them to their own addressing
// (a Go channel, a redis stream key).
const (
	SourceCard     = "source-card"
	SourceWallet   = "source-wallet"
	DLQFailed      = "dlq-failed"
	UnifiedSuccess = "unified-success"
	SuccessCard    = "success-card"
	SuccessWallet  = "success-wallet"
)

// SourceChannels are the channels the pipeline consumes.
var SourceChannels = []string{SourceCard, SourceWallet}

// Channels lists every channel the pipeline reads or writes.
var Channels = []string{SourceCard, SourceWallet, DLQFailed, UnifiedSuccess, SuccessCard, SuccessWallet}
