package domain

import "errors"

var (
	ErrNegotiationFailed       = errors.New("negotiation failed")
	ErrCandidateDeliveryFailed = errors.New("candidate delivery failed")
	ErrLayerSwitchRejected     = errors.New("layer switch rejected")
	ErrChannelJoinFailed       = errors.New("channel join failed")
	ErrMalformed               = errors.New("malformed payload")
)

var (
	// ErrNotReady is retryable: the session has nothing to act on yet.
	ErrNotReady               = errors.New("session not ready")
	ErrLayerSwitchUnsupported = errors.New("layer switching unsupported")
	ErrUnknownLayer           = errors.New("unknown layer")
	ErrSessionClosed          = errors.New("session closed")
	ErrNegotiationInProgress  = errors.New("negotiation in progress")
	ErrEndpointAlreadySet     = errors.New("resource endpoint already set")
	ErrStreamNotFound         = errors.New("stream not found")
	ErrTransportFailed        = errors.New("transport failed")
)
