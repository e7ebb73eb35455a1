package domain

import "errors"

var (
	// ErrMediaAcquisition: microphone permission denied or no capture device.
	ErrMediaAcquisition = errors.New("media acquisition failed")
	// ErrSignalingUnavailable: the signaling channel refused a publish or subscribe.
	ErrSignalingUnavailable = errors.New("signaling unavailable")
	// ErrLinkNegotiation: ICE/transport failure on a single peer link.
	ErrLinkNegotiation = errors.New("link negotiation failed")
	// ErrSessionStateConflict: the session is missing, ended, or the caller is busy.
	ErrSessionStateConflict = errors.New("session state conflict")

	ErrSessionNotFound = errors.New("session not found")
)
