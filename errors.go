package magma

import "errors"

// Sentinel errors returned by core operations. Callers should use
// errors.Is / errors.As rather than comparing formatted messages.
var (
	ErrNodeUnavailable  = errors.New("magma: no usable node")
	ErrNodeNotFound     = errors.New("magma: node not found")
	ErrNodeExists       = errors.New("magma: node already exists")
	ErrGuildNotFound    = errors.New("magma: guild not found")
	ErrPlayerNotFound   = errors.New("magma: player not found")
	ErrPlayerExists     = errors.New("magma: player already exists")
	ErrInvalidVolume    = errors.New("magma: volume out of range [0,1000]")
	ErrInvalidRange     = errors.New("magma: invalid queue range")
	ErrEmptyHistory     = errors.New("magma: previous-track history is empty")
	ErrEmptyQueue       = errors.New("magma: queue is empty")
	ErrNilTrack         = errors.New("magma: track is nil")
	ErrNotConnected     = errors.New("magma: node is not connected")
	ErrMissingSend      = errors.New("magma: manager has no send callback configured")
	ErrMissingVoiceData = errors.New("magma: voice packet missing token or session id")
)
