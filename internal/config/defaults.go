package config

import "time"

// Default configuration constants for socket handling and guiding.
const (
	DefaultReceiveTimeout  = 1 * time.Second
	DefaultKeepaliveEvery  = 5 * time.Second
	DefaultSendAttempts    = 3
	DefaultRecvChunkBytes  = 2048
	MaxBufferedSegments    = 10
	DefaultImageExtension  = ".fit"
	DefaultInst            = 1
	DefaultStabiliseImages = 10
	DefaultBufferLength    = 20
	DefaultBufferSigma     = 5.0
	DefaultMaxErrorPixels  = 20.0
)
