package consts

import (
	"time"
)

const (
	DefaultChunkSize       = 16 << 10
	DefaultTimeout         = 11 * time.Second
	DefaultIdleTimeout     = 2 * time.Minute
	DefaultShutdownTimeout = 10 * time.Second

	DefaultInitialWindowSize    = 65_535
	DefaultMaxFrameSize         = 16384 // minimal SETTINGS_MAX_FRAME_SIZE every peer accepts
	DefaultMaxHeaderListSize    = 1 << 20
	DefaultMaxConcurrentStreams = 250
	DefaultHeaderTableSize      = 4096

	// connection window granted on top of the default one right after the preface
	ConnWindowBoost      = 1<<20 - DefaultInitialWindowSize
	WindowUpdateMinValue = DefaultInitialWindowSize / 4
)
