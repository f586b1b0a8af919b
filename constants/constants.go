package constants

import "time"

const (
	KeySizeBytes = 20 // SHA-1 sized identifiers, 160 bits
	KeySizeBits  = KeySizeBytes * 8
	K            = 20 // Bucket capacity and replication factor
	Alpha        = 3  // Concurrency parameter

	// Protocol timers
	ResponseTimeout   = 5 * time.Second
	ReplicateInterval = time.Hour
	RepublishWindow   = 24 * time.Hour
	ExpireInterval    = time.Hour
	RefreshInterval   = time.Hour
	ItemTTL           = 24 * time.Hour

	// Upper bound for concurrent STOREs issued by one replication sweep.
	ReplicateConcurrency = 8

	// Frames larger than this are rejected by the TCP transport.
	MaxFrameSize = 1 << 20

	DataDir = "data"
)
