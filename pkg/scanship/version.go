package scanship

// Version information for the scanship module.
const (
	// Version is the current version of the scanship module.
	Version = "0.3.0"

	// MinCompatibleVersion is the oldest release whose state directory this
	// version can open.
	MinCompatibleVersion = "0.2.0"
)
