package protocol

// Flags bitmask carried in the fixed header.
type Flags uint8

const (
	FlagRequest  Flags = 1 << 0 // message is an rpc request
	FlagResponse Flags = 1 << 1 // message answers a request with the same id
	FlagOneWay   Flags = 1 << 2 // request expects no response
)

// Version is the header version written by this package.
const Version uint8 = 1

// Content types understood by the codec registry.
const (
	ContentUnknown = "application/octet-stream"
	ContentCBOR    = "application/cbor"
	ContentJSON    = "application/json"
	ContentProto   = "application/x-protobuf"
)
