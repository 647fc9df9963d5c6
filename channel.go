package relay

// Channel is the common contract both channel variants satisfy. Connection
// fans out over a small fixed array of these each tick; there is no
// per-channel virtual dispatch overhead beyond this one interface boundary,
// and no channel type needs to know about any other.
type Channel interface {
	ChannelID() uint16

	Reset()

	CanSendMessage() bool
	// SendMessage enqueues m for sending. Returns false if m was not queued:
	// a reliable channel refuses when its send queue has no free slot (no
	// *Error is recorded for that); the unreliable channel drops its oldest
	// message instead and refuses only block messages.
	SendMessage(m Message) bool
	// ReceiveMessage returns and removes the next message ready for the
	// application, or nil if none is ready yet.
	ReceiveMessage() Message

	// GetPacketData fills in as much of data as fits within availableBits,
	// returning the number of payload bits used. A return of 0 means the
	// channel has nothing to contribute to this packet.
	GetPacketData(data *ChannelPacketData, packetSequence uint16, availableBits int) int

	// ProcessPacketData ingests a received, already decoded channel entry.
	// Returns false on a protocol failure: a reliable channel that is errored
	// or records a terminal ChannelDesync, or a block fragment arriving on the
	// unreliable channel.
	ProcessPacketData(data *ChannelPacketData, packetSequence uint16) bool

	// ProcessAck is called once per newly-acked packet sequence that this
	// channel contributed data to.
	ProcessAck(packetSequence uint16)

	AdvanceTime(timeSeconds float64)

	// Error returns the channel's terminal error, if any.
	Error() *Error
}
