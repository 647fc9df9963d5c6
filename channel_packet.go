package relay

// messageEntry pairs a decoded/queued message with the id it carries on the
// wire. For a reliable-ordered channel ids form a contiguous ascending run;
// for an unreliable channel the id is meaningless and never written.
type messageEntry struct {
	id      uint16
	message Message
}

// blockFragmentPayload is the wire content of one block fragment, per
// spec.md §3's BlockFragmentPayload variant.
type blockFragmentPayload struct {
	MessageID     uint16
	FragmentID    int
	NumFragments  int
	FragmentBytes int
	FragmentData  []byte
	// HeaderMessage carries the block message's type and custom fields, and
	// is only present (and only serialized) when FragmentID == 0.
	HeaderMessage Message
}

// ChannelPacketData is one channel's contribution to a single datagram: a
// MessagesPayload or a BlockFragmentPayload, never both.
type ChannelPacketData struct {
	ChannelID                uint16
	IsBlock                  bool
	MessageFailedToSerialize bool

	// Owned reports whether the Connection that generated this entry (on
	// the send path) must release its message references once the packet
	// has been written to the wire. Reliable-channel entries are borrowed —
	// the channel's send queue retains ownership until the message is
	// acked — while unreliable-channel entries are handed off and released
	// immediately after serialization, per spec.md §4.2.
	Owned bool

	Messages []messageEntry
	Block    *blockFragmentPayload
}

func maxFragmentsFor(cfg *ChannelConfig) int {
	return (cfg.MaxBlockSize + cfg.BlockFragmentSize - 1) / cfg.BlockFragmentSize
}

// Serialize implements the unified read/write/measure routine for a single
// channel entry, per spec.md §6's wire layout. The same code path is driven
// by a WriteStream (from an already-populated ChannelPacketData),
// a MeasureStream (same, to size-check against the packet budget before
// committing), or a ReadStream (into a zero-valued ChannelPacketData,
// allocating messages from factory as it goes).
func (d *ChannelPacketData) Serialize(s Stream, factory MessageFactory, channels []ChannelConfig, numChannels int) bool {
	channelID := int(d.ChannelID)
	if numChannels > 1 {
		if !SerializeIntRange(s, &channelID, 0, numChannels-1) {
			return false
		}
	}
	d.ChannelID = uint16(channelID)

	if int(d.ChannelID) >= len(channels) {
		return false
	}
	cfg := &channels[d.ChannelID]

	if !SerializeBool(s, &d.IsBlock) {
		return false
	}

	if d.IsBlock {
		if !d.serializeBlockFragment(s, factory, cfg) {
			d.MessageFailedToSerialize = true
			return false
		}
		return true
	}

	if !d.serializeMessages(s, factory, cfg) {
		d.MessageFailedToSerialize = true
		return false
	}
	return true
}

func (d *ChannelPacketData) serializeMessages(s Stream, factory MessageFactory, cfg *ChannelConfig) bool {
	numMessages := len(d.Messages)
	if !SerializeIntRange(s, &numMessages, 0, cfg.MaxMessagesPerPacket) {
		return false
	}

	reliable := cfg.Type == ChannelTypeReliableOrdered

	if s.IsReading() {
		d.Messages = make([]messageEntry, numMessages)
	}

	var previousID uint16
	for i := 0; i < numMessages; i++ {
		entry := &d.Messages[i]

		if reliable {
			if i == 0 {
				if !SerializeUint16(s, &entry.id) {
					return false
				}
			} else {
				delta := int(entry.id) - int(previousID)
				if !SerializeIntRange(s, &delta, 1, cfg.MaxMessagesPerPacket) {
					return false
				}
				entry.id = previousID + uint16(delta)
			}
			previousID = entry.id
		}

		var msgType int
		if s.IsWriting() || s.IsMeasuring() {
			msgType = int(entry.message.Type())
		}
		if !SerializeIntRange(s, &msgType, 0, factory.GetNumTypes()-1) {
			return false
		}

		if s.IsReading() {
			msg := factory.Create(uint16(msgType))
			if msg == nil {
				return false
			}
			msg.SetID(entry.id)
			entry.message = msg
		}

		if !entry.message.Serialize(s) {
			return false
		}
	}
	return true
}

func (d *ChannelPacketData) serializeBlockFragment(s Stream, factory MessageFactory, cfg *ChannelConfig) bool {
	if d.Block == nil {
		d.Block = &blockFragmentPayload{}
	}
	b := d.Block

	if !SerializeUint16(s, &b.MessageID) {
		return false
	}

	maxFragments := maxFragmentsFor(cfg)

	if !SerializeIntRange(s, &b.FragmentID, 0, maxFragments-1) {
		return false
	}
	if !SerializeIntRange(s, &b.NumFragments, 1, maxFragments) {
		return false
	}
	if !SerializeIntRange(s, &b.FragmentBytes, 0, cfg.BlockFragmentSize) {
		return false
	}

	if s.IsReading() {
		b.FragmentData = make([]byte, b.FragmentBytes)
	}
	if !s.SerializeBytes(b.FragmentData) {
		return false
	}

	if b.FragmentID == 0 {
		var msgType int
		if s.IsWriting() || s.IsMeasuring() {
			if b.HeaderMessage == nil {
				return false
			}
			msgType = int(b.HeaderMessage.Type())
		}
		if !SerializeIntRange(s, &msgType, 0, factory.GetNumTypes()-1) {
			return false
		}
		if s.IsReading() {
			msg := factory.Create(uint16(msgType))
			if msg == nil {
				return false
			}
			msg.SetID(b.MessageID)
			b.HeaderMessage = msg
		}
		if !b.HeaderMessage.Serialize(s) {
			return false
		}
	}

	return true
}
