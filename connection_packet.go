package relay

// ConnectionPacket is a single datagram's logical content: zero or more
// per-channel entries. There is no destructor in Go; releaseMessages drops
// every message reference the entries hold. ProcessPacket calls it when a
// received packet fails to decode; otherwise each channel takes over the
// messages of the entry dispatched to it. GeneratePacket does not call it: it
// releases the messages of Owned entries itself after writing the packet.
type ConnectionPacket struct {
	channelEntries []ChannelPacketData
	factory        MessageFactory
}

// AllocateChannelData pre-sizes the entry array. The allocator used is
// whatever MessageFactory.GetAllocator returns — on a server, the per-client
// allocator — so that one client's packet contents can't grow a shared pool.
func (p *ConnectionPacket) AllocateChannelData(factory MessageFactory, numEntries int) bool {
	if numEntries <= 0 || numEntries > MaxChannels {
		return false
	}
	allocator := factory.GetAllocator()
	raw := allocator.Allocate(numEntries * int(unsafeSizeofChannelPacketData))
	if raw == nil {
		return false
	}
	// The byte allocation above is the resource-accounting gesture spec.md
	// §4.4 calls for (the real Go allocation is the slice itself); free it
	// immediately since ChannelPacketData holds pointers the allocator byte
	// ledger can't usefully track.
	allocator.Free(raw)
	p.factory = factory
	p.channelEntries = make([]ChannelPacketData, numEntries)
	return true
}

// unsafeSizeofChannelPacketData is a conservative fixed estimate used only
// to make AllocateChannelData's call into the allocator proportional to the
// number of entries, for per-client accounting purposes.
const unsafeSizeofChannelPacketData = 64

// releaseMessages drops every message reference this packet holds, via the
// factory it was allocated with. Safe to call on a zero-value packet.
func (p *ConnectionPacket) releaseMessages() {
	if p.factory == nil {
		return
	}
	for i := range p.channelEntries {
		entry := &p.channelEntries[i]
		for _, m := range entry.Messages {
			p.factory.Release(m.message)
		}
		if entry.Block != nil {
			if entry.Block.HeaderMessage != nil {
				p.factory.Release(entry.Block.HeaderMessage)
			}
		}
	}
}

// Serialize implements the unified read/write/measure routine for the whole
// packet: a header giving the entry count, then each entry in turn. On a
// ReadStream, a failure partway through leaves the entries decoded so far in
// channelEntries without dispatching any of them (channels' ProcessPacketData
// is invoked by the caller, not here); ProcessPacket then releases them all
// and drops the packet.
func (p *ConnectionPacket) Serialize(s Stream, factory MessageFactory, cfg *ConnectionConfig) bool {
	numEntries := len(p.channelEntries)
	if !SerializeIntRange(s, &numEntries, 0, cfg.NumChannels) {
		return false
	}

	if numEntries == 0 {
		return true
	}

	if s.IsReading() {
		if !p.AllocateChannelData(factory, numEntries) {
			log.Errorf("failed to allocate channel data (%d entries)", numEntries)
			return false
		}
	}

	channels := cfg.Channel[:cfg.NumChannels]
	for i := 0; i < numEntries; i++ {
		if !p.channelEntries[i].Serialize(s, factory, channels, cfg.NumChannels) {
			log.Errorf("failed to serialize channel entry %d", i)
			return false
		}
	}
	return true
}
