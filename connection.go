package relay

import "errors"

var errUnknownChannelType = errors.New("unknown channel type")

// ConnectionCounter indexes Connection.Counters, mirroring the teacher
// library's own Counters array and the "complete version" counters in
// original_source's disabled Connection code (PACKETS_GENERATED,
// PACKETS_PROCESSED, PACKETS_ACKED, PACKETS_STALE).
type ConnectionCounter int

const (
	CounterPacketsGenerated ConnectionCounter = iota
	CounterPacketsProcessed
	CounterPacketsAcked
	CounterPacketsStale
	counterCount
)

type sentPacketState struct {
	acked bool
}

// Connection multiplexes a fixed set of channels over one unreliable,
// unordered datagram transport, piggybacking the ack protocol on every
// outgoing packet. It owns no socket: the transport hands ProcessPacket raw
// bytes and consumes whatever GeneratePacket writes.
type Connection struct {
	cfg     ConnectionConfig
	factory MessageFactory
	channels []Channel

	sentPackets     *SequenceBuffer[sentPacketState]
	receivedPackets *SequenceBuffer[struct{}]

	time float64
	err  *Error

	Counters [counterCount]uint64
}

// NewConnection validates cfg and builds one channel implementation per
// cfg.Channel[i].Type.
func NewConnection(cfg ConnectionConfig, factory MessageFactory) (*Connection, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Connection{
		cfg:             cfg,
		factory:         factory,
		channels:        make([]Channel, cfg.NumChannels),
		sentPackets:     NewSequenceBuffer[sentPacketState](cfg.SentPacketsWindow),
		receivedPackets: NewSequenceBuffer[struct{}](cfg.ReceivedPacketsWindow),
	}

	for i := 0; i < cfg.NumChannels; i++ {
		ch := cfg.Channel[i]
		switch ch.Type {
		case ChannelTypeReliableOrdered:
			c.channels[i] = NewReliableOrderedChannel(uint16(i), ch, factory, cfg.SentPacketsWindow)
		case ChannelTypeUnreliableUnordered:
			c.channels[i] = NewUnreliableUnorderedChannel(uint16(i), ch, factory)
		default:
			return nil, wrapf(ErrKindChannelDesync, errUnknownChannelType, "channel %d: type=%d", i, ch.Type)
		}
	}

	return c, nil
}

func (c *Connection) channel(channelID int) (Channel, bool) {
	if channelID < 0 || channelID >= len(c.channels) {
		return nil, false
	}
	return c.channels[channelID], true
}

func (c *Connection) SendMessage(channelID int, m Message) bool {
	ch, ok := c.channel(channelID)
	if !ok {
		return false
	}
	return ch.SendMessage(m)
}

func (c *Connection) ReceiveMessage(channelID int) Message {
	ch, ok := c.channel(channelID)
	if !ok {
		return nil
	}
	return ch.ReceiveMessage()
}

func (c *Connection) CanSendMessage(channelID int) bool {
	ch, ok := c.channel(channelID)
	if !ok {
		return false
	}
	return ch.CanSendMessage()
}

// GetError returns the connection's terminal error, if any. Once set via a
// terminal channel error, GeneratePacket refuses to run until Reset.
func (c *Connection) GetError() *Error { return c.err }

// conservativePacketHeaderBits bounds the sequence/ack/ack-bits/entry-count
// header plus the trailing check magic, so GeneratePacket can reserve it
// before asking any channel for payload bits.
func conservativePacketHeaderBits(cfg *ConnectionConfig) int {
	return 16 + 16 + 32 + bitsRequired(0, cfg.NumChannels) + 32
}

// conservativeChannelHeaderBits bounds one channel entry's discriminator
// fields (channelId, isBlock) plus a small slack margin for the variant's
// own length fields, so the running budget in GeneratePacket never
// undercounts what a channel's payload will actually cost on the wire.
func conservativeChannelHeaderBits(cfg *ConnectionConfig) int {
	bits := 1
	if cfg.NumChannels > 1 {
		bits += bitsRequired(0, cfg.NumChannels-1)
	}
	return bits + 16
}

// GeneratePacket asks every channel (in id order — first-channel-wins is the
// fairness policy) for up to its share of the remaining bit budget, then
// serializes the result plus the piggybacked ack fields into outBuf.
// Returns the number of bytes written, or 0 and false if nothing could be
// written (connection errored, or the packet would exceed outBuf).
func (c *Connection) GeneratePacket(seq uint16, outBuf []byte) (int, bool) {
	if c.err != nil && c.err.Kind.Terminal() {
		return 0, false
	}

	maxBytes := len(outBuf)
	if maxBytes > c.cfg.MaxPacketSize {
		maxBytes = c.cfg.MaxPacketSize
	}

	availableBits := maxBytes*8 - conservativePacketHeaderBits(&c.cfg)
	if availableBits <= 0 {
		return 0, false
	}

	var entries []ChannelPacketData
	for i := 0; i < len(c.channels); i++ {
		var data ChannelPacketData
		bits := c.channels[i].GetPacketData(&data, seq, availableBits)
		if bits <= 0 {
			continue
		}
		entries = append(entries, data)
		availableBits -= bits + conservativeChannelHeaderBits(&c.cfg)
		if availableBits < 0 {
			availableBits = 0
		}
	}

	pkt := &ConnectionPacket{channelEntries: entries, factory: c.factory}

	ack, ackBits := c.receivedPackets.GenerateAckBits()

	ws := NewWriteStream(outBuf[:maxBytes])
	seqVal, ackVal, ackBitsVal := seq, ack, ackBits
	if !SerializeUint16(ws, &seqVal) || !SerializeUint16(ws, &ackVal) || !SerializeUint32(ws, &ackBitsVal) {
		return 0, false
	}
	if !pkt.Serialize(ws, c.factory, &c.cfg) {
		return 0, false
	}
	if !ws.SerializeCheck() {
		return 0, false
	}
	flushed := ws.Flush()

	for i := range entries {
		if !entries[i].Owned {
			continue
		}
		for _, m := range entries[i].Messages {
			c.factory.Release(m.message)
		}
	}

	if e := c.sentPackets.Insert(seq); e != nil {
		*e = sentPacketState{acked: false}
	}
	c.Counters[CounterPacketsGenerated]++

	return len(flushed), true
}

// PeekSequence reads just the leading 16-bit sequence field out of a wire
// packet, without touching anything else. The transport boundary (§6) hands
// ProcessPacket its sequence number as an explicit argument rather than
// having ProcessPacket decode it itself, so a caller that doesn't already
// know a packet's sequence (e.g. a raw UDP listener with no framing of its
// own) uses this to recover it first.
func PeekSequence(buf []byte) uint16 {
	rs := NewReadStream(buf)
	var seq uint16
	SerializeUint16(rs, &seq)
	return seq
}

// ProcessPacket deserializes buf, processes its piggybacked acks, then
// dispatches each channel entry to its owning channel. A SerializeFailure
// drops the whole packet: none of its acks or entries are processed, though
// its sequence number has already been recorded as received. A failure from one
// channel's ProcessPacketData stops the per-entry dispatch but leaves
// earlier channels' effects in place, per spec.md §4.3.
func (c *Connection) ProcessPacket(seq uint16, buf []byte) bool {
	if c.err != nil && c.err.Kind.Terminal() {
		return false
	}

	if c.receivedPackets.Insert(seq) == nil {
		c.Counters[CounterPacketsStale]++
		return false
	}

	rs := NewReadStream(buf)
	var seqField, ackField uint16
	var ackBits uint32
	if !SerializeUint16(rs, &seqField) || !SerializeUint16(rs, &ackField) || !SerializeUint32(rs, &ackBits) {
		return false
	}

	pkt := &ConnectionPacket{}
	if !pkt.Serialize(rs, c.factory, &c.cfg) {
		pkt.releaseMessages()
		return false
	}
	if !rs.SerializeCheck() {
		pkt.releaseMessages()
		return false
	}

	c.ProcessAcks(ackField, ackBits)

	failedAt := -1
	for i := range pkt.channelEntries {
		entry := &pkt.channelEntries[i]
		ch, ok := c.channel(int(entry.ChannelID))
		if !ok {
			failedAt = i
			break
		}
		if !ch.ProcessPacketData(entry, seq) {
			failedAt = i
			break
		}
	}

	if failedAt >= 0 {
		for j := failedAt + 1; j < len(pkt.channelEntries); j++ {
			releaseChannelEntry(&pkt.channelEntries[j], c.factory)
		}
	}

	c.Counters[CounterPacketsProcessed]++
	return failedAt < 0
}

func releaseChannelEntry(e *ChannelPacketData, factory MessageFactory) {
	for _, m := range e.Messages {
		factory.Release(m.message)
	}
	if e.Block != nil && e.Block.HeaderMessage != nil {
		factory.Release(e.Block.HeaderMessage)
	}
}

// ProcessAcks walks the 32-bit ack window, marking each newly-confirmed
// sent-packet sequence acked exactly once and notifying every channel so
// reliable channels can release the messages that packet carried.
func (c *Connection) ProcessAcks(ack uint16, ackBits uint32) {
	for i := 0; i < 32; i++ {
		if ackBits&(1<<uint(i)) == 0 {
			continue
		}
		s := ack - uint16(i)
		entry := c.sentPackets.Find(s)
		if entry == nil || entry.acked {
			continue
		}
		entry.acked = true
		c.Counters[CounterPacketsAcked]++
		for _, ch := range c.channels {
			ch.ProcessAck(s)
		}
	}
}

// AdvanceTime forwards the clock to every channel, then promotes the first
// terminal channel error (if any) to the connection's own errored state.
func (c *Connection) AdvanceTime(t float64) {
	c.time = t
	for _, ch := range c.channels {
		ch.AdvanceTime(t)
	}
	if c.err != nil {
		return
	}
	for _, ch := range c.channels {
		if e := ch.Error(); e != nil && e.Kind.Terminal() {
			c.err = e
			return
		}
	}
}

func (c *Connection) Reset() {
	for _, ch := range c.channels {
		ch.Reset()
	}
	c.sentPackets.Reset()
	c.receivedPackets.Reset()
	c.err = nil
	c.Counters = [counterCount]uint64{}
}
