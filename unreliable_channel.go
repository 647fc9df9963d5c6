package relay

// UnreliableUnorderedChannel is the best-effort channel variant: messages
// are batched into packets opportunistically, with no resend and no
// ordering guarantee. A full send queue drops the oldest queued message; a
// full receive queue drops the newest arrival. Block messages are not
// supported on this channel type.
type UnreliableUnorderedChannel struct {
	id      uint16
	cfg     ChannelConfig
	factory MessageFactory

	sendQueue []Message
	recvQueue []Message

	err *Error
}

func NewUnreliableUnorderedChannel(id uint16, cfg ChannelConfig, factory MessageFactory) *UnreliableUnorderedChannel {
	return &UnreliableUnorderedChannel{
		id:      id,
		cfg:     cfg,
		factory: factory,
	}
}

func (c *UnreliableUnorderedChannel) ChannelID() uint16 { return c.id }

func (c *UnreliableUnorderedChannel) Reset() {
	for _, m := range c.sendQueue {
		c.factory.Release(m)
	}
	for _, m := range c.recvQueue {
		c.factory.Release(m)
	}
	c.sendQueue = nil
	c.recvQueue = nil
	c.err = nil
}

func (c *UnreliableUnorderedChannel) Error() *Error { return c.err }

// CanSendMessage is always true: a full queue drops the oldest entry rather
// than refusing the send, since this channel makes no delivery promise.
func (c *UnreliableUnorderedChannel) CanSendMessage() bool { return true }

func (c *UnreliableUnorderedChannel) SendMessage(m Message) bool {
	if m.IsBlock() {
		log.Errorf("[channel %d] block messages are not supported on an unreliable channel", c.id)
		c.factory.Release(m)
		return false
	}
	if len(c.sendQueue) >= c.cfg.SendQueueSize {
		log.Debugf("[channel %d] send queue full, dropping oldest message", c.id)
		c.factory.Release(c.sendQueue[0])
		c.sendQueue = c.sendQueue[1:]
	}
	c.sendQueue = append(c.sendQueue, m)
	return true
}

func (c *UnreliableUnorderedChannel) ReceiveMessage() Message {
	if len(c.recvQueue) == 0 {
		return nil
	}
	m := c.recvQueue[0]
	c.recvQueue = c.recvQueue[1:]
	return m
}

func (c *UnreliableUnorderedChannel) GetPacketData(data *ChannelPacketData, packetSequence uint16, availableBits int) int {
	if len(c.sendQueue) == 0 {
		return 0
	}

	data.ChannelID = c.id
	data.IsBlock = false
	data.Owned = true

	candidate := &ChannelPacketData{ChannelID: c.id, IsBlock: false}
	var lastGoodBits int

	n := len(c.sendQueue)
	sent := 0
	for sent < n && len(candidate.Messages) < c.cfg.MaxMessagesPerPacket {
		candidate.Messages = append(candidate.Messages, messageEntry{message: c.sendQueue[sent]})
		measure := NewMeasureStream(availableBits)
		if !candidate.serializeMessages(measure, c.factory, &c.cfg) {
			candidate.Messages = candidate.Messages[:len(candidate.Messages)-1]
			break
		}
		lastGoodBits = measure.BitsProcessed()
		sent++
	}

	if sent == 0 {
		return 0
	}

	data.Messages = candidate.Messages
	c.sendQueue = c.sendQueue[sent:]
	return lastGoodBits
}

func (c *UnreliableUnorderedChannel) ProcessPacketData(data *ChannelPacketData, packetSequence uint16) bool {
	if data.IsBlock {
		log.Errorf("[channel %d] received unexpected block fragment on unreliable channel", c.id)
		if data.Block != nil && data.Block.HeaderMessage != nil {
			c.factory.Release(data.Block.HeaderMessage)
		}
		return false
	}
	for _, entry := range data.Messages {
		if len(c.recvQueue) >= c.cfg.ReceiveQueueSize {
			log.Debugf("[channel %d] receive queue full, dropping newest message", c.id)
			c.factory.Release(entry.message)
			continue
		}
		c.recvQueue = append(c.recvQueue, entry.message)
	}
	return true
}

// ProcessAck is a no-op: this channel has no notion of delivery confirmation.
func (c *UnreliableUnorderedChannel) ProcessAck(packetSequence uint16) {}

func (c *UnreliableUnorderedChannel) AdvanceTime(timeSeconds float64) {}
