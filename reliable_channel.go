package relay

import (
	"errors"
	"math"
)

// sendQueueSlot is one entry of the reliable channel's fixed-size send
// queue, indexed by messageId mod len(sendQueue) — spec.md §3's
// sendMessageQueue.
type sendQueueSlot struct {
	occupied     bool
	messageId    uint16
	message      Message
	measuredBits int
	timeLastSent float64
	acked        bool
}

// receiveQueueSlot is one entry of the reliable channel's fixed-size receive
// queue, indexed by messageId mod len(receiveQueue) — spec.md §3's
// receiveMessageQueue.
type receiveQueueSlot struct {
	occupied  bool
	messageId uint16
	message   Message
}

// sentPacketEntry records what one outgoing packet carried for this channel,
// so a later ack can mark the right send-queue slots (or block fragment) as
// delivered.
type sentPacketEntry struct {
	valid bool

	ids []uint16

	isBlock         bool
	blockMessageId  uint16
	blockFragmentId int
}

// sendBlockState is the channel's single in-flight outgoing block, per
// spec.md §4.3's block send path.
type sendBlockState struct {
	active           bool
	messageId        uint16
	message          BlockMessage
	blockData        []byte
	fragmentSize     int
	numFragments     int
	fragmentAcked    []bool
	fragmentLastSent []float64
	numAcked         int
}

// receiveBlockState is the channel's single in-flight incoming block, per
// spec.md §4.3's receive path.
type receiveBlockState struct {
	active               bool
	messageId            uint16
	numFragments         int
	fragmentSize         int
	fragmentReceived     []bool
	numFragmentsReceived int
	blockData            []byte
	finalSize            int
	headerMessage         Message
}

// ReliableOrderedChannel provides exactly-once, in-order delivery over a
// lossy datagram transport, plus chunked transfer of block messages. This is
// the heart of the system: everything else exists to feed it packets and
// acks.
type ReliableOrderedChannel struct {
	id      uint16
	cfg     ChannelConfig
	factory MessageFactory

	sendQueue    []sendQueueSlot
	receiveQueue []receiveQueueSlot

	sentPacketIds *SequenceBuffer[sentPacketEntry]

	sendBlock    sendBlockState
	receiveBlock receiveBlockState

	oldestUnackedMessageId uint16
	sendMessageId          uint16
	receiveMessageId       uint16

	time float64
	err  *Error
}

// NewReliableOrderedChannel constructs a reliable channel. sentPacketsWindow
// comes from the owning Connection's ConnectionConfig, since
// sentPacketMessageIds is sized by the connection's ack window, not the
// channel's own queue sizes (spec.md §3).
func NewReliableOrderedChannel(id uint16, cfg ChannelConfig, factory MessageFactory, sentPacketsWindow int) *ReliableOrderedChannel {
	return &ReliableOrderedChannel{
		id:            id,
		cfg:           cfg,
		factory:       factory,
		sendQueue:     make([]sendQueueSlot, cfg.SendQueueSize),
		receiveQueue:  make([]receiveQueueSlot, cfg.ReceiveQueueSize),
		sentPacketIds: NewSequenceBuffer[sentPacketEntry](sentPacketsWindow),
	}
}

func (c *ReliableOrderedChannel) ChannelID() uint16 { return c.id }
func (c *ReliableOrderedChannel) Error() *Error      { return c.err }

func (c *ReliableOrderedChannel) Reset() {
	for i := range c.sendQueue {
		if c.sendQueue[i].occupied && c.sendQueue[i].message != nil {
			c.factory.Release(c.sendQueue[i].message)
		}
		c.sendQueue[i] = sendQueueSlot{}
	}
	for i := range c.receiveQueue {
		if c.receiveQueue[i].occupied && c.receiveQueue[i].message != nil {
			c.factory.Release(c.receiveQueue[i].message)
		}
		c.receiveQueue[i] = receiveQueueSlot{}
	}
	if c.receiveBlock.headerMessage != nil {
		c.factory.Release(c.receiveBlock.headerMessage)
	}
	if c.receiveBlock.active && c.receiveBlock.blockData != nil {
		c.factory.GetAllocator().Free(c.receiveBlock.blockData)
	}
	c.sendBlock = sendBlockState{}
	c.receiveBlock = receiveBlockState{}
	c.sentPacketIds.Reset()
	c.oldestUnackedMessageId = 0
	c.sendMessageId = 0
	c.receiveMessageId = 0
	c.err = nil
}

func (c *ReliableOrderedChannel) AdvanceTime(t float64) { c.time = t }

// CanSendMessage reports whether the slot the next message would occupy is
// free: either never used, or used by a message that has since been acked.
func (c *ReliableOrderedChannel) CanSendMessage() bool {
	slot := &c.sendQueue[c.sendMessageId%uint16(len(c.sendQueue))]
	return !slot.occupied || slot.acked
}

func (c *ReliableOrderedChannel) SendMessage(m Message) bool {
	if c.err != nil {
		return false
	}
	if !c.CanSendMessage() {
		log.Debugf("[channel %d] send queue full, cannot send message", c.id)
		return false
	}
	if bm, ok := m.(BlockMessage); ok {
		if bm.BlockSize() > c.cfg.MaxBlockSize {
			log.Errorf("[channel %d] block message size %d exceeds maxBlockSize %d", c.id, bm.BlockSize(), c.cfg.MaxBlockSize)
			return false
		}
	}

	id := c.sendMessageId
	m.SetID(id)

	measure := NewMeasureStream(1 << 24)
	m.Serialize(measure)

	index := id % uint16(len(c.sendQueue))
	c.sendQueue[index] = sendQueueSlot{
		occupied:     true,
		messageId:    id,
		message:      m,
		measuredBits: measure.BitsProcessed(),
		timeLastSent: math.Inf(-1),
	}
	c.sendMessageId++
	return true
}

func (c *ReliableOrderedChannel) advanceOldestUnacked() {
	size := uint16(len(c.sendQueue))
	for c.oldestUnackedMessageId != c.sendMessageId {
		slot := &c.sendQueue[c.oldestUnackedMessageId%size]
		if slot.occupied && slot.messageId == c.oldestUnackedMessageId && slot.acked {
			c.oldestUnackedMessageId++
			continue
		}
		break
	}
}

func (c *ReliableOrderedChannel) resendDue(timeLastSent float64) bool {
	return c.time-timeLastSent >= c.cfg.MessageResendTimeMs/1000.0
}

func (c *ReliableOrderedChannel) GetPacketData(data *ChannelPacketData, packetSequence uint16, availableBits int) int {
	if c.err != nil {
		return 0
	}
	if c.oldestUnackedMessageId == c.sendMessageId {
		return 0
	}
	if c.cfg.PacketBudgetBits > 0 && availableBits > c.cfg.PacketBudgetBits {
		availableBits = c.cfg.PacketBudgetBits
	}

	front := &c.sendQueue[c.oldestUnackedMessageId%uint16(len(c.sendQueue))]
	if !front.occupied || front.messageId != c.oldestUnackedMessageId {
		return 0
	}

	if front.message.IsBlock() {
		bm := front.message.(BlockMessage)
		if !c.sendBlock.active || c.sendBlock.messageId != front.messageId {
			c.startSendBlock(front.messageId, bm)
		}
		return c.getBlockFragmentPacketData(data, packetSequence, availableBits)
	}

	return c.getMessagesPacketData(data, packetSequence, availableBits)
}

// getMessagesPacketData walks forward from oldestUnackedMessageId in
// ascending id order, provisionally adding each due-for-(re)send message and
// re-measuring the whole candidate so far against availableBits. The first
// message that would overflow the budget stops the scan — later ids wait
// for the next packet, per spec.md §4.1's "no priority inversion" clause.
func (c *ReliableOrderedChannel) getMessagesPacketData(data *ChannelPacketData, packetSequence uint16, availableBits int) int {
	candidate := &ChannelPacketData{ChannelID: c.id, IsBlock: false}
	var ids []uint16
	var lastGoodBits int

	size := uint16(len(c.sendQueue))
	id := c.oldestUnackedMessageId
	steps := 0
	maxSteps := len(c.sendQueue)

	for id != c.sendMessageId && len(ids) < c.cfg.MaxMessagesPerPacket && steps < maxSteps {
		steps++
		slot := &c.sendQueue[id%size]
		if !slot.occupied || slot.messageId != id {
			break
		}
		if slot.acked {
			id++
			continue
		}
		if slot.message.IsBlock() {
			break
		}
		if !c.resendDue(slot.timeLastSent) {
			id++
			continue
		}

		candidate.Messages = append(candidate.Messages, messageEntry{id: id, message: slot.message})
		measure := NewMeasureStream(availableBits)
		if !candidate.serializeMessages(measure, c.factory, &c.cfg) {
			candidate.Messages = candidate.Messages[:len(candidate.Messages)-1]
			break
		}

		lastGoodBits = measure.BitsProcessed()
		ids = append(ids, id)
		id++
	}

	if len(ids) == 0 {
		return 0
	}

	now := c.time
	for _, mid := range ids {
		c.sendQueue[mid%size].timeLastSent = now
	}

	entry := c.sentPacketIds.Insert(packetSequence)
	if entry != nil {
		*entry = sentPacketEntry{valid: true, ids: ids}
	}

	data.ChannelID = c.id
	data.IsBlock = false
	data.Owned = false
	data.Messages = candidate.Messages

	return lastGoodBits
}

func (c *ReliableOrderedChannel) startSendBlock(messageId uint16, bm BlockMessage) {
	blockData := bm.BlockData()
	fragSize := c.cfg.BlockFragmentSize
	numFragments := (len(blockData) + fragSize - 1) / fragSize
	if numFragments == 0 {
		numFragments = 1
	}
	lastSent := make([]float64, numFragments)
	for i := range lastSent {
		lastSent[i] = math.Inf(-1)
	}
	c.sendBlock = sendBlockState{
		active:           true,
		messageId:        messageId,
		message:          bm,
		blockData:        blockData,
		fragmentSize:     fragSize,
		numFragments:     numFragments,
		fragmentAcked:    make([]bool, numFragments),
		fragmentLastSent: lastSent,
	}
}

func (c *ReliableOrderedChannel) getBlockFragmentPacketData(data *ChannelPacketData, packetSequence uint16, availableBits int) int {
	sb := &c.sendBlock
	for f := 0; f < sb.numFragments; f++ {
		if sb.fragmentAcked[f] {
			continue
		}
		if c.time-sb.fragmentLastSent[f] < c.cfg.FragmentResendTimeMs/1000.0 {
			continue
		}

		start := f * sb.fragmentSize
		end := start + sb.fragmentSize
		if end > len(sb.blockData) {
			end = len(sb.blockData)
		}
		fragData := sb.blockData[start:end]

		payload := &blockFragmentPayload{
			MessageID:     sb.messageId,
			FragmentID:    f,
			NumFragments:  sb.numFragments,
			FragmentBytes: len(fragData),
			FragmentData:  fragData,
		}
		if f == 0 {
			payload.HeaderMessage = sb.message
		}
		candidate := &ChannelPacketData{ChannelID: c.id, IsBlock: true, Block: payload}
		measure := NewMeasureStream(availableBits)
		if !candidate.serializeBlockFragment(measure, c.factory, &c.cfg) {
			continue
		}

		sb.fragmentLastSent[f] = c.time

		entry := c.sentPacketIds.Insert(packetSequence)
		if entry != nil {
			*entry = sentPacketEntry{valid: true, isBlock: true, blockMessageId: sb.messageId, blockFragmentId: f}
		}

		data.ChannelID = c.id
		data.IsBlock = true
		data.Owned = false
		data.Block = payload
		return measure.BitsProcessed()
	}
	return 0
}

func (c *ReliableOrderedChannel) ProcessAck(packetSequence uint16) {
	entry := c.sentPacketIds.Find(packetSequence)
	if entry == nil || !entry.valid {
		return
	}
	entry.valid = false

	size := uint16(len(c.sendQueue))

	if entry.isBlock {
		if c.sendBlock.active && c.sendBlock.messageId == entry.blockMessageId &&
			entry.blockFragmentId >= 0 && entry.blockFragmentId < len(c.sendBlock.fragmentAcked) &&
			!c.sendBlock.fragmentAcked[entry.blockFragmentId] {

			c.sendBlock.fragmentAcked[entry.blockFragmentId] = true
			c.sendBlock.numAcked++

			if c.sendBlock.numAcked == c.sendBlock.numFragments {
				slot := &c.sendQueue[entry.blockMessageId%size]
				if slot.occupied && slot.messageId == entry.blockMessageId && !slot.acked {
					slot.acked = true
					c.factory.Release(slot.message)
					slot.message = nil
				}
				c.sendBlock = sendBlockState{}
				c.advanceOldestUnacked()
			}
		}
		return
	}

	for _, id := range entry.ids {
		slot := &c.sendQueue[id%size]
		if slot.occupied && slot.messageId == id && !slot.acked {
			slot.acked = true
			c.factory.Release(slot.message)
			slot.message = nil
		}
	}
	c.advanceOldestUnacked()
}

func (c *ReliableOrderedChannel) inReceiveWindow(id uint16) bool {
	diff := id - c.receiveMessageId
	return diff < uint16(len(c.receiveQueue))
}

func (c *ReliableOrderedChannel) ProcessPacketData(data *ChannelPacketData, packetSequence uint16) bool {
	if c.err != nil {
		return false
	}
	if data.IsBlock {
		return c.processBlockFragment(data.Block)
	}
	return c.processMessages(data.Messages)
}

func (c *ReliableOrderedChannel) processMessages(entries []messageEntry) bool {
	size := uint16(len(c.receiveQueue))
	for _, e := range entries {
		if !c.inReceiveWindow(e.id) {
			log.Debugf("[channel %d] dropping message %d outside receive window", c.id, e.id)
			c.factory.Release(e.message)
			continue
		}
		slot := &c.receiveQueue[e.id%size]
		if slot.occupied && slot.messageId == e.id {
			// duplicate: no-op, drop the newly-decoded copy.
			c.factory.Release(e.message)
			continue
		}
		if slot.occupied && slot.message != nil {
			c.factory.Release(slot.message)
		}
		slot.occupied = true
		slot.messageId = e.id
		slot.message = e.message
	}
	return true
}

func (c *ReliableOrderedChannel) processBlockFragment(b *blockFragmentPayload) bool {
	maxFragments := maxFragmentsFor(&c.cfg)
	if b.NumFragments <= 0 || b.NumFragments > maxFragments || b.FragmentID < 0 || b.FragmentID >= b.NumFragments {
		c.err = wrapf(ErrKindChannelDesync, errFragmentIndex, "channel %d: fragment id=%d numFragments=%d", c.id, b.FragmentID, b.NumFragments)
		log.Errorf("[channel %d] fragment index out of range (id=%d numFragments=%d)", c.id, b.FragmentID, b.NumFragments)
		if b.HeaderMessage != nil {
			c.factory.Release(b.HeaderMessage)
		}
		return false
	}

	if !c.receiveBlock.active || c.receiveBlock.messageId != b.MessageID {
		if !c.inReceiveWindow(b.MessageID) {
			log.Debugf("[channel %d] dropping block fragment for %d outside receive window", c.id, b.MessageID)
			if b.HeaderMessage != nil {
				c.factory.Release(b.HeaderMessage)
			}
			return true
		}
		buf := c.factory.GetAllocator().Allocate(b.NumFragments * c.cfg.BlockFragmentSize)
		if buf == nil {
			log.Errorf("[channel %d] out of memory reassembling block %d", c.id, b.MessageID)
			if b.HeaderMessage != nil {
				c.factory.Release(b.HeaderMessage)
			}
			return true
		}
		c.receiveBlock = receiveBlockState{
			active:           true,
			messageId:        b.MessageID,
			numFragments:     b.NumFragments,
			fragmentSize:     c.cfg.BlockFragmentSize,
			fragmentReceived: make([]bool, b.NumFragments),
			blockData:        buf,
		}
	}

	rb := &c.receiveBlock

	if b.NumFragments != rb.numFragments {
		log.Errorf("[channel %d] fragment count mismatch for block %d: expected %d, got %d", c.id, b.MessageID, rb.numFragments, b.NumFragments)
		if b.HeaderMessage != nil {
			c.factory.Release(b.HeaderMessage)
		}
		return true
	}

	if rb.fragmentReceived[b.FragmentID] {
		if b.HeaderMessage != nil {
			c.factory.Release(b.HeaderMessage)
		}
		return true
	}

	offset := b.FragmentID * rb.fragmentSize
	copy(rb.blockData[offset:], b.FragmentData)
	rb.fragmentReceived[b.FragmentID] = true
	rb.numFragmentsReceived++

	if b.FragmentID == rb.numFragments-1 {
		rb.finalSize = offset + len(b.FragmentData)
	}
	if b.FragmentID == 0 {
		rb.headerMessage = b.HeaderMessage
	}

	if rb.numFragmentsReceived < rb.numFragments {
		return true
	}

	if rb.finalSize > c.cfg.MaxBlockSize {
		c.err = wrapf(ErrKindChannelDesync, errBlockOversize, "channel %d: block %d reassembled to %d bytes, max %d", c.id, rb.messageId, rb.finalSize, c.cfg.MaxBlockSize)
		log.Errorf("[channel %d] reassembled block %d is %d bytes, exceeds maxBlockSize %d", c.id, rb.messageId, rb.finalSize, c.cfg.MaxBlockSize)
		if rb.headerMessage != nil {
			c.factory.Release(rb.headerMessage)
		}
		c.factory.GetAllocator().Free(rb.blockData)
		c.receiveBlock = receiveBlockState{}
		return false
	}

	final := rb.blockData[:rb.finalSize]
	if bm, ok := rb.headerMessage.(BlockMessage); ok {
		bm.AttachBlock(c.factory.GetAllocator(), final)
	}

	size := uint16(len(c.receiveQueue))
	slot := &c.receiveQueue[rb.messageId%size]
	if slot.occupied && slot.message != nil {
		c.factory.Release(slot.message)
	}
	slot.occupied = true
	slot.messageId = rb.messageId
	slot.message = rb.headerMessage

	c.receiveBlock = receiveBlockState{}
	return true
}

func (c *ReliableOrderedChannel) ReceiveMessage() Message {
	size := uint16(len(c.receiveQueue))
	slot := &c.receiveQueue[c.receiveMessageId%size]
	if !slot.occupied || slot.messageId != c.receiveMessageId {
		return nil
	}
	m := slot.message
	slot.occupied = false
	slot.message = nil
	c.receiveMessageId++
	return m
}

var (
	errFragmentIndex = errors.New("fragment index out of range")
	errBlockOversize = errors.New("reassembled block exceeds maxBlockSize")
)
