package relay

import "testing"

func testUnreliableChannelConfig() ChannelConfig {
	cfg := *NewDefaultUnreliableChannelConfig()
	cfg.SendQueueSize = 4
	cfg.ReceiveQueueSize = 4
	return cfg
}

func TestUnreliableChannelSendReceive(t *testing.T) {
	factory := newTestFactory(NewHeapAllocator())
	cfg := testUnreliableChannelConfig()
	ch := NewUnreliableUnorderedChannel(0, cfg, factory)

	m := &testPlainMessage{BaseMessage: NewBaseMessage(), Value: 42}
	if !ch.SendMessage(m) {
		t.Fatal("expected send to succeed")
	}

	var data ChannelPacketData
	bits := ch.GetPacketData(&data, 0, 4096)
	if bits <= 0 {
		t.Fatal("expected non-zero packet data")
	}
	if len(data.Messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(data.Messages))
	}

	if !ch.ProcessPacketData(&data, 0) {
		t.Fatal("expected ProcessPacketData to succeed")
	}

	got := ch.ReceiveMessage()
	if got == nil {
		t.Fatal("expected a received message")
	}
	if got.(*testPlainMessage).Value != 42 {
		t.Errorf("got value %d, want 42", got.(*testPlainMessage).Value)
	}
	if ch.ReceiveMessage() != nil {
		t.Error("expected receive queue to be drained")
	}
}

func TestUnreliableChannelDropsOldestOnFullSendQueue(t *testing.T) {
	factory := newTestFactory(NewHeapAllocator())
	cfg := testUnreliableChannelConfig()
	ch := NewUnreliableUnorderedChannel(0, cfg, factory)

	for i := 0; i < cfg.SendQueueSize+1; i++ {
		m := &testPlainMessage{BaseMessage: NewBaseMessage(), Value: uint32(i)}
		ch.SendMessage(m)
	}

	if len(ch.sendQueue) != cfg.SendQueueSize {
		t.Fatalf("send queue size = %d, want %d", len(ch.sendQueue), cfg.SendQueueSize)
	}
	if ch.sendQueue[0].(*testPlainMessage).Value != 1 {
		t.Errorf("expected oldest message (0) to have been dropped, front is %d", ch.sendQueue[0].(*testPlainMessage).Value)
	}
}

func TestUnreliableChannelRejectsBlockMessage(t *testing.T) {
	factory := newTestFactory(NewHeapAllocator())
	cfg := testUnreliableChannelConfig()
	ch := NewUnreliableUnorderedChannel(0, cfg, factory)

	m := &testBlockMessage{BaseBlockMessage: NewBaseBlockMessage()}
	if ch.SendMessage(m) {
		t.Error("expected block message to be rejected on unreliable channel")
	}
}

func TestUnreliableChannelDropsNewestOnFullReceiveQueue(t *testing.T) {
	factory := newTestFactory(NewHeapAllocator())
	cfg := testUnreliableChannelConfig()
	ch := NewUnreliableUnorderedChannel(0, cfg, factory)

	var data ChannelPacketData
	for i := 0; i < cfg.ReceiveQueueSize+1; i++ {
		data.Messages = append(data.Messages, messageEntry{message: &testPlainMessage{BaseMessage: NewBaseMessage(), Value: uint32(i)}})
	}

	if !ch.ProcessPacketData(&data, 0) {
		t.Fatal("expected ProcessPacketData to succeed")
	}
	if len(ch.recvQueue) != cfg.ReceiveQueueSize {
		t.Fatalf("receive queue size = %d, want %d", len(ch.recvQueue), cfg.ReceiveQueueSize)
	}
}
