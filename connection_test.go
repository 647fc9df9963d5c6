package relay

import "testing"

func testConnectionConfig() ConnectionConfig {
	cfg := *NewDefaultConnectionConfig()
	cfg.Channel[0] = testChannelConfigSmall()
	cfg.SentPacketsWindow = 256
	cfg.ReceivedPacketsWindow = 256
	return cfg
}

func newTestConnectionPair(t *testing.T) (*Connection, *Factory, *Connection, *Factory) {
	t.Helper()
	cfg := testConnectionConfig()

	af := newTestFactory(NewHeapAllocator())
	bf := newTestFactory(NewHeapAllocator())

	a, err := NewConnection(cfg, af)
	if err != nil {
		t.Fatalf("failed to build connection a: %v", err)
	}
	b, err := NewConnection(cfg, bf)
	if err != nil {
		t.Fatalf("failed to build connection b: %v", err)
	}
	return a, af, b, bf
}

func TestConnectionGeneratesAndProcessesPacket(t *testing.T) {
	a, af, b, _ := newTestConnectionPair(t)

	m := af.Create(testMsgTypePlain).(*testPlainMessage)
	m.Value = 7
	if !a.SendMessage(0, m) {
		t.Fatal("SendMessage failed")
	}

	buf := make([]byte, 1200)
	n, ok := a.GeneratePacket(0, buf)
	if !ok || n == 0 {
		t.Fatal("expected GeneratePacket to produce a packet")
	}

	if !b.ProcessPacket(PeekSequence(buf[:n]), buf[:n]) {
		t.Fatal("ProcessPacket failed")
	}

	got := b.ReceiveMessage(0)
	if got == nil {
		t.Fatal("expected a delivered message")
	}
	if got.(*testPlainMessage).Value != 7 {
		t.Errorf("got %d, want 7", got.(*testPlainMessage).Value)
	}
}

func TestConnectionAckClearsSendQueue(t *testing.T) {
	a, af, b, _ := newTestConnectionPair(t)

	m := af.Create(testMsgTypePlain).(*testPlainMessage)
	if !a.SendMessage(0, m) {
		t.Fatal("SendMessage failed")
	}

	buf := make([]byte, 1200)
	n, _ := a.GeneratePacket(0, buf)
	b.ProcessPacket(PeekSequence(buf[:n]), buf[:n])

	ackBuf := make([]byte, 1200)
	ackN, ok := b.GeneratePacket(0, ackBuf)
	if !ok || ackN == 0 {
		t.Fatal("expected b to produce an ack-carrying packet")
	}
	if !a.ProcessPacket(PeekSequence(ackBuf[:ackN]), ackBuf[:ackN]) {
		t.Fatal("a failed to process ack packet")
	}

	ch := a.channels[0].(*ReliableOrderedChannel)
	if ch.oldestUnackedMessageId != ch.sendMessageId {
		t.Error("expected sender's unacked window to be fully advanced after ack")
	}
}

func TestConnectionRejectsUnknownChannel(t *testing.T) {
	a, af, _, _ := newTestConnectionPair(t)
	m := af.Create(testMsgTypePlain)
	if a.SendMessage(5, m) {
		t.Error("expected send on nonexistent channel to fail")
	}
	if a.ReceiveMessage(5) != nil {
		t.Error("expected receive on nonexistent channel to return nil")
	}
}

func TestConnectionStalePacketIsCounted(t *testing.T) {
	a, _, b, _ := newTestConnectionPair(t)

	buf0 := make([]byte, 1200)
	n0, _ := a.GeneratePacket(0, buf0)
	packet0 := append([]byte(nil), buf0[:n0]...)

	if !b.ProcessPacket(0, packet0) {
		t.Fatal("expected first packet to be accepted")
	}

	// Advance b's received-packet window well past packet0's sequence, so a
	// later replay of it falls below the window floor.
	for seq := uint16(1); seq <= 300; seq++ {
		buf := make([]byte, 1200)
		n, _ := a.GeneratePacket(seq, buf)
		b.ProcessPacket(seq, buf[:n])
	}

	if b.ProcessPacket(0, packet0) {
		t.Error("expected replay of a now-stale sequence to be rejected")
	}
	if b.Counters[CounterPacketsStale] == 0 {
		t.Error("expected stale counter to be incremented")
	}
}
