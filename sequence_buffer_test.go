package relay

import "testing"

type testSequenceEntry struct {
	sequence uint16
}

const testSequenceBufferSize = 256

func TestSequenceBufferInsertAndFind(t *testing.T) {
	sb := NewSequenceBuffer[testSequenceEntry](testSequenceBufferSize)
	if sb.Sequence() != 0 || sb.NumEntries() != testSequenceBufferSize {
		t.Fatal("failed to construct:", sb.Sequence(), sb.NumEntries())
	}

	for i := 0; i < testSequenceBufferSize; i++ {
		if sb.Find(uint16(i)) != nil {
			t.Error("at index", i, "expected nil")
		}
	}

	for i := 0; i <= testSequenceBufferSize*4; i++ {
		entry := sb.Insert(uint16(i))
		if entry == nil {
			t.Fatal("failed to insert entry", i)
		}
		entry.sequence = uint16(i)
		if int(sb.Sequence()) != i+1 {
			t.Error("should be", i+1, "but was", sb.Sequence())
		}
	}

	// everything older than the window should now fail to insert.
	for i := 0; i <= testSequenceBufferSize; i++ {
		entry := sb.Insert(uint16(i))
		if entry != nil {
			t.Error("should have been nil (stale)", i)
		}
	}

	index := testSequenceBufferSize * 4
	for i := 0; i < testSequenceBufferSize; i++ {
		entry := sb.Find(uint16(index))
		if entry == nil {
			t.Fatal("shouldn't have been nil", i)
		}
		if entry.sequence != uint16(index) {
			t.Error("entry", i, "at index", index, "not equal", entry.sequence)
		}
		index--
	}

	sb.Reset()

	for i := 0; i < testSequenceBufferSize; i++ {
		if sb.Find(uint16(i)) != nil {
			t.Error("index not reset:", i)
		}
	}
}

func TestSequenceBufferGenerateAckBits(t *testing.T) {
	sb := NewSequenceBuffer[testSequenceEntry](testSequenceBufferSize)

	ack, ackBits := sb.GenerateAckBits()
	if ack != 0xFFFF || ackBits != 0 {
		t.Error("failed to generate ack bits", ack, ackBits)
	}

	for i := 0; i <= testSequenceBufferSize; i++ {
		sb.Insert(uint16(i))
	}

	ack, ackBits = sb.GenerateAckBits()
	if ack != testSequenceBufferSize || ackBits != 0xFFFFFFFF {
		t.Error("failed to generate ack bits", ack, ackBits)
	}

	sb.Reset()
	inputAcks := []uint16{1, 5, 9, 11}
	for _, v := range inputAcks {
		sb.Insert(v)
	}

	ack, ackBits = sb.GenerateAckBits()
	if ack != 11 || ackBits != (1|(1<<(11-9))|(1<<(11-5))|(1<<(11-1))) {
		t.Error("failed to generate ack bits", ack, ackBits)
	}
}

func TestSequenceBufferRemove(t *testing.T) {
	sb := NewSequenceBuffer[testSequenceEntry](testSequenceBufferSize)
	sb.Insert(10)
	if !sb.Exists(10) {
		t.Fatal("expected entry to exist")
	}
	sb.Remove(10)
	if sb.Exists(10) {
		t.Error("expected entry to be removed")
	}
	if sb.Find(10) != nil {
		t.Error("expected Find to return nil after remove")
	}
}

func TestSequenceBufferTestInsert(t *testing.T) {
	sb := NewSequenceBuffer[testSequenceEntry](testSequenceBufferSize)
	for i := 0; i < testSequenceBufferSize*3; i++ {
		sb.Insert(uint16(i))
	}
	if sb.TestInsert(uint16(testSequenceBufferSize)) {
		t.Error("expected stale sequence to fail TestInsert")
	}
	if !sb.TestInsert(uint16(testSequenceBufferSize * 3)) {
		t.Error("expected fresh sequence to pass TestInsert")
	}
}
