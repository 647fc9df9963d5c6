package relay

import "testing"

const (
	testMsgTypePlain uint16 = iota
	testMsgTypeBlock
	testNumMsgTypes
)

type testPlainMessage struct {
	BaseMessage
	Value uint32
}

func (m *testPlainMessage) Serialize(s Stream) bool {
	return SerializeUint32(s, &m.Value)
}

type testBlockMessage struct {
	BaseBlockMessage
}

func (m *testBlockMessage) Serialize(s Stream) bool { return true }

func newTestFactory(allocator Allocator) *Factory {
	f := NewFactory(allocator, int(testNumMsgTypes))
	f.RegisterType(testMsgTypePlain, func() Message {
		return &testPlainMessage{BaseMessage: NewBaseMessage()}
	})
	f.RegisterType(testMsgTypeBlock, func() Message {
		return &testBlockMessage{BaseBlockMessage: NewBaseBlockMessage()}
	})
	return f
}

func TestFactoryCreateAssignsType(t *testing.T) {
	f := newTestFactory(NewHeapAllocator())
	m := f.Create(testMsgTypePlain)
	if m.Type() != testMsgTypePlain {
		t.Errorf("got type %d, want %d", m.Type(), testMsgTypePlain)
	}
	if m.RefCount() != 1 {
		t.Errorf("fresh message refcount = %d, want 1", m.RefCount())
	}
	if m.IsBlock() {
		t.Error("plain message reports IsBlock")
	}
}

func TestFactoryAddRefRelease(t *testing.T) {
	f := newTestFactory(NewHeapAllocator())
	m := f.Create(testMsgTypePlain)
	f.AddRef(m)
	if m.RefCount() != 2 {
		t.Fatalf("refcount = %d, want 2", m.RefCount())
	}
	f.Release(m)
	if m.RefCount() != 1 {
		t.Fatalf("refcount = %d, want 1", m.RefCount())
	}
	f.Release(m)
	if m.RefCount() != 0 {
		t.Fatalf("refcount = %d, want 0", m.RefCount())
	}
}

func TestFactoryReleaseFreesBlockBuffer(t *testing.T) {
	allocator := NewHeapAllocator()
	f := newTestFactory(allocator)

	m := f.Create(testMsgTypeBlock).(*testBlockMessage)
	buf := allocator.Allocate(1024)
	m.AttachBlock(allocator, buf)

	if allocator.BytesAllocated() != 1024 {
		t.Fatalf("expected 1024 bytes outstanding, got %d", allocator.BytesAllocated())
	}

	f.Release(m)

	if allocator.BytesAllocated() != 0 {
		t.Errorf("expected 0 bytes outstanding after release, got %d", allocator.BytesAllocated())
	}
	if m.BlockData() != nil {
		t.Error("expected block detached after release")
	}
}

func TestFactoryReleaseFreesTrimmedBlockBuffer(t *testing.T) {
	allocator := NewHeapAllocator()
	f := newTestFactory(allocator)

	m := f.Create(testMsgTypeBlock).(*testBlockMessage)
	buf := allocator.Allocate(1024)
	trimmed := buf[:600]
	m.AttachBlock(allocator, trimmed)

	f.Release(m)

	if allocator.BytesAllocated() != 0 {
		t.Errorf("freeing a size-trimmed block slice leaked %d bytes", allocator.BytesAllocated())
	}
}

func TestBlockMessageAttachPanicsOnDoubleAttach(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic on double AttachBlock")
		}
	}()
	allocator := NewHeapAllocator()
	m := &testBlockMessage{BaseBlockMessage: NewBaseBlockMessage()}
	m.AttachBlock(allocator, allocator.Allocate(16))
	m.AttachBlock(allocator, allocator.Allocate(16))
}
