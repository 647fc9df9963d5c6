package relay

// Message is an opaque, factory-constructed, reference-counted unit of
// application data. Per-application message types are realized by embedding
// BaseMessage and implementing Serialize, the single routine that a
// WriteStream, ReadStream or MeasureStream each drive identically — so a
// message's wire format cannot drift between what's sent and what's parsed.
type Message interface {
	Type() uint16
	setType(uint16)

	ID() uint16
	SetID(uint16)

	IsBlock() bool

	RefCount() int
	AddRef()
	// release decrements the refcount and returns what remains.
	release() int

	// Serialize is driven identically for writing, reading and measuring;
	// see Stream.
	Serialize(s Stream) bool
}

// BaseMessage implements the bookkeeping every Message needs. Application
// message types embed it (by value, as their first field) and add their own
// fields plus a Serialize method — embedding is what lets a type defined
// outside this package satisfy Message despite its setType/release methods
// being unexported: the methods are promoted from BaseMessage, which is
// defined here, so the interface's package-private requirements are met
// without this package ever seeing the concrete application type.
type BaseMessage struct {
	msgType  uint16
	id       uint16
	refCount int
	isBlock  bool
}

// NewBaseMessage returns a BaseMessage ready to embed in a fresh message
// value (refCount starts at 1, per spec.md §3's creation invariant).
func NewBaseMessage() BaseMessage {
	return BaseMessage{refCount: 1}
}

func (m *BaseMessage) Type() uint16     { return m.msgType }
func (m *BaseMessage) setType(t uint16) { m.msgType = t }
func (m *BaseMessage) ID() uint16       { return m.id }
func (m *BaseMessage) SetID(id uint16)  { m.id = id }
func (m *BaseMessage) IsBlock() bool    { return m.isBlock }
func (m *BaseMessage) RefCount() int    { return m.refCount }
func (m *BaseMessage) AddRef()          { m.refCount++ }
func (m *BaseMessage) release() int {
	m.refCount--
	return m.refCount
}

// BlockMessage is a Message that additionally owns a byte buffer too large
// to fit in one packet. It owns the buffer until DetachBlock or release.
type BlockMessage interface {
	Message
	AttachBlock(allocator Allocator, data []byte)
	DetachBlock()
	BlockData() []byte
	BlockSize() int
	BlockAllocator() Allocator
}

// BaseBlockMessage implements BlockMessage's buffer ownership on top of
// BaseMessage; concrete block message types embed it by value.
type BaseBlockMessage struct {
	BaseMessage
	allocator Allocator
	blockData []byte
}

// NewBaseBlockMessage returns a BaseBlockMessage ready to embed.
func NewBaseBlockMessage() BaseBlockMessage {
	b := BaseBlockMessage{BaseMessage: NewBaseMessage()}
	b.BaseMessage.isBlock = true
	return b
}

func (b *BaseBlockMessage) AttachBlock(allocator Allocator, data []byte) {
	if b.blockData != nil {
		panic("relay: block already attached")
	}
	b.allocator = allocator
	b.blockData = data
}

func (b *BaseBlockMessage) DetachBlock() {
	b.allocator = nil
	b.blockData = nil
}

func (b *BaseBlockMessage) BlockData() []byte        { return b.blockData }
func (b *BaseBlockMessage) BlockSize() int            { return len(b.blockData) }
func (b *BaseBlockMessage) BlockAllocator() Allocator { return b.allocator }

// Serialize for a bare block message carries no fields of its own beyond
// what the channel already serializes out-of-band (the block bytes
// themselves, via fragments). Applications that want a typed header on
// their block messages embed BaseBlockMessage and override Serialize.
func (b *BaseBlockMessage) Serialize(s Stream) bool { return true }

// MessageFactory is the narrow collaborator the core consumes to allocate
// and release application messages (spec.md §6): Create dispatches on type,
// AddRef/Release manage the shared refcount, GetAllocator exposes the
// per-connection (or per-client) allocator every dynamic allocation in the
// channels and packets flows through.
type MessageFactory interface {
	Create(msgType uint16) Message
	AddRef(m Message)
	Release(m Message)
	GetAllocator() Allocator
	GetNumTypes() int
}

// Factory is a MessageFactory driven by a registry of constructors, the
// Go-native equivalent of the per-application YOJIMBO_MESSAGE_FACTORY_START
// switch: RegisterType binds a message type index to a zero-value
// constructor, and Create dispatches on it.
type Factory struct {
	allocator Allocator
	ctors     []func() Message
}

// NewFactory creates a MessageFactory with room for numTypes message types
// and the given allocator on its data path, per spec.md §5's per-connection
// siloing requirement.
func NewFactory(allocator Allocator, numTypes int) *Factory {
	return &Factory{
		allocator: allocator,
		ctors:     make([]func() Message, numTypes),
	}
}

// RegisterType binds msgType to a constructor. Call during setup, before any
// Create.
func (f *Factory) RegisterType(msgType uint16, ctor func() Message) {
	f.ctors[msgType] = ctor
}

func (f *Factory) Create(msgType uint16) Message {
	if int(msgType) >= len(f.ctors) || f.ctors[msgType] == nil {
		log.Errorf("no constructor registered for message type %d", msgType)
		return nil
	}
	m := f.ctors[msgType]()
	m.setType(msgType)
	return m
}

func (f *Factory) AddRef(m Message) {
	if m == nil {
		return
	}
	m.AddRef()
}

// Release drops one reference. When the refcount reaches zero and m is a
// BlockMessage with an attached buffer, the buffer is returned to its
// allocator. After this call the message must not be read from again — a
// released message is never observable to the application (spec.md §3).
func (f *Factory) Release(m Message) {
	if m == nil {
		return
	}
	if remaining := m.release(); remaining <= 0 {
		if bm, ok := m.(BlockMessage); ok {
			if data := bm.BlockData(); data != nil {
				if alloc := bm.BlockAllocator(); alloc != nil {
					// Free against the full backing capacity, not len(data):
					// AttachBlock may have been handed a size-trimmed slice of
					// a larger reassembly buffer (the last block fragment is
					// usually shorter than blockFragmentSize), and freeing
					// fewer bytes than were allocated would leak the
					// difference in the allocator's outstanding-bytes ledger.
					alloc.Free(data[:cap(data)])
				}
				bm.DetachBlock()
			}
		}
	}
}

func (f *Factory) GetAllocator() Allocator { return f.allocator }
func (f *Factory) GetNumTypes() int        { return len(f.ctors) }
