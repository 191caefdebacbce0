package deopt

import (
	"errors"
	"fmt"
	"strings"

	"fortio.org/safecast"
)

// TranslationOpcode is the first byte of each translation record.
type TranslationOpcode byte

const (
	TranslationBegin TranslationOpcode = iota
	TranslationUpdateFeedback
	TranslationInterpretedFrame
	TranslationInlinedArgumentsFrame
	TranslationConstructStubFrame
	TranslationBuiltinContinuationFrame
	TranslationRegister
	TranslationInt32Register
	TranslationUint32Register
	TranslationDoubleRegister
	TranslationStackSlot
	TranslationInt32StackSlot
	TranslationUint32StackSlot
	TranslationDoubleStackSlot
	TranslationLiteral
	TranslationOptimizedOut
	translationOpcodeEnd
)

var translationOpcodeInfos = [translationOpcodeEnd]struct {
	name     string
	operands int
}{
	TranslationBegin:                    {"BEGIN", 2},
	TranslationUpdateFeedback:           {"UPDATE_FEEDBACK", 2},
	TranslationInterpretedFrame:         {"INTERPRETED_FRAME", 3},
	TranslationInlinedArgumentsFrame:    {"INLINED_ARGUMENTS_FRAME", 2},
	TranslationConstructStubFrame:       {"CONSTRUCT_STUB_FRAME", 3},
	TranslationBuiltinContinuationFrame: {"BUILTIN_CONTINUATION_FRAME", 2},
	TranslationRegister:                 {"REGISTER", 1},
	TranslationInt32Register:            {"INT32_REGISTER", 1},
	TranslationUint32Register:           {"UINT32_REGISTER", 1},
	TranslationDoubleRegister:           {"DOUBLE_REGISTER", 1},
	TranslationStackSlot:                {"STACK_SLOT", 1},
	TranslationInt32StackSlot:           {"INT32_STACK_SLOT", 1},
	TranslationUint32StackSlot:          {"UINT32_STACK_SLOT", 1},
	TranslationDoubleStackSlot:          {"DOUBLE_STACK_SLOT", 1},
	TranslationLiteral:                  {"LITERAL", 1},
	TranslationOptimizedOut:             {"OPTIMIZED_OUT", 0},
}

// String implements fmt.Stringer.
func (o TranslationOpcode) String() string {
	if o >= translationOpcodeEnd {
		return fmt.Sprintf("TranslationOpcode(%d)", byte(o))
	}
	return translationOpcodeInfos[o].name
}

// OperandCount returns the number of operands following the opcode.
func (o TranslationOpcode) OperandCount() int { return translationOpcodeInfos[o].operands }

// Representation is the machine representation of a stored value.
type Representation byte

const (
	RepresentationTagged Representation = iota
	RepresentationInt32
	RepresentationUint32
	RepresentationFloat64
)

// ErrMalformedTranslation is returned when a translation stream cannot be decoded.
var ErrMalformedTranslation = errors.New("malformed deopt translation")

// Translations is the translation byte stream of one code object plus its literal pool.
type Translations struct {
	Bytes    []byte  `msgpack:"bytes"`
	Literals []int64 `msgpack:"literals"`
}

// TranslationBuilder appends translations to a Translations. The zero value is ready to use.
type TranslationBuilder struct {
	out      Translations
	literals map[int64]int
	// remaining counts the records the current frame still expects.
	remaining int
}

// Finish returns the built translations.
func (b *TranslationBuilder) Finish() *Translations {
	if b.remaining != 0 {
		panic(fmt.Sprintf("BUG: unfinished frame, %d values missing", b.remaining))
	}
	return &b.out
}

func (b *TranslationBuilder) add(op TranslationOpcode, operands ...int) {
	if len(operands) != op.OperandCount() {
		panic(fmt.Sprintf("BUG: %s takes %d operands", op, op.OperandCount()))
	}
	b.out.Bytes = append(b.out.Bytes, byte(op))
	for _, v := range operands {
		v32, err := safecast.Conv[int32](v)
		if err != nil {
			panic(fmt.Errorf("deopt translation operand overflow: %w", err))
		}
		b.out.Bytes = appendInt32(b.out.Bytes, v32)
	}
}

// BeginTranslation starts a translation for a chain of frames and returns its index.
func (b *TranslationBuilder) BeginTranslation(frames, jsFrames int, feedback FeedbackSource) int {
	if b.remaining != 0 {
		panic("BUG: translation begun inside a frame")
	}
	index := len(b.out.Bytes)
	b.add(TranslationBegin, frames, jsFrames)
	if feedback.IsValid() {
		b.add(TranslationUpdateFeedback, int(feedback.Vector), int(feedback.Slot))
	}
	return index
}

func (b *TranslationBuilder) beginFrame(height int) {
	if b.remaining != 0 {
		panic(fmt.Sprintf("BUG: new frame while %d values are missing", b.remaining))
	}
	b.remaining = height
}

// BeginInterpretedFrame starts an interpreted frame with height stack values. The closure is
// stored first and is not part of the height.
func (b *TranslationBuilder) BeginInterpretedFrame(bytecodeOffset int, function uint32, height int) {
	b.add(TranslationInterpretedFrame, bytecodeOffset, int(function), height)
	b.beginFrame(closureSize + height)
}

// BeginInlinedArgumentsFrame starts an arguments adaptor frame.
func (b *TranslationBuilder) BeginInlinedArgumentsFrame(function uint32, height int) {
	b.add(TranslationInlinedArgumentsFrame, int(function), height)
	b.beginFrame(closureSize + height)
}

// BeginConstructStubFrame starts a construct stub frame.
func (b *TranslationBuilder) BeginConstructStubFrame(bytecodeOffset int, function uint32, height int) {
	b.add(TranslationConstructStubFrame, bytecodeOffset, int(function), height)
	b.beginFrame(closureSize + height)
}

// BeginBuiltinContinuationFrame starts a builtin continuation frame.
func (b *TranslationBuilder) BeginBuiltinContinuationFrame(builtin uint32, height int) {
	b.add(TranslationBuiltinContinuationFrame, int(builtin), height)
	b.beginFrame(height)
}

func (b *TranslationBuilder) store(op TranslationOpcode, operands ...int) {
	if b.remaining == 0 {
		panic(fmt.Sprintf("BUG: %s outside of a frame", op))
	}
	b.add(op, operands...)
	b.remaining--
}

// StoreRegister records a value held in a general register.
func (b *TranslationBuilder) StoreRegister(reg int, rep Representation) {
	switch rep {
	case RepresentationTagged:
		b.store(TranslationRegister, reg)
	case RepresentationInt32:
		b.store(TranslationInt32Register, reg)
	case RepresentationUint32:
		b.store(TranslationUint32Register, reg)
	default:
		panic("BUG: float64 value in a general register")
	}
}

// StoreDoubleRegister records a float64 held in a double register.
func (b *TranslationBuilder) StoreDoubleRegister(reg int) {
	b.store(TranslationDoubleRegister, reg)
}

// StoreStackSlot records a value spilled to a stack slot.
func (b *TranslationBuilder) StoreStackSlot(slot int, rep Representation) {
	switch rep {
	case RepresentationTagged:
		b.store(TranslationStackSlot, slot)
	case RepresentationInt32:
		b.store(TranslationInt32StackSlot, slot)
	case RepresentationUint32:
		b.store(TranslationUint32StackSlot, slot)
	case RepresentationFloat64:
		b.store(TranslationDoubleStackSlot, slot)
	}
}

// StoreLiteral records a constant. Equal literals share one pool entry.
func (b *TranslationBuilder) StoreLiteral(v int64) {
	if b.literals == nil {
		b.literals = map[int64]int{}
	}
	id, ok := b.literals[v]
	if !ok {
		id = len(b.out.Literals)
		b.out.Literals = append(b.out.Literals, v)
		b.literals[v] = id
	}
	b.store(TranslationLiteral, id)
}

// StoreOptimizedOut records a dead value.
func (b *TranslationBuilder) StoreOptimizedOut() {
	b.store(TranslationOptimizedOut)
}

// FrameValueStore writes the translation record of one live value.
type FrameValueStore func(b *TranslationBuilder, v Value, loc *InputLocation)

// WriteFrames writes one translation for the chain starting at top, outermost frame first.
// Dead interpreter registers become OPTIMIZED_OUT; every other value is written by store.
func (b *TranslationBuilder) WriteFrames(top *Frame, locs []InputLocation, feedback FeedbackSource, store FrameValueStore) int {
	frames, jsFrames := top.Depth()
	index := b.BeginTranslation(frames, jsFrames, feedback)
	i := 0
	forEachFrame(top, func(f *Frame) {
		switch f.typ {
		case FrameInterpreted:
			b.BeginInterpretedFrame(f.bytecodeOffset, f.function, f.Height())
		case FrameInlinedArguments:
			b.BeginInlinedArgumentsFrame(f.function, f.Height())
		case FrameConstructStub:
			b.BeginConstructStubFrame(f.bytecodeOffset, f.function, f.Height())
		case FrameBuiltinContinuation:
			b.BeginBuiltinContinuationFrame(f.function, f.Height())
		}
		forEachFrameValue(f, func(v Value) {
			if v == nil {
				b.StoreOptimizedOut()
				return
			}
			if i >= len(locs) {
				panic(fmt.Sprintf("BUG: deopt input locations overrun: %d slots", len(locs)))
			}
			store(b, v, &locs[i])
			i++
		})
	})
	if i != len(locs) {
		panic(fmt.Sprintf("BUG: translated %d deopt input locations, allocated %d", i, len(locs)))
	}
	return index
}

// TranslationIterator reads records back from a translation stream.
type TranslationIterator struct {
	buf []byte
	pos int
}

// NewTranslationIterator returns an iterator positioned at the translation starting at index.
func NewTranslationIterator(t *Translations, index int) *TranslationIterator {
	return &TranslationIterator{buf: t.Bytes, pos: index}
}

// HasNext returns true if bytes remain.
func (it *TranslationIterator) HasNext() bool { return it.pos < len(it.buf) }

// Next decodes one record. operands is reused by the next call.
func (it *TranslationIterator) Next(operands []int32) (TranslationOpcode, []int32, error) {
	if !it.HasNext() {
		return 0, nil, fmt.Errorf("%w: unexpected end at %d", ErrMalformedTranslation, it.pos)
	}
	op := TranslationOpcode(it.buf[it.pos])
	if op >= translationOpcodeEnd {
		return 0, nil, fmt.Errorf("%w: invalid opcode %d at %d", ErrMalformedTranslation, op, it.pos)
	}
	it.pos++
	operands = operands[:0]
	for i := 0; i < op.OperandCount(); i++ {
		v, n, err := decodeInt32(it.buf[it.pos:])
		if err != nil {
			return 0, nil, fmt.Errorf("%w: %s operand %d: %v", ErrMalformedTranslation, op, i, err)
		}
		it.pos += n
		operands = append(operands, v)
	}
	return op, operands, nil
}

// Format returns the textual dump of the translation starting at index.
func (t *Translations) Format(index int) (string, error) {
	var sb strings.Builder
	it := NewTranslationIterator(t, index)
	var ops []int32
	for first := true; it.HasNext(); first = false {
		start := it.pos
		op, operands, err := it.Next(ops)
		if err != nil {
			return "", err
		}
		if op == TranslationBegin && !first {
			it.pos = start
			break
		}
		ops = operands
		if op != TranslationBegin {
			sb.WriteString("  ")
		}
		sb.WriteString(op.String())
		for _, v := range operands {
			fmt.Fprintf(&sb, " %d", v)
		}
		if op == TranslationLiteral {
			if int(operands[0]) >= len(t.Literals) {
				return "", fmt.Errorf("%w: literal %d out of range", ErrMalformedTranslation, operands[0])
			}
			fmt.Fprintf(&sb, " (%#x)", t.Literals[operands[0]])
		}
		sb.WriteByte('\n')
	}
	return sb.String(), nil
}

// appendInt32 appends the signed LEB128 encoding of v.
func appendInt32(buf []byte, v int32) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			return append(buf, b)
		}
		buf = append(buf, b|0x80)
	}
}

// decodeInt32 decodes a signed LEB128 value and returns the number of bytes read.
func decodeInt32(buf []byte) (int32, int, error) {
	var ret int64
	var shift uint
	for i := 0; i < len(buf) && i < 5; i++ {
		b := buf[i]
		ret |= int64(b&0x7f) << shift
		shift += 7
		if b&0x80 == 0 {
			if shift < 64 && b&0x40 != 0 {
				ret |= -1 << shift
			}
			v, err := safecast.Conv[int32](ret)
			if err != nil {
				return 0, 0, err
			}
			return v, i + 1, nil
		}
	}
	return 0, 0, errors.New("unterminated varint")
}
