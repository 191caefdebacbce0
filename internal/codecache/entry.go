package codecache

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"fortio.org/safecast"
	"github.com/pierrec/lz4/v4"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/tetratelabs/jitcore/internal/deopt"
	"github.com/tetratelabs/jitcore/internal/maglev"
	"github.com/tetratelabs/jitcore/internal/masm"
)

// magic is the prefix of every encoded entry.
var magic = []byte("JITCORE")

var crc = crc32.MakeTable(crc32.Castagnoli)

// Entry is the serializable form of maglev.CompiledCode.
type Entry struct {
	Code           []byte                 `msgpack:"code"`
	Offsets        []int                  `msgpack:"offsets"`
	Instructions   []Instr                `msgpack:"instrs"`
	StackSlots     int                    `msgpack:"slots"`
	Safepoints     []deopt.SafepointEntry `msgpack:"safepoints"`
	Translations   deopt.Translations     `msgpack:"translations"`
	Handlers       []deopt.HandlerEntry   `msgpack:"handlers"`
	DeoptExits     []DeoptExit            `msgpack:"exits"`
	LazyDeoptCalls map[int]int            `msgpack:"lazy"`
}

// Instr is a masm.Instr with its label replaced by the target index, or -1.
type Instr struct {
	_msgpack struct{} `msgpack:",as_array"`

	Op         uint8
	Width      uint8
	Signed     bool
	Cond       uint8
	Rd, Rn, Rm uint8
	Imm        int64
	Label      int32
	TargetKind uint8
	TargetID   uint16
}

// DeoptExit is a maglev.DeoptExit without its label.
type DeoptExit struct {
	_msgpack struct{} `msgpack:",as_array"`

	Kind             uint8
	Reason           uint8
	Node             uint32
	TranslationIndex int
	InstrIndex       int
	PC               int
}

// NewEntry captures c.
func NewEntry(c *maglev.CompiledCode) (*Entry, error) {
	e := &Entry{
		Code:           c.Code,
		Offsets:        c.Offsets,
		StackSlots:     c.StackSlots,
		Safepoints:     c.Safepoints.Entries(),
		Translations:   *c.Translations,
		Handlers:       c.HandlerTable.Entries(),
		LazyDeoptCalls: c.LazyDeoptCalls,
	}
	e.Instructions = make([]Instr, len(c.Instructions))
	for i := range c.Instructions {
		in := &c.Instructions[i]
		label := int32(-1)
		if in.Label != nil {
			pos, err := safecast.Conv[int32](in.Label.Pos())
			if err != nil {
				return nil, fmt.Errorf("codecache: label of instruction %d: %w", i, err)
			}
			label = pos
		}
		e.Instructions[i] = Instr{
			Op:         uint8(in.Op),
			Width:      uint8(in.Width),
			Signed:     in.Signed,
			Cond:       uint8(in.Cond),
			Rd:         uint8(in.Rd),
			Rn:         uint8(in.Rn),
			Rm:         uint8(in.Rm),
			Imm:        in.Imm,
			Label:      label,
			TargetKind: uint8(in.Target.Kind),
			TargetID:   in.Target.ID,
		}
	}
	for _, x := range c.DeoptExits {
		e.DeoptExits = append(e.DeoptExits, DeoptExit{
			Kind:             uint8(x.Kind),
			Reason:           uint8(x.Reason),
			Node:             x.Node,
			TranslationIndex: x.TranslationIndex,
			InstrIndex:       x.InstrIndex,
			PC:               x.PC,
		})
	}
	return e, nil
}

// CompiledCode rebuilds the compiled code, including its side tables.
func (e *Entry) CompiledCode() (*maglev.CompiledCode, error) {
	translations := e.Translations
	c := &maglev.CompiledCode{
		Code:           e.Code,
		Offsets:        e.Offsets,
		StackSlots:     e.StackSlots,
		Safepoints:     deopt.NewSafepointTable(e.StackSlots),
		Translations:   &translations,
		HandlerTable:   deopt.NewHandlerTable(),
		LazyDeoptCalls: e.LazyDeoptCalls,
	}
	if c.LazyDeoptCalls == nil {
		c.LazyDeoptCalls = map[int]int{}
	}
	labels := map[int32]*masm.Label{}
	c.Instructions = make([]masm.Instr, len(e.Instructions))
	for i, in := range e.Instructions {
		out := masm.Instr{
			Op:     masm.Op(in.Op),
			Width:  masm.Width(in.Width),
			Signed: in.Signed,
			Cond:   masm.Condition(in.Cond),
			Rd:     masm.Register(in.Rd),
			Rn:     masm.Register(in.Rn),
			Rm:     masm.Register(in.Rm),
			Imm:    in.Imm,
			Target: masm.CallTarget{Kind: masm.CallKind(in.TargetKind), ID: in.TargetID},
		}
		if in.Label >= 0 {
			if int(in.Label) > len(e.Instructions) {
				return nil, fmt.Errorf("%w: instruction %d branches to %d", ErrCorrupted, i, in.Label)
			}
			l, ok := labels[in.Label]
			if !ok {
				l = masm.BoundLabel(int(in.Label))
				labels[in.Label] = l
			}
			out.Label = l
		}
		c.Instructions[i] = out
	}
	for _, sp := range e.Safepoints {
		for _, s := range sp.TaggedSlots {
			if s < 0 || s >= e.StackSlots {
				return nil, fmt.Errorf("%w: safepoint at %d has slot %d", ErrCorrupted, sp.PC, s)
			}
		}
		if _, dup := c.Safepoints.Find(sp.PC); dup {
			return nil, fmt.Errorf("%w: two safepoints at %d", ErrCorrupted, sp.PC)
		}
		c.Safepoints.Define(sp)
	}
	for _, h := range e.Handlers {
		if err := c.HandlerTable.Add(h); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
		}
	}
	for _, x := range e.DeoptExits {
		c.DeoptExits = append(c.DeoptExits, maglev.DeoptExit{
			Kind:             maglev.DeoptKind(x.Kind),
			Reason:           deopt.Reason(x.Reason),
			Node:             x.Node,
			TranslationIndex: x.TranslationIndex,
			InstrIndex:       x.InstrIndex,
			PC:               x.PC,
		})
	}
	return c, nil
}

// Encode serializes e for the given engine version:
//
//	magic | version length (1 byte) | version | crc32c of payload (4 bytes LE) | lz4(msgpack(e))
func Encode(version string, e *Entry) (io.Reader, error) {
	if len(version) > 0xff {
		return nil, fmt.Errorf("codecache: version %q too long", version)
	}
	raw, err := msgpack.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("codecache: encode: %w", err)
	}
	var payload bytes.Buffer
	zw := lz4.NewWriter(&payload)
	if _, err = zw.Write(raw); err == nil {
		err = zw.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("codecache: compress: %w", err)
	}

	buf := bytes.NewBuffer(make([]byte, 0, len(magic)+1+len(version)+4+payload.Len()))
	buf.Write(magic)
	buf.WriteByte(byte(len(version)))
	buf.WriteString(version)
	var sum [4]byte
	binary.LittleEndian.PutUint32(sum[:], crc32.Checksum(payload.Bytes(), crc))
	buf.Write(sum[:])
	buf.Write(payload.Bytes())
	return buf, nil
}

// Decode parses an entry encoded by Encode. staleCache is true, with a nil entry and error, when
// the entry was written by another engine version and must be deleted.
func Decode(version string, r io.Reader) (e *Entry, staleCache bool, err error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, false, fmt.Errorf("codecache: read: %w", err)
	}
	if len(b) < len(magic)+1 {
		return nil, false, fmt.Errorf("%w: invalid header length: %d", ErrCorrupted, len(b))
	}
	if !bytes.Equal(b[:len(magic)], magic) {
		return nil, false, fmt.Errorf("%w: invalid magic number: got %q", ErrCorrupted, b[:len(magic)])
	}
	b = b[len(magic):]
	versionSize := int(b[0])
	b = b[1:]
	if len(b) < versionSize+4 {
		return nil, false, fmt.Errorf("%w: invalid header length: %d", ErrCorrupted, len(b))
	}
	if string(b[:versionSize]) != version {
		return nil, true, nil
	}
	b = b[versionSize:]
	sum := binary.LittleEndian.Uint32(b)
	payload := b[4:]
	if got := crc32.Checksum(payload, crc); got != sum {
		return nil, false, fmt.Errorf("%w: checksum mismatch (expected %d, got %d)", ErrCorrupted, sum, got)
	}

	raw, err := io.ReadAll(lz4.NewReader(bytes.NewReader(payload)))
	if err != nil {
		return nil, false, fmt.Errorf("%w: decompress: %v", ErrCorrupted, err)
	}
	e = &Entry{}
	if err = msgpack.Unmarshal(raw, e); err != nil {
		return nil, false, fmt.Errorf("%w: decode: %v", ErrCorrupted, err)
	}
	return e, false, nil
}
