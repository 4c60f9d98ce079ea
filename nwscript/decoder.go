package nwscript

import (
	"context"
	"encoding/binary"
	"math"

	"tlog.app/go/errors"
	"tlog.app/go/tlog"
)

// NCS files start with an 8 byte version tag, followed by a SCRIPTSIZE
// pseudo-instruction carrying the total file size. The code section starts
// right after; instruction addresses are relative to it.
const (
	ncsTag     = "NCS V1.0"
	headerSize = 13
)

func decode(ctx context.Context, data []byte) (instrs []Instruction, size uint32, err error) {
	tr := tlog.SpanFromContext(ctx)

	if len(data) < headerSize {
		return nil, 0, errors.New("truncated header: %d bytes", len(data))
	}

	if string(data[:8]) != ncsTag {
		return nil, 0, errors.New("invalid version tag %q", data[:8])
	}

	if Opcode(data[8]) != OpSCRIPTSIZE {
		return nil, 0, errors.New("missing SCRIPTSIZE: 0x%02x", data[8])
	}

	size = binary.BigEndian.Uint32(data[9:13])
	if size != uint32(len(data)) {
		return nil, 0, errors.New("script size mismatch: header says %d, have %d", size, len(data))
	}

	code := data[headerSize:]

	for addr := uint32(0); addr < uint32(len(code)); {
		ins, err := decodeInstruction(code, addr)
		if err != nil {
			return nil, 0, errors.Wrap(err, "instruction at %08x", addr)
		}

		instrs = append(instrs, ins)
		addr += ins.Size
	}

	tr.V("decode").Printw("decoded instructions", "count", len(instrs), "size", size)

	return instrs, size, nil
}

func decodeInstruction(code []byte, addr uint32) (ins Instruction, err error) {
	r := reader{b: code, pos: addr}

	ins.Address = addr
	ins.Opcode = Opcode(r.u8())
	ins.Type = InstType(r.u8())
	ins.Follower = NoAddress

	switch ins.Opcode {
	case OpCPDOWNSP, OpCPTOPSP, OpCPDOWNBP, OpCPTOPBP:
		ins.Args = []int32{r.i32(), int32(r.u16())}

	case OpRSADD, OpNEG, OpCOMP, OpNOT,
		OpLOGAND, OpLOGOR, OpINCOR, OpEXCOR, OpBOOLAND,
		OpGEQ, OpGT, OpLT, OpLEQ,
		OpSHLEFT, OpSHRIGHT, OpUSHRIGHT,
		OpADD, OpSUB, OpMUL, OpDIV, OpMOD,
		OpRETN, OpSAVEBP, OpRESTOREBP, OpNOP:

	case OpEQ, OpNEQ:
		// Struct comparisons carry the compared size.
		if ins.Type == TypeStructStruct {
			ins.Args = []int32{int32(r.u16())}
		}

	case OpCONST:
		switch ins.Type {
		case TypeInt:
			ins.IntValue = r.i32()
		case TypeFloat:
			ins.FloatValue = math.Float32frombits(uint32(r.i32()))
		case TypeString, TypeResource:
			n := int(r.u16())
			ins.StringValue = r.str(n)
		case TypeObject:
			ins.IntValue = r.i32()
		default:
			return ins, errors.New("invalid CONST type 0x%02x", uint8(ins.Type))
		}

	case OpACTION:
		ins.Args = []int32{int32(r.u16()), int32(r.u8())}

	case OpMOVSP, OpDECISP, OpINCISP, OpDECIBP, OpINCIBP:
		ins.Args = []int32{r.i32()}

	case OpJMP, OpJSR, OpJZ, OpJNZ:
		ins.Args = []int32{r.i32()}

	case OpDESTRUCT:
		ins.Args = []int32{int32(r.u16()), int32(int16(r.u16())), int32(r.u16())}

	case OpSTORESTATE:
		ins.Args = []int32{r.i32(), r.i32()}

	default:
		return ins, errors.New("invalid opcode 0x%02x", uint8(ins.Opcode))
	}

	if r.err != nil {
		return ins, r.err
	}

	ins.Size = r.pos - addr

	return ins, nil
}

// linkBranches resolves declared branch targets to absolute addresses and
// chains followers. A target that hits no instruction start is fatal.
func linkBranches(instrs []Instruction) error {
	starts := make(map[uint32]int, len(instrs))
	for i := range instrs {
		starts[instrs[i].Address] = i
	}

	for i := range instrs {
		ins := &instrs[i]

		next := NoAddress
		if i+1 < len(instrs) {
			next = instrs[i+1].Address
		}

		switch ins.Opcode {
		case OpJMP:
			// No fallthrough.

		case OpRETN:
			// Terminal for this path.

		default:
			ins.Follower = next
		}

		switch ins.Opcode {
		case OpJMP, OpJSR, OpJZ, OpJNZ:
			target := ins.Address + uint32(ins.Args[0])
			if _, ok := starts[target]; !ok {
				return errors.New("%v at %08x: branch target %08x is not an instruction", ins.Opcode, ins.Address, target)
			}

			ins.Branches = []uint32{target}

			if ins.IsConditional() && ins.Follower == NoAddress {
				return errors.New("%v at %08x: no fallthrough", ins.Opcode, ins.Address)
			}

		case OpSTORESTATE:
			// The saved continuation starts after the jump the compiler
			// emits right behind the STORESTATE; the jump itself carries
			// the normal control flow over the saved body.
			if next == NoAddress {
				return errors.New("STORESTATE at %08x: no continuation", ins.Address)
			}

			target := next
			if n := starts[next]; instrs[n].Opcode == OpJMP {
				after := instrs[n].Address + instrs[n].Size
				if _, ok := starts[after]; ok {
					target = after
				}
			}

			ins.Branches = []uint32{target}
		}
	}

	return nil
}

type reader struct {
	b   []byte
	pos uint32
	err error
}

func (r *reader) need(n uint32) bool {
	if r.err != nil {
		return false
	}

	if uint32(len(r.b))-r.pos < n || r.pos+n < r.pos {
		r.err = errors.New("truncated stream at %08x", r.pos)
		return false
	}

	return true
}

func (r *reader) u8() uint8 {
	if !r.need(1) {
		return 0
	}

	v := r.b[r.pos]
	r.pos++

	return v
}

func (r *reader) u16() uint16 {
	if !r.need(2) {
		return 0
	}

	v := binary.BigEndian.Uint16(r.b[r.pos:])
	r.pos += 2

	return v
}

func (r *reader) i32() int32 {
	if !r.need(4) {
		return 0
	}

	v := int32(binary.BigEndian.Uint32(r.b[r.pos:]))
	r.pos += 4

	return v
}

func (r *reader) str(n int) string {
	if !r.need(uint32(n)) {
		return ""
	}

	v := string(r.b[r.pos : r.pos+uint32(n)])
	r.pos += uint32(n)

	return v
}
