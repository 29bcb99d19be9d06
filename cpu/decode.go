package cpu

import "fmt"

// inst is a decoded instruction in a uniform shape, regardless of
// whether it came from a 32-bit or a compressed (16-bit) encoding; see
// decodeCompressed's doc comment for why compressed forms are expanded
// into this same shape instead of carrying their own execute path.
type inst struct {
	opcode         uint32
	rd, rs1, rs2   uint32
	funct3, funct7 uint32
	imm            int32
}

// decode32 extracts the standard RV32I/M instruction fields (spec.md
// §4.6's "decoding: standard").
func decode32(raw uint32) inst {
	opcode := raw & 0x7F
	rd := (raw >> 7) & 0x1F
	funct3 := (raw >> 12) & 0x7
	rs1 := (raw >> 15) & 0x1F
	rs2 := (raw >> 20) & 0x1F
	funct7 := (raw >> 25) & 0x7F

	switch opcode {
	case opLUI, opAUIPC:
		return inst{opcode: opcode, rd: rd, imm: int32(raw & 0xFFFFF000)}
	case opJAL:
		b20 := (raw >> 31) & 0x1
		b19_12 := (raw >> 12) & 0xFF
		b11 := (raw >> 20) & 0x1
		b10_1 := (raw >> 21) & 0x3FF
		u := (b20 << 20) | (b19_12 << 12) | (b11 << 11) | (b10_1 << 1)
		return inst{opcode: opcode, rd: rd, imm: signExtend(u, 21)}
	case opStore:
		imm11_5 := funct7
		imm4_0 := rd
		u := (imm11_5 << 5) | imm4_0
		return inst{opcode: opcode, rs1: rs1, rs2: rs2, funct3: funct3, imm: signExtend(u, 12)}
	case opBranch:
		b12 := (raw >> 31) & 0x1
		b11 := (raw >> 7) & 0x1
		b10_5 := (raw >> 25) & 0x3F
		b4_1 := (raw >> 8) & 0xF
		u := (b12 << 12) | (b11 << 11) | (b10_5 << 5) | (b4_1 << 1)
		return inst{opcode: opcode, rs1: rs1, rs2: rs2, funct3: funct3, imm: signExtend(u, 13)}
	case opReg:
		return inst{opcode: opcode, rd: rd, rs1: rs1, rs2: rs2, funct3: funct3, funct7: funct7}
	default: // opImm, opLoad, opJALR, opSystem, opMisc: all I-type shaped
		imm := raw >> 20
		return inst{opcode: opcode, rd: rd, rs1: rs1, funct3: funct3, funct7: funct7, imm: signExtend(imm, 12)}
	}
}

// creg maps a compressed 3-bit register field to x8-x15, the eight
// registers the "popular" compressed forms can address.
func creg(v uint32) uint32 { return 8 + v }

// decodeCompressed expands a 16-bit RVC instruction into the same inst
// shape decode32 produces, so execute (execute.go) has a single
// implementation of RV32I/M semantics regardless of encoding width.
// This mirrors how real RVC decoders are built: compressed forms are
// defined as expansions of the base ISA, not a parallel instruction set.
func decodeCompressed(raw uint16) (inst, error) {
	op := raw & 0x3
	funct3 := uint32(raw>>13) & 0x7
	switch op {
	case 0x0: // quadrant 0
		switch funct3 {
		case 0x0: // C.ADDI4SPN: imm[5:4]=raw[12:11], imm[9:6]=raw[10:7], imm[2]=raw[6], imm[3]=raw[5]
			nzuimm := ((uint32(raw>>11)&0x3)<<4) | ((uint32(raw>>7)&0xF)<<6) | ((uint32(raw>>6)&0x1)<<2) | ((uint32(raw>>5)&0x1)<<3)
			if nzuimm == 0 {
				return inst{}, ErrIllegalInstruction
			}
			rd := creg(uint32(raw>>2) & 0x7)
			return inst{opcode: opImm, rd: rd, rs1: 2, funct3: 0, imm: int32(nzuimm)}, nil
		case 0x2: // C.LW
			rs1 := creg(uint32(raw>>7) & 0x7)
			rd := creg(uint32(raw>>2) & 0x7)
			imm := ((uint32(raw>>10)&0x7)<<3) | ((uint32(raw>>6)&0x1)<<2) | ((uint32(raw>>5)&0x1)<<6)
			return inst{opcode: opLoad, rd: rd, rs1: rs1, funct3: 2, imm: int32(imm)}, nil
		case 0x6: // C.SW
			rs1 := creg(uint32(raw>>7) & 0x7)
			rs2 := creg(uint32(raw>>2) & 0x7)
			imm := ((uint32(raw>>10)&0x7)<<3) | ((uint32(raw>>6)&0x1)<<2) | ((uint32(raw>>5)&0x1)<<6)
			return inst{opcode: opStore, rs1: rs1, rs2: rs2, funct3: 2, imm: int32(imm)}, nil
		default:
			return inst{}, ErrIllegalInstruction
		}
	case 0x1: // quadrant 1
		switch funct3 {
		case 0x0: // C.NOP / C.ADDI
			rd := uint32(raw>>7) & 0x1F
			imm := signExtend(((uint32(raw>>12)&0x1)<<5)|(uint32(raw>>2)&0x1F), 6)
			return inst{opcode: opImm, rd: rd, rs1: rd, funct3: 0, imm: imm}, nil
		case 0x1: // C.JAL (RV32C only): rd = x1
			imm := decodeCJImm(raw)
			return inst{opcode: opJAL, rd: 1, imm: imm}, nil
		case 0x2: // C.LI
			rd := uint32(raw>>7) & 0x1F
			imm := signExtend(((uint32(raw>>12)&0x1)<<5)|(uint32(raw>>2)&0x1F), 6)
			return inst{opcode: opImm, rd: rd, rs1: 0, funct3: 0, imm: imm}, nil
		case 0x3:
			rd := uint32(raw>>7) & 0x1F
			if rd == 2 { // C.ADDI16SP
				u := ((uint32(raw>>12)&0x1)<<9) | ((uint32(raw>>6)&0x1)<<4) | ((uint32(raw>>5)&0x1)<<6) | ((uint32(raw>>3)&0x3)<<7) | ((uint32(raw>>2)&0x1)<<5)
				imm := signExtend(u, 10)
				if imm == 0 {
					return inst{}, ErrIllegalInstruction
				}
				return inst{opcode: opImm, rd: 2, rs1: 2, funct3: 0, imm: imm}, nil
			}
			// C.LUI
			u := ((uint32(raw>>12) & 0x1) << 17) | ((uint32(raw>>2) & 0x1F) << 12)
			imm := signExtend(u, 18)
			if imm == 0 || rd == 0 {
				return inst{}, ErrIllegalInstruction
			}
			return inst{opcode: opLUI, rd: rd, imm: imm}, nil
		case 0x4:
			funct2 := uint32(raw>>10) & 0x3
			rd := creg(uint32(raw>>7) & 0x7)
			switch funct2 {
			case 0x0: // C.SRLI
				shamt := ((uint32(raw>>12) & 0x1) << 5) | (uint32(raw>>2) & 0x1F)
				return inst{opcode: opImm, rd: rd, rs1: rd, funct3: 5, imm: int32(shamt)}, nil
			case 0x1: // C.SRAI
				shamt := ((uint32(raw>>12) & 0x1) << 5) | (uint32(raw>>2) & 0x1F)
				return inst{opcode: opImm, rd: rd, rs1: rd, funct3: 5, imm: int32(shamt | 0x400)}, nil
			case 0x2: // C.ANDI
				imm := signExtend(((uint32(raw>>12)&0x1)<<5)|(uint32(raw>>2)&0x1F), 6)
				return inst{opcode: opImm, rd: rd, rs1: rd, funct3: 7, imm: imm}, nil
			default: // 0x3: C.SUB/C.XOR/C.OR/C.AND
				rs2 := creg(uint32(raw>>2) & 0x7)
				switch uint32(raw>>5) & 0x3 {
				case 0x0: // C.SUB
					return inst{opcode: opReg, rd: rd, rs1: rd, rs2: rs2, funct3: 0, funct7: 0x20}, nil
				case 0x1: // C.XOR
					return inst{opcode: opReg, rd: rd, rs1: rd, rs2: rs2, funct3: 4}, nil
				case 0x2: // C.OR
					return inst{opcode: opReg, rd: rd, rs1: rd, rs2: rs2, funct3: 6}, nil
				default: // C.AND
					return inst{opcode: opReg, rd: rd, rs1: rd, rs2: rs2, funct3: 7}, nil
				}
			}
		case 0x5: // C.J
			imm := decodeCJImm(raw)
			return inst{opcode: opJAL, rd: 0, imm: imm}, nil
		case 0x6: // C.BEQZ
			rs1 := creg(uint32(raw>>7) & 0x7)
			imm := decodeCBImm(raw)
			return inst{opcode: opBranch, rs1: rs1, rs2: 0, funct3: 0, imm: imm}, nil
		case 0x7: // C.BNEZ
			rs1 := creg(uint32(raw>>7) & 0x7)
			imm := decodeCBImm(raw)
			return inst{opcode: opBranch, rs1: rs1, rs2: 0, funct3: 1, imm: imm}, nil
		}
	case 0x2: // quadrant 2
		rd := uint32(raw>>7) & 0x1F
		switch funct3 {
		case 0x0: // C.SLLI
			shamt := ((uint32(raw>>12) & 0x1) << 5) | (uint32(raw>>2) & 0x1F)
			return inst{opcode: opImm, rd: rd, rs1: rd, funct3: 1, imm: int32(shamt)}, nil
		case 0x2: // C.LWSP
			if rd == 0 {
				return inst{}, ErrIllegalInstruction
			}
			imm := ((uint32(raw>>12) & 0x1) << 5) | ((uint32(raw>>4) & 0x7) << 2) | ((uint32(raw>>2) & 0x3) << 6)
			return inst{opcode: opLoad, rd: rd, rs1: 2, funct3: 2, imm: int32(imm)}, nil
		case 0x4:
			rs2 := uint32(raw>>2) & 0x1F
			bit12 := (raw >> 12) & 0x1
			if bit12 == 0 {
				if rs2 == 0 { // C.JR
					if rd == 0 {
						return inst{}, ErrIllegalInstruction
					}
					return inst{opcode: opJALR, rd: 0, rs1: rd, imm: 0}, nil
				}
				// C.MV
				return inst{opcode: opReg, rd: rd, rs1: 0, rs2: rs2, funct3: 0}, nil
			}
			if rs2 == 0 {
				if rd == 0 { // C.EBREAK
					return inst{opcode: opSystem, imm: 1}, nil
				}
				// C.JALR
				return inst{opcode: opJALR, rd: 1, rs1: rd, imm: 0}, nil
			}
			// C.ADD
			return inst{opcode: opReg, rd: rd, rs1: rd, rs2: rs2, funct3: 0}, nil
		case 0x6: // C.SWSP
			rs2 := uint32(raw>>2) & 0x1F
			imm := ((uint32(raw>>9) & 0xF) << 2) | ((uint32(raw>>7) & 0x3) << 6)
			return inst{opcode: opStore, rs1: 2, rs2: rs2, funct3: 2, imm: int32(imm)}, nil
		default:
			return inst{}, ErrIllegalInstruction
		}
	}
	return inst{}, ErrIllegalInstruction
}

// decodeCJImm decodes the scrambled 11-bit signed offset shared by
// C.JAL and C.J.
func decodeCJImm(raw uint16) int32 {
	b11 := (uint32(raw>>12) & 0x1) << 11
	b4 := (uint32(raw>>11) & 0x1) << 4
	b9_8 := (uint32(raw>>9) & 0x3) << 8
	b10 := (uint32(raw>>8) & 0x1) << 10
	b6 := (uint32(raw>>7) & 0x1) << 6
	b7 := (uint32(raw>>6) & 0x1) << 7
	b3_1 := (uint32(raw>>3) & 0x7) << 1
	b5 := (uint32(raw>>2) & 0x1) << 5
	u := b11 | b10 | b9_8 | b7 | b6 | b5 | b4 | b3_1
	return signExtend(u, 12)
}

// decodeCBImm decodes the scrambled 8-bit signed offset shared by
// C.BEQZ and C.BNEZ.
func decodeCBImm(raw uint16) int32 {
	b8 := (uint32(raw>>12) & 0x1) << 8
	b4_3 := (uint32(raw>>10) & 0x3) << 3
	b7_6 := (uint32(raw>>5) & 0x3) << 6
	b2_1 := (uint32(raw>>3) & 0x3) << 1
	b5 := (uint32(raw>>2) & 0x1) << 5
	u := b8 | b7_6 | b5 | b4_3 | b2_1
	return signExtend(u, 9)
}

func (i inst) String() string {
	return fmt.Sprintf("{op:%#x rd:%d rs1:%d rs2:%d f3:%d f7:%d imm:%d}", i.opcode, i.rd, i.rs1, i.rs2, i.funct3, i.funct7, i.imm)
}
