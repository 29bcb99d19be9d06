package cpu

// Opcodes for the RV32I base instruction formats this interpreter
// decodes (spec.md §4.6's "standard" decoding).
const (
	opLoad   = 0x03
	opImm    = 0x13
	opAUIPC  = 0x17
	opStore  = 0x23
	opReg    = 0x33
	opLUI    = 0x37
	opBranch = 0x63
	opJALR   = 0x67
	opJAL    = 0x6F
	opSystem = 0x73
	opMisc   = 0x0F // FENCE and friends: treated as a no-op, no ordering to enforce single-hart
)

// EncodeRType builds an R-type instruction word: register-register ALU
// ops (RV32I base, funct7=0x00/0x20) and the M extension (funct7=0x01).
func EncodeRType(opcode, rd, funct3, rs1, rs2, funct7 uint32) uint32 {
	return (funct7 << 25) | (rs2 << 20) | (rs1 << 15) | (funct3 << 12) | (rd << 7) | opcode
}

// EncodeIType builds an I-type instruction word (ADDI/loads/JALR/etc).
// imm is the signed 12-bit immediate, sign-extended by the caller.
func EncodeIType(opcode, rd, funct3, rs1 uint32, imm int32) uint32 {
	u := uint32(imm) & 0xFFF
	return (u << 20) | (rs1 << 15) | (funct3 << 12) | (rd << 7) | opcode
}

// EncodeSType builds an S-type instruction word (stores).
func EncodeSType(opcode, funct3, rs1, rs2 uint32, imm int32) uint32 {
	u := uint32(imm)
	imm11_5 := (u >> 5) & 0x7F
	imm4_0 := u & 0x1F
	return (imm11_5 << 25) | (rs2 << 20) | (rs1 << 15) | (funct3 << 12) | (imm4_0 << 7) | opcode
}

// EncodeBType builds a B-type instruction word (conditional branches).
// imm is the byte offset; bit 0 is always 0 (branch targets are
// halfword-aligned under the C extension).
func EncodeBType(opcode, funct3, rs1, rs2 uint32, imm int32) uint32 {
	u := uint32(imm)
	b12 := (u >> 12) & 0x1
	b11 := (u >> 11) & 0x1
	b10_5 := (u >> 5) & 0x3F
	b4_1 := (u >> 1) & 0xF
	return (b12 << 31) | (b10_5 << 25) | (rs2 << 20) | (rs1 << 15) | (funct3 << 12) | (b4_1 << 8) | (b11 << 7) | opcode
}

// EncodeUType builds a U-type instruction word (LUI/AUIPC). imm is
// expected to already carry its value in bits [31:12].
func EncodeUType(opcode, rd, imm uint32) uint32 {
	return (imm &^ 0xFFF) | (rd << 7) | opcode
}

// EncodeJType builds a J-type instruction word (JAL). imm is the byte
// offset, bit 0 always 0.
func EncodeJType(opcode, rd uint32, imm int32) uint32 {
	u := uint32(imm)
	b20 := (u >> 20) & 0x1
	b19_12 := (u >> 12) & 0xFF
	b11 := (u >> 11) & 0x1
	b10_1 := (u >> 1) & 0x3FF
	return (b20 << 31) | (b10_1 << 21) | (b11 << 20) | (b19_12 << 12) | (rd << 7) | opcode
}

// signExtend sign-extends the low `bits` bits of v to a full int32.
func signExtend(v uint32, bits uint) int32 {
	shift := 32 - bits
	return int32(v<<shift) >> shift
}
