package cpu

import (
	"fmt"

	"github.com/vanadium-vm/vanadium/vmerr"
)

// execute runs one already-decoded instruction. It is the single
// semantic implementation of RV32I/M shared by both the 32-bit and
// compressed decode paths: decodeCompressed translates every RVC form
// into the same inst shape decode32 produces, so there is nothing
// encoding-specific left to do here.
func (c *CPU) execute(ins inst, nextPC uint32) (exited bool, err error) {
	switch ins.opcode {
	case opLUI:
		c.setReg(ins.rd, uint32(ins.imm))
		c.PC = nextPC

	case opAUIPC:
		c.setReg(ins.rd, c.PC+uint32(ins.imm))
		c.PC = nextPC

	case opJAL:
		c.setReg(ins.rd, nextPC)
		c.PC = uint32(int32(c.PC) + ins.imm)

	case opJALR:
		target := (c.reg(ins.rs1) + uint32(ins.imm)) &^ 1
		c.setReg(ins.rd, nextPC)
		c.PC = target

	case opBranch:
		if c.branchTaken(ins) {
			c.PC = uint32(int32(c.PC) + ins.imm)
		} else {
			c.PC = nextPC
		}

	case opImm:
		c.setReg(ins.rd, c.execOpImm(ins))
		c.PC = nextPC

	case opReg:
		c.setReg(ins.rd, c.execOpReg(ins))
		c.PC = nextPC

	case opLoad:
		v, lerr := c.execLoad(ins)
		if lerr != nil {
			return false, lerr
		}
		c.setReg(ins.rd, v)
		c.PC = nextPC

	case opStore:
		if serr := c.execStore(ins); serr != nil {
			return false, serr
		}
		c.PC = nextPC

	case opMisc:
		// FENCE and friends: single-hart, nothing to order.
		c.PC = nextPC

	case opSystem:
		if ins.imm == 1 {
			return false, vmerr.New(vmerr.VmFault, "cpu.execute", ErrEBreak)
		}
		return c.ecall(nextPC)

	default:
		return false, vmerr.New(vmerr.VmFault, "cpu.execute", ErrIllegalInstruction)
	}
	return false, nil
}

func (c *CPU) branchTaken(ins inst) bool {
	a, b := c.reg(ins.rs1), c.reg(ins.rs2)
	switch ins.funct3 {
	case 0: // BEQ
		return a == b
	case 1: // BNE
		return a != b
	case 4: // BLT
		return int32(a) < int32(b)
	case 5: // BGE
		return int32(a) >= int32(b)
	case 6: // BLTU
		return a < b
	case 7: // BGEU
		return a >= b
	default:
		return false
	}
}

// execOpImm implements the register-immediate ALU ops. SLLI/SRLI/SRAI
// reuse the I-type imm field for the shift amount, with bit 10 of imm
// (instruction bit 30, funct7's bit 5) selecting arithmetic shift,
// matching how decode32 packs them.
func (c *CPU) execOpImm(ins inst) uint32 {
	a := c.reg(ins.rs1)
	switch ins.funct3 {
	case 0: // ADDI
		return a + uint32(ins.imm)
	case 1: // SLLI
		return a << (uint32(ins.imm) & 0x1F)
	case 2: // SLTI
		if int32(a) < ins.imm {
			return 1
		}
		return 0
	case 3: // SLTIU
		if a < uint32(ins.imm) {
			return 1
		}
		return 0
	case 4: // XORI
		return a ^ uint32(ins.imm)
	case 5: // SRLI / SRAI
		shamt := uint32(ins.imm) & 0x1F
		if ins.imm&0x400 != 0 {
			return uint32(int32(a) >> shamt)
		}
		return a >> shamt
	case 6: // ORI
		return a | uint32(ins.imm)
	case 7: // ANDI
		return a & uint32(ins.imm)
	default:
		return 0
	}
}

func (c *CPU) execLoad(ins inst) (uint32, error) {
	addr := c.reg(ins.rs1) + uint32(ins.imm)
	switch ins.funct3 {
	case 0: // LB
		b, err := c.mem.ReadByte(addr)
		if err != nil {
			return 0, err
		}
		return uint32(signExtend(uint32(b), 8)), nil
	case 1: // LH
		h, err := c.mem.ReadHalfword(addr)
		if err != nil {
			return 0, err
		}
		return uint32(signExtend(uint32(h), 16)), nil
	case 2: // LW
		return c.mem.ReadWord(addr)
	case 4: // LBU
		b, err := c.mem.ReadByte(addr)
		if err != nil {
			return 0, err
		}
		return uint32(b), nil
	case 5: // LHU
		h, err := c.mem.ReadHalfword(addr)
		if err != nil {
			return 0, err
		}
		return uint32(h), nil
	default:
		return 0, vmerr.New(vmerr.VmFault, "cpu.execLoad", ErrIllegalInstruction)
	}
}

func (c *CPU) execStore(ins inst) error {
	addr := c.reg(ins.rs1) + uint32(ins.imm)
	v := c.reg(ins.rs2)
	switch ins.funct3 {
	case 0: // SB
		return c.mem.WriteByte(addr, byte(v))
	case 1: // SH
		return c.mem.WriteHalfword(addr, uint16(v))
	case 2: // SW
		return c.mem.WriteWord(addr, v)
	default:
		return vmerr.New(vmerr.VmFault, "cpu.execStore", ErrIllegalInstruction)
	}
}

// ecall dispatches on a7 per the ABI cpu.go documents. It advances PC
// to nextPC unconditionally first: every ecall number either continues
// execution at nextPC or halts, never redirects control flow.
func (c *CPU) ecall(nextPC uint32) (bool, error) {
	c.PC = nextPC
	num := c.Regs[RegA7]
	switch {
	case num == EcallExit:
		return true, nil
	case num == EcallPanic:
		return false, vmerr.New(vmerr.Rejected, "cpu.ecall", fmt.Errorf("panic ecall: a0=%#x", c.Regs[RegA0]))
	case num == EcallXchg:
		return false, c.xchg()
	case num >= EcallExtBase:
		if c.Ext == nil {
			return false, vmerr.New(vmerr.Rejected, "cpu.ecall", fmt.Errorf("no extension handler installed for ecall %d", num))
		}
		return false, c.Ext(c, num)
	default:
		return false, vmerr.New(vmerr.Protocol, "cpu.ecall", fmt.Errorf("unknown ecall number %d", num))
	}
}

// xchg implements EcallXchg: a0/a1 name the outgoing (pointer, length),
// a2/a3 the reply buffer's (pointer, capacity); a0 is overwritten with
// the reply length on return.
func (c *CPU) xchg() error {
	if c.host == nil {
		return vmerr.New(vmerr.Rejected, "cpu.xchg", fmt.Errorf("no host exchange bridge configured"))
	}
	addr, n := c.Regs[10], c.Regs[11]
	data, err := c.mem.ReadBytes(addr, int(n))
	if err != nil {
		return err
	}
	resp, err := c.host.Exchange(data)
	if err != nil {
		return vmerr.New(vmerr.Transport, "cpu.xchg", err)
	}
	outAddr, outMax := c.Regs[12], c.Regs[13]
	if uint32(len(resp)) > outMax {
		return vmerr.New(vmerr.Resource, "cpu.xchg", fmt.Errorf("exchange reply (%d bytes) exceeds buffer capacity %d", len(resp), outMax))
	}
	if err := c.mem.WriteBytes(outAddr, resp); err != nil {
		return err
	}
	c.Regs[10] = uint32(len(resp))
	return nil
}

// execOpReg implements the register-register ALU ops: RV32I base
// (funct7 0x00/0x20) and the M extension (funct7 0x01, spec.md §3's M
// support), including RV32IM's defined div-by-zero and INT_MIN/-1
// overflow results.
func (c *CPU) execOpReg(ins inst) uint32 {
	a, b := c.reg(ins.rs1), c.reg(ins.rs2)

	if ins.funct7 == 0x01 {
		switch ins.funct3 {
		case 0: // MUL
			return a * b
		case 1: // MULH
			return uint32((int64(int32(a)) * int64(int32(b))) >> 32)
		case 2: // MULHSU
			return uint32((int64(int32(a)) * int64(b)) >> 32)
		case 3: // MULHU
			return uint32((uint64(a) * uint64(b)) >> 32)
		case 4: // DIV
			if b == 0 {
				return 0xFFFFFFFF
			}
			if int32(a) == -2147483648 && int32(b) == -1 {
				return a
			}
			return uint32(int32(a) / int32(b))
		case 5: // DIVU
			if b == 0 {
				return 0xFFFFFFFF
			}
			return a / b
		case 6: // REM
			if b == 0 {
				return a
			}
			if int32(a) == -2147483648 && int32(b) == -1 {
				return 0
			}
			return uint32(int32(a) % int32(b))
		case 7: // REMU
			if b == 0 {
				return a
			}
			return a % b
		default:
			return 0
		}
	}

	switch ins.funct3 {
	case 0: // ADD / SUB
		if ins.funct7 == 0x20 {
			return a - b
		}
		return a + b
	case 1: // SLL
		return a << (b & 0x1F)
	case 2: // SLT
		if int32(a) < int32(b) {
			return 1
		}
		return 0
	case 3: // SLTU
		if a < b {
			return 1
		}
		return 0
	case 4: // XOR
		return a ^ b
	case 5: // SRL / SRA
		shamt := b & 0x1F
		if ins.funct7 == 0x20 {
			return uint32(int32(a) >> shamt)
		}
		return a >> shamt
	case 6: // OR
		return a | b
	case 7: // AND
		return a & b
	default:
		return 0
	}
}
