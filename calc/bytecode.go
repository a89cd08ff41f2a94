package calc

import (
	"encoding/binary"
	"fmt"
)

// OpCode is one byte of the instruction stream. Opcodes that take an
// argument are followed by a little-endian uint16.
type OpCode byte

const (
	OpPop OpCode = iota
	OpLoadConst
	OpLoadNull
	OpLoadGlobal
	OpStoreGlobal
	OpLoadFast
	OpStoreFast
	OpLoadDeref
	OpStoreDeref
	OpLoadClosure
	OpBuildTuple
	OpMakeClosure
	OpAdd
	OpSubtract
	OpMultiply
	OpDivide
	OpModulo
	OpCompareGreater
	OpCompareLess
	OpCompareEqual
	OpNegate
	OpPositive
	OpCall
	OpReturn
	OpJump
	OpJumpIfFalse
	OpRun
)

// variableEffect marks opcodes whose stack effect depends on the argument.
const variableEffect = -128

type OpInfo struct {
	Name        string
	HasArg      bool
	StackEffect int
}

var opTable = [...]OpInfo{
	OpPop:            {"POP_TOP", false, -1},
	OpLoadConst:      {"LOAD_CONST", true, 1},
	OpLoadNull:       {"LOAD_NULL", false, 1},
	OpLoadGlobal:     {"LOAD_GLOBAL", true, 1},
	OpStoreGlobal:    {"STORE_GLOBAL", true, -1},
	OpLoadFast:       {"LOAD_FAST", true, 1},
	OpStoreFast:      {"STORE_FAST", true, -1},
	OpLoadDeref:      {"LOAD_DEREF", true, 1},
	OpStoreDeref:     {"STORE_DEREF", true, -1},
	OpLoadClosure:    {"LOAD_CLOSURE", true, 1},
	OpBuildTuple:     {"BUILD_TUPLE", true, variableEffect},
	OpMakeClosure:    {"MAKE_CLOSURE", true, variableEffect},
	OpAdd:            {"BINARY_ADD", false, -1},
	OpSubtract:       {"BINARY_SUBTRACT", false, -1},
	OpMultiply:       {"BINARY_MULTIPLY", false, -1},
	OpDivide:         {"BINARY_TRUE_DIVIDE", false, -1},
	OpModulo:         {"BINARY_MODULO", false, -1},
	OpCompareGreater: {"COMPARE_GT", false, -1},
	OpCompareLess:    {"COMPARE_LT", false, -1},
	OpCompareEqual:   {"COMPARE_EQ", false, -1},
	OpNegate:         {"UNARY_NEGATIVE", false, 0},
	OpPositive:       {"UNARY_POSITIVE", false, 0},
	OpCall:           {"CALL_FUNCTION", true, variableEffect},
	OpReturn:         {"RETURN_VALUE", false, -1},
	OpJump:           {"JUMP_ABSOLUTE", true, 0},
	OpJumpIfFalse:    {"POP_JUMP_IF_FALSE", true, -1},
	OpRun:            {"RUN_MODULE", true, 0},
}

// MaxArg is the largest operand an instruction can carry.
const MaxArg = 0xFFFF

func (o OpCode) Valid() bool {
	return int(o) < len(opTable)
}

func (o OpCode) Info() OpInfo {
	if !o.Valid() {
		return OpInfo{Name: fmt.Sprintf("OP_%d", byte(o))}
	}
	return opTable[o]
}

func (o OpCode) String() string {
	return o.Info().Name
}

func (o OpCode) HasArg() bool {
	return o.Info().HasArg
}

// Size is the encoded width of the instruction in bytes.
func (o OpCode) Size() int {
	if o.HasArg() {
		return 3
	}
	return 1
}

func (o OpCode) IsJump() bool {
	return o == OpJump || o == OpJumpIfFalse
}

// StackEffect returns the net change in stack depth after executing op with
// arg. For MakeClosure a nonzero arg means a closure environment is on the
// stack beneath the code object.
func StackEffect(op OpCode, arg int) int {
	switch op {
	case OpBuildTuple:
		return 1 - arg
	case OpMakeClosure:
		if arg != 0 {
			return -1
		}
		return 0
	case OpCall:
		return -arg
	}
	return op.Info().StackEffect
}

// Instruction is an emitted but not yet encoded instruction. For jumps, Arg
// holds a Label until the code object is built.
type Instruction struct {
	Op   OpCode
	Arg  int
	Line int
}

func (i Instruction) String() string {
	if i.Op.HasArg() {
		return fmt.Sprintf("%s %d", i.Op, i.Arg)
	}
	return i.Op.String()
}

// Label is a handle to a not yet known instruction position.
type Label int

// DecodedInstruction is one instruction read back from a byte stream.
type DecodedInstruction struct {
	Offset int
	Op     OpCode
	Arg    int
}

func (d DecodedInstruction) Next() int {
	return d.Offset + d.Op.Size()
}

// DecodeInstructions splits an encoded stream into instructions.
func DecodeInstructions(code []byte) ([]DecodedInstruction, error) {
	out := make([]DecodedInstruction, 0, len(code))
	for off := 0; off < len(code); {
		ins, err := decodeAt(code, off)
		if err != nil {
			return nil, err
		}
		out = append(out, ins)
		off = ins.Next()
	}
	return out, nil
}

func decodeAt(code []byte, off int) (DecodedInstruction, error) {
	op := OpCode(code[off])
	if !op.Valid() {
		return DecodedInstruction{}, fmt.Errorf("invalid opcode 0x%02x at offset %d", code[off], off)
	}
	ins := DecodedInstruction{Offset: off, Op: op}
	if op.HasArg() {
		if off+3 > len(code) {
			return DecodedInstruction{}, fmt.Errorf("truncated operand for %s at offset %d", op, off)
		}
		ins.Arg = int(binary.LittleEndian.Uint16(code[off+1:]))
	}
	return ins, nil
}

func appendInstruction(buf []byte, op OpCode, arg int) []byte {
	buf = append(buf, byte(op))
	if op.HasArg() {
		buf = binary.LittleEndian.AppendUint16(buf, uint16(arg))
	}
	return buf
}
