package calc

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
)

// Code is the compiled form of one module or function body. It is not
// modified after the compiler builds it.
type Code struct {
	Name      string
	FileName  string
	FirstLine int
	ArgCount  int
	SlotCount int
	StackSize int
	Bytecode  []byte
	Constants []Object
	Names     []string
	VarNames  []string
	FreeVars  []string
	CellVars  []string
	LineTable []byte
}

// Instructions decodes the bytecode. The stream was produced by the
// builder, so a decode error means the object was corrupted after the fact.
func (c *Code) Instructions() ([]DecodedInstruction, error) {
	return DecodeInstructions(c.Bytecode)
}

// DerefName returns the variable behind a LOAD_DEREF/STORE_DEREF/LOAD_CLOSURE
// slot: cells first, then free variables.
func (c *Code) DerefName(slot int) (string, bool) {
	if slot < len(c.CellVars) {
		return c.CellVars[slot], true
	}
	slot -= len(c.CellVars)
	if slot < len(c.FreeVars) {
		return c.FreeVars[slot], true
	}
	return "", false
}

// LineEntry is one decoded row of the line table: instructions from Offset
// onward belong to Line.
type LineEntry struct {
	Offset int
	Line   int
}

// Lines decodes the line table.
func (c *Code) Lines() ([]LineEntry, error) {
	entries := []LineEntry{{Offset: 0, Line: c.FirstLine}}
	offset, line := 0, c.FirstLine
	buf := c.LineTable
	for len(buf) > 0 {
		dOff, n := binary.Uvarint(buf)
		if n <= 0 {
			return nil, fmt.Errorf("corrupt line table in %s", c.Name)
		}
		buf = buf[n:]
		dLine, m := binary.Uvarint(buf)
		if m <= 0 {
			return nil, fmt.Errorf("corrupt line table in %s", c.Name)
		}
		buf = buf[m:]
		offset += int(dOff)
		line += int(dLine)
		if offset == entries[len(entries)-1].Offset {
			entries[len(entries)-1].Line = line
			continue
		}
		entries = append(entries, LineEntry{Offset: offset, Line: line})
	}
	return entries, nil
}

// LineForOffset maps a byte offset back to its source line.
func (c *Code) LineForOffset(offset int) int {
	entries, err := c.Lines()
	if err != nil {
		return c.FirstLine
	}
	line := c.FirstLine
	for _, e := range entries {
		if e.Offset > offset {
			break
		}
		line = e.Line
	}
	return line
}

// encodeLineTable records (offset delta, line delta) pairs only where the
// line increases. lines must already be filled for every instruction.
func encodeLineTable(firstLine int, offsets, lines []int) []byte {
	var table []byte
	lastOffset, lastLine := 0, firstLine
	for i, line := range lines {
		if line <= lastLine {
			continue
		}
		table = binary.AppendUvarint(table, uint64(offsets[i]-lastOffset))
		table = binary.AppendUvarint(table, uint64(line-lastLine))
		lastOffset, lastLine = offsets[i], line
	}
	return table
}

// fillLines gives every instruction without a line the most recent line
// seen before it, starting from firstLine.
func fillLines(firstLine int, instrs []Instruction) []int {
	lines := make([]int, len(instrs))
	last := firstLine
	for i, ins := range instrs {
		if ins.Line > 0 {
			last = ins.Line
		}
		lines[i] = last
	}
	return lines
}

// assemble encodes instructions, replacing label arguments of jumps with the
// absolute byte offset of the bound instruction.
func assemble(instrs []Instruction, labels []int) ([]byte, []int, error) {
	offsets := make([]int, len(instrs)+1)
	for i, ins := range instrs {
		offsets[i+1] = offsets[i] + ins.Op.Size()
	}

	buf := make([]byte, 0, offsets[len(instrs)])
	for i, ins := range instrs {
		arg := ins.Arg
		if ins.Op.IsJump() {
			if arg < 0 || arg >= len(labels) || labels[arg] < 0 {
				return nil, nil, errors.Wrapf(ErrUnboundLabel, "label %d used by %s at instruction %d", arg, ins.Op, i)
			}
			arg = offsets[labels[arg]]
		}
		if arg < 0 || arg > MaxArg {
			return nil, nil, fmt.Errorf("operand %d of %s exceeds %d", arg, ins.Op, MaxArg)
		}
		buf = appendInstruction(buf, ins.Op, arg)
	}
	return buf, offsets[:len(instrs)], nil
}

// computeStackSize follows every reachable path through the encoded stream
// and returns the deepest stack it can reach.
func computeStackSize(bytecode []byte) (int, error) {
	depthAt := make(map[int]int)
	type pending struct{ offset, depth int }
	work := []pending{{0, 0}}
	maxDepth := 0

	for len(work) > 0 {
		p := work[len(work)-1]
		work = work[:len(work)-1]

		for off, depth := p.offset, p.depth; off < len(bytecode); {
			if seen, ok := depthAt[off]; ok {
				if seen != depth {
					return 0, fmt.Errorf("inconsistent stack depth at offset %d: %d vs %d", off, seen, depth)
				}
				break
			}
			depthAt[off] = depth

			ins, err := decodeAt(bytecode, off)
			if err != nil {
				return 0, err
			}
			depth += StackEffect(ins.Op, ins.Arg)
			if depth < 0 {
				return 0, fmt.Errorf("stack underflow at offset %d (%s)", off, ins.Op)
			}
			maxDepth = max(maxDepth, depth)

			switch ins.Op {
			case OpReturn:
				off = len(bytecode)
			case OpJump:
				off = ins.Arg
			case OpJumpIfFalse:
				work = append(work, pending{ins.Arg, depth})
				off = ins.Next()
			default:
				off = ins.Next()
			}
		}
	}
	return maxDepth, nil
}

// validate checks that every operand indexes into the table it names and
// that every jump lands on an instruction boundary. The VM trusts both.
func (c *Code) validate() error {
	if c.ArgCount < 0 || c.ArgCount > len(c.VarNames) {
		return fmt.Errorf("argument count %d outside 0..%d", c.ArgCount, len(c.VarNames))
	}
	if c.SlotCount < len(c.VarNames) {
		return fmt.Errorf("slot count %d below %d local names", c.SlotCount, len(c.VarNames))
	}
	if c.StackSize < 0 {
		return fmt.Errorf("negative stack size %d", c.StackSize)
	}
	instrs, err := c.Instructions()
	if err != nil {
		return err
	}
	starts := make(map[int]bool, len(instrs))
	for _, ins := range instrs {
		starts[ins.Offset] = true
	}
	derefs := len(c.CellVars) + len(c.FreeVars)
	for _, ins := range instrs {
		var limit int
		switch ins.Op {
		case OpLoadConst:
			limit = len(c.Constants)
		case OpLoadGlobal, OpStoreGlobal, OpRun:
			limit = len(c.Names)
		case OpLoadFast, OpStoreFast:
			limit = len(c.VarNames)
		case OpLoadDeref, OpStoreDeref, OpLoadClosure:
			limit = derefs
		case OpJump, OpJumpIfFalse:
			if !starts[ins.Arg] {
				return fmt.Errorf("%s at offset %d targets %d, not an instruction", ins.Op, ins.Offset, ins.Arg)
			}
			continue
		case OpMakeClosure:
			if ins.Arg > 1 {
				return fmt.Errorf("%s at offset %d has flag %d", ins.Op, ins.Offset, ins.Arg)
			}
			continue
		default:
			continue
		}
		if ins.Arg >= limit {
			return fmt.Errorf("%s at offset %d: operand %d out of range (%d entries)", ins.Op, ins.Offset, ins.Arg, limit)
		}
	}
	return nil
}
