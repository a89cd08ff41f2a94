package calc

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	SourceExt   = ".calc"
	CompiledExt = ".calcc"
)

func RunScript(vm *VM, fileName string, source string, opts AnalyzerOptions) (Object, error) {
	code, err := CompileSource(fileName, source, opts)
	if err != nil {
		return nil, err
	}
	return vm.Run(code)
}

// NewFileLoader resolves `run name` to name.calcc or name.calc inside dir.
// A compiled file wins over a source file.
func NewFileLoader(dir string, opts AnalyzerOptions) Loader {
	return LoaderFunc(func(name string) (*Code, error) {
		compiled := filepath.Join(dir, name+CompiledExt)
		if data, err := os.ReadFile(compiled); err == nil {
			return UnmarshalCode(data)
		}

		path := filepath.Join(dir, name+SourceExt)
		source, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("module %s: %w", name, err)
		}
		return CompileSource(path, string(source), opts)
	})
}

// Disassemble lists code and every code object nested in its constants.
func Disassemble(code *Code) string {
	var sb strings.Builder
	disassembleInto(&sb, code)
	return sb.String()
}

func disassembleInto(sb *strings.Builder, code *Code) {
	fmt.Fprintf(sb, "Disassembly of %s (%s, line %d)\n", code.Name, code.FileName, code.FirstLine)
	fmt.Fprintf(sb, "  args: %d  slots: %d  stack: %d\n", code.ArgCount, code.SlotCount, code.StackSize)
	fmt.Fprintf(sb, "  varnames: %v\n", code.VarNames)
	fmt.Fprintf(sb, "  names:    %v\n", code.Names)
	fmt.Fprintf(sb, "  cellvars: %v\n", code.CellVars)
	fmt.Fprintf(sb, "  freevars: %v\n", code.FreeVars)

	sb.WriteString("--------- Constants ---------\n")
	if len(code.Constants) == 0 {
		sb.WriteString("Constants list is empty.\n")
	}
	for i, c := range code.Constants {
		if s, ok := c.(StringObj); ok {
			fmt.Fprintf(sb, "%04d: %q\n", i, s.Value)
			continue
		}
		fmt.Fprintf(sb, "%04d: %v\n", i, c)
	}

	sb.WriteString("--------- Bytecode ---------\n")
	instrs, err := code.Instructions()
	if err != nil {
		fmt.Fprintf(sb, "<%v>\n", err)
		return
	}
	lastLine := 0
	for _, ins := range instrs {
		lineCol := "    "
		if line := code.LineForOffset(ins.Offset); line != lastLine {
			lineCol = fmt.Sprintf("%4d", line)
			lastLine = line
		}
		row := fmt.Sprintf("%s %04d: %-18s", lineCol, ins.Offset, ins.Op)
		if ins.Op.HasArg() {
			row += fmt.Sprintf(" %-5d", ins.Arg)
			if detail := argDetail(code, ins); detail != "" {
				row += " (" + detail + ")"
			}
		}
		sb.WriteString(strings.TrimRight(row, " ") + "\n")
	}

	for _, c := range code.Constants {
		if nested, ok := c.(*Code); ok {
			sb.WriteString("\n")
			disassembleInto(sb, nested)
		}
	}
}

func argDetail(code *Code, ins DecodedInstruction) string {
	switch ins.Op {
	case OpLoadConst:
		if ins.Arg < len(code.Constants) {
			if s, ok := code.Constants[ins.Arg].(StringObj); ok {
				return fmt.Sprintf("%q", s.Value)
			}
			return code.Constants[ins.Arg].String()
		}
	case OpLoadGlobal, OpStoreGlobal, OpRun:
		if ins.Arg < len(code.Names) {
			return code.Names[ins.Arg]
		}
	case OpLoadFast, OpStoreFast:
		if ins.Arg < len(code.VarNames) {
			return code.VarNames[ins.Arg]
		}
	case OpLoadDeref, OpStoreDeref, OpLoadClosure:
		if name, ok := code.DerefName(ins.Arg); ok {
			return name
		}
	case OpJump, OpJumpIfFalse:
		return fmt.Sprintf("to %d", ins.Arg)
	case OpMakeClosure:
		if ins.Arg != 0 {
			return "with env"
		}
	}
	return ""
}
