package calc

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// WireVersion is bumped whenever the encoded layout of Code changes.
const WireVersion = 2

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("calc: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

type constKind uint8

const (
	constNumber constKind = iota + 1
	constString
	constCode
	constFloat
)

type wireConst struct {
	Kind   constKind `cbor:"1,keyasint"`
	Number int64     `cbor:"2,keyasint,omitempty"`
	String string    `cbor:"3,keyasint,omitempty"`
	Code   *wireCode `cbor:"4,keyasint,omitempty"`
	Float  float64   `cbor:"5,keyasint,omitempty"`
}

type wireCode struct {
	Name      string      `cbor:"1,keyasint"`
	FileName  string      `cbor:"2,keyasint,omitempty"`
	FirstLine int         `cbor:"3,keyasint"`
	ArgCount  int         `cbor:"4,keyasint"`
	SlotCount int         `cbor:"5,keyasint"`
	StackSize int         `cbor:"6,keyasint"`
	Bytecode  []byte      `cbor:"7,keyasint"`
	Constants []wireConst `cbor:"8,keyasint,omitempty"`
	Names     []string    `cbor:"9,keyasint,omitempty"`
	VarNames  []string    `cbor:"10,keyasint,omitempty"`
	FreeVars  []string    `cbor:"11,keyasint,omitempty"`
	CellVars  []string    `cbor:"12,keyasint,omitempty"`
	LineTable []byte      `cbor:"13,keyasint,omitempty"`
}

type wireModule struct {
	Version int       `cbor:"1,keyasint"`
	Code    *wireCode `cbor:"2,keyasint"`
}

// MarshalCode serializes a code object and everything nested in it.
func MarshalCode(c *Code) ([]byte, error) {
	w, err := toWire(c)
	if err != nil {
		return nil, err
	}
	return cborEncMode.Marshal(&wireModule{Version: WireVersion, Code: w})
}

// UnmarshalCode deserializes a code object written by MarshalCode.
func UnmarshalCode(data []byte) (*Code, error) {
	var m wireModule
	if err := cbor.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("calc: unmarshal code: %w", err)
	}
	if m.Version != WireVersion {
		return nil, fmt.Errorf("calc: unsupported code version %d (want %d)", m.Version, WireVersion)
	}
	if m.Code == nil {
		return nil, fmt.Errorf("calc: unmarshal code: missing code object")
	}
	return fromWire(m.Code)
}

func toWire(c *Code) (*wireCode, error) {
	w := &wireCode{
		Name:      c.Name,
		FileName:  c.FileName,
		FirstLine: c.FirstLine,
		ArgCount:  c.ArgCount,
		SlotCount: c.SlotCount,
		StackSize: c.StackSize,
		Bytecode:  c.Bytecode,
		Names:     c.Names,
		VarNames:  c.VarNames,
		FreeVars:  c.FreeVars,
		CellVars:  c.CellVars,
		LineTable: c.LineTable,
	}
	for i, k := range c.Constants {
		switch v := k.(type) {
		case NumberObj:
			w.Constants = append(w.Constants, wireConst{Kind: constNumber, Number: v.Value})
		case FloatObj:
			w.Constants = append(w.Constants, wireConst{Kind: constFloat, Float: v.Value})
		case StringObj:
			w.Constants = append(w.Constants, wireConst{Kind: constString, String: v.Value})
		case *Code:
			nested, err := toWire(v)
			if err != nil {
				return nil, err
			}
			w.Constants = append(w.Constants, wireConst{Kind: constCode, Code: nested})
		default:
			return nil, fmt.Errorf("calc: constant %d of %s has unserializable type %s", i, c.Name, k.Type())
		}
	}
	return w, nil
}

func fromWire(w *wireCode) (*Code, error) {
	c := &Code{
		Name:      w.Name,
		FileName:  w.FileName,
		FirstLine: w.FirstLine,
		ArgCount:  w.ArgCount,
		SlotCount: w.SlotCount,
		StackSize: w.StackSize,
		Bytecode:  w.Bytecode,
		Names:     w.Names,
		VarNames:  w.VarNames,
		FreeVars:  w.FreeVars,
		CellVars:  w.CellVars,
		LineTable: w.LineTable,
	}
	for i, k := range w.Constants {
		switch k.Kind {
		case constNumber:
			c.Constants = append(c.Constants, NumberObj{Value: k.Number})
		case constFloat:
			c.Constants = append(c.Constants, FloatObj{Value: k.Float})
		case constString:
			c.Constants = append(c.Constants, StringObj{Value: k.String})
		case constCode:
			if k.Code == nil {
				return nil, fmt.Errorf("calc: constant %d of %s: missing code object", i, w.Name)
			}
			nested, err := fromWire(k.Code)
			if err != nil {
				return nil, err
			}
			c.Constants = append(c.Constants, nested)
		default:
			return nil, fmt.Errorf("calc: constant %d of %s: unknown kind %d", i, w.Name, k.Kind)
		}
	}
	if err := c.validate(); err != nil {
		return nil, fmt.Errorf("calc: code %s: %w", c.Name, err)
	}
	return c, nil
}
