// Package image stores compiled Acorn programs as CBOR.
//
// An image file is the four magic bytes "ACRN" followed by one canonical
// CBOR document. Canonical encoding makes images of equal programs
// byte-identical, so they can be compared and content-addressed.
package image

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"github.com/chazu/acorn/vm"
	"github.com/fxamacker/cbor/v2"
)

// Magic prefixes every image file.
const Magic = "ACRN"

// Version is the image format revision written by Encode.
const Version = 1

// ErrBadImage is wrapped by every decoding failure.
var ErrBadImage = errors.New("bad program image")

var (
	cborEncMode cbor.EncMode
	cborDecMode cbor.DecMode
)

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("image: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em

	// Images may come from anywhere; bound what a document can make us
	// allocate and reject ambiguous maps.
	dm, err := cbor.DecOptions{
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
		MaxNestedLevels:  16,
		MaxArrayElements: 1 << 20,
		MaxMapPairs:      1 << 10,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("image: failed to create CBOR dec mode: %v", err))
	}
	cborDecMode = dm
}

// ---------------------------------------------------------------------------
// Records
// ---------------------------------------------------------------------------

type document struct {
	Version   int              `cbor:"1,keyasint"`
	Info      infoRecord       `cbor:"2,keyasint"`
	Variables []string         `cbor:"3,keyasint,omitempty"`
	Codes     []codeRecord     `cbor:"4,keyasint,omitempty"`
	Functions []functionRecord `cbor:"5,keyasint,omitempty"`
}

type infoRecord struct {
	DisplayName     string `cbor:"1,keyasint,omitempty"`
	Version         string `cbor:"2,keyasint,omitempty"`
	BytecodeVersion int    `cbor:"3,keyasint,omitempty"`
	WindowWidth     int    `cbor:"4,keyasint,omitempty"`
	WindowHeight    int    `cbor:"5,keyasint,omitempty"`
}

type codeRecord struct {
	Name   string        `cbor:"1,keyasint"`
	Instrs []instrRecord `cbor:"2,keyasint,omitempty"`
}

type functionRecord struct {
	Name     string `cbor:"1,keyasint"`
	Code     int    `cbor:"2,keyasint"`
	ArgCount int    `cbor:"3,keyasint,omitempty"`
}

// instrRecord is the union of every instruction shape; the opcode's
// category decides which fields are meaningful.
type instrRecord struct {
	Op       uint8        `cbor:"1,keyasint"`
	Type1    uint8        `cbor:"2,keyasint,omitempty"`
	Type2    uint8        `cbor:"3,keyasint,omitempty"`
	Relation uint8        `cbor:"4,keyasint,omitempty"`
	Offset   int32        `cbor:"5,keyasint,omitempty"`
	Instance int32        `cbor:"6,keyasint,omitempty"`
	Var      int          `cbor:"7,keyasint,omitempty"`
	Value    *valueRecord `cbor:"8,keyasint,omitempty"`
	Function int          `cbor:"9,keyasint,omitempty"`
	ArgCount int          `cbor:"10,keyasint,omitempty"`
	Signal   int16        `cbor:"11,keyasint,omitempty"`
}

type valueRecord struct {
	Kind     uint8  `cbor:"1,keyasint"`
	Bits     uint64 `cbor:"2,keyasint,omitempty"`
	Str      string `cbor:"3,keyasint,omitempty"`
	Var      int    `cbor:"4,keyasint,omitempty"`
	Instance int32  `cbor:"5,keyasint,omitempty"`
}

// ---------------------------------------------------------------------------
// Encoding
// ---------------------------------------------------------------------------

// Encode serializes p.
func Encode(p *vm.Program) ([]byte, error) {
	doc := document{
		Version: Version,
		Info: infoRecord{
			DisplayName:     p.Info.DisplayName,
			Version:         p.Info.Version,
			BytecodeVersion: p.Info.BytecodeVersion,
			WindowWidth:     p.Info.WindowWidth,
			WindowHeight:    p.Info.WindowHeight,
		},
		Variables: p.Variables,
	}
	for i, c := range p.Codes {
		if c == nil {
			return nil, fmt.Errorf("image: code slot %d is empty", i)
		}
		rec := codeRecord{Name: c.Name, Instrs: make([]instrRecord, 0, c.Len())}
		for pc, in := range c.Instructions {
			r, err := encodeInstr(in)
			if err != nil {
				return nil, fmt.Errorf("image: %s [%04d]: %w", c.Name, pc, err)
			}
			rec.Instrs = append(rec.Instrs, r)
		}
		doc.Codes = append(doc.Codes, rec)
	}
	for i, fn := range p.Functions {
		if fn == nil {
			return nil, fmt.Errorf("image: function slot %d is empty", i)
		}
		doc.Functions = append(doc.Functions, functionRecord{Name: fn.Name, Code: fn.Code, ArgCount: fn.ArgCount})
	}

	body, err := cborEncMode.Marshal(&doc)
	if err != nil {
		return nil, fmt.Errorf("image: marshal: %w", err)
	}
	out := make([]byte, 0, len(Magic)+len(body))
	out = append(out, Magic...)
	return append(out, body...), nil
}

func encodeInstr(in vm.Instruction) (instrRecord, error) {
	r := instrRecord{Op: uint8(in.Opcode())}
	switch in := in.(type) {
	case vm.SingleType:
		r.Type1 = uint8(in.Type)
	case vm.DoubleType:
		r.Type1, r.Type2 = uint8(in.Type1), uint8(in.Type2)
	case vm.Comparison:
		r.Type1, r.Type2, r.Relation = uint8(in.Type1), uint8(in.Type2), uint8(in.Relation)
	case vm.Goto:
		r.Offset = in.Offset
	case vm.Pop:
		r.Type1, r.Type2 = uint8(in.Type1), uint8(in.Type2)
		r.Instance = int32(in.Instance)
		r.Var = in.Dest.ID
	case vm.Push:
		v := in.Value
		vr := &valueRecord{Kind: uint8(v.Kind())}
		switch {
		case v.Kind() == vm.KindString:
			vr.Str = v.Str()
		case v.IsVariable():
			ref := v.Variable()
			vr.Var, vr.Instance = ref.ID, int32(ref.Instance)
		default:
			vr.Bits = v.Bits()
		}
		r.Value = vr
	case vm.Call:
		r.Function, r.ArgCount = in.Function, in.ArgCount
	case vm.Break:
		r.Signal = in.Signal
	default:
		return r, fmt.Errorf("unsupported instruction %T", in)
	}
	return r, nil
}

// ---------------------------------------------------------------------------
// Decoding
// ---------------------------------------------------------------------------

// Decode parses an image produced by Encode.
func Decode(data []byte) (*vm.Program, error) {
	if !bytes.HasPrefix(data, []byte(Magic)) {
		return nil, fmt.Errorf("image: %w: missing %q header", ErrBadImage, Magic)
	}
	var doc document
	if err := cborDecMode.Unmarshal(data[len(Magic):], &doc); err != nil {
		return nil, fmt.Errorf("image: unmarshal program: %w: %v", ErrBadImage, err)
	}
	if doc.Version != Version {
		return nil, fmt.Errorf("image: %w: format version %d, want %d", ErrBadImage, doc.Version, Version)
	}

	p := &vm.Program{
		Info: vm.Info{
			DisplayName:     doc.Info.DisplayName,
			Version:         doc.Info.Version,
			BytecodeVersion: doc.Info.BytecodeVersion,
			WindowWidth:     doc.Info.WindowWidth,
			WindowHeight:    doc.Info.WindowHeight,
		},
		Variables: doc.Variables,
	}
	for i, f := range doc.Functions {
		if f.Code < 0 || f.Code >= len(doc.Codes) {
			return nil, fmt.Errorf("image: %w: function %s enters missing code %d", ErrBadImage, f.Name, f.Code)
		}
		p.Functions = append(p.Functions, &vm.Function{Name: f.Name, Index: i, Code: f.Code, ArgCount: f.ArgCount})
	}
	for i, rec := range doc.Codes {
		instrs := make([]vm.Instruction, 0, len(rec.Instrs))
		for pc, r := range rec.Instrs {
			in, err := decodeInstr(p, r)
			if err != nil {
				return nil, fmt.Errorf("image: %w: %s [%04d]: %v", ErrBadImage, rec.Name, pc, err)
			}
			instrs = append(instrs, in)
		}
		p.Codes = append(p.Codes, vm.NewCode(rec.Name, i, instrs))
	}
	return p, nil
}

func decodeInstr(p *vm.Program, r instrRecord) (vm.Instruction, error) {
	op := vm.Opcode(r.Op)
	info, ok := op.Info()
	if !ok {
		return nil, fmt.Errorf("unknown opcode %02X", r.Op)
	}
	t1, t2 := vm.DataType(r.Type1), vm.DataType(r.Type2)
	switch info.Category {
	case vm.CategorySingle:
		return vm.SingleType{Op: op, Type: t1}, nil
	case vm.CategoryDouble:
		return vm.DoubleType{Op: op, Type1: t1, Type2: t2}, nil
	case vm.CategoryComparison:
		return vm.Comparison{Relation: vm.ComparisonType(r.Relation), Type1: t1, Type2: t2}, nil
	case vm.CategoryGoto:
		return vm.Goto{Op: op, Offset: r.Offset}, nil
	case vm.CategoryPop:
		inst := vm.InstanceType(r.Instance)
		return vm.Pop{Type1: t1, Type2: t2, Instance: inst, Dest: ref(p, r.Var, inst)}, nil
	case vm.CategoryPush:
		if r.Value == nil {
			return nil, fmt.Errorf("%s without operand", op)
		}
		v, err := decodeValue(p, *r.Value)
		if err != nil {
			return nil, err
		}
		return vm.Push{Op: op, Value: v}, nil
	case vm.CategoryCall:
		name := ""
		if fn, err := p.FunctionAt(r.Function); err == nil {
			name = fn.Name
		}
		return vm.Call{Function: r.Function, ArgCount: r.ArgCount, Name: name}, nil
	case vm.CategoryBreak:
		return vm.Break{Signal: r.Signal}, nil
	}
	return nil, fmt.Errorf("opcode %s has no encoding", op)
}

func decodeValue(p *vm.Program, r valueRecord) (vm.Value, error) {
	k := vm.Kind(r.Kind)
	switch k {
	case vm.KindString:
		return vm.FromString(r.Str), nil
	case vm.KindVariable:
		return vm.FromVariable(ref(p, r.Var, vm.InstanceType(r.Instance))), nil
	}
	return vm.FromBits(k, r.Bits)
}

func ref(p *vm.Program, id int, inst vm.InstanceType) vm.VariableRef {
	return vm.VariableRef{ID: id, Name: p.VariableName(id), Instance: inst}
}

// ---------------------------------------------------------------------------
// Files
// ---------------------------------------------------------------------------

// WriteFile encodes p into path.
func WriteFile(path string, p *vm.Program) error {
	data, err := Encode(p)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// ReadFile decodes the image at path.
func ReadFile(path string) (*vm.Program, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Decode(data)
}

// IsImage reports whether data starts with the image header.
func IsImage(data []byte) bool {
	return bytes.HasPrefix(data, []byte(Magic))
}
