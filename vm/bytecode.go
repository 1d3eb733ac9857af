package vm

import (
	"fmt"
	"strconv"
)

// ---------------------------------------------------------------------------
// Opcode definitions
// ---------------------------------------------------------------------------

// Opcode is the one-byte operation tag of an instruction. Values follow the
// encoding used by the authoring toolchain's bytecode (format 15+).
type Opcode byte

// Conversion, arithmetic and bitwise operations (DoubleType)
const (
	OpConv Opcode = 0x07
	OpMul  Opcode = 0x08
	OpDiv  Opcode = 0x09
	OpRem  Opcode = 0x0A
	OpMod  Opcode = 0x0B
	OpAdd  Opcode = 0x0C
	OpSub  Opcode = 0x0D
	OpAnd  Opcode = 0x0E
	OpOr   Opcode = 0x0F
	OpXor  Opcode = 0x10
	OpShl  Opcode = 0x13
	OpShr  Opcode = 0x14
)

// Unary and stack operations (SingleType)
const (
	OpNeg  Opcode = 0x11
	OpNot  Opcode = 0x12
	OpDup  Opcode = 0x86
	OpRet  Opcode = 0x9C
	OpExit Opcode = 0x9D
	OpPopz Opcode = 0x9E
)

// Comparison, stores and loads
const (
	OpCmp      Opcode = 0x15
	OpPop      Opcode = 0x45
	OpPushI    Opcode = 0x84 // push 16-bit immediate
	OpPush     Opcode = 0xC0
	OpPushLoc  Opcode = 0xC1
	OpPushGlb  Opcode = 0xC2
	OpPushBltn Opcode = 0xC3
)

// Control flow (Goto)
const (
	OpB       Opcode = 0xB6 // branch
	OpBt      Opcode = 0xB7 // branch if true
	OpBf      Opcode = 0xB8 // branch if false
	OpPushEnv Opcode = 0xBA // enter "with" environment
	OpPopEnv  Opcode = 0xBB // leave "with" environment
)

// Calls and debugging
const (
	OpCall  Opcode = 0xD9
	OpBreak Opcode = 0xFF
)

// WordSize is the width in bytes of one encoding word. Jump offsets are
// counted in words, and every instruction occupies a whole number of them.
const WordSize = 4

// ---------------------------------------------------------------------------
// Opcode metadata
// ---------------------------------------------------------------------------

// Category is the instruction shape an opcode belongs to.
type Category uint8

const (
	CategorySingle Category = iota
	CategoryDouble
	CategoryComparison
	CategoryGoto
	CategoryPop
	CategoryPush
	CategoryCall
	CategoryBreak
)

var categoryNames = [...]string{"single", "double", "comparison", "goto", "pop", "push", "call", "break"}

func (c Category) String() string {
	if int(c) < len(categoryNames) {
		return categoryNames[c]
	}
	return fmt.Sprintf("Category(%d)", c)
}

// OpcodeInfo holds metadata about an opcode.
type OpcodeInfo struct {
	Name     string   // assembly mnemonic
	Category Category // instruction shape
	Doc      string   // one-line description
}

var opcodeTable = map[Opcode]OpcodeInfo{
	OpConv: {"conv", CategoryDouble, "Convert the top value from type1 to type2"},
	OpMul:  {"mul", CategoryDouble, "Multiply the top two values"},
	OpDiv:  {"div", CategoryDouble, "Divide lhs by rhs (integer division checks for zero)"},
	OpRem:  {"rem", CategoryDouble, "Remainder of lhs by rhs (Euclidean for floats)"},
	OpMod:  {"mod", CategoryDouble, "Modulus of lhs by rhs (truncated)"},
	OpAdd:  {"add", CategoryDouble, "Add the top two values (integers wrap)"},
	OpSub:  {"sub", CategoryDouble, "Subtract rhs from lhs (integers wrap)"},
	OpAnd:  {"and", CategoryDouble, "Bitwise AND of integers, logical AND of booleans"},
	OpOr:   {"or", CategoryDouble, "Bitwise OR of integers, logical OR of booleans"},
	OpXor:  {"xor", CategoryDouble, "Bitwise XOR of integers, logical XOR of booleans"},
	OpShl:  {"shl", CategoryDouble, "Shift lhs left by rhs bits (booleans XOR)"},
	OpShr:  {"shr", CategoryDouble, "Arithmetic shift of lhs right by rhs bits (booleans XOR)"},

	OpNeg:  {"neg", CategorySingle, "Negate the top numeric value"},
	OpNot:  {"not", CategorySingle, "Logical NOT of the top boolean"},
	OpDup:  {"dup", CategorySingle, "Duplicate the top value"},
	OpRet:  {"ret", CategorySingle, "Pop the top value and return it to the caller"},
	OpExit: {"exit", CategorySingle, "Return to the caller without a value"},
	OpPopz: {"popz", CategorySingle, "Discard the top value"},

	OpCmp: {"cmp", CategoryComparison, "Compare lhs with rhs and push a boolean"},

	OpB:       {"b", CategoryGoto, "Branch unconditionally"},
	OpBt:      {"bt", CategoryGoto, "Pop a boolean and branch if it is true"},
	OpBf:      {"bf", CategoryGoto, "Pop a boolean and branch if it is false"},
	OpPushEnv: {"pushenv", CategoryGoto, "Pop an instance id and make it self until popenv"},
	OpPopEnv:  {"popenv", CategoryGoto, "Restore the self saved by the matching pushenv"},

	OpPop: {"pop", CategoryPop, "Pop the top value into a variable"},

	OpPush:     {"push", CategoryPush, "Push a literal or load a variable"},
	OpPushLoc:  {"pushloc", CategoryPush, "Load a local variable"},
	OpPushGlb:  {"pushglb", CategoryPush, "Load a global variable"},
	OpPushBltn: {"pushbltn", CategoryPush, "Load a builtin or instance variable"},
	OpPushI:    {"pushi", CategoryPush, "Push a 16-bit immediate"},

	OpCall: {"call", CategoryCall, "Call a function with arguments already on the stack"},

	OpBreak: {"break", CategoryBreak, "Debug marker; no effect unless a hook intercepts it"},
}

// Info returns the metadata for an opcode.
func (op Opcode) Info() (OpcodeInfo, bool) {
	info, ok := opcodeTable[op]
	return info, ok
}

// String returns the mnemonic, or UNKNOWN_xx for undefined opcodes.
func (op Opcode) String() string {
	if info, ok := opcodeTable[op]; ok {
		return info.Name
	}
	return fmt.Sprintf("UNKNOWN_%02X", byte(op))
}

// LookupOpcode finds an opcode by mnemonic.
func LookupOpcode(name string) (Opcode, bool) {
	for op, info := range opcodeTable {
		if info.Name == name {
			return op, true
		}
	}
	return 0, false
}

// Opcodes returns every defined opcode.
func Opcodes() []Opcode {
	ops := make([]Opcode, 0, len(opcodeTable))
	for op := range opcodeTable {
		ops = append(ops, op)
	}
	return ops
}

// ---------------------------------------------------------------------------
// Operand tags
// ---------------------------------------------------------------------------

// DataType is the four-bit type tag carried by typed instructions.
type DataType uint8

const (
	TypeDouble   DataType = 0x0
	TypeFloat    DataType = 0x1
	TypeInt32    DataType = 0x2
	TypeInt64    DataType = 0x3
	TypeBoolean  DataType = 0x4
	TypeVariable DataType = 0x5
	TypeString   DataType = 0x6
	TypeInt16    DataType = 0xF
)

var dataTypeSuffix = map[DataType]byte{
	TypeDouble:   'd',
	TypeFloat:    'f',
	TypeInt32:    'i',
	TypeInt64:    'l',
	TypeBoolean:  'b',
	TypeVariable: 'v',
	TypeString:   's',
	TypeInt16:    'e',
}

func (t DataType) String() string {
	switch t {
	case TypeDouble:
		return "Double"
	case TypeFloat:
		return "Float"
	case TypeInt32:
		return "Int32"
	case TypeInt64:
		return "Int64"
	case TypeBoolean:
		return "Boolean"
	case TypeVariable:
		return "Variable"
	case TypeString:
		return "String"
	case TypeInt16:
		return "Int16"
	}
	return fmt.Sprintf("DataType(%d)", uint8(t))
}

// Suffix returns the single-letter assembly suffix for the type.
func (t DataType) Suffix() string {
	if c, ok := dataTypeSuffix[t]; ok {
		return string(c)
	}
	return "?"
}

// DataTypeForSuffix parses a single-letter assembly suffix.
func DataTypeForSuffix(s string) (DataType, bool) {
	if len(s) != 1 {
		return 0, false
	}
	for t, c := range dataTypeSuffix {
		if c == s[0] {
			return t, true
		}
	}
	return 0, false
}

// ComparisonType selects the relation applied by cmp.
type ComparisonType uint8

const (
	CmpLT  ComparisonType = 1
	CmpLTE ComparisonType = 2
	CmpEQ  ComparisonType = 3
	CmpNEQ ComparisonType = 4
	CmpGTE ComparisonType = 5
	CmpGT  ComparisonType = 6
)

var comparisonNames = map[ComparisonType]string{
	CmpLT:  "lt",
	CmpLTE: "lte",
	CmpEQ:  "eq",
	CmpNEQ: "neq",
	CmpGTE: "gte",
	CmpGT:  "gt",
}

func (c ComparisonType) String() string {
	if s, ok := comparisonNames[c]; ok {
		return s
	}
	return fmt.Sprintf("cmp(%d)", uint8(c))
}

// ComparisonForName parses a relation mnemonic such as "lte".
func ComparisonForName(name string) (ComparisonType, bool) {
	for c, s := range comparisonNames {
		if s == name {
			return c, true
		}
	}
	return 0, false
}

// InstanceType is the scope selector of a variable access. Non-negative
// values name an explicit object instance; negative values are the
// reserved selectors below.
type InstanceType int32

const (
	InstanceSelf     InstanceType = -1
	InstanceOther    InstanceType = -2
	InstanceAll      InstanceType = -3
	InstanceNoone    InstanceType = -4
	InstanceGlobal   InstanceType = -5
	InstanceBuiltin  InstanceType = -6
	InstanceLocal    InstanceType = -7
	InstanceStackTop InstanceType = -9
	InstanceArgument InstanceType = -15
	InstanceStatic   InstanceType = -16
)

var instanceNames = map[InstanceType]string{
	InstanceSelf:     "self",
	InstanceOther:    "other",
	InstanceAll:      "all",
	InstanceNoone:    "noone",
	InstanceGlobal:   "global",
	InstanceBuiltin:  "builtin",
	InstanceLocal:    "local",
	InstanceStackTop: "stacktop",
	InstanceArgument: "arg",
	InstanceStatic:   "static",
}

// IsObject reports whether the selector names an explicit instance.
func (t InstanceType) IsObject() bool { return t >= 0 }

func (t InstanceType) String() string {
	if t >= 0 {
		return strconv.Itoa(int(t))
	}
	if s, ok := instanceNames[t]; ok {
		return s
	}
	return fmt.Sprintf("instance(%d)", int32(t))
}

// ParseInstanceType parses "global", "self", "7" and so on.
func ParseInstanceType(s string) (InstanceType, bool) {
	for t, name := range instanceNames {
		if name == s {
			return t, true
		}
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, false
	}
	return InstanceType(n), true
}

// VariableRef describes a variable: its program-wide id and the scope a
// load through this reference resolves against.
type VariableRef struct {
	ID       int
	Name     string
	Instance InstanceType
}

func (r VariableRef) String() string {
	name := r.Name
	if name == "" {
		name = "#" + strconv.Itoa(r.ID)
	}
	return r.Instance.String() + "." + name
}

// ---------------------------------------------------------------------------
// Instructions
// ---------------------------------------------------------------------------

// Instruction is one decoded bytecode operation. The set of
// implementations is closed; the dispatcher switches on the concrete type.
type Instruction interface {
	Opcode() Opcode
	// Size is the encoded width in words.
	Size() int
	String() string
	instruction()
}

// SingleType carries only an opcode and the operand type.
type SingleType struct {
	Op   Opcode
	Type DataType
}

// DoubleType carries an opcode and two type tags. For conv, Type1 is the
// source type and Type2 the target.
type DoubleType struct {
	Op    Opcode
	Type1 DataType
	Type2 DataType
}

// Comparison applies Relation to the top two values.
type Comparison struct {
	Relation ComparisonType
	Type1    DataType
	Type2    DataType
}

// Goto branches by Offset words relative to its own address.
type Goto struct {
	Op     Opcode
	Offset int32
}

// Pop stores the top value into Dest under the Instance scope selector.
type Pop struct {
	Type1    DataType
	Type2    DataType
	Instance InstanceType
	Dest     VariableRef
}

// Push places Value on the stack, or loads the variable it references.
type Push struct {
	Op    Opcode
	Value Value
}

// Call invokes Function with ArgCount operands already on the stack.
type Call struct {
	Function int
	ArgCount int
	Name     string // function name, for listings only
}

// Break is a debug marker.
type Break struct {
	Signal int16
}

func (SingleType) instruction() {}
func (DoubleType) instruction() {}
func (Comparison) instruction() {}
func (Goto) instruction()       {}
func (Pop) instruction()        {}
func (Push) instruction()       {}
func (Call) instruction()       {}
func (Break) instruction()      {}

func (i SingleType) Opcode() Opcode { return i.Op }
func (i DoubleType) Opcode() Opcode { return i.Op }
func (Comparison) Opcode() Opcode   { return OpCmp }
func (i Goto) Opcode() Opcode       { return i.Op }
func (Pop) Opcode() Opcode          { return OpPop }
func (i Push) Opcode() Opcode       { return i.Op }
func (Call) Opcode() Opcode         { return OpCall }
func (Break) Opcode() Opcode        { return OpBreak }

func (SingleType) Size() int { return 1 }
func (DoubleType) Size() int { return 1 }
func (Comparison) Size() int { return 1 }
func (Goto) Size() int       { return 1 }
func (Pop) Size() int        { return 2 }
func (Call) Size() int       { return 2 }
func (Break) Size() int      { return 1 }

// Size depends on the operand: 16-bit immediates fit in the instruction
// word, 64-bit payloads take two extra words, everything else one.
func (i Push) Size() int {
	switch i.Value.Kind() {
	case KindInt16:
		return 1
	case KindDouble, KindInt64:
		return 3
	default:
		return 2
	}
}

func (i SingleType) String() string {
	return i.Op.String() + "." + i.Type.Suffix()
}

func (i DoubleType) String() string {
	return i.Op.String() + "." + i.Type1.Suffix() + "." + i.Type2.Suffix()
}

func (i Comparison) String() string {
	return "cmp." + i.Type1.Suffix() + "." + i.Type2.Suffix() + " " + i.Relation.String()
}

func (i Goto) String() string {
	return fmt.Sprintf("%s %+d", i.Op, i.Offset)
}

func (i Pop) String() string {
	ref := i.Dest
	ref.Instance = i.Instance
	return "pop." + i.Type1.Suffix() + "." + i.Type2.Suffix() + " " + ref.String()
}

func (i Push) String() string {
	return i.Op.String() + "." + i.Value.Kind().DataType().Suffix() + " " + i.Value.Literal()
}

func (i Call) String() string {
	name := i.Name
	if name == "" {
		name = "#" + strconv.Itoa(i.Function)
	}
	return fmt.Sprintf("call %s %d", name, i.ArgCount)
}

func (i Break) String() string {
	return fmt.Sprintf("break %d", i.Signal)
}
