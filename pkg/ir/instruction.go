package ir

import (
	"fmt"
	"strings"

	yaml "gopkg.in/yaml.v3"
)

// Kind classifies an instruction. The set is closed; consumers switch over
// every value.
type Kind uint8

const (
	KindNop Kind = iota
	KindConst
	KindLoad
	KindStore
	KindArith
	KindConvert
	KindStack
	KindField
	KindInvoke
	KindInvokeDynamic
	KindNew
	KindNewArray
	KindArrayLoad
	KindArrayStore
	KindArrayLength
	KindTypeCheck
	KindJump
	KindBranch
	KindSwitch
	KindReturn
	KindThrow
	KindMonitor

	numKinds
)

var kindNames = [numKinds]string{
	KindNop:           "nop",
	KindConst:         "const",
	KindLoad:          "load",
	KindStore:         "store",
	KindArith:         "arith",
	KindConvert:       "convert",
	KindStack:         "stack",
	KindField:         "field",
	KindInvoke:        "invoke",
	KindInvokeDynamic: "invokedynamic",
	KindNew:           "new",
	KindNewArray:      "newarray",
	KindArrayLoad:     "arrayload",
	KindArrayStore:    "arraystore",
	KindArrayLength:   "arraylength",
	KindTypeCheck:     "typecheck",
	KindJump:          "jump",
	KindBranch:        "branch",
	KindSwitch:        "switch",
	KindReturn:        "return",
	KindThrow:         "throw",
	KindMonitor:       "monitor",
}

func (k Kind) String() string {
	if k < numKinds {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// ParseKind returns the kind with the given name.
func ParseKind(s string) (Kind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range kindNames {
		if name == s {
			return Kind(i), nil
		}
	}
	return 0, fmt.Errorf("unknown instruction kind %q", s)
}

func (k *Kind) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := ParseKind(s)
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

func (k Kind) MarshalYAML() (any, error) {
	return k.String(), nil
}

// IsControlTransfer reports whether the instruction ends a basic block.
func (k Kind) IsControlTransfer() bool {
	switch k {
	case KindJump, KindBranch, KindSwitch, KindReturn, KindThrow:
		return true
	}
	return false
}

// IsTerminal reports whether control never falls through to the next instruction.
func (k Kind) IsTerminal() bool {
	return k == KindReturn || k == KindThrow
}

// InvokeKind is the dispatch flavour of an invoke instruction.
type InvokeKind string

const (
	InvokeVirtual   InvokeKind = "virtual"
	InvokeStatic    InvokeKind = "static"
	InvokeInterface InvokeKind = "interface"
	InvokeSpecial   InvokeKind = "special"
)

// LitKind is the type of a constant operand.
type LitKind string

const (
	LitNone   LitKind = ""
	LitNull   LitKind = "null"
	LitInt    LitKind = "int"
	LitLong   LitKind = "long"
	LitFloat  LitKind = "float"
	LitDouble LitKind = "double"
	LitString LitKind = "string"
	LitType   LitKind = "type"
)

// Instruction is one normalized instruction of a method body.
type Instruction struct {
	// Op is the normalized mnemonic (e.g. "iadd", "getfield").
	Op   string `yaml:"op"`
	Kind Kind   `yaml:"kind"`

	// Targets holds branch destinations as instruction indices. For a switch
	// the first target is the default.
	Targets []int `yaml:"targets,omitempty"`

	// Member reference for field and invoke instructions.
	Owner  string     `yaml:"owner,omitempty"`
	Name   string     `yaml:"name,omitempty"`
	Desc   string     `yaml:"desc,omitempty"`
	Invoke InvokeKind `yaml:"invoke,omitempty"`

	// Type operand of new, newarray and typecheck instructions.
	Type string `yaml:"type,omitempty"`

	Lit   LitKind `yaml:"lit,omitempty"`
	Int   int64   `yaml:"int,omitempty"`
	Float float64 `yaml:"float,omitempty"`
	Str   string  `yaml:"str,omitempty"`

	Local int `yaml:"local,omitempty"`
}

// IsFieldWrite reports whether a field instruction stores a value.
func (in *Instruction) IsFieldWrite() bool {
	return in.Kind == KindField && strings.HasPrefix(in.Op, "put")
}

// IsStaticField reports whether a field instruction addresses a static field.
func (in *Instruction) IsStaticField() bool {
	return in.Kind == KindField && strings.HasSuffix(in.Op, "static")
}

// IsConstructorCall reports whether the instruction invokes an instance initializer.
func (in *Instruction) IsConstructorCall() bool {
	return in.Kind == KindInvoke && in.Name == "<init>"
}

// Signature returns owner.name(desc) for member references.
func (in *Instruction) Signature() string {
	return in.Owner + "." + in.Name + in.Desc
}
