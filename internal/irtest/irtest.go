// Package irtest builds small IR fixtures for tests.
package irtest

import "github.com/715d/bytemapper/pkg/ir"

// Op returns an operand-free instruction.
func Op(kind ir.Kind, op string) ir.Instruction {
	return ir.Instruction{Op: op, Kind: kind}
}

func Nop() ir.Instruction    { return Op(ir.KindNop, "nop") }
func Return() ir.Instruction { return Op(ir.KindReturn, "return") }
func Throw() ir.Instruction  { return Op(ir.KindThrow, "athrow") }
func Add() ir.Instruction    { return Op(ir.KindArith, "iadd") }

func Load(local int) ir.Instruction {
	return ir.Instruction{Op: "iload", Kind: ir.KindLoad, Local: local}
}

func Store(local int) ir.Instruction {
	return ir.Instruction{Op: "istore", Kind: ir.KindStore, Local: local}
}

func IntConst(v int64) ir.Instruction {
	return ir.Instruction{Op: "ldc", Kind: ir.KindConst, Lit: ir.LitInt, Int: v}
}

func StrConst(s string) ir.Instruction {
	return ir.Instruction{Op: "ldc", Kind: ir.KindConst, Lit: ir.LitString, Str: s}
}

func Branch(op string, target int) ir.Instruction {
	return ir.Instruction{Op: op, Kind: ir.KindBranch, Targets: []int{target}}
}

func Jump(target int) ir.Instruction {
	return ir.Instruction{Op: "goto", Kind: ir.KindJump, Targets: []int{target}}
}

func Switch(targets ...int) ir.Instruction {
	return ir.Instruction{Op: "tableswitch", Kind: ir.KindSwitch, Targets: targets}
}

func Invoke(kind ir.InvokeKind, owner, name, desc string) ir.Instruction {
	op := "invoke" + string(kind)
	return ir.Instruction{Op: op, Kind: ir.KindInvoke, Invoke: kind, Owner: owner, Name: name, Desc: desc}
}

func GetField(owner, name, desc string) ir.Instruction {
	return ir.Instruction{Op: "getfield", Kind: ir.KindField, Owner: owner, Name: name, Desc: desc}
}

func PutField(owner, name, desc string) ir.Instruction {
	return ir.Instruction{Op: "putfield", Kind: ir.KindField, Owner: owner, Name: name, Desc: desc}
}

func New(typ string) ir.Instruction {
	return ir.Instruction{Op: "new", Kind: ir.KindNew, Type: typ}
}

// Method assembles a method.
func Method(name, desc string, code ...ir.Instruction) *ir.Method {
	return &ir.Method{Name: name, Desc: desc, Code: code}
}

// StraightLine is a single-block method with n loads before the return.
func StraightLine(n int) *ir.Method {
	code := make([]ir.Instruction, 0, n+1)
	for i := range n {
		code = append(code, Load(i))
	}
	code = append(code, Return())
	return Method("straight", "()V", code...)
}

// Diamond is an if/else whose arms join before the return.
//
//	0: iload 0
//	1: ifeq 4
//	2: iload 1
//	3: goto 5
//	4: iload 2
//	5: return
func Diamond() *ir.Method {
	return Method("diamond", "(I)V",
		Load(0),
		Branch("ifeq", 4),
		Load(1),
		Jump(5),
		Load(2),
		Return(),
	)
}

// Loop is a counted while loop.
//
//	0: ldc 0
//	1: istore 1
//	2: iload 1
//	3: ifge 6
//	4: iadd
//	5: goto 2
//	6: return
func Loop() *ir.Method {
	return Method("loop", "()V",
		IntConst(0),
		Store(1),
		Load(1),
		Branch("ifge", 6),
		Add(),
		Jump(2),
		Return(),
	)
}
