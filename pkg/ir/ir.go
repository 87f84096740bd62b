// Package ir defines the in-memory program representation consumed by the matcher.
package ir

import (
	"slices"
	"strings"
)

// Access flag bits used by the matcher.
const (
	AccStatic    = 0x0008
	AccNative    = 0x0100
	AccInterface = 0x0200
	AccAbstract  = 0x0400
	AccSynthetic = 0x1000
)

// ObjectClass is the implicit root superclass.
const ObjectClass = "java/lang/Object"

// Program is one version of the analyzed program.
type Program struct {
	Classes []*Class `yaml:"classes"`
}

// Lookup returns the class with the given internal name or nil.
func (p *Program) Lookup(name string) *Class {
	i, ok := slices.BinarySearchFunc(p.Classes, name, func(c *Class, n string) int {
		return strings.Compare(c.Name, n)
	})
	if !ok {
		return nil
	}
	return p.Classes[i]
}

// MethodCount returns the number of methods across all classes.
func (p *Program) MethodCount() int {
	n := 0
	for _, c := range p.Classes {
		n += len(c.Methods)
	}
	return n
}

// Class is a single class with its members.
type Class struct {
	Name       string    `yaml:"name"`
	Super      string    `yaml:"super,omitempty"`
	Interfaces []string  `yaml:"interfaces,omitempty"`
	Access     int       `yaml:"access,omitempty"`
	Fields     []*Field  `yaml:"fields,omitempty"`
	Methods    []*Method `yaml:"methods,omitempty"`
}

// Method looks up a method by name and descriptor.
func (c *Class) Method(name, desc string) *Method {
	for _, m := range c.Methods {
		if m.Name == name && m.Desc == desc {
			return m
		}
	}
	return nil
}

// Field is a field declaration.
type Field struct {
	Name   string `yaml:"name"`
	Desc   string `yaml:"desc"`
	Access int    `yaml:"access,omitempty"`
}

// Method is a method declaration with its normalized body.
type Method struct {
	Name     string        `yaml:"name"`
	Desc     string        `yaml:"desc"`
	Access   int           `yaml:"access,omitempty"`
	Code     []Instruction `yaml:"code,omitempty"`
	Handlers []Handler     `yaml:"handlers,omitempty"`
}

// HasBody reports whether the method carries code to analyze.
func (m *Method) HasBody() bool {
	return m.Access&(AccAbstract|AccNative) == 0 && len(m.Code) > 0
}

// Handler is an exception handler entry. The protected range is [Start, End).
type Handler struct {
	Start  int    `yaml:"start"`
	End    int    `yaml:"end"`
	Target int    `yaml:"target"`
	Type   string `yaml:"type,omitempty"`
}

// MethodRef identifies a method.
type MethodRef struct {
	Owner string `json:"owner" yaml:"owner"`
	Name  string `json:"name" yaml:"name"`
	Desc  string `json:"desc" yaml:"desc"`
}

func (r MethodRef) String() string {
	return r.Owner + "#" + r.Name + r.Desc
}

// Compare orders references by owner, descriptor, then name.
func (r MethodRef) Compare(o MethodRef) int {
	if c := strings.Compare(r.Owner, o.Owner); c != 0 {
		return c
	}
	if c := strings.Compare(r.Desc, o.Desc); c != 0 {
		return c
	}
	return strings.Compare(r.Name, o.Name)
}

// FieldRef identifies a field.
type FieldRef struct {
	Owner string `json:"owner" yaml:"owner"`
	Name  string `json:"name" yaml:"name"`
	Desc  string `json:"desc" yaml:"desc"`
}

func (r FieldRef) String() string {
	return r.Owner + "." + r.Name + ":" + r.Desc
}

// Compare orders references by owner, name, then descriptor.
func (r FieldRef) Compare(o FieldRef) int {
	if c := strings.Compare(r.Owner, o.Owner); c != 0 {
		return c
	}
	if c := strings.Compare(r.Name, o.Name); c != 0 {
		return c
	}
	return strings.Compare(r.Desc, o.Desc)
}
