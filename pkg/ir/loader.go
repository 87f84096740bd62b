package ir

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	yaml "gopkg.in/yaml.v3"
)

// LoaderOptions configures program loading.
type LoaderOptions struct {
	// Paths are yaml files or directories. Every *.yaml and *.yml file of a
	// directory is read; all classes are merged into one program.
	Paths []string
}

// Load reads a program description and returns it in the deterministic order
// the matcher relies on: classes sorted by name, methods by name+descriptor,
// fields by name+descriptor.
func Load(ctx context.Context, opts LoaderOptions) (*Program, error) {
	if len(opts.Paths) == 0 {
		return nil, errors.New("no program paths provided")
	}

	files, err := expandPaths(opts.Paths)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no program files found in %v", opts.Paths)
	}

	prog := &Program{}
	seen := make(map[string]string)
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		part, err := readProgram(file)
		if err != nil {
			return nil, err
		}
		for _, c := range part.Classes {
			if prev, ok := seen[c.Name]; ok {
				return nil, fmt.Errorf("class %s defined in both %s and %s", c.Name, prev, file)
			}
			seen[c.Name] = file
			prog.Classes = append(prog.Classes, c)
		}
	}

	if err := Prepare(prog); err != nil {
		return nil, err
	}
	return prog, nil
}

// Parse decodes a single yaml document and prepares it.
func Parse(data []byte) (*Program, error) {
	var prog Program
	if err := yaml.Unmarshal(data, &prog); err != nil {
		return nil, fmt.Errorf("decoding program: %w", err)
	}
	if err := Prepare(&prog); err != nil {
		return nil, err
	}
	return &prog, nil
}

// Prepare sorts a program into canonical order and validates method bodies.
func Prepare(prog *Program) error {
	for _, c := range prog.Classes {
		if c.Name == "" {
			return errors.New("class without name")
		}
		if c.Super == "" && c.Name != ObjectClass {
			c.Super = ObjectClass
		}
		slices.Sort(c.Interfaces)
		slices.SortFunc(c.Fields, func(a, b *Field) int {
			if cmp := strings.Compare(a.Name, b.Name); cmp != 0 {
				return cmp
			}
			return strings.Compare(a.Desc, b.Desc)
		})
		slices.SortFunc(c.Methods, func(a, b *Method) int {
			if cmp := strings.Compare(a.Name, b.Name); cmp != 0 {
				return cmp
			}
			return strings.Compare(a.Desc, b.Desc)
		})
		for _, m := range c.Methods {
			if err := validateMethod(m); err != nil {
				return fmt.Errorf("class %s method %s%s: %w", c.Name, m.Name, m.Desc, err)
			}
		}
	}
	slices.SortFunc(prog.Classes, func(a, b *Class) int {
		return strings.Compare(a.Name, b.Name)
	})
	for i := 1; i < len(prog.Classes); i++ {
		if prog.Classes[i].Name == prog.Classes[i-1].Name {
			return fmt.Errorf("duplicate class %s", prog.Classes[i].Name)
		}
	}
	return nil
}

func validateMethod(m *Method) error {
	if _, _, err := ParseDescriptor(m.Desc); err != nil {
		return err
	}
	n := len(m.Code)
	for i, in := range m.Code {
		if in.Kind >= numKinds {
			return fmt.Errorf("instruction %d: invalid kind %d", i, in.Kind)
		}
		switch in.Kind {
		case KindJump, KindBranch:
			if len(in.Targets) != 1 {
				return fmt.Errorf("instruction %d (%s): want exactly one target, got %d", i, in.Op, len(in.Targets))
			}
		case KindSwitch:
			if len(in.Targets) == 0 {
				return fmt.Errorf("instruction %d (%s): switch without targets", i, in.Op)
			}
		}
		for _, t := range in.Targets {
			if t < 0 || t >= n {
				return fmt.Errorf("instruction %d (%s): target %d out of range [0,%d)", i, in.Op, t, n)
			}
		}
	}
	for i, h := range m.Handlers {
		if h.Start < 0 || h.End > n || h.Start >= h.End || h.Target < 0 || h.Target >= n {
			return fmt.Errorf("handler %d: invalid range [%d,%d) -> %d", i, h.Start, h.End, h.Target)
		}
	}
	return nil
}

func readProgram(path string) (*Program, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var prog Program
	if err := yaml.Unmarshal(data, &prog); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	return &prog, nil
}

func expandPaths(paths []string) ([]string, error) {
	var files []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", p, err)
		}
		if !info.IsDir() {
			files = append(files, p)
			continue
		}
		entries, err := os.ReadDir(p)
		if err != nil {
			return nil, fmt.Errorf("reading directory %s: %w", p, err)
		}
		for _, e := range entries {
			ext := filepath.Ext(e.Name())
			if e.IsDir() || (ext != ".yaml" && ext != ".yml") {
				continue
			}
			files = append(files, filepath.Join(p, e.Name()))
		}
	}
	slices.Sort(files)
	return slices.Compact(files), nil
}
