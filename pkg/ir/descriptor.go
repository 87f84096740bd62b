package ir

import (
	"fmt"
	"strings"
)

// ParseDescriptor splits a method descriptor into argument and return types.
func ParseDescriptor(desc string) (args []string, ret string, err error) {
	if !strings.HasPrefix(desc, "(") {
		return nil, "", fmt.Errorf("descriptor %q: missing '('", desc)
	}
	i := 1
	for i < len(desc) && desc[i] != ')' {
		n, err := typeLen(desc, i)
		if err != nil {
			return nil, "", err
		}
		args = append(args, desc[i:i+n])
		i += n
	}
	if i >= len(desc) {
		return nil, "", fmt.Errorf("descriptor %q: missing ')'", desc)
	}
	ret = desc[i+1:]
	if ret == "" {
		return nil, "", fmt.Errorf("descriptor %q: missing return type", desc)
	}
	if n, err := typeLen(ret, 0); err != nil || n != len(ret) {
		return nil, "", fmt.Errorf("descriptor %q: malformed return type", desc)
	}
	return args, ret, nil
}

func typeLen(s string, i int) (int, error) {
	start := i
	for i < len(s) && s[i] == '[' {
		i++
	}
	if i >= len(s) {
		return 0, fmt.Errorf("descriptor %q: truncated type at %d", s, start)
	}
	switch s[i] {
	case 'B', 'C', 'D', 'F', 'I', 'J', 'S', 'Z', 'V':
		return i - start + 1, nil
	case 'L':
		end := strings.IndexByte(s[i:], ';')
		if end < 0 {
			return 0, fmt.Errorf("descriptor %q: unterminated class type at %d", s, start)
		}
		return i - start + end + 1, nil
	}
	return 0, fmt.Errorf("descriptor %q: bad type char %q at %d", s, s[i], i)
}

// ArgCount returns the number of declared arguments, or 0 for malformed descriptors.
func ArgCount(desc string) int {
	args, _, err := ParseDescriptor(desc)
	if err != nil {
		return 0
	}
	return len(args)
}

// ReturnsVoid reports whether the descriptor's return type is V.
func ReturnsVoid(desc string) bool {
	return strings.HasSuffix(desc, ")V")
}

// MapClassRefs rewrites every class reference of a field or method descriptor
// through fn. References fn does not recognise are kept.
func MapClassRefs(desc string, fn func(string) (string, bool)) string {
	var b strings.Builder
	b.Grow(len(desc))
	for i := 0; i < len(desc); i++ {
		c := desc[i]
		if c != 'L' {
			b.WriteByte(c)
			continue
		}
		end := strings.IndexByte(desc[i:], ';')
		if end < 0 {
			b.WriteString(desc[i:])
			break
		}
		name := desc[i+1 : i+end]
		if mapped, ok := fn(name); ok {
			name = mapped
		}
		b.WriteByte('L')
		b.WriteString(name)
		b.WriteByte(';')
		i += end
	}
	return b.String()
}

// ClassRefs returns the class names referenced by a descriptor in order.
func ClassRefs(desc string) []string {
	var out []string
	MapClassRefs(desc, func(name string) (string, bool) {
		out = append(out, name)
		return "", false
	})
	return out
}

// IsLibraryClass reports whether a class belongs to the platform library and
// therefore keeps its name across obfuscated versions.
func IsLibraryClass(name string) bool {
	return strings.HasPrefix(name, "java/") || strings.HasPrefix(name, "javax/")
}

// NormalizeDescriptor replaces application class references with a
// placeholder so descriptors compare equal across renames.
func NormalizeDescriptor(desc string) string {
	return MapClassRefs(desc, func(name string) (string, bool) {
		if IsLibraryClass(name) {
			return name, false
		}
		return "obf", true
	})
}
