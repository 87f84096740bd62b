package analysis

import (
	"strings"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/715d/bytemapper/pkg/ir"
)

// NameCache provides efficient caching of canonical member ids. Ids are the
// keys of every mapping record, so each reference is rendered once per run.
type NameCache struct {
	methodCache *xsync.Map[ir.MethodRef, string]
	fieldCache  *xsync.Map[ir.FieldRef, string]
}

func NewNameCache() *NameCache {
	return &NameCache{
		methodCache: xsync.NewMap[ir.MethodRef, string](),
		fieldCache:  xsync.NewMap[ir.FieldRef, string](),
	}
}

// ComputeMethodName returns owner#name desc, e.g. "a/B#run(I)V".
func (c *NameCache) ComputeMethodName(ref ir.MethodRef) string {
	if ref == (ir.MethodRef{}) {
		return ""
	}
	name, _ := c.methodCache.LoadOrCompute(ref, func() (string, bool) {
		return ref.String(), false
	})
	return name
}

// ComputeFieldName returns owner.name:desc, e.g. "a/B.count:I".
func (c *NameCache) ComputeFieldName(ref ir.FieldRef) string {
	if ref == (ir.FieldRef{}) {
		return ""
	}
	name, _ := c.fieldCache.LoadOrCompute(ref, func() (string, bool) {
		return ref.String(), false
	})
	return name
}

// ParseMethodName is the inverse of ComputeMethodName.
func ParseMethodName(id string) (ir.MethodRef, bool) {
	owner, rest, ok := strings.Cut(id, "#")
	if !ok || owner == "" {
		return ir.MethodRef{}, false
	}
	i := strings.IndexByte(rest, '(')
	if i <= 0 {
		return ir.MethodRef{}, false
	}
	return ir.MethodRef{Owner: owner, Name: rest[:i], Desc: rest[i:]}, true
}
