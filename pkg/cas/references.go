package cas

import "sort"

// Ref 是能进引用集合的类型：要排序只需要一个稳定的字符串形式。
type Ref interface {
	String() string
}

// PathReferences 是引用集合加一个显式的自引用标志。
//
// 自引用不建模成"指向自己的引用"：路径身份依赖哈希，哈希又依赖集合里
// 有没有 self，所以在路径算出来之前绝不能把 self 物化进集合。
//
// 不变量：References 按 String() 排序且去重，永远不含 self。
type PathReferences[R Ref] struct {
	References       []R
	HasSelfReference bool
}

// NewPathReferences 从任意顺序的引用构造规范形式。
func NewPathReferences[R Ref](refs ...R) PathReferences[R] {
	var pr PathReferences[R]
	pr.References = sortRefs(refs)
	return pr
}

// NewPathReferencesWithSelf 从引用集合和 self 标志构造规范形式。
func NewPathReferencesWithSelf[R Ref](refs []R, hasSelf bool) PathReferences[R] {
	pr := NewPathReferences(refs...)
	pr.HasSelfReference = hasSelf
	return pr
}

// Empty 报告集合是否完全为空 (连 self 都没有)。
func (pr PathReferences[R]) Empty() bool {
	return len(pr.References) == 0 && !pr.HasSelfReference
}

// ReferencesPossiblyToSelf 把 (集合, self 标志) 展平成一个含 self 的集合。
// 主要为兼容把引用存成"平铺含 self"形式的消费方。
func (pr PathReferences[R]) ReferencesPossiblyToSelf(self R) []R {
	out := make([]R, len(pr.References), len(pr.References)+1)
	copy(out, pr.References)
	if pr.HasSelfReference {
		out = append(out, self)
	}
	return sortRefs(out)
}

// InsertReferencePossiblyToSelf 插入一个可能等于 self 的引用。
func (pr *PathReferences[R]) InsertReferencePossiblyToSelf(self, ref R) {
	if ref.String() == self.String() {
		pr.HasSelfReference = true
		return
	}
	pr.References = sortRefs(append(pr.References, ref))
}

// SetReferencesPossiblyToSelf 用平铺形式整体替换集合。
// self 在平铺集合里时摘出来记进标志位；round-trip 必须精确还原。
func (pr *PathReferences[R]) SetReferencesPossiblyToSelf(self R, refs []R) {
	kept := refs[:0]
	hasSelf := false
	for _, r := range refs {
		if r.String() == self.String() {
			hasSelf = true
			continue
		}
		kept = append(kept, r)
	}
	pr.HasSelfReference = hasSelf
	pr.References = sortRefs(kept)
}

func sortRefs[R Ref](refs []R) []R {
	sort.Slice(refs, func(i, j int) bool { return refs[i].String() < refs[j].String() })
	out := refs[:0]
	prev := ""
	for i, r := range refs {
		if i == 0 || r.String() != prev {
			out = append(out, r)
		}
		prev = r.String()
	}
	return out
}
