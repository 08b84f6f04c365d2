package cas

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"buildvault/pkg/errdefs"
	"buildvault/pkg/hashing"
)

// -----------------------------------------------------------------------------
// 1. 文本形式 Round-Trip (注册表 ca 列的持久化格式)
// -----------------------------------------------------------------------------

func TestContentAddress_RenderParseRoundTrip(t *testing.T) {
	h256 := hashing.Sum(hashing.SHA256, []byte("content"))
	h1 := hashing.Sum(hashing.SHA1, []byte("content"))

	cases := []struct {
		name string
		ca   ContentAddress
		want string
	}{
		{"text", Text{Hash: h256}, "text:sha256:" + h256.Base16()},
		{"fixed-flat", Fixed{Method: Flat, Hash: h256}, "fixed:sha256:" + h256.Base16()},
		{"fixed-recursive", Fixed{Method: Recursive, Hash: h256}, "fixed:r:sha256:" + h256.Base16()},
		{"fixed-git", Fixed{Method: Git, Hash: h1}, "fixed:git:sha1:" + h1.Base16()},
		{"peer", Peer{Hash: h256}, "ipfs:f01711220" + h256.Base16()},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rendered := tc.ca.Render()
			assert.Equal(t, tc.want, rendered)

			parsed, err := Parse(rendered)
			require.NoError(t, err)
			assert.Equal(t, tc.ca, parsed, "parse(render(ca)) 必须等于 ca")
		})
	}
}

func TestContentAddress_EmptyMeansAbsent(t *testing.T) {
	parsed, err := Parse("")
	require.NoError(t, err)
	assert.Nil(t, parsed)
	assert.Equal(t, "", Render(nil))
}

func TestContentAddress_ParseErrors(t *testing.T) {
	// 未知前缀是独立的格式错误类别
	_, err := Parse("blake3:deadbeef")
	require.Error(t, err)
	assert.ErrorIs(t, err, errdefs.ErrFormat)

	// 没有前缀
	_, err = Parse("deadbeef")
	assert.ErrorIs(t, err, errdefs.ErrFormat)

	// text 必须是 sha256
	h1 := hashing.Sum(hashing.SHA1, []byte("x"))
	_, err = Parse("text:" + h1.String())
	assert.ErrorIs(t, err, errdefs.ErrFormat)

	// 坏 CID
	_, err = Parse("ipfs:zzzz")
	assert.ErrorIs(t, err, errdefs.ErrFormat)
}

// -----------------------------------------------------------------------------
// 2. 引用集合的自引用 Round-Trip (显式 hasSelfReference 标志)
// -----------------------------------------------------------------------------

func TestPathReferences_SelfRoundTrip(t *testing.T) {
	self, err := ComputeStorePathForText(testDir, "self", []byte("s"), nil)
	require.NoError(t, err)
	other, err := ComputeStorePathForText(testDir, "other", []byte("o"), nil)
	require.NoError(t, err)

	original := NewPathReferences(other)
	original.HasSelfReference = true

	// 展平含 self → 整体设置回去，必须精确还原
	flattened := original.ReferencesPossiblyToSelf(self)
	require.Len(t, flattened, 2)

	roundTripped := NewPathReferences(other)
	roundTripped.SetReferencesPossiblyToSelf(self, flattened)
	assert.Equal(t, original, roundTripped)

	// 不含 self 的集合同样 round-trip，且不误置标志位
	noSelf := NewPathReferences(other)
	flat2 := noSelf.ReferencesPossiblyToSelf(self)
	require.Len(t, flat2, 1)
	var back = NewPathReferences(self) // 故意放脏数据，Set 要整体替换
	back.SetReferencesPossiblyToSelf(self, flat2)
	assert.Equal(t, noSelf, back)
}

func TestPathReferences_InsertPossiblyToSelf(t *testing.T) {
	self, _ := ComputeStorePathForText(testDir, "self", []byte("s"), nil)
	other, _ := ComputeStorePathForText(testDir, "other", []byte("o"), nil)

	prs := NewPathReferences(other)
	prs.InsertReferencePossiblyToSelf(self, self)
	assert.True(t, prs.HasSelfReference, "插入 self 只置标志位")
	assert.Len(t, prs.References, 1, "self 不进集合")

	prs.InsertReferencePossiblyToSelf(self, other)
	assert.Len(t, prs.References, 1, "重复插入去重")
}
