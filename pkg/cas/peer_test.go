package cas

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"buildvault/pkg/hashing"
)

// mockHash256 生成测试用 SHA-256 哈希
func mockHash256(input string) hashing.Hash {
	return hashing.Sum(hashing.SHA256, []byte(input))
}

// -----------------------------------------------------------------------------
// 1. CID 渲染与解析
// -----------------------------------------------------------------------------

func TestCIDString_Form(t *testing.T) {
	h := mockHash256("object")
	s := CIDString(h)

	// f (base16 multibase) + 01 (v1) + 71 (dag-cbor) + 12 (sha2-256) + 20 (32 字节)
	assert.Equal(t, "f01711220"+h.Base16(), s)

	back, err := ParseCIDString(s)
	require.NoError(t, err)
	assert.True(t, h.Equal(back))
}

func TestParseCIDString_RejectsWrongShape(t *testing.T) {
	// 完全不是 CID
	_, err := ParseCIDString("not-a-cid")
	assert.Error(t, err)

	// raw codec (0x55) 而不是 dag-cbor
	h := mockHash256("x")
	_, err = ParseCIDString("f01551220" + h.Base16())
	assert.Error(t, err)
}

// -----------------------------------------------------------------------------
// 2. 规范 CBOR 序列化
// -----------------------------------------------------------------------------

func TestEncodePeerObject_WireCompliance(t *testing.T) {
	info := PeerInfo{
		Hash: mockHash256("root"),
		References: NewPathReferences(
			PeerRef{Name: "libA", Hash: mockHash256("a")},
			PeerRef{Name: "libB", Hash: mockHash256("b")},
		),
	}
	data, err := EncodePeerObject("pkg", info)
	require.NoError(t, err)

	encoded := hex.EncodeToString(data)

	// 顶层是 3 键 Map，规范排序下 "cid" 在最前
	assert.Equal(t, "a3", encoded[:2])
	assert.Equal(t, "63636964", encoded[2:10], "首键必须是 \"cid\"")

	// CID 必须是 Tag 42 + 37 字节 ByteString + 0x00 multibase 前缀 + f01711220 包头
	assert.Contains(t, encoded, "d82a58250001711220")
}

func TestPeerObject_RoundTrip(t *testing.T) {
	original := PeerInfo{
		Hash: mockHash256("root"),
		References: NewPathReferences(
			PeerRef{Name: "libA", Hash: mockHash256("a")},
			PeerRef{Name: "libB", Hash: mockHash256("b")},
		),
	}
	original.References.HasSelfReference = true

	data, err := EncodePeerObject("pkg", original)
	require.NoError(t, err)

	name, decoded, err := DecodePeerObject(data)
	require.NoError(t, err)
	assert.Equal(t, "pkg", name)
	assert.Equal(t, original, decoded)

	// 确定性：解码再编码必须产出完全相同的字节流
	data2, err := EncodePeerObject(name, decoded)
	require.NoError(t, err)
	assert.Equal(t, data, data2)
}

func TestComputePeerHash_IsCanonicalCBORHash(t *testing.T) {
	info := PeerInfo{
		Hash: mockHash256("root"),
		References: NewPathReferences(
			PeerRef{Name: "dep", Hash: mockHash256("d")},
			PeerRef{Name: "aux", Hash: mockHash256("e")},
		),
	}
	data, err := EncodePeerObject("pkg", info)
	require.NoError(t, err)

	h, err := ComputePeerHash("pkg", info)
	require.NoError(t, err)
	assert.True(t, hashing.Sum(hashing.SHA256, data).Equal(h),
		"ComputePeerHash 必须精确等于规范 CBOR 的 SHA-256")

	// 引用顺序不影响哈希 (集合在构造时就排好序)
	info2 := PeerInfo{Hash: mockHash256("root")}
	info2.References = NewPathReferences(
		PeerRef{Name: "aux", Hash: mockHash256("e")},
		PeerRef{Name: "dep", Hash: mockHash256("d")},
	)
	h2, err := ComputePeerHash("pkg", info2)
	require.NoError(t, err)
	assert.True(t, h.Equal(h2))
}
