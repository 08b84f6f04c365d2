package hashing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// -----------------------------------------------------------------------------
// 1. 基本构造与不变量
// -----------------------------------------------------------------------------

func TestNew_LengthInvariant(t *testing.T) {
	// 摘要长度必须等于算法原生长度
	_, err := New(SHA256, make([]byte, 20))
	assert.Error(t, err, "20 字节摘要配 sha256 必须被拒绝")

	h, err := New(SHA256, make([]byte, 32))
	require.NoError(t, err)
	assert.Equal(t, SHA256, h.Algo)
}

func TestAlgorithm_Sizes(t *testing.T) {
	cases := map[Algorithm]int{
		MD5:    16,
		SHA1:   20,
		SHA256: 32,
		SHA512: 64,
	}
	for algo, want := range cases {
		assert.Equal(t, want, algo.Size(), "algo %s", algo)
	}
}

// -----------------------------------------------------------------------------
// 2. 文本渲染 (golden vectors)
// -----------------------------------------------------------------------------

func TestSum_Renderings(t *testing.T) {
	h := Sum(SHA256, []byte("world"))

	// 十六进制是最直接的对照
	assert.Equal(t,
		"486ea46224d1bb4fb680f34f7c9ad96a8f24ec88be73ea8e5a6c65260e9cb8a7",
		h.Base16())
	assert.Equal(t,
		"sha256:486ea46224d1bb4fb680f34f7c9ad96a8f24ec88be73ea8e5a6c65260e9cb8a7",
		h.String())

	// base32 定宽输出：32 字节 → 52 字符
	b32 := h.Base32()
	assert.Len(t, b32, 52)
	assert.Equal(t, "0j3flii29ldv9yv81wsggjddjslg4kn8igkkxa75lv354q79rf57", b32)
}

func TestCompressTo_XORFold(t *testing.T) {
	h := Sum(SHA256, []byte("world"))
	c := h.CompressTo(20)
	require.Len(t, c, 20)

	// 折叠结果的 base32 形式 (20 字节 → 32 字符)
	assert.Equal(t, "yqflxv3yppg6kf0w9gl7r6nrda7j9v48", EncodeBase32(c))

	// 手工验证折叠定义：out[i] = in[i] ^ in[i+20]
	for i := 0; i < 12; i++ {
		assert.Equal(t, h.Digest[i]^h.Digest[i+20], c[i])
	}
	for i := 12; i < 20; i++ {
		assert.Equal(t, h.Digest[i], c[i])
	}
}

// -----------------------------------------------------------------------------
// 3. 解析 Round-Trip
// -----------------------------------------------------------------------------

func TestParseAny_RoundTrip(t *testing.T) {
	h := Sum(SHA256, []byte("round-trip"))

	for name, rendered := range map[string]string{
		"base16+algo": h.String(),
		"base32+algo": h.Base32WithAlgo(),
		"base64+algo": string(h.Algo) + ":" + h.Base64(),
	} {
		parsed, err := ParseAny(rendered, "")
		require.NoError(t, err, name)
		assert.True(t, h.Equal(parsed), "%s 必须精确 round-trip", name)
	}

	// 裸形式需要外部给定算法
	parsed, err := ParseAny(h.Base16(), SHA256)
	require.NoError(t, err)
	assert.True(t, h.Equal(parsed))
}

func TestParseAny_Errors(t *testing.T) {
	// 未知算法
	_, err := ParseAny("whirlpool:deadbeef", "")
	assert.Error(t, err)

	// 算法不符期望
	h := Sum(SHA1, []byte("x"))
	_, err = ParseAny(h.String(), SHA256)
	assert.Error(t, err)

	// 没有前缀也没有期望
	_, err = ParseAny("deadbeef", "")
	assert.Error(t, err)

	// 长度对不上任何编码
	_, err = ParseAny("sha256:abc", "")
	assert.Error(t, err)
}
