package hashing

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBase32_Widths(t *testing.T) {
	// 定宽：输出长度只由输入长度决定
	assert.Equal(t, 32, EncodedLen(20))
	assert.Equal(t, 52, EncodedLen(32))
	assert.Equal(t, 20, DecodedLen(32))
	assert.Equal(t, 32, DecodedLen(52))

	assert.Equal(t, "", EncodeBase32(nil))
	assert.Equal(t, "7z", EncodeBase32([]byte{0xff}))
}

func TestBase32_LeadingZeros(t *testing.T) {
	// 全零输入编码成全 '0'，且能无损解回
	zeros := make([]byte, 20)
	s := EncodeBase32(zeros)
	assert.Equal(t, "00000000000000000000000000000000", s)

	back, err := DecodeBase32(s)
	require.NoError(t, err)
	assert.Equal(t, zeros, back)
}

func TestBase32_RoundTrip(t *testing.T) {
	for _, n := range []int{1, 2, 19, 20, 32, 64} {
		buf := make([]byte, n)
		_, err := rand.Read(buf)
		require.NoError(t, err)

		s := EncodeBase32(buf)
		assert.Len(t, s, EncodedLen(n))

		back, err := DecodeBase32(s)
		require.NoError(t, err, "n=%d", n)
		assert.Equal(t, buf, back, "n=%d", n)
	}
}

func TestBase32_RejectsGarbage(t *testing.T) {
	// 'e' 'o' 'u' 't' 不在字母表里
	_, err := DecodeBase32("e0000000000000000000000000000000")
	assert.Error(t, err)

	// 长度不在合法定宽集合内
	_, err = DecodeBase32("abc")
	assert.Error(t, err)

	// 首字符补位非零 (20 字节时位宽正好整除，换用 1 字节示例: pad=2)
	// "7z" 合法；"zz" 的首字符高 2 位非零
	_, err = DecodeBase32("zz")
	assert.Error(t, err)

	assert.True(t, IsBase32("0123456789abcdfghijklmnpqrsvwxyz"))
	assert.False(t, IsBase32("eout"))
}
