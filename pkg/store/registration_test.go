package store

import (
	"bufio"
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"buildvault/pkg/storepath"
)

func TestValidityRegistration_RoundTrip(t *testing.T) {
	s := newMemStore(t, "mem://a", memDir)
	ctx := context.Background()

	dep := s.seed(t, "dep", []byte("dep"))
	p := s.seed(t, "pkg", []byte("pkg"), dep)
	// 加一条自引用进场景
	s.infos[p].HasSelfReference = true

	var buf bytes.Buffer
	require.NoError(t, EncodeValidityRegistration(ctx, s, []storepath.StorePath{p}, true, true, &buf))

	decoded, err := DecodeValidityRegistration(memDir, bufio.NewReader(&buf), true)
	require.NoError(t, err)
	require.NotNil(t, decoded)

	orig := s.infos[p]
	assert.Equal(t, orig.Path, decoded.Path)
	assert.True(t, orig.NarHash.Equal(decoded.NarHash))
	assert.Equal(t, orig.NarSize, decoded.NarSize)
	assert.Equal(t, orig.References, decoded.References)
	assert.True(t, decoded.HasSelfReference, "自引用经平铺形式 round-trip")

	// 流耗尽 → (nil, nil)
	again, err := DecodeValidityRegistration(memDir, bufio.NewReader(&buf), true)
	require.NoError(t, err)
	assert.Nil(t, again)
}

func TestDecodeValidityRegistration_Truncated(t *testing.T) {
	// 只有路径行，后续字段缺失
	input := memDir.Path(mustSeedPath(t)) + "\n"
	_, err := DecodeValidityRegistration(memDir, bufio.NewReader(bytes.NewBufferString(input)), true)
	assert.Error(t, err)
}

func mustSeedPath(t *testing.T) storepath.StorePath {
	t.Helper()
	s := newMemStore(t, "mem://tmp", memDir)
	return s.seed(t, "x", []byte("x"))
}
