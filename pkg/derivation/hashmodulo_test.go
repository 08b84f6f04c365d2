package derivation

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"buildvault/pkg/hashing"
	"buildvault/pkg/storepath"
)

// fakeReader 内存版的 derivation 读取器，顺便数读取次数
type fakeReader struct {
	drvs  map[storepath.StorePath]*Derivation
	reads int
}

func (f *fakeReader) ReadDerivation(_ context.Context, p storepath.StorePath) (*Derivation, error) {
	f.reads++
	d, ok := f.drvs[p]
	if !ok {
		return nil, assert.AnError
	}
	return d, nil
}

func fixedDrvA(t *testing.T) *Derivation {
	t.Helper()
	return &Derivation{
		Name: "src.tar",
		Outputs: map[string]Output{
			"out": {HashAlgo: "r:sha256", Hash: strings.Repeat("ab", 32)},
		},
		Platform: "x86_64-linux",
		Builder:  "/bin/fetch",
		Env:      map[string]string{"impure": "yes"},
	}
}

// -----------------------------------------------------------------------------
// 1. CAFixed：输出内容的纯函数
// -----------------------------------------------------------------------------

func TestHashModulo_CAFixed_IgnoresBuilderNoise(t *testing.T) {
	ctx := context.Background()
	r := NewResolver(testDir, &fakeReader{})

	a := fixedDrvA(t)
	h1, err := r.HashModulo(ctx, a, false)
	require.NoError(t, err)
	require.False(t, h1.IsSingle())
	require.Contains(t, h1.PerOutput, "out")

	// builder / args / env / platform 全换掉，输出内容不变 → 哈希不变
	b := fixedDrvA(t)
	b.Builder = "/usr/bin/other-fetcher"
	b.Args = []string{"--retry", "9"}
	b.Env = map[string]string{"totally": "different"}
	b.Platform = "aarch64-darwin"
	h2, err := r.HashModulo(ctx, b, false)
	require.NoError(t, err)

	assert.True(t, h1.PerOutput["out"].Equal(h2.PerOutput["out"]),
		"固定输出的 modulo 哈希只取决于输出内容")

	// 内容哈希变了 → 哈希必须变
	c := fixedDrvA(t)
	c.Outputs["out"] = Output{HashAlgo: "r:sha256", Hash: strings.Repeat("cd", 32)}
	h3, err := r.HashModulo(ctx, c, false)
	require.NoError(t, err)
	assert.False(t, h1.PerOutput["out"].Equal(h3.PerOutput["out"]))
}

// -----------------------------------------------------------------------------
// 2. Regular：maskOutputs 下输出路径不进哈希
// -----------------------------------------------------------------------------

func TestHashModulo_Regular_MaskedOutputsInsensitive(t *testing.T) {
	ctx := context.Background()
	r := NewResolver(testDir, &fakeReader{})

	build := func(outName string) *Derivation {
		return &Derivation{
			Name: "pkg",
			Outputs: map[string]Output{
				"out": {Path: mockPath(t, outName)},
			},
			Platform: "x86_64-linux",
			Builder:  "/bin/sh",
			Env:      map[string]string{"out": testDir.Path(mockPath(t, outName))},
		}
	}

	h1, err := r.HashModulo(ctx, build("pkg"), true)
	require.NoError(t, err)
	h2, err := r.HashModulo(ctx, build("pkg-other"), true)
	require.NoError(t, err)
	assert.True(t, h1.Single.Equal(h2.Single),
		"maskOutputs=true 时只改输出路径不得影响哈希")
}

// -----------------------------------------------------------------------------
// 3. Regular 消费固定输出，来源被隐藏
// -----------------------------------------------------------------------------

func TestHashModulo_ProvenanceHiding(t *testing.T) {
	ctx := context.Background()

	a := fixedDrvA(t)
	aPath := mockPath(t, "src.tar.drv")
	reader := &fakeReader{drvs: map[storepath.StorePath]*Derivation{aPath: a}}
	r := NewResolver(testDir, reader)

	b := &Derivation{
		Name: "consumer",
		Outputs: map[string]Output{
			"out": {Path: mockPath(t, "consumer")},
		},
		InputDrvs: map[storepath.StorePath][]string{
			aPath: {"out"},
		},
		Platform: "x86_64-linux",
		Builder:  "/bin/sh",
		Env:      map[string]string{},
	}

	got, err := r.HashModulo(ctx, b, false)
	require.NoError(t, err)
	require.True(t, got.IsSingle())

	// 手算期望值：A 的每个固定输出被假装成只产出 "out" 的微型 derivation
	ha, err := r.HashModulo(ctx, a, false)
	require.NoError(t, err)
	inputs2 := map[string][]string{
		ha.PerOutput["out"].Base16(): {"out"},
	}
	want := hashing.SumString(hashing.SHA256, b.Unparse(testDir, false, inputs2))
	assert.True(t, want.Equal(got.Single))

	// 换一个产出相同内容的 fetcher，B 的哈希不变 (来源隐藏的全部意义)
	a2 := fixedDrvA(t)
	a2.Builder = "/bin/completely-different-fetcher"
	a2Path := mockPath(t, "src-alt.tar.drv")
	reader.drvs[a2Path] = a2

	b2 := &Derivation{
		Name:      "consumer",
		Outputs:   b.Outputs,
		InputDrvs: map[storepath.StorePath][]string{a2Path: {"out"}},
		Platform:  b.Platform,
		Builder:   b.Builder,
		Env:       map[string]string{},
	}
	got2, err := r.HashModulo(ctx, b2, false)
	require.NoError(t, err)
	assert.True(t, got.Single.Equal(got2.Single))
}

// -----------------------------------------------------------------------------
// 4. Memoization 与 CAFloating
// -----------------------------------------------------------------------------

func TestHashModulo_Memoizes(t *testing.T) {
	ctx := context.Background()
	a := fixedDrvA(t)
	aPath := mockPath(t, "src.tar.drv")
	reader := &fakeReader{drvs: map[storepath.StorePath]*Derivation{aPath: a}}
	r := NewResolver(testDir, reader)

	consumer := func(name string) *Derivation {
		return &Derivation{
			Name:      name,
			Outputs:   map[string]Output{"out": {Path: mockPath(t, name)}},
			InputDrvs: map[storepath.StorePath][]string{aPath: {"out"}},
			Builder:   "/bin/sh",
			Env:       map[string]string{},
		}
	}

	_, err := r.HashModulo(ctx, consumer("c1"), false)
	require.NoError(t, err)
	_, err = r.HashModulo(ctx, consumer("c2"), false)
	require.NoError(t, err)

	assert.Equal(t, 1, reader.reads, "同一 .drv 路径只读取一次")
}

func TestHashModulo_FloatingAlwaysErrors(t *testing.T) {
	r := NewResolver(testDir, &fakeReader{})
	d := &Derivation{
		Name:    "float",
		Outputs: map[string]Output{"out": {HashAlgo: "sha256"}},
	}
	_, err := r.HashModulo(context.Background(), d, false)
	assert.Error(t, err)
}
