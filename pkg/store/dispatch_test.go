package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"buildvault/pkg/errdefs"
	"buildvault/pkg/storepath"
)

func testConfig() *Config {
	return &Config{
		StoreDir:    memDir,
		CacheSize:   16,
		PositiveTTL: time.Minute,
		NegativeTTL: time.Minute,
	}
}

func TestOpen_DispatchesBySchemeAndParams(t *testing.T) {
	var gotRest, gotParam string
	Register("fake", func(scheme, rest string) bool {
		return scheme == "fake"
	}, func(uri, scheme, rest string, params *Params, cfg *Config) (Store, error) {
		gotRest = rest
		gotParam = params.Get("priority", "none")
		s := &memStore{
			objects: map[storepath.StorePath][]byte{},
			infos:   map[storepath.StorePath]*ValidPathInfo{},
		}
		s.Base = NewBase(cfg.StoreDir, uri, 0, cfg, s)
		return s, nil
	})

	s, err := Open("fake://somewhere?priority=7&bogus-param=1", testConfig())
	require.NoError(t, err)
	assert.Equal(t, "somewhere", gotRest)
	assert.Equal(t, "7", gotParam)
	assert.Equal(t, "fake://somewhere?priority=7&bogus-param=1", s.URI())
}

func TestOpen_UnknownScheme(t *testing.T) {
	_, err := Open("gopher://hole", testConfig())
	require.Error(t, err)
	assert.ErrorIs(t, err, errdefs.ErrFormat)
}

func TestSplitURIAndParams(t *testing.T) {
	base, params, err := splitURIAndParams("ssh://host?max-connections=4&priority=10")
	require.NoError(t, err)
	assert.Equal(t, "ssh://host", base)
	assert.Equal(t, "4", params["max-connections"])
	assert.Equal(t, "10", params["priority"])

	base, params, err = splitURIAndParams("local")
	require.NoError(t, err)
	assert.Equal(t, "local", base)
	assert.Empty(t, params)

	_, _, err = splitURIAndParams("x?%zz=1")
	assert.Error(t, err)
}
