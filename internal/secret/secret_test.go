package secret

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperjump/ragwire/internal/errs"
)

func TestEnvProvider(t *testing.T) {
	t.Setenv("RAGWIRE_TEST_SECRET", "s3cret")
	t.Setenv("RAGWIRE_TEST_EMPTY", "")

	p := NewEnvProvider()
	v, err := p.Secret("RAGWIRE_TEST_SECRET")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", v)

	_, err = p.Secret("RAGWIRE_TEST_EMPTY")
	assert.ErrorIs(t, err, errs.ErrSecretNotFound)

	_, err = p.Secret("RAGWIRE_TEST_DOES_NOT_EXIST")
	assert.ErrorIs(t, err, errs.ErrSecretNotFound)
	assert.Contains(t, err.Error(), "RAGWIRE_TEST_DOES_NOT_EXIST")
}

func TestMapProvider(t *testing.T) {
	p := MapProvider{"A": "1"}
	v, err := p.Secret("A")
	require.NoError(t, err)
	assert.Equal(t, "1", v)
	_, err = p.Secret("B")
	assert.ErrorIs(t, err, errs.ErrSecretNotFound)
}

func TestDotenvProvider(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("AZ_AI_SEARCH_KEY=abc\n# comment\nOPENAI_API_KEY=\"sk-test\"\n"), 0600))

	p, err := NewDotenvProvider(path)
	require.NoError(t, err)

	v, err := p.Secret("OPENAI_API_KEY")
	require.NoError(t, err)
	assert.Equal(t, "sk-test", v)
	_, present := os.LookupEnv("AZ_AI_SEARCH_KEY")
	assert.False(t, present, "dotenv provider must not mutate the environment")

	_, err = NewDotenvProvider(filepath.Join(t.TempDir(), "missing.env"))
	assert.Error(t, err)
}

func TestChain(t *testing.T) {
	p := Chain(nil, MapProvider{"A": "first"}, MapProvider{"A": "second", "B": "b"})

	v, err := p.Secret("A")
	require.NoError(t, err)
	assert.Equal(t, "first", v)

	v, err = p.Secret("B")
	require.NoError(t, err)
	assert.Equal(t, "b", v)

	_, err = p.Secret("C")
	assert.ErrorIs(t, err, errs.ErrSecretNotFound)
}
