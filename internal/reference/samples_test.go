package reference

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsToBuiltin(t *testing.T) {
	samples, err := Load(context.Background(), Source{})
	require.NoError(t, err)
	assert.Equal(t, Builtin(), samples)
	assert.Len(t, samples.Reference, 7)
	assert.Len(t, samples.Modulated, 8)
}

func TestLoadInlineSamples(t *testing.T) {
	samples, err := Load(context.Background(), Source{
		File:      "ignored.yaml",
		Reference: []float64{0.5},
		Modulated: []float64{0.7},
	})
	require.NoError(t, err)
	assert.Equal(t, []float64{0.5}, samples.Reference)

	_, err = Load(context.Background(), Source{Reference: []float64{0.5}})
	assert.ErrorIs(t, err, ErrNoSamples)
}

func TestLoadSignedFile(t *testing.T) {
	samples, err := Load(context.Background(), Source{
		File:          filepath.Join("testdata", "samples.yaml"),
		PublicKeyFile: filepath.Join("testdata", "test.pub"),
	})
	require.NoError(t, err)
	assert.Equal(t, []float64{0.5422, 0.5284, 0.5221, 0.5752, 0.5091}, samples.Reference)
	assert.Len(t, samples.Modulated, 4)
}

func TestLoadRejectsTamperedFile(t *testing.T) {
	dir := t.TempDir()
	data, err := os.ReadFile(filepath.Join("testdata", "samples.yaml"))
	require.NoError(t, err)
	sig, err := os.ReadFile(filepath.Join("testdata", "samples.yaml.minisig"))
	require.NoError(t, err)

	tampered := append(data, []byte("  - 0.99\n")...)
	path := filepath.Join(dir, "samples.yaml")
	require.NoError(t, os.WriteFile(path, tampered, 0o600))
	require.NoError(t, os.WriteFile(path+".minisig", sig, 0o600))

	_, err = Load(context.Background(), Source{
		File:          path,
		PublicKeyFile: filepath.Join("testdata", "test.pub"),
	})
	assert.ErrorIs(t, err, ErrSignatureInvalid)
}

func TestLoadUnsignedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "samples.yaml")
	require.NoError(t, os.WriteFile(path, []byte("reference: [0.4, 0.5]\nmodulated: []\n"), 0o600))

	_, err := Load(context.Background(), Source{File: path})
	assert.ErrorIs(t, err, ErrNoSamples)
}

func TestNewVerifierRejectsGarbage(t *testing.T) {
	_, err := NewVerifier("")
	assert.Error(t, err)
	_, err = NewVerifier("untrusted comment: x\nnot-base64")
	assert.Error(t, err)
}
