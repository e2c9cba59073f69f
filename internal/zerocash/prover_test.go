package zerocash

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/frontend/cs/r1cs"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupOrLoadKeysNeverReplacesVerifyingKey(t *testing.T) {
	ccs, err := frontend.Compile(ecc.BW6_761.ScalarField(), r1cs.NewBuilder, newTransferCircuit(Shape{Inputs: 1, Outputs: 1}, 2))
	require.NoError(t, err)

	dir := t.TempDir()
	pkPath, vkPath := filepath.Join(dir, "transfer.pk"), filepath.Join(dir, "transfer.vk")
	require.NoError(t, os.WriteFile(vkPath, []byte("partial"), 0o644))

	_, _, err = SetupOrLoadKeys(ccs, pkPath, vkPath, zerolog.Nop())
	assert.Error(t, err, "proving key missing next to a verifying key")
	assert.NoFileExists(t, pkPath)

	require.NoError(t, os.WriteFile(pkPath, []byte("partial"), 0o644))
	_, _, err = SetupOrLoadKeys(ccs, pkPath, vkPath, zerolog.Nop())
	assert.Error(t, err, "unreadable keys")

	data, err := os.ReadFile(vkPath)
	require.NoError(t, err)
	assert.Equal(t, "partial", string(data))
}

func TestWriteKeyFileIsAtomic(t *testing.T) {
	g := sharedProofs()
	require.NoError(t, g.Setup(Shape{Inputs: 1, Outputs: 1}))
	vk, ok := g.verifyingKey(Shape{Inputs: 1, Outputs: 1})
	require.True(t, ok)

	dir := t.TempDir()
	path := filepath.Join(dir, "transfer.vk")
	require.NoError(t, os.WriteFile(path, []byte("old"), 0o644))
	require.NoError(t, SaveVerifyingKey(path, vk))

	loaded, err := LoadVerifyingKey(path)
	require.NoError(t, err)
	var want, got bytes.Buffer
	_, err = vk.WriteTo(&want)
	require.NoError(t, err)
	_, err = loaded.WriteTo(&got)
	require.NoError(t, err)
	assert.Equal(t, want.Bytes(), got.Bytes())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary files are renamed away")
}
