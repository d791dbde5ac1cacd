package wallet

import (
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

func TestSignAndRecover(t *testing.T) {
	w, err := Generate()
	require.NoError(t, err)

	hash := crypto.Keccak256Hash([]byte("agreement"))
	sig, err := w.Sign(hash)
	require.NoError(t, err)
	require.Len(t, sig, crypto.SignatureLength)

	addr, err := Recover(hash, sig)
	require.NoError(t, err)
	require.Equal(t, w.Address(), addr)

	other, err := Recover(crypto.Keccak256Hash([]byte("other")), sig)
	require.NoError(t, err)
	require.NotEqual(t, w.Address(), other)
}

func TestRecoverRejectsShortSignature(t *testing.T) {
	_, err := Recover(common.Hash{}, []byte{1, 2, 3})
	require.Error(t, err)
}

func TestSaveLoad(t *testing.T) {
	w, err := Generate()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "key")
	require.NoError(t, w.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, w.Address(), loaded.Address())
}
