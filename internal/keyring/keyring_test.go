package keyring_test

import (
	"testing"

	"github.com/5H3LL3H5/cominit/internal/keyring"
	"github.com/stretchr/testify/require"
)

type fakeReader map[string][]byte

func (f fakeReader) Get(description string) ([]byte, error) {
	payload, ok := f[description]
	if !ok {
		return nil, keyring.ErrNotFound
	}
	return payload, nil
}

func TestGetKey(t *testing.T) {
	want := make([]byte, 32)
	for i := range want {
		want[i] = byte(i + 1)
	}
	r := fakeReader{"bootkey": want}

	got, err := keyring.GetKey(r, "bootkey")
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestGetKeyNotFound(t *testing.T) {
	_, err := keyring.GetKey(fakeReader{}, "missing")
	require.Error(t, err)
}

func TestGetKeyTooLarge(t *testing.T) {
	r := fakeReader{"big": make([]byte, keyring.PayloadMax+1)}
	_, err := keyring.GetKey(r, "big")
	require.Error(t, err)
}

func TestHexRoundTrip(t *testing.T) {
	for i := 0; i < 64; i++ {
		b := make([]byte, i)
		for j := range b {
			b[j] = byte(j)
		}
		back, err := keyring.HexToBytes(keyring.BytesToHex(b))
		require.NoError(t, err)
		require.Equal(t, b, back)
	}
}

func TestBytesToHexMatchesScenarioS3(t *testing.T) {
	payload := make([]byte, 32)
	for i := range payload {
		payload[i] = byte(i + 1)
	}
	require.Equal(t, "0102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f20", keyring.BytesToHex(payload))
}
