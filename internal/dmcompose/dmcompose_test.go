package dmcompose_test

import (
	"strings"
	"testing"

	"github.com/5H3LL3H5/cominit/internal/dmcompose"
	"github.com/5H3LL3H5/cominit/internal/metadata"
	"github.com/stretchr/testify/require"
)

type fakeReader map[string][]byte

func (f fakeReader) Get(description string) ([]byte, error) {
	v, ok := f[description]
	if !ok {
		return nil, assertNotFound{}
	}
	return v, nil
}

type assertNotFound struct{}

func (assertNotFound) Error() string { return "not found" }

func TestComposeVerityScenarioS2(t *testing.T) {
	meta := &metadata.PartitionMetadata{
		DevicePath:    "/dev/sda2",
		Crypt:         metadata.CryptModeVerity,
		VerintSection: strings.Fields("1 4096 4096 1024 1024 sha256 0123...ab deadbeef..."),
	}

	plan, err := dmcompose.Compose(meta, fakeReader{}, nil)
	require.NoError(t, err)
	require.Len(t, plan.Layers, 1)
	require.Equal(t, "1 /dev/sda2 /dev/sda2 4096 4096 1024 1024 sha256 0123...ab deadbeef...", plan.Layers[0].Table)
	require.Equal(t, uint64(4096*1024), plan.VolumeDataBytes)
	require.Equal(t, uint64(4194304), meta.DMVolumeDataBytes)
}

func TestComposeIntegrityScenarioS3(t *testing.T) {
	payload := make([]byte, 32)
	for i := range payload {
		payload[i] = byte(i + 1)
	}
	reader := fakeReader{"bootkey": payload}

	meta := &metadata.PartitionMetadata{
		DevicePath:    "/dev/sda2",
		Crypt:         metadata.CryptModeIntegrity,
		VerintSection: strings.Fields("2048 512 1 journal_mac:hmac-sha256::bootkey"),
	}

	plan, err := dmcompose.Compose(meta, reader, nil)
	require.NoError(t, err)
	require.Len(t, plan.Layers, 1)
	require.Equal(t,
		"/dev/sda2 0 - J 2 block_size:512 journal_mac:hmac-sha256:0102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f20 ",
		plan.Layers[0].Table,
	)
	require.Equal(t, uint64(2048*512), plan.VolumeDataBytes)
}

func TestComposeIntegrityKeyNotFound(t *testing.T) {
	meta := &metadata.PartitionMetadata{
		DevicePath:    "/dev/sda2",
		Crypt:         metadata.CryptModeIntegrity,
		VerintSection: strings.Fields("2048 512 1 journal_mac:hmac-sha256::missing"),
	}

	_, err := dmcompose.Compose(meta, fakeReader{}, nil)
	require.Error(t, err)
}

func TestComposeCryptOnly(t *testing.T) {
	meta := &metadata.PartitionMetadata{
		DevicePath:   "/dev/sda2",
		Crypt:        metadata.CryptModeCrypt,
		CryptSection: []string{"aes-xts-plain64"},
	}

	plan, err := dmcompose.Compose(meta, fakeReader{}, []byte{0x01, 0x02})
	require.NoError(t, err)
	require.Len(t, plan.Layers, 1)
	require.Equal(t, "aes-xts-plain64 0102 0 /dev/sda2 0", plan.Layers[0].Table)
}

func TestComposeCryptVerityStacking(t *testing.T) {
	meta := &metadata.PartitionMetadata{
		DevicePath:    "/dev/sda2",
		Crypt:         metadata.CryptModeCryptVerity,
		VerintSection: strings.Fields("1 4096 4096 1024 1024 sha256 abc def"),
		CryptSection:  []string{"aes-xts-plain64"},
	}

	plan, err := dmcompose.Compose(meta, fakeReader{}, []byte{0xaa})
	require.NoError(t, err)
	require.Len(t, plan.Layers, 2)
	require.Equal(t, "rootfs-crypt", plan.Layers[0].Name)
	require.Equal(t, "rootfs-verint", plan.Layers[1].Name)
	require.Contains(t, plan.Layers[1].Table, "/dev/mapper/rootfs-crypt")
}

func TestComposeCryptIntegrityStacking(t *testing.T) {
	meta := &metadata.PartitionMetadata{
		DevicePath:    "/dev/sda2",
		Crypt:         metadata.CryptModeCryptIntegrity,
		VerintSection: strings.Fields("2048 512 0"),
		CryptSection:  []string{"aes-xts-plain64"},
	}

	plan, err := dmcompose.Compose(meta, fakeReader{}, []byte{0xbb})
	require.NoError(t, err)
	require.Len(t, plan.Layers, 2)
	require.Equal(t, "rootfs-verint", plan.Layers[0].Name)
	require.Equal(t, "rootfs-crypt", plan.Layers[1].Name)
	require.Contains(t, plan.Layers[1].Table, "/dev/mapper/rootfs-verint")
}

func TestComposeRejectsTableOverflow(t *testing.T) {
	bigSalt := strings.Repeat("a", dmcompose.DMTableMax)
	meta := &metadata.PartitionMetadata{
		DevicePath:    "/dev/sda2",
		Crypt:         metadata.CryptModeVerity,
		VerintSection: strings.Fields("1 4096 4096 1024 1024 sha256 " + bigSalt + " deadbeef"),
	}

	_, err := dmcompose.Compose(meta, fakeReader{}, nil)
	require.Error(t, err)
}

func TestComposeRejectsShortIntegritySection(t *testing.T) {
	meta := &metadata.PartitionMetadata{
		DevicePath:    "/dev/sda2",
		Crypt:         metadata.CryptModeIntegrity,
		VerintSection: []string{"2048"},
	}

	_, err := dmcompose.Compose(meta, fakeReader{}, nil)
	require.Error(t, err)
}
