package orchestrator_test

import (
	stdcrypto "crypto"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/5H3LL3H5/cominit/internal/metadata"
	"github.com/5H3LL3H5/cominit/internal/orchestrator"
	"github.com/stretchr/testify/require"
)

type fakeDmCtl struct {
	createErrAt int
	calls       int
	created     []string
	removed     []string
}

func (f *fakeDmCtl) Create(_ context.Context, name, _ string, _ bool) (string, error) {
	defer func() { f.calls++ }()
	if f.createErrAt >= 0 && f.calls == f.createErrAt {
		return "", fmt.Errorf("simulated activation failure for %s", name)
	}
	f.created = append(f.created, name)
	return "/dev/mapper/" + name, nil
}

func (f *fakeDmCtl) Remove(_ context.Context, name string) error {
	f.removed = append(f.removed, name)
	return nil
}

type fixture struct {
	keyfile string
	priv    *rsa.PrivateKey
	cfg     metadata.Config
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	require.NoError(t, err)
	keyfile := filepath.Join(t.TempDir(), "pub.pem")
	require.NoError(t, os.WriteFile(keyfile, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), 0o600))

	return fixture{keyfile: keyfile, priv: priv, cfg: metadata.Config{MetaSize: 4096, SigLen: 256, Version: "v1"}}
}

func (fx fixture) buildTrailer(t *testing.T, text string, totalSize uint64) string {
	t.Helper()

	buf := make([]byte, fx.cfg.MetaSize)
	msg := append([]byte(text), 0x00)
	copy(buf, msg)

	digest := sha256.Sum256(msg)
	sig, err := rsa.SignPKCS1v15(rand.Reader, fx.priv, stdcrypto.SHA256, digest[:])
	require.NoError(t, err)
	copy(buf[len(msg):], sig)

	path := filepath.Join(t.TempDir(), "partition.img")
	data := make([]byte, totalSize)
	copy(data[totalSize-fx.cfg.MetaSize:], buf)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func TestRunPlainRootfsScenarioS1(t *testing.T) {
	fx := newFixture(t)
	devicePath := fx.buildTrailer(t, "v1 ext4 ro plain\xff\xff", 1<<20)

	dm := &fakeDmCtl{createErrAt: -1}
	orch := &orchestrator.Orchestrator{DmCtl: dm, Logger: zaptest.NewLogger(t)}

	top, err := orch.Run(context.Background(), orchestrator.Config{
		DevicePath:  devicePath,
		KeyfilePath: fx.keyfile,
		MetaCodec:   fx.cfg,
	})
	require.NoError(t, err)
	require.Equal(t, devicePath, top)
	require.Empty(t, dm.created)
}

func TestRunVerityActivatesSingleDevice(t *testing.T) {
	fx := newFixture(t)
	text := "v1 ext4 ro verity\xff1 4096 4096 1024 1024 sha256 abc def\xff"
	devicePath := fx.buildTrailer(t, text, 1<<20)

	dm := &fakeDmCtl{createErrAt: -1}
	orch := &orchestrator.Orchestrator{DmCtl: dm, Logger: zaptest.NewLogger(t)}

	top, err := orch.Run(context.Background(), orchestrator.Config{
		DevicePath:  devicePath,
		KeyfilePath: fx.keyfile,
		MetaCodec:   fx.cfg,
	})
	require.NoError(t, err)
	require.Equal(t, "/dev/mapper/rootfs-verint", top)
	require.Equal(t, []string{"rootfs-verint"}, dm.created)
}

func TestRunScenarioS4CorruptedSignatureCreatesNoDevice(t *testing.T) {
	fx := newFixture(t)
	text := "v1 ext4 ro plain\xff\xff"
	devicePath := fx.buildTrailer(t, text, 1<<20)

	data, err := os.ReadFile(devicePath)
	require.NoError(t, err)
	// Flip the last byte of the signature, which follows the text's NUL.
	sigEnd := len(data) - int(fx.cfg.MetaSize) + len(text) + 1 + fx.cfg.SigLen - 1
	data[sigEnd] ^= 0x01
	require.NoError(t, os.WriteFile(devicePath, data, 0o600))

	dm := &fakeDmCtl{createErrAt: -1}
	orch := &orchestrator.Orchestrator{DmCtl: dm, Logger: zaptest.NewLogger(t)}

	_, err = orch.Run(context.Background(), orchestrator.Config{
		DevicePath:  devicePath,
		KeyfilePath: fx.keyfile,
		MetaCodec:   fx.cfg,
	})
	require.Error(t, err)
	require.Empty(t, dm.created)
}

func TestRunScenarioS6PartialFailureRemovesFirstLayer(t *testing.T) {
	fx := newFixture(t)
	text := "v1 ext4 ro crypt-verity\xff1 4096 4096 1024 1024 sha256 abc def\xffaes-xts-plain64"
	devicePath := fx.buildTrailer(t, text, 1<<20)

	dm := &fakeDmCtl{createErrAt: 1} // second Create() call fails
	orch := &orchestrator.Orchestrator{
		DmCtl:         dm,
		KeyringReader: fakeReader{},
		Logger:        zaptest.NewLogger(t),
	}

	_, err := orch.Run(context.Background(), orchestrator.Config{
		DevicePath:     devicePath,
		KeyfilePath:    fx.keyfile,
		MetaCodec:      fx.cfg,
		KeyDescription: "bootkey",
	})
	require.Error(t, err)
	require.Equal(t, []string{"rootfs-crypt"}, dm.created)
	require.Equal(t, []string{"rootfs-crypt"}, dm.removed)
}

type fakeReader map[string][]byte

func (f fakeReader) Get(description string) ([]byte, error) {
	if v, ok := f[description]; ok {
		return v, nil
	}
	return []byte{0x01, 0x02, 0x03, 0x04}, nil
}
