package assets

import (
	"context"
	"crypto/elliptic"
	"errors"
	"io/fs"
	"testing"
	"time"

	kmstypes "github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/stretchr/testify/require"
)

func newTestLoader(t *testing.T, bundle []byte, opts LoaderOptions) (*Loader, *fakeS3, string) {
	t.Helper()
	hash := SHA256Hex(bundle)
	s3 := &fakeS3{objects: map[string][]byte{"site-bucket/bundles/" + hash + ".tar.gz": bundle}}
	opts.SSMParam = "/shortstack/assets/current"
	opts.Bucket = "site-bucket"
	opts.Prefix = "/bundles/"
	opts.SSM = &fakeSSM{value: "sha256:" + hash}
	opts.S3 = s3
	l, err := NewLoader(opts)
	require.NoError(t, err)
	return l, s3, hash
}

func TestNewLoader_Validates(t *testing.T) {
	_, err := NewLoader(LoaderOptions{})
	require.ErrorContains(t, err, "SSM parameter")
	_, err = NewLoader(LoaderOptions{SSMParam: "p"})
	require.ErrorContains(t, err, "bucket")
	_, err = NewLoader(LoaderOptions{SSMParam: "p", Bucket: "b"})
	require.ErrorContains(t, err, "clients")
}

func TestLoader_Load(t *testing.T) {
	var observed string
	l, s3, hash := newTestLoader(t, siteBundle(t), LoaderOptions{
		OnLoad: func(h string, took time.Duration) { observed = h },
	})

	snap, err := l.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, hash, snap.Meta.SHA256)
	require.Equal(t, SourceS3, snap.Meta.Source)
	require.Equal(t, 4, snap.Meta.Files)
	require.False(t, snap.Meta.Signed)
	require.Equal(t, hash, observed)
	require.Equal(t, []string{"site-bucket/bundles/" + hash + ".tar.gz"}, s3.gets)

	b, err := fs.ReadFile(snap.FS, "index.html")
	require.NoError(t, err)
	require.Equal(t, "<h1>home</h1>", string(b))
}

func TestLoader_ChecksumMismatch(t *testing.T) {
	l, s3, hash := newTestLoader(t, siteBundle(t), LoaderOptions{})
	s3.objects["site-bucket/bundles/"+hash+".tar.gz"] = []byte("tampered")
	_, err := l.LoadHash(context.Background(), hash)
	require.ErrorContains(t, err, "checksum mismatch")
}

func TestLoader_SSMErrors(t *testing.T) {
	l, _, _ := newTestLoader(t, siteBundle(t), LoaderOptions{})
	l.opts.SSM = &fakeSSM{err: errors.New("AccessDenied")}
	_, err := l.Load(context.Background())
	require.ErrorContains(t, err, "AccessDenied")

	l.opts.SSM = &fakeSSM{value: "not-a-digest"}
	_, err = l.Load(context.Background())
	require.ErrorContains(t, err, "not a sha256")
}

func TestLoader_MissingObject(t *testing.T) {
	l, _, _ := newTestLoader(t, siteBundle(t), LoaderOptions{})
	_, err := l.LoadHash(context.Background(), SHA256Hex([]byte("other")))
	require.ErrorContains(t, err, "NoSuchKey")
}

func TestLoader_Signature(t *testing.T) {
	bundle := siteBundle(t)
	key, kmsAPI := newSigner(t, elliptic.P256())
	l, s3, hash := newTestLoader(t, bundle, LoaderOptions{Verifier: NewKMSVerifier(kmsAPI, "alias/assets")})
	sigKey := "site-bucket/bundles/" + hash + ".tar.gz.sig"

	_, err := l.LoadHash(context.Background(), hash)
	require.ErrorContains(t, err, "bundle signature", "signature is mandatory with a verifier")

	s3.objects[sigKey] = sign(t, key, []byte("something else"))
	_, err = l.LoadHash(context.Background(), hash)
	require.ErrorContains(t, err, "verification failed")

	s3.objects[sigKey] = sign(t, key, bundle)
	snap, err := l.LoadHash(context.Background(), hash)
	require.NoError(t, err)
	require.True(t, snap.Meta.Signed)
	require.Equal(t, 1, kmsAPI.calls, "public key is cached")
}

func TestKMSVerifier_KeyUsage(t *testing.T) {
	_, kmsAPI := newSigner(t, elliptic.P256())
	kmsAPI.usage = kmstypes.KeyUsageTypeEncryptDecrypt
	err := NewKMSVerifier(kmsAPI, "k").VerifySignature(context.Background(), []byte("m"), []byte("s"))
	require.ErrorContains(t, err, "SIGN_VERIFY")

	err = NewKMSVerifier(nil, "k").VerifySignature(context.Background(), nil, nil)
	require.ErrorContains(t, err, "not configured")
}

func TestLoader_LoadInto(t *testing.T) {
	var swapped []string
	m := NewManager(func(s Snapshot) { swapped = append(swapped, s.Meta.SHA256) })
	l, _, hash := newTestLoader(t, siteBundle(t), LoaderOptions{})
	require.NoError(t, l.LoadInto(context.Background(), m))
	require.Equal(t, hash, m.Hash())
	require.Equal(t, []string{hash}, swapped)
}
