package assets

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/x509"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	kmstypes "github.com/aws/aws-sdk-go-v2/service/kms/types"

	"github.com/keithlinneman/shortstack/internal/xerrors"
)

// SignatureVerifier checks a detached signature over a bundle.
type SignatureVerifier interface {
	VerifySignature(ctx context.Context, message, signature []byte) error
}

// KMSAPI is the slice of the KMS client the verifier calls.
type KMSAPI interface {
	GetPublicKey(ctx context.Context, in *kms.GetPublicKeyInput, optFns ...func(*kms.Options)) (*kms.GetPublicKeyOutput, error)
}

// KMSVerifier verifies locally with the public half of a KMS signing key,
// fetched once and cached.
type KMSVerifier struct {
	client KMSAPI
	keyID  string

	mu  sync.Mutex
	pub crypto.PublicKey
}

func NewKMSVerifier(client KMSAPI, keyID string) *KMSVerifier {
	return &KMSVerifier{client: client, keyID: keyID}
}

func (v *KMSVerifier) PublicKey(ctx context.Context) (crypto.PublicKey, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.pub != nil {
		return v.pub, nil
	}
	if v.client == nil {
		return nil, xerrors.New("kms client is not configured")
	}

	out, err := v.client.GetPublicKey(ctx, &kms.GetPublicKeyInput{KeyId: aws.String(v.keyID)})
	if err != nil {
		return nil, xerrors.Wrapf(err, "kms get public key %s", v.keyID)
	}
	if out.KeyUsage != kmstypes.KeyUsageTypeSignVerify {
		return nil, xerrors.Newf("kms key %s has KeyUsage=%s, expected SIGN_VERIFY", v.keyID, out.KeyUsage)
	}
	pub, err := x509.ParsePKIXPublicKey(out.PublicKey)
	if err != nil {
		return nil, xerrors.Wrap(err, "parse kms public key")
	}
	v.pub = pub
	return pub, nil
}

// VerifySignature accepts ECDSA P-256 (SHA-256), ECDSA P-384 (SHA-384) and
// RSA-PSS (SHA-256) signatures.
func (v *KMSVerifier) VerifySignature(ctx context.Context, message, signature []byte) error {
	pub, err := v.PublicKey(ctx)
	if err != nil {
		return err
	}
	switch key := pub.(type) {
	case *ecdsa.PublicKey:
		var digest []byte
		switch key.Curve {
		case elliptic.P256():
			d := sha256.Sum256(message)
			digest = d[:]
		case elliptic.P384():
			d := sha512.Sum384(message)
			digest = d[:]
		default:
			return xerrors.Newf("unsupported ECDSA curve %s", key.Curve.Params().Name)
		}
		if !ecdsa.VerifyASN1(key, digest, signature) {
			return xerrors.Newf("ECDSA %s signature verification failed", key.Curve.Params().Name)
		}
		return nil
	case *rsa.PublicKey:
		d := sha256.Sum256(message)
		if err := rsa.VerifyPSS(key, crypto.SHA256, d[:], signature, nil); err != nil {
			return xerrors.Wrap(err, "RSA-PSS signature verification failed")
		}
		return nil
	default:
		return xerrors.Newf("unsupported public key type %T", pub)
	}
}
