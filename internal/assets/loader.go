package assets

import (
	"context"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/keithlinneman/shortstack/internal/log"
	"github.com/keithlinneman/shortstack/internal/xerrors"
)

// SSMAPI and S3API are the calls the loader makes, satisfied by the SDK
// clients and by test fakes.
type SSMAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

type S3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

type LoaderOptions struct {
	Logger log.Logger

	// SSMParam holds the digest of the bundle to serve.
	SSMParam string
	Bucket   string
	Prefix   string

	SSM SSMAPI
	S3  S3API

	// Verifier, when set, makes the .sig object mandatory.
	Verifier SignatureVerifier

	// OnLoad observes how long each successful load took.
	OnLoad func(hash string, took time.Duration)
}

type Loader struct {
	opts LoaderOptions
	L    log.Logger
}

func NewLoader(opts LoaderOptions) (*Loader, error) {
	switch {
	case opts.SSMParam == "":
		return nil, xerrors.New("assets: SSM parameter is required")
	case opts.Bucket == "":
		return nil, xerrors.New("assets: S3 bucket is required")
	case opts.SSM == nil || opts.S3 == nil:
		return nil, xerrors.New("assets: SSM and S3 clients are required")
	}
	L := opts.Logger
	if L == nil {
		L = log.Nop()
	}
	opts.Prefix = strings.Trim(opts.Prefix, "/")
	return &Loader{opts: opts, L: L.With("component", "assets")}, nil
}

// NewAWSLoader builds the SDK clients from cfg. A non-empty signingKey
// enables KMS signature verification.
func NewAWSLoader(cfg aws.Config, signingKey string, opts LoaderOptions) (*Loader, error) {
	opts.SSM = ssm.NewFromConfig(cfg)
	opts.S3 = s3.NewFromConfig(cfg)
	if signingKey != "" {
		opts.Verifier = NewKMSVerifier(kms.NewFromConfig(cfg), signingKey)
	}
	return NewLoader(opts)
}

// CurrentHash reads the wanted bundle digest from SSM.
func (l *Loader) CurrentHash(ctx context.Context) (string, error) {
	out, err := l.opts.SSM.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(l.opts.SSMParam),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", xerrors.Wrapf(err, "get SSM parameter %s", l.opts.SSMParam)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return "", xerrors.Newf("SSM parameter %s has no value", l.opts.SSMParam)
	}
	hash, err := ParseDigest(*out.Parameter.Value)
	if err != nil {
		return "", xerrors.Wrapf(err, "SSM parameter %s", l.opts.SSMParam)
	}
	return hash, nil
}

func (l *Loader) key(hash string) string {
	if l.opts.Prefix == "" {
		return hash + ".tar.gz"
	}
	return l.opts.Prefix + "/" + hash + ".tar.gz"
}

// Load resolves the current digest and loads that bundle.
func (l *Loader) Load(ctx context.Context) (*Snapshot, error) {
	hash, err := l.CurrentHash(ctx)
	if err != nil {
		return nil, err
	}
	return l.LoadHash(ctx, hash)
}

// LoadHash downloads, verifies and unpacks the bundle named by hash.
func (l *Loader) LoadHash(ctx context.Context, hash string) (*Snapshot, error) {
	start := time.Now()
	hash, err := ParseDigest(hash)
	if err != nil {
		return nil, err
	}
	key := l.key(hash)
	L := l.L.With("bucket", l.opts.Bucket, "key", key)

	data, actual, err := l.fetch(ctx, key, MaxBundleSize)
	if err != nil {
		return nil, err
	}
	if !HashEqual(actual, hash) {
		return nil, xerrors.Newf("checksum mismatch for %s: expected %s, got %s", key, hash, actual)
	}

	signed := false
	if l.opts.Verifier != nil {
		sig, _, err := l.fetch(ctx, key+".sig", MaxSignature)
		if err != nil {
			return nil, xerrors.Wrap(err, "bundle signature")
		}
		if err := l.opts.Verifier.VerifySignature(ctx, data, sig); err != nil {
			return nil, xerrors.Wrapf(err, "verify %s", key)
		}
		signed = true
	}

	fsys, files, err := extractTarGz(data)
	if err != nil {
		return nil, xerrors.Wrapf(err, "extract %s", key)
	}

	now := time.Now().UTC()
	took := time.Since(start)
	L.Info(ctx, "asset bundle loaded",
		"sha256", hash, "bytes", len(data), "files", files, "signed", signed, "duration", took.Seconds())
	if l.opts.OnLoad != nil {
		l.opts.OnLoad(hash, took)
	}
	return &Snapshot{
		FS:       fsys,
		Meta:     Meta{SHA256: hash, Source: SourceS3, Files: files, Signed: signed, VerifiedAt: now},
		LoadedAt: now,
	}, nil
}

func (l *Loader) fetch(ctx context.Context, key string, limit int64) ([]byte, string, error) {
	out, err := l.opts.S3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(l.opts.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, "", xerrors.Wrapf(err, "get s3://%s/%s", l.opts.Bucket, key)
	}
	defer out.Body.Close()
	data, sum, err := readWithHash(out.Body, limit)
	if err != nil {
		return nil, "", xerrors.Wrapf(err, "s3://%s/%s", l.opts.Bucket, key)
	}
	return data, sum, nil
}

// LoadInto loads the current bundle and publishes it.
func (l *Loader) LoadInto(ctx context.Context, m *Manager) error {
	snap, err := l.Load(ctx)
	if err != nil {
		return err
	}
	m.Set(*snap)
	return nil
}
