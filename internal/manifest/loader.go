package manifest

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/keithlinneman/routestream/internal/cryptoutil"
	"github.com/keithlinneman/routestream/internal/log"
	"github.com/keithlinneman/routestream/internal/router"
	"github.com/keithlinneman/routestream/internal/xerrors"
)

// ssmGetter and s3Getter are the subsets of the AWS APIs the Loader
// touches. Interfaces so tests can run without live AWS credentials.
type ssmGetter interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

type s3Getter interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// SignatureVerifier checks a detached signature over the raw manifest
// bytes. Satisfied by [cryptoutil.KMSVerifier].
type SignatureVerifier interface {
	VerifySignature(ctx context.Context, message, signature []byte) error
}

type LoaderOptions struct {
	Logger log.Logger

	// SSM parameter containing the manifest SHA256 hash
	SSMParam string

	// S3 location for manifests: s3://{bucket}/{prefix}/{hash}.json
	// Route content objects referenced by s3_key live in the same bucket.
	S3Bucket string
	S3Prefix string

	// Verifier, when set, requires a detached signature at
	// {prefix}/{hash}.json.sig and rejects manifests that fail it.
	Verifier SignatureVerifier

	// AWS config (uses default if nil)
	AWSConfig *aws.Config

	// Client overrides for tests.
	SSM ssmGetter
	S3  s3Getter
}

type Loader struct {
	opts      LoaderOptions
	ssmClient ssmGetter
	s3Client  s3Getter
	logger    log.Logger
}

// NewLoader creates a manifest Loader with the given options.
func NewLoader(ctx context.Context, opts LoaderOptions) (*Loader, error) {
	if opts.SSMParam == "" {
		return nil, xerrors.New("SSMParam is required")
	}
	if opts.S3Bucket == "" {
		return nil, xerrors.New("S3Bucket is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}

	ssmClient := opts.SSM
	s3Client := opts.S3
	if ssmClient == nil || s3Client == nil {
		var awsCfg aws.Config
		var err error
		if opts.AWSConfig != nil {
			awsCfg = *opts.AWSConfig
		} else {
			awsCfg, err = config.LoadDefaultConfig(ctx)
			if err != nil {
				return nil, xerrors.Wrap(err, "load AWS config")
			}
		}
		if ssmClient == nil {
			ssmClient = ssm.NewFromConfig(awsCfg)
		}
		if s3Client == nil {
			s3Client = s3.NewFromConfig(awsCfg)
		}
	}

	return &Loader{
		opts:      opts,
		ssmClient: ssmClient,
		s3Client:  s3Client,
		logger:    opts.Logger,
	}, nil
}

// FetchCurrentManifestHash gets the current manifest hash from SSM.
func (l *Loader) FetchCurrentManifestHash(ctx context.Context) (string, error) {
	out, err := l.ssmClient.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(l.opts.SSMParam),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", xerrors.Wrapf(err, "get SSM parameter %s", l.opts.SSMParam)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return "", xerrors.Newf("SSM parameter %s has no value", l.opts.SSMParam)
	}

	hash := strings.TrimSpace(*out.Parameter.Value)
	if hash == "" {
		return "", xerrors.Newf("SSM parameter %s is empty", l.opts.SSMParam)
	}

	return hash, nil
}

// s3Key returns the S3 object key for a given manifest hash.
func (l *Loader) s3Key(hash string) string {
	if l.opts.S3Prefix != "" {
		return fmt.Sprintf("%s/%s.json", l.opts.S3Prefix, hash)
	}
	return fmt.Sprintf("%s.json", hash)
}

// LoadHash fetches a specific manifest by hash, verifies its checksum
// and, when a Verifier is configured, its detached signature.
func (l *Loader) LoadHash(ctx context.Context, hash string) (*Manifest, error) {
	key := l.s3Key(hash)

	l.logger.Info(ctx, "downloading route manifest",
		"bucket", l.opts.S3Bucket,
		"key", key,
		"expected_hash", hash,
	)

	out, err := l.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(l.opts.S3Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, xerrors.Wrapf(err, "get S3 object s3://%s/%s", l.opts.S3Bucket, key)
	}
	defer out.Body.Close()

	data, actualHash, err := readWithHash(out.Body, maxManifestSize)
	if err != nil {
		return nil, xerrors.Wrap(err, "download manifest")
	}

	// our policy is to always use cryptoutil/hashEqual for comparing hashes, even though
	// this is not user-supplied or a secret value so timing attacks are not a concern here.
	if !cryptoutil.HashEqual(actualHash, hash) {
		return nil, xerrors.Newf("checksum mismatch: expected %s, got %s", hash, actualHash)
	}

	if l.opts.Verifier != nil {
		if err := l.verifySignature(ctx, key, data); err != nil {
			return nil, err
		}
	}

	m, err := Parse(data)
	if err != nil {
		return nil, err
	}

	l.logger.Info(ctx, "loaded route manifest",
		"hash", actualHash,
		"version", m.Version,
		"routes", len(m.Routes),
	)

	return m, nil
}

// Load fetches the current manifest and returns it with its hash.
func (l *Loader) Load(ctx context.Context) (string, *Manifest, error) {
	hash, err := l.FetchCurrentManifestHash(ctx)
	if err != nil {
		return "", nil, err
	}
	m, err := l.LoadHash(ctx, hash)
	if err != nil {
		return "", nil, err
	}
	return hash, m, nil
}

func (l *Loader) verifySignature(ctx context.Context, key string, data []byte) error {
	sigKey := key + ".sig"
	out, err := l.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(l.opts.S3Bucket),
		Key:    aws.String(sigKey),
	})
	if err != nil {
		return xerrors.Wrapf(err, "get manifest signature s3://%s/%s", l.opts.S3Bucket, sigKey)
	}
	defer out.Body.Close()

	sig, _, err := readWithHash(out.Body, 64*1024)
	if err != nil {
		return xerrors.Wrap(err, "read manifest signature")
	}

	if err := l.opts.Verifier.VerifySignature(ctx, data, sig); err != nil {
		return xerrors.Wrap(err, "verify manifest signature")
	}
	return nil
}

// ObjectProducer returns a deferred producer that streams an S3 object
// on first read. The object is fetched at most once per stream, and a
// cancelled request context aborts the fetch.
func (l *Loader) ObjectProducer(key string) router.ProducerFunc {
	return func(ctx context.Context) (router.Payload, error) {
		out, err := l.s3Client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(l.opts.S3Bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return router.Payload{}, xerrors.Wrapf(err, "get S3 object s3://%s/%s", l.opts.S3Bucket, key)
		}
		return router.Source(out.Body), nil
	}
}
