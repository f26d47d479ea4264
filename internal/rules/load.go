package rules

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/keithlinneman/throttlegate/internal/log"
	"github.com/keithlinneman/throttlegate/internal/xerrors"
)

// maxDocumentBytes caps documents fetched from S3 or files.
const maxDocumentBytes = 1 << 20

// SSMAPI is the part of the SSM client the loader uses.
type SSMAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// S3API is the part of the S3 client the loader uses.
type S3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Source says where the document lives. At most one field is set, none
// means the built-in default plan.
type Source struct {
	// File is a local path, optionally prefixed with file://
	File string
	// SSMParam is an SSM parameter name holding the document
	SSMParam string
	// S3URI is s3://bucket/key
	S3URI string
}

func (s Source) IsZero() bool { return s.File == "" && s.SSMParam == "" && s.S3URI == "" }

// Label is a short description used in logs and the rules_source_info metric.
func (s Source) Label() string {
	switch {
	case s.File != "":
		return "file"
	case s.SSMParam != "":
		return "ssm"
	case s.S3URI != "":
		return "s3"
	}
	return "default"
}

func (s Source) String() string {
	switch {
	case s.File != "":
		return "file://" + strings.TrimPrefix(s.File, "file://")
	case s.SSMParam != "":
		return "ssm:" + s.SSMParam
	case s.S3URI != "":
		return s.S3URI
	}
	return "default"
}

type LoaderOptions struct {
	Logger log.Logger
	SSM    SSMAPI
	S3     S3API
}

type Loader struct {
	ssm    SSMAPI
	s3     S3API
	logger log.Logger
}

func NewLoader(opts LoaderOptions) *Loader {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	return &Loader{ssm: opts.SSM, s3: opts.S3, logger: opts.Logger}
}

// NewAWSClients builds SSM and S3 clients from the default AWS config chain.
func NewAWSClients(ctx context.Context) (SSMAPI, S3API, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, nil, xerrors.Wrap(err, "load AWS config")
	}
	return ssm.NewFromConfig(awsCfg), s3.NewFromConfig(awsCfg), nil
}

// Load fetches, parses and compiles the document at src.
func (l *Loader) Load(ctx context.Context, src Source) (*Plan, error) {
	if src.IsZero() {
		return Default(), nil
	}
	raw, err := l.Fetch(ctx, src)
	if err != nil {
		return nil, err
	}
	return l.compileRaw(ctx, src, raw)
}

func (l *Loader) compileRaw(ctx context.Context, src Source, raw []byte) (*Plan, error) {
	doc, err := Parse(raw)
	if err != nil {
		return nil, xerrors.Wrapf(err, "parse rules from %s", src)
	}
	plan := Compile(doc)
	plan.Source = src.Label()
	plan.Hash = hashOf(raw)

	l.logger.Info(ctx, "rules loaded",
		"source", src.String(),
		"hash", truncHash(plan.Hash),
		"routes", len(plan.Routes),
	)
	return plan, nil
}

// Fetch returns the raw document bytes.
func (l *Loader) Fetch(ctx context.Context, src Source) ([]byte, error) {
	switch {
	case src.File != "":
		return readFile(strings.TrimPrefix(src.File, "file://"))
	case src.SSMParam != "":
		return l.fetchSSM(ctx, src.SSMParam)
	case src.S3URI != "":
		return l.fetchS3(ctx, src.S3URI)
	}
	return nil, xerrors.New("no rules source configured")
}

func readFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, xerrors.Wrapf(err, "open rules file %s", path)
	}
	defer f.Close()
	return readCapped(f, path)
}

func (l *Loader) fetchSSM(ctx context.Context, name string) ([]byte, error) {
	if l.ssm == nil {
		return nil, xerrors.New("SSM client not configured")
	}
	out, err := l.ssm.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return nil, xerrors.Wrapf(err, "get SSM parameter %s", name)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return nil, xerrors.Newf("SSM parameter %s has no value", name)
	}
	v := strings.TrimSpace(*out.Parameter.Value)
	if v == "" {
		return nil, xerrors.Newf("SSM parameter %s is empty", name)
	}
	return []byte(v), nil
}

func (l *Loader) fetchS3(ctx context.Context, uri string) ([]byte, error) {
	if l.s3 == nil {
		return nil, xerrors.New("S3 client not configured")
	}
	bucket, key, err := ParseS3URI(uri)
	if err != nil {
		return nil, err
	}
	out, err := l.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, xerrors.Wrapf(err, "get S3 object %s", uri)
	}
	defer out.Body.Close()
	return readCapped(out.Body, uri)
}

func readCapped(r io.Reader, name string) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r, maxDocumentBytes+1))
	if err != nil {
		return nil, xerrors.Wrapf(err, "read %s", name)
	}
	if len(b) > maxDocumentBytes {
		return nil, xerrors.Newf("%s exceeds %d bytes", name, maxDocumentBytes)
	}
	return b, nil
}

// ParseS3URI splits s3://bucket/key.
func ParseS3URI(uri string) (bucket, key string, err error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", "", fmt.Errorf("parse S3 URI %q: %w", uri, err)
	}
	key = strings.TrimPrefix(u.Path, "/")
	if u.Scheme != "s3" || u.Host == "" || key == "" {
		return "", "", fmt.Errorf("S3 URI %q must look like s3://bucket/key", uri)
	}
	return u.Host, key, nil
}

func hashOf(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// truncHash returns the first 12 characters of a hash for logging.
func truncHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
