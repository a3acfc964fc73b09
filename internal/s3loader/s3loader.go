// Package s3loader serves resources stored as S3 objects.
//
// Object keys are {Prefix}/{name}. A release pointer kept in an SSM
// parameter can be folded into the prefix with ResolvePrefix, so a new set of
// resources is rolled out by uploading under a new release id and updating
// the parameter.
package s3loader

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"strings"
	"sync/atomic"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/smithy-go"

	"github.com/keithlinneman/linnemanlabs-resources/internal/log"
	"github.com/keithlinneman/linnemanlabs-resources/internal/resource"
	"github.com/keithlinneman/linnemanlabs-resources/internal/xerrors"
)

// GetObjectAPI is the part of *s3.Client the loader uses
type GetObjectAPI interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// GetParameterAPI is the part of *ssm.Client ResolvePrefix uses
type GetParameterAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

type Options struct {
	Logger log.Logger
	Client GetObjectAPI
	Bucket string
	Prefix string
}

// Loader implements resource.Loader over an S3 bucket
type Loader struct {
	client GetObjectAPI
	bucket string
	prefix atomic.Pointer[string]
	logger log.Logger
}

func New(opts Options) (*Loader, error) {
	if opts.Client == nil {
		return nil, xerrors.New("s3loader: Client is required")
	}
	if opts.Bucket == "" {
		return nil, xerrors.New("s3loader: Bucket is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	l := &Loader{
		client: opts.Client,
		bucket: opts.Bucket,
		logger: opts.Logger,
	}
	l.SetPrefix(opts.Prefix)
	return l, nil
}

// Bucket and Prefix identify where objects are read from
func (l *Loader) Bucket() string { return l.bucket }
func (l *Loader) Prefix() string {
	if p := l.prefix.Load(); p != nil {
		return *p
	}
	return ""
}

// SetPrefix switches the loader to a new prefix. Opens already in flight
// keep the key they computed.
func (l *Loader) SetPrefix(prefix string) {
	prefix = strings.Trim(prefix, "/")
	l.prefix.Store(&prefix)
}

// objectKey maps a resource name to an object key. The bucket has no notion
// of a base directory, so absolute and relative names are the same.
func (l *Loader) objectKey(name string) (string, bool) {
	rel := strings.TrimPrefix(name, "/")
	if rel == "" || !fs.ValidPath(rel) {
		return "", false
	}
	prefix := l.Prefix()
	if prefix == "" {
		return rel, true
	}
	return prefix + "/" + rel, true
}

func (l *Loader) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	key, ok := l.objectKey(name)
	if !ok {
		return nil, resource.NotFound(name)
	}

	out, err := l.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(l.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			l.logger.Debug(ctx, "s3 resource not found", "bucket", l.bucket, "key", key)
			return nil, resource.NotFound(name)
		}
		return nil, xerrors.Wrapf(err, "get s3://%s/%s", l.bucket, key)
	}
	if out.Body == nil {
		return nil, resource.NotFound(name)
	}
	return out.Body, nil
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}

// ResolvePrefix returns base/{release id} using the value of the SSM
// parameter param. An empty param returns base unchanged.
func ResolvePrefix(ctx context.Context, client GetParameterAPI, param, base string) (string, error) {
	base = strings.Trim(base, "/")
	if param == "" {
		return base, nil
	}
	if client == nil {
		return "", xerrors.New("s3loader: SSM client is required to resolve a release parameter")
	}

	out, err := client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(param),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", xerrors.Wrapf(err, "get SSM parameter %s", param)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return "", xerrors.Newf("SSM parameter %s has no value", param)
	}

	release := strings.Trim(strings.TrimSpace(*out.Parameter.Value), "/")
	if release == "" {
		return "", xerrors.Newf("SSM parameter %s is empty", param)
	}
	if !fs.ValidPath(release) {
		return "", xerrors.Newf("SSM parameter %s holds an invalid release id %q", param, release)
	}

	if base == "" {
		return release, nil
	}
	return base + "/" + release, nil
}
