// Package s3util publishes accepted variations to S3 and fetches S3-hosted
// source images.
package s3util

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/fpang/gemini-variations/internal/imaging"
	"github.com/rs/zerolog/log"
)

// projectTag is the URL-encoded S3 object tagging string for cost allocation.
const projectTag = "Project=gemini-variations"

// ObjectAPI is the subset of *s3.Client used here.
type ObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// ProjectTagging returns a pointer to the URL-encoded S3 object tagging string.
func ProjectTagging() *string {
	t := projectTag
	return &t
}

// ParseURI splits s3://bucket/key. ok is false for anything else.
func ParseURI(uri string) (bucket, key string, ok bool) {
	rest, found := strings.CutPrefix(uri, "s3://")
	if !found {
		return "", "", false
	}
	bucket, key, found = strings.Cut(rest, "/")
	if !found || bucket == "" || key == "" {
		return "", "", false
	}
	return bucket, key, true
}

// Publisher uploads files under a fixed bucket and key prefix.
type Publisher struct {
	client ObjectAPI
	bucket string
	prefix string
}

// NewPublisher creates a Publisher. prefix may be empty.
func NewPublisher(client ObjectAPI, bucket, prefix string) *Publisher {
	return &Publisher{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

// Bucket returns the target bucket name.
func (p *Publisher) Bucket() string { return p.bucket }

// Key builds the object key for a file in a run: <prefix>/<runID>/<base name>.
func (p *Publisher) Key(runID, localPath string) string {
	parts := make([]string, 0, 3)
	if p.prefix != "" {
		parts = append(parts, p.prefix)
	}
	if runID != "" {
		parts = append(parts, runID)
	}
	parts = append(parts, filepath.Base(localPath))
	return path.Join(parts...)
}

// UploadFile uploads one local file to key with a content type derived from
// its extension.
func (p *Publisher) UploadFile(ctx context.Context, key, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", localPath, err)
	}
	defer f.Close()

	_, err = p.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(p.bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String(imaging.MIMEType(localPath)),
		Tagging:     ProjectTagging(),
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s to s3://%s/%s: %w", filepath.Base(localPath), p.bucket, key, err)
	}
	return nil
}

// UploadVariations uploads every path for a run and returns their s3:// URIs
// in the same order. It stops at the first failure and returns the URIs
// uploaded so far with the error.
func (p *Publisher) UploadVariations(ctx context.Context, runID string, paths []string) ([]string, error) {
	uris := make([]string, 0, len(paths))
	for _, local := range paths {
		if err := ctx.Err(); err != nil {
			return uris, err
		}
		key := p.Key(runID, local)
		log.Debug().Str("bucket", p.bucket).Str("key", key).Str("file", local).Msg("Uploading variation to S3")
		if err := p.UploadFile(ctx, key, local); err != nil {
			return uris, err
		}
		uris = append(uris, fmt.Sprintf("s3://%s/%s", p.bucket, key))
	}

	log.Info().
		Str("bucket", p.bucket).
		Str("run_id", runID).
		Int("count", len(uris)).
		Msg("Variations published to S3")
	return uris, nil
}

// DownloadToFile downloads an S3 object to a specific local path.
func DownloadToFile(ctx context.Context, client ObjectAPI, bucket, key, localPath string) error {
	log.Debug().Str("bucket", bucket).Str("key", key).Str("localPath", localPath).Msg("Downloading from S3")
	result, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("S3 GetObject: %w", err)
	}
	defer result.Body.Close()

	f, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	if _, err := io.Copy(f, result.Body); err != nil {
		f.Close()
		os.Remove(localPath)
		return fmt.Errorf("write file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close file: %w", err)
	}
	return nil
}

// FetchSource downloads s3://bucket/key into dir, keeping the key's base name,
// and returns the local path.
func FetchSource(ctx context.Context, client ObjectAPI, uri, dir string) (string, error) {
	bucket, key, ok := ParseURI(uri)
	if !ok {
		return "", fmt.Errorf("not an s3 URI: %s", uri)
	}
	local := filepath.Join(dir, path.Base(key))
	if err := DownloadToFile(ctx, client, bucket, key, local); err != nil {
		return "", err
	}
	return local, nil
}
