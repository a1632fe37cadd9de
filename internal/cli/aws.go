package cli

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/rs/zerolog/log"

	"github.com/fpang/gemini-variations/internal/s3util"
	"github.com/fpang/gemini-variations/internal/store"
)

// AWS loads the shared AWS config on first use. Commands that never touch
// S3, DynamoDB or SSM do not need credentials.
type AWS struct {
	once sync.Once
	cfg  aws.Config
	err  error

	load func(ctx context.Context) (aws.Config, error)
}

// NewAWS returns a lazy loader backed by the default credential chain.
func NewAWS() *AWS {
	return &AWS{load: func(ctx context.Context) (aws.Config, error) {
		return awsconfig.LoadDefaultConfig(ctx)
	}}
}

// Config returns the loaded AWS config.
func (a *AWS) Config(ctx context.Context) (aws.Config, error) {
	a.once.Do(func() {
		start := time.Now()
		a.cfg, a.err = a.load(ctx)
		if a.err != nil {
			a.err = fmt.Errorf("failed to load AWS config: %w", a.err)
			return
		}
		log.Debug().Str("region", a.cfg.Region).Dur("elapsed", time.Since(start)).Msg("AWS config loaded")
	})
	return a.cfg, a.err
}

// SSM returns an SSM client.
func (a *AWS) SSM(ctx context.Context) (*ssm.Client, error) {
	cfg, err := a.Config(ctx)
	if err != nil {
		return nil, err
	}
	return ssm.NewFromConfig(cfg), nil
}

// Publisher returns an S3 publisher for bucket, or nil when bucket is empty.
func (a *AWS) Publisher(ctx context.Context, bucket, prefix string) (*s3util.Publisher, error) {
	if bucket == "" {
		return nil, nil
	}
	cfg, err := a.Config(ctx)
	if err != nil {
		return nil, err
	}
	return s3util.NewPublisher(s3.NewFromConfig(cfg), bucket, prefix), nil
}

// S3 returns an S3 client for fetching s3:// sources.
func (a *AWS) S3(ctx context.Context) (*s3.Client, error) {
	cfg, err := a.Config(ctx)
	if err != nil {
		return nil, err
	}
	return s3.NewFromConfig(cfg), nil
}

// RunStore returns a DynamoDB run store for table, or nil when table is empty.
func (a *AWS) RunStore(ctx context.Context, table string, ttl time.Duration) (*store.DynamoRunStore, error) {
	if table == "" {
		return nil, nil
	}
	cfg, err := a.Config(ctx)
	if err != nil {
		return nil, err
	}
	return store.NewDynamoRunStore(dynamodb.NewFromConfig(cfg), table, ttl), nil
}

// ResolveSource returns a local path for source. s3:// URIs are downloaded
// into dir; anything else is returned unchanged.
func ResolveSource(ctx context.Context, a *AWS, source, dir string) (string, error) {
	if _, _, ok := s3util.ParseURI(source); !ok {
		return source, nil
	}
	client, err := a.S3(ctx)
	if err != nil {
		return "", err
	}
	return s3util.FetchSource(ctx, client, source, dir)
}
