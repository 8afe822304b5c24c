// Package aws archives raw classifier responses to S3 so a disputed track
// assignment can be audited later against exactly what the endpoint said.
package aws

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"

	"vigilit/internal/config"
)

type PayloadArchive interface {
	// StoreRawPayload uploads one raw classifier response and returns the
	// object URL for the case record
	StoreRawPayload(ctx context.Context, org, pmid string, payload []byte) (string, error)

	TestConnection() error
}

type payloadArchive struct {
	s3     *s3.Client
	bucket string
	region string
}

func NewPayloadArchive(cfg config.S3Config) (PayloadArchive, error) {
	credProvider := aws.CredentialsProviderFunc(func(ctx context.Context) (aws.Credentials, error) {
		return aws.Credentials{
			AccessKeyID:     cfg.AccessKey,
			SecretAccessKey: cfg.SecretKey,
		}, nil
	})

	awsCfg, err := awsconfig.LoadDefaultConfig(context.TODO(),
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(credProvider),
	)
	if err != nil {
		return nil, err
	}

	return &payloadArchive{
		s3:     s3.NewFromConfig(awsCfg),
		bucket: cfg.Bucket,
		region: cfg.Region,
	}, nil
}

func (a *payloadArchive) StoreRawPayload(ctx context.Context, org, pmid string, payload []byte) (string, error) {
	// Keyed by org and article so re-ingests overwrite rather than pile up
	key := fmt.Sprintf("payloads/%s/%s.json", org, pmid)

	uploader := manager.NewUploader(a.s3)
	_, err := uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(payload),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", err
	}

	log.Debug().
		Str("org", org).
		Str("pmid", pmid).
		Str("key", key).
		Int("size", len(payload)).
		Msg("Archived raw classifier payload")

	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", a.bucket, a.region, key), nil
}

func (a *payloadArchive) TestConnection() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := a.s3.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(a.bucket),
		MaxKeys: aws.Int32(1),
	})
	log.Err(err).Msg("AWS S3 Test Connection")

	return err
}
