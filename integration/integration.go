// Package integration exercises the monitor end to end against a real
// S3-compatible blob store, isolating each test run with a disposable
// container rather than requiring a shared external service.
package integration

import (
	"context"
	"log"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/minio"
)

// minioBucket is created fresh in every test run's container.
const minioBucket = "ctmon-integration"

// minioFixture is a running MinIO container configured with one bucket,
// ready to back a blobcache.S3Cache.
type minioFixture struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Bucket    string

	cleanup func()
}

// startMinio launches a MinIO container and provisions the bucket the blob
// cache will write to, returning connection details plus a cleanup func the
// caller must defer.
func startMinio(ctx context.Context) (*minioFixture, error) {
	container, err := minio.RunContainer(ctx, testcontainers.WithImage("minio/minio:RELEASE.2024-01-16T16-07-38Z"))
	if err != nil {
		return nil, err
	}
	cleanup := func() {
		if err := container.Terminate(ctx); err != nil {
			log.Printf("integration: failed to terminate minio container: %v", err)
		}
	}

	endpoint, err := container.ConnectionString(ctx)
	if err != nil {
		cleanup()
		return nil, err
	}
	endpoint = "http://" + endpoint

	region := "us-east-1"
	cfg := aws.Config{
		Credentials:  credentials.NewStaticCredentialsProvider(container.Username, container.Password, ""),
		BaseEndpoint: aws.String(endpoint),
		Region:       region,
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) { o.UsePathStyle = true })
	if _, err := client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(minioBucket)}); err != nil {
		cleanup()
		return nil, err
	}

	return &minioFixture{
		Endpoint:  endpoint,
		Region:    region,
		AccessKey: container.Username,
		SecretKey: container.Password,
		Bucket:    minioBucket,
		cleanup:   cleanup,
	}, nil
}
