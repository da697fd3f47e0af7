package writer

import (
	"context"
	"fmt"
	"io"

	"stack-back/internal/config"
	"stack-back/internal/logger"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"
)

// countingReader wraps an io.Reader and counts the bytes read.
type countingReader struct {
	reader io.Reader
	count  int64
}

func (cr *countingReader) Read(p []byte) (n int, err error) {
	n, err = cr.reader.Read(p)
	cr.count += int64(n)
	return
}

const S3WriterType = "remote"

// S3Writer stores reports in an S3 or S3 compatible bucket.
type S3Writer struct {
	uploader   *manager.Uploader
	s3Client   *s3.Client
	bucketName string
}

func init() {
	RegisterWriterFactory(S3WriterType, NewS3Writer)
}

// NewS3Writer uses static credentials when ACCESS_KEY_ID and
// SECRET_ACCESS_KEY are both set, the default AWS chain otherwise. A custom
// ENDPOINT switches to path style addressing.
func NewS3Writer(cfg config.ReportConfig) (ReportWriter, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("S3 bucket name not provided (BUCKET_NAME)")
	}

	var loadOptions []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOptions = append(loadOptions, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOptions = append(loadOptions, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	} else {
		logger.Log.Debug("Static S3 credentials not fully provided, using default AWS credential chain")
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), loadOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS SDK config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	logger.Log.Debug("S3Writer initialized",
		zap.String("bucket", cfg.Bucket),
		zap.String("region", awsCfg.Region),
		zap.String("endpoint", cfg.Endpoint),
	)
	return &S3Writer{
		uploader:   manager.NewUploader(client),
		s3Client:   client,
		bucketName: cfg.Bucket,
	}, nil
}

func (s3w *S3Writer) Type() string {
	return S3WriterType
}

func (s3w *S3Writer) Write(ctx context.Context, objectName string, reader io.Reader) (string, int64, error) {
	cr := &countingReader{reader: reader}
	result, err := s3w.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s3w.bucketName),
		Key:         aws.String(objectName),
		Body:        cr,
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", 0, fmt.Errorf("failed to upload to S3 (bucket: %s, key: %s): %w", s3w.bucketName, objectName, err)
	}
	logger.Log.Info("Uploaded report to S3", zap.String("location", result.Location), zap.Int64("bytesWritten", cr.count))
	return result.Location, cr.count, nil
}

func (s3w *S3Writer) ReadObject(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := s3w.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s3w.bucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get S3 object (bucket: %s, key: %s): %w", s3w.bucketName, key, err)
	}
	return out.Body, nil
}

func (s3w *S3Writer) ListObjects(ctx context.Context, prefix string) ([]ObjectMeta, error) {
	var objects []ObjectMeta
	paginator := s3.NewListObjectsV2Paginator(s3w.s3Client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s3w.bucketName),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list S3 objects for bucket %s, prefix %s: %w", s3w.bucketName, prefix, err)
		}
		for _, obj := range page.Contents {
			objects = append(objects, ObjectMeta{
				Key:          aws.ToString(obj.Key),
				LastModified: aws.ToTime(obj.LastModified),
				Size:         aws.ToInt64(obj.Size),
			})
		}
	}
	logger.Log.Debug("Listed S3 objects", zap.Int("count", len(objects)), zap.String("prefix", prefix))
	return objects, nil
}

func (s3w *S3Writer) DeleteObject(ctx context.Context, key string) error {
	_, err := s3w.s3Client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s3w.bucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete S3 object (bucket: %s, key: %s): %w", s3w.bucketName, key, err)
	}
	return nil
}
