package services

import (
	"context"
	"fmt"
	"os"

	"docbatch/config"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/google/uuid"
)

// S3Service mirrors finished job archives to a bucket.
type S3Service struct {
	session  *session.Session
	bucket   string
	uploader *s3manager.Uploader
}

func NewS3Service(cfg *config.Config) *S3Service {
	awsCfg := &aws.Config{
		Region: aws.String(cfg.S3Region),
		Credentials: credentials.NewStaticCredentials(
			cfg.AWSS3AccessKey,
			cfg.AWSS3SecretKey,
			"",
		),
	}

	if cfg.S3Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.S3Endpoint)
	}

	if cfg.S3UsePathStyle {
		awsCfg.S3ForcePathStyle = aws.Bool(true)
	}

	sess := session.Must(session.NewSession(awsCfg))

	return &S3Service{
		session:  sess,
		bucket:   cfg.S3Bucket,
		uploader: s3manager.NewUploader(sess),
	}
}

// ArchiveKey is the object key of a job's mirrored archive.
func ArchiveKey(jobID uuid.UUID) string {
	return fmt.Sprintf("jobs/%s/%s", jobID, archiveFilename)
}

func (s *S3Service) MirrorArchive(ctx context.Context, jobID uuid.UUID, localPath string) error {
	file, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer file.Close()

	_, err = s.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(ArchiveKey(jobID)),
		Body:        file,
		ContentType: aws.String("application/zip"),
	})
	if err != nil {
		return fmt.Errorf("failed to upload to S3: %w", err)
	}

	return nil
}
