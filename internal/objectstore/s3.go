// Copyright 2025 James Ross
package objectstore

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"go.uber.org/zap"
)

// multipartCopyThreshold is the object size above which Move switches to a
// parallel multipart copy; it is also the part size.
const multipartCopyThreshold = int64(5) * 1024 * 1024 * 1024

type S3Config struct {
	Bucket         string
	Region         string
	Endpoint       string
	ForcePathStyle bool
	// MoveParallelism bounds concurrent part copies during large moves.
	MoveParallelism int
}

// S3Store implements ObjectStore on a single S3 bucket.
type S3Store struct {
	cfg      S3Config
	s3Client *s3.S3
	uploader *s3manager.Uploader
	log      *zap.Logger
}

func NewS3Store(cfg S3Config, log *zap.Logger) (*S3Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.MoveParallelism <= 0 {
		cfg.MoveParallelism = 10
	}

	awsConfig := &aws.Config{
		Region: aws.String(cfg.Region),
	}
	// Custom endpoint for MinIO or LocalStack
	if cfg.Endpoint != "" {
		awsConfig.Endpoint = aws.String(cfg.Endpoint)
		awsConfig.S3ForcePathStyle = aws.Bool(cfg.ForcePathStyle)
	}

	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	store := &S3Store{
		cfg:      cfg,
		s3Client: s3.New(sess),
		uploader: s3manager.NewUploader(sess),
		log:      log,
	}
	log.Info("object store initialized",
		zap.String("bucket", cfg.Bucket),
		zap.String("region", cfg.Region))
	return store, nil
}

func (s *S3Store) Bucket() string { return s.cfg.Bucket }

func (s *S3Store) Put(ctx context.Context, key string, body io.Reader, opts PutOptions) error {
	input := &s3manager.UploadInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
		Body:   body,
	}
	if opts.ContentType != "" {
		input.ContentType = aws.String(opts.ContentType)
	}
	if len(opts.Metadata) > 0 {
		input.Metadata = map[string]*string{}
		for k, v := range opts.Metadata {
			input.Metadata[k] = aws.String(v)
		}
	}
	if _, err := s.uploader.UploadWithContext(ctx, input); err != nil {
		return fmt.Errorf("put %s: %w", key, mapAWSError(err))
	}
	return nil
}

func (s *S3Store) Get(ctx context.Context, key string, rng *ByteRange) (io.ReadCloser, string, error) {
	input := &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	}
	if rng != nil {
		input.Range = aws.String(rng.header())
	}
	out, err := s.s3Client.GetObjectWithContext(ctx, input)
	if err != nil {
		return nil, "", fmt.Errorf("get %s: %w", key, mapAWSError(err))
	}
	return out.Body, aws.StringValue(out.ETag), nil
}

func (s *S3Store) Head(ctx context.Context, key string) (*ObjectInfo, error) {
	out, err := s.s3Client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("head %s: %w", key, mapAWSError(err))
	}
	info := &ObjectInfo{
		ETag:          aws.StringValue(out.ETag),
		ContentLength: aws.Int64Value(out.ContentLength),
		ContentType:   aws.StringValue(out.ContentType),
		Metadata:      map[string]string{},
	}
	for k, v := range out.Metadata {
		info.Metadata[k] = aws.StringValue(v)
	}
	return info, nil
}

// Move copies src to dst then deletes src. Objects above 5 GiB are copied as
// parallel multipart parts since a single CopyObject call caps out there.
func (s *S3Store) Move(ctx context.Context, src, dst string, opts MoveOptions) error {
	info, err := s.Head(ctx, src)
	if err != nil {
		return err
	}
	if info.ContentLength > multipartCopyThreshold {
		if err := s.multipartCopy(ctx, src, dst, info, opts); err != nil {
			return err
		}
	} else {
		input := &s3.CopyObjectInput{
			Bucket:     aws.String(s.cfg.Bucket),
			Key:        aws.String(dst),
			CopySource: aws.String(s.cfg.Bucket + "/" + src),
		}
		if opts.ContentType != "" || len(opts.Metadata) > 0 {
			input.MetadataDirective = aws.String(s3.MetadataDirectiveReplace)
			if opts.ContentType != "" {
				input.ContentType = aws.String(opts.ContentType)
			}
			input.Metadata = map[string]*string{}
			for k, v := range opts.Metadata {
				input.Metadata[k] = aws.String(v)
			}
		}
		if _, err := s.s3Client.CopyObjectWithContext(ctx, input); err != nil {
			return fmt.Errorf("copy %s to %s: %w", src, dst, mapAWSError(err))
		}
	}
	return s.Remove(ctx, src)
}

func (s *S3Store) multipartCopy(ctx context.Context, src, dst string, info *ObjectInfo, opts MoveOptions) error {
	createInput := &s3.CreateMultipartUploadInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(dst),
	}
	if opts.ContentType != "" {
		createInput.ContentType = aws.String(opts.ContentType)
	}
	created, err := s.s3Client.CreateMultipartUploadWithContext(ctx, createInput)
	if err != nil {
		return fmt.Errorf("create multipart copy %s: %w", dst, mapAWSError(err))
	}
	uploadID := aws.StringValue(created.UploadId)

	partSize := multipartCopyThreshold
	numParts := (info.ContentLength + partSize - 1) / partSize

	type partResult struct {
		num  int64
		etag string
	}
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results []partResult
		firstErr error
	)
	sem := make(chan struct{}, s.cfg.MoveParallelism)
	for part := int64(0); part < numParts; part++ {
		wg.Add(1)
		go func(part int64) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			start := part * partSize
			end := start + partSize - 1
			if end >= info.ContentLength {
				end = info.ContentLength - 1
			}
			out, err := s.s3Client.UploadPartCopyWithContext(ctx, &s3.UploadPartCopyInput{
				Bucket:          aws.String(s.cfg.Bucket),
				Key:             aws.String(dst),
				UploadId:        aws.String(uploadID),
				PartNumber:      aws.Int64(part + 1),
				CopySource:      aws.String(s.cfg.Bucket + "/" + src),
				CopySourceRange: aws.String(fmt.Sprintf("bytes=%d-%d", start, end)),
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = mapAWSError(err)
				}
				return
			}
			results = append(results, partResult{num: part + 1, etag: aws.StringValue(out.CopyPartResult.ETag)})
		}(part)
	}
	wg.Wait()
	if firstErr != nil {
		_, _ = s.s3Client.AbortMultipartUploadWithContext(ctx, &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(s.cfg.Bucket),
			Key:      aws.String(dst),
			UploadId: aws.String(uploadID),
		})
		return fmt.Errorf("multipart copy %s to %s: %w", src, dst, firstErr)
	}

	sort.Slice(results, func(i, j int) bool { return results[i].num < results[j].num })
	completed := make([]*s3.CompletedPart, 0, len(results))
	for _, r := range results {
		completed = append(completed, &s3.CompletedPart{
			PartNumber: aws.Int64(r.num),
			ETag:       aws.String(r.etag),
		})
	}
	_, err = s.s3Client.CompleteMultipartUploadWithContext(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(s.cfg.Bucket),
		Key:             aws.String(dst),
		UploadId:        aws.String(uploadID),
		MultipartUpload: &s3.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		return fmt.Errorf("complete multipart copy %s: %w", dst, mapAWSError(err))
	}
	return nil
}

func (s *S3Store) Remove(ctx context.Context, key string) error {
	_, err := s.s3Client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("remove %s: %w", key, mapAWSError(err))
	}
	return nil
}

func (s *S3Store) CreateMultipartUpload(ctx context.Context, key string) (string, error) {
	out, err := s.s3Client.CreateMultipartUploadWithContext(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return "", fmt.Errorf("create multipart upload %s: %w", key, mapAWSError(err))
	}
	return aws.StringValue(out.UploadId), nil
}

func (s *S3Store) UploadPart(ctx context.Context, key, uploadID string, partNumber int64, body io.ReadSeeker) (string, error) {
	out, err := s.s3Client.UploadPartWithContext(ctx, &s3.UploadPartInput{
		Bucket:     aws.String(s.cfg.Bucket),
		Key:        aws.String(key),
		UploadId:   aws.String(uploadID),
		PartNumber: aws.Int64(partNumber),
		Body:       body,
	})
	if err != nil {
		return "", fmt.Errorf("upload part %d of %s: %w", partNumber, key, mapAWSError(err))
	}
	return aws.StringValue(out.ETag), nil
}

func (s *S3Store) CompleteMultipartUpload(ctx context.Context, key, uploadID string) (string, error) {
	parts, err := s.ListParts(ctx, key, uploadID)
	if err != nil {
		return "", err
	}
	completed := make([]*s3.CompletedPart, 0, len(parts))
	for _, p := range parts {
		completed = append(completed, &s3.CompletedPart{
			PartNumber: aws.Int64(p.PartNumber),
			ETag:       aws.String(p.ETag),
		})
	}
	out, err := s.s3Client.CompleteMultipartUploadWithContext(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(s.cfg.Bucket),
		Key:             aws.String(key),
		UploadId:        aws.String(uploadID),
		MultipartUpload: &s3.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		return "", fmt.Errorf("complete multipart upload %s: %w", key, mapAWSError(err))
	}
	return aws.StringValue(out.ETag), nil
}

func (s *S3Store) ListParts(ctx context.Context, key, uploadID string) ([]Part, error) {
	var parts []Part
	var marker *int64
	for {
		out, err := s.s3Client.ListPartsWithContext(ctx, &s3.ListPartsInput{
			Bucket:           aws.String(s.cfg.Bucket),
			Key:              aws.String(key),
			UploadId:         aws.String(uploadID),
			PartNumberMarker: marker,
		})
		if err != nil {
			return nil, fmt.Errorf("list parts %s: %w", key, mapAWSError(err))
		}
		for _, p := range out.Parts {
			parts = append(parts, Part{
				PartNumber: aws.Int64Value(p.PartNumber),
				ETag:       aws.StringValue(p.ETag),
				Size:       aws.Int64Value(p.Size),
			})
		}
		if !aws.BoolValue(out.IsTruncated) {
			break
		}
		marker = out.NextPartNumberMarker
	}
	return parts, nil
}

// mapAWSError folds the SDK's not-found shapes into ErrNotFound so callers can
// use errors.Is.
func mapAWSError(err error) error {
	if aerr, ok := err.(awserr.Error); ok {
		switch aerr.Code() {
		case s3.ErrCodeNoSuchKey, s3.ErrCodeNoSuchBucket, s3.ErrCodeNoSuchUpload, "NotFound":
			return fmt.Errorf("%w: %s", ErrNotFound, aerr.Code())
		}
		if reqErr, ok := err.(awserr.RequestFailure); ok && reqErr.StatusCode() == 404 {
			return fmt.Errorf("%w: %s", ErrNotFound, strconv.Itoa(reqErr.StatusCode()))
		}
	}
	return err
}
