// Package recording optionally archives completed Guacamole session
// recordings from the shared recording-path volume to S3, freeing local
// disk once guacd has finished writing a recording file (SPEC_FULL.md
// §10.3's S3-backed recording storage). The local-daemon default of
// simply keeping files under guacamole.recording.path is unaffected when
// no bucket is configured — this is a purely additive archival sweep.
package recording

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	brokerconfig "github.com/MaximeWewer/guacamole-session-broker/internal/config"
	"github.com/MaximeWewer/guacamole-session-broker/internal/logging"
)

// minAge is how long a recording file must sit untouched before the
// sweep considers it finished and safe to upload — guards against
// racing guacd while it still has the file open for writing.
const minAge = 2 * time.Minute

// putObjectAPI is the slice of *s3.Client the archiver needs, narrowed
// to an interface so the sweep logic can be unit tested against a fake
// without a live AWS endpoint.
type putObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Archiver periodically uploads finished recording files to S3 and
// removes the local copy on success.
type Archiver struct {
	client    putObjectAPI
	bucket    string
	localPath string
}

// NewArchiver builds an Archiver, or returns (nil, nil) when recording
// or S3 archival isn't configured — callers treat a nil Archiver as
// "disabled" and skip starting its loop.
func NewArchiver(ctx context.Context, cfg brokerconfig.RecordingConfig) (*Archiver, error) {
	if !cfg.Enabled || cfg.S3Bucket == "" {
		return nil, nil
	}

	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.S3Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.S3Region))
	}
	if ak, sk := os.Getenv("BROKER_RECORDING_AWS_ACCESS_KEY_ID"), os.Getenv("BROKER_RECORDING_AWS_SECRET_ACCESS_KEY"); ak != "" && sk != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(ak, sk, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("recording: load AWS config: %w", err)
	}

	return &Archiver{
		client:    s3.NewFromConfig(awsCfg),
		bucket:    cfg.S3Bucket,
		localPath: cfg.Path,
	}, nil
}

// Run ticks every interval until stop is closed or ctx is done, sweeping
// the recording path each tick. A single bad tick never stops the loop,
// matching spec.md §7's "swallow per-tick errors, log, continue" policy.
func (a *Archiver) Run(ctx context.Context, interval time.Duration, stop <-chan struct{}) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if err := a.SweepOnce(ctx); err != nil {
				logging.Op().Warn("recording: sweep failed", "error", err)
			}
		}
	}
}

// SweepOnce uploads every recording file older than minAge and removes
// it locally on successful upload.
func (a *Archiver) SweepOnce(ctx context.Context) error {
	entries, err := os.ReadDir(a.localPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("recording: read dir %s: %w", a.localPath, err)
	}

	now := time.Now()
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) < minAge {
			continue
		}
		path := filepath.Join(a.localPath, entry.Name())
		if err := a.uploadAndRemove(ctx, path, entry.Name()); err != nil {
			logging.Op().Warn("recording: upload failed", "file", entry.Name(), "error", err)
			continue
		}
	}
	return nil
}

func (a *Archiver) uploadAndRemove(ctx context.Context, path, key string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: &a.bucket,
		Key:    &key,
		Body:   f,
	})
	if err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}

	if err := os.Remove(path); err != nil {
		logging.Op().Warn("recording: remove local file after upload failed", "file", path, "error", err)
	}
	logging.Op().Info("recording: archived to s3", "bucket", a.bucket, "key", key)
	return nil
}
