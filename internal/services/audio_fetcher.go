package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/notesmith/engine/internal/logger"
	"github.com/notesmith/engine/internal/pipeline"
)

// AudioFetcher pulls recorded audio out of object storage for transcription.
type AudioFetcher interface {
	// Fetch downloads the object and returns its bytes plus the stored
	// content type (falling back to audio/mpeg when unset).
	Fetch(ctx context.Context, key string) ([]byte, string, error)
	Close() error
}

type audioFetcher struct {
	log           *logger.Logger
	storageClient *storage.Client
	bucketName    string
}

func NewAudioFetcher(log *logger.Logger) (AudioFetcher, error) {
	serviceLog := log.With("service", "AudioFetcher")
	bucket := os.Getenv("GCS_BUCKET_NAME")
	if bucket == "" {
		return nil, fmt.Errorf("missing env var GCS_BUCKET_NAME")
	}
	saPath := os.Getenv("GOOGLE_APPLICATION_CREDENTIALS_JSON")
	ctx := context.Background()
	var stClient *storage.Client
	var err error
	if saPath != "" {
		stClient, err = storage.NewClient(ctx, option.WithCredentialsFile(saPath), option.WithScopes(storage.ScopeReadOnly))
	} else {
		serviceLog.Warn("GOOGLE_APPLICATION_CREDENTIALS_JSON not set, relying on ambient credentials")
		stClient, err = storage.NewClient(ctx, option.WithScopes(storage.ScopeReadOnly))
	}
	if err != nil {
		return nil, fmt.Errorf("Failed to create storage client: %w", err)
	}
	return &audioFetcher{
		log:           serviceLog,
		storageClient: stClient,
		bucketName:    bucket,
	}, nil
}

func (af *audioFetcher) Fetch(ctx context.Context, key string) ([]byte, string, error) {
	if key == "" {
		return nil, "", pipeline.Fatalf("empty audio object key")
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	obj := af.storageClient.Bucket(af.bucketName).Object(key)
	reader, err := obj.NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			// A missing object will never appear on redelivery.
			return nil, "", pipeline.Fatal(fmt.Sprintf("audio object %q not found", key), err)
		}
		return nil, "", pipeline.Transient(fmt.Sprintf("failed to open audio object %q", key), err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, "", pipeline.Transient(fmt.Sprintf("failed to read audio object %q", key), err)
	}
	contentType := reader.Attrs.ContentType
	if contentType == "" {
		contentType = "audio/mpeg"
	}
	af.log.Debug("Fetched audio object", "key", key, "bytes", len(data), "content_type", contentType)
	return data, contentType, nil
}

func (af *audioFetcher) Close() error {
	return af.storageClient.Close()
}
