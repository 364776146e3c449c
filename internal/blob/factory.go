package blob

import (
	"context"
	"fmt"

	"membranecore/internal/infra/blob/fs"
	memorystore "membranecore/internal/infra/blob/memory"
	infraS3 "membranecore/internal/infra/blob/s3"
)

// S3Config is the construction input of the S3 driver.
type S3Config = infraS3.Config

// Config selects and parameterizes a blob backend. It is filled from the
// blob.* keys of internal/config.
type Config struct {
	Driver Driver
	FSRoot string
	S3     S3Config
}

// Open returns the Store selected by cfg.Driver (fs when empty).
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case "", DriverFilesystem:
		return NewFilesystem(cfg.FSRoot)
	case DriverS3:
		return NewS3(ctx, cfg.S3)
	case DriverMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("blob: unknown driver %q", cfg.Driver)
	}
}

// NewFilesystem returns a filesystem Store rooted at root.
func NewFilesystem(root string) (Store, error) {
	s, err := fs.New(root)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// NewS3 returns an S3-backed Store.
func NewS3(ctx context.Context, cfg S3Config) (Store, error) {
	s, err := infraS3.New(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// NewMemory returns an in-memory Store.
func NewMemory() Store { return memorystore.New() }

// NewMockS3ForTests returns an S3 Store over a fake in-process bucket.
func NewMockS3ForTests() Store { return infraS3.NewMockForTests() }
