package artifact

import (
	"context"
	"fmt"

	"github.com/gitopslab/e2e/pkg/objectstore"
	"github.com/sirupsen/logrus"
)

type Publisher struct {
	store objectstore.Store
	log   logrus.FieldLogger
}

func NewPublisher(log logrus.FieldLogger, store objectstore.Store) *Publisher {
	return &Publisher{store: store, log: log}
}

// Publish uploads the model under its commit-derived key, creating the
// bucket when needed, and confirms the object exists afterwards.
func (p *Publisher) Publish(ctx context.Context, m *Model) (objectstore.ObjectInfo, error) {
	bucket, key := m.Bucket(), m.Key()
	if bucket == "" || key == "" {
		return objectstore.ObjectInfo{}, fmt.Errorf("invalid model object %q", m.Object)
	}

	p.log.Infof("Uploading model to object store: %s...", m.Object)
	if err := p.store.EnsureBucket(ctx, bucket); err != nil {
		return objectstore.ObjectInfo{}, fmt.Errorf("failed to ensure bucket %s: %w", bucket, err)
	}
	if err := p.store.Upload(ctx, bucket, key, m.Path); err != nil {
		return objectstore.ObjectInfo{}, fmt.Errorf("failed to upload %s: %w", m.Object, err)
	}

	info, err := p.store.Stat(ctx, bucket, key)
	if err != nil {
		return objectstore.ObjectInfo{}, fmt.Errorf("uploaded object %s not found: %w", m.Object, err)
	}
	p.log.WithField("size", info.Size).Infof("Stored %s", m.Object)
	return info, nil
}
