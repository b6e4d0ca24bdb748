package ack

import (
	"context"
	"errors"

	"github.com/angelmondragon/immsbatch/internal/artifact"
	pkgerrors "github.com/angelmondragon/immsbatch/pkg/errors"
)

// FailureWriter writes single-row, file-level failure acknowledgements.
type FailureWriter struct {
	store  artifact.Store
	layout artifact.Layout
}

// NewFailureWriter builds a writer targeting the layout's failure prefix.
func NewFailureWriter(store artifact.Store, layout artifact.Layout) (*FailureWriter, error) {
	if store == nil {
		return nil, errors.New("artifact store required")
	}
	if layout.AckBucket == "" {
		return nil, errors.New("ack bucket required")
	}
	return &FailureWriter{store: store, layout: layout}, nil
}

// Write stores the failure ack for fileKey. The content is a pure function of the
// arguments, so rewriting on redelivery is harmless.
func (w *FailureWriter) Write(ctx context.Context, fileKey, createdAt, messageID, reason string) error {
	data, err := Encode([]Row{FileFailure(messageID, createdAt, reason)})
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "encode failure ack")
	}
	if err := w.store.Write(ctx, w.layout.AckBucket, w.layout.FailureKey(fileKey, createdAt), data, artifact.ContentTypeCSV); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "write failure ack")
	}
	return nil
}
