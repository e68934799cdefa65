package archive

import (
	"context"
	"fmt"
	"path"

	shared "github.com/fitglue/stravasync/pkg"
	"github.com/fitglue/stravasync/pkg/types"
)

// Archiver uploads encoded streams to a bucket.
type Archiver struct {
	Blobs  shared.BlobStore
	Bucket string
}

func NewArchiver(blobs shared.BlobStore, bucket string) *Archiver {
	return &Archiver{Blobs: blobs, Bucket: bucket}
}

// ObjectName is the blob path of an activity's stream archive.
func ObjectName(s *types.Stream) string {
	return path.Join(shared.StreamArchivePrefix, s.UserID, s.ActivityID+".parquet")
}

// Archive writes the stream and returns its gs:// URI.
func (a *Archiver) Archive(ctx context.Context, s *types.Stream) (string, error) {
	data, err := Encode(s)
	if err != nil {
		return "", err
	}
	object := ObjectName(s)
	if err := a.Blobs.Write(ctx, a.Bucket, object, data); err != nil {
		return "", fmt.Errorf("upload stream archive %s: %w", object, err)
	}
	return fmt.Sprintf("gs://%s/%s", a.Bucket, object), nil
}

// Load reads an archived stream back as rows.
func (a *Archiver) Load(ctx context.Context, s *types.Stream) ([]Row, error) {
	data, err := a.Blobs.Read(ctx, a.Bucket, ObjectName(s))
	if err != nil {
		return nil, err
	}
	return Decode(data)
}
