package transfer

import (
	"context"
	"fmt"
	"io"
	"os"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // file:// driver
	_ "gocloud.dev/blob/gcsblob"  // GCS driver
	_ "gocloud.dev/blob/s3blob"   // S3 driver

	"github.com/rs/zerolog/log"

	"github.com/RTX-TreDiX/GCPMS/internal/ledger"
)

// Blob reads and writes the ledger as one object in a gocloud bucket
// (file://, s3://, gs://).
type Blob struct {
	url string
	key string
}

// NewBlob returns a Blob for key in the bucket at bucketURL (file://, s3://
// or gs://).
func NewBlob(bucketURL, key string) *Blob {
	return &Blob{url: bucketURL, key: key}
}

// Fetch copies the object into w.
func (b *Blob) Fetch(ctx context.Context, w io.Writer) (int64, error) {
	bucket, err := blob.OpenBucket(ctx, b.url)
	if err != nil {
		return 0, fmt.Errorf("%w: open bucket %s: %w", ErrConnection, b.url, err)
	}
	defer bucket.Close()

	r, err := bucket.NewReader(ctx, b.key, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: open %s: %w", ErrConnection, b.key, err)
	}
	defer r.Close()

	n, err := io.Copy(w, r)
	if err != nil {
		return n, fmt.Errorf("%w: read %s: %w", ErrConnection, b.key, err)
	}
	return n, nil
}

// Put uploads r as the ledger object.
func (b *Blob) Put(ctx context.Context, r io.Reader) error {
	bucket, err := blob.OpenBucket(ctx, b.url)
	if err != nil {
		return fmt.Errorf("%w: open bucket %s: %w", ErrConnection, b.url, err)
	}
	defer bucket.Close()

	w, err := bucket.NewWriter(ctx, b.key, &blob.WriterOptions{ContentType: "text/csv"})
	if err != nil {
		return fmt.Errorf("%w: create %s: %w", ErrConnection, b.key, err)
	}
	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		return fmt.Errorf("%w: write %s: %w", ErrConnection, b.key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("%w: commit %s: %w", ErrConnection, b.key, err)
	}
	return nil
}

// Publisher re-uploads the whole ledger file after every append so blob
// clients always see the current ledger.
type Publisher struct {
	Blob *Blob
	Path string
}

// Append uploads the current ledger file. The record itself is already in it.
func (p *Publisher) Append(ctx context.Context, _ ledger.Record) error {
	f, err := os.Open(p.Path)
	if err != nil {
		return fmt.Errorf("publish ledger: %w", err)
	}
	defer f.Close()
	if err := p.Blob.Put(ctx, f); err != nil {
		return err
	}
	log.Debug().Str("bucket", p.Blob.url).Str("key", p.Blob.key).Msg("Ledger published")
	return nil
}
