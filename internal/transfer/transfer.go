// Package transfer fetches the remote ledger file for the client.
package transfer

import (
	"context"
	"errors"
	"io"
)

// ErrConnection wraps every dial, authentication and transfer failure.
var ErrConnection = errors.New("remote connection failed")

// Fetcher copies one remote file into w.
type Fetcher interface {
	Fetch(ctx context.Context, w io.Writer) (int64, error)
}
