package videocache

import (
	"context"
	"fmt"
	"io"

	"github.com/edgewire/vidproxy/internal/domain/model"
	"github.com/edgewire/vidproxy/internal/domain/repository"
)

// chunkReader streams a byte window of a chunked entry, fetching one chunk
// at a time so a range request never materializes the whole body.
type chunkReader struct {
	ctx       context.Context
	store     repository.BlobStore
	baseKey   string
	chunkSize int64

	pos int64 // next absolute offset to emit
	end int64 // last absolute offset, inclusive

	buf []byte
	err error
}

var _ io.ReadCloser = (*chunkReader)(nil)

// newChunkReader reads [start, end] of the entry under baseKey.
func newChunkReader(ctx context.Context, store repository.BlobStore, baseKey string, chunkSize, start, end int64) *chunkReader {
	return &chunkReader{
		ctx:       ctx,
		store:     store,
		baseKey:   baseKey,
		chunkSize: chunkSize,
		pos:       start,
		end:       end,
	}
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if r.err != nil {
		return 0, r.err
	}
	if r.pos > r.end {
		r.err = io.EOF
		return 0, io.EOF
	}
	if len(r.buf) == 0 {
		if err := r.fill(); err != nil {
			r.err = err
			return 0, err
		}
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	r.pos += int64(n)
	return n, nil
}

// fill fetches the chunk covering pos and slices it to the requested window.
func (r *chunkReader) fill() error {
	index := int(r.pos / r.chunkSize)
	entry, err := r.store.Get(r.ctx, model.ChunkKey(r.baseKey, index))
	if err != nil {
		return fmt.Errorf("failed to read chunk %d: %w", index, err)
	}

	chunkStart := int64(index) * r.chunkSize
	lo := r.pos - chunkStart
	hi := int64(len(entry.Value))
	if rem := r.end - chunkStart + 1; rem < hi {
		hi = rem
	}
	if lo >= hi {
		return fmt.Errorf("chunk %d shorter than expected: have %d bytes, need offset %d",
			index, len(entry.Value), lo)
	}
	r.buf = entry.Value[lo:hi]
	return nil
}

func (r *chunkReader) Close() error {
	r.err = io.EOF
	r.buf = nil
	return nil
}
