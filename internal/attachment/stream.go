package attachment

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/emersion/go-imap"
	imapsvc "github.com/vdavid/mailgate/internal/imap"
)

var errStreamClosed = errors.New("attachment stream closed")

// partReader reads one body part with partial fetches of chunk bytes. It owns
// its session until Close.
type partReader struct {
	session *imapsvc.Session
	uid     uint32
	path    []int
	size    int64
	chunk   int
	counted *atomic.Int64

	buf    bytes.Reader
	offset int64
	eof    bool

	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
}

func (r *partReader) Read(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return 0, errStreamClosed
	}
	if r.buf.Len() == 0 {
		if r.eof {
			return 0, io.EOF
		}
		if err := r.fetchNext(); err != nil {
			return 0, err
		}
		if r.buf.Len() == 0 {
			return 0, io.EOF
		}
	}

	n, _ := r.buf.Read(p)
	return n, nil
}

func (r *partReader) fetchNext() error {
	section := &imap.BodySectionName{
		BodyPartName: imap.BodyPartName{Path: r.path},
		Partial:      []int{int(r.offset), r.chunk},
	}
	literal, err := imapsvc.FetchSection(r.session.Client(), r.uid, section)
	if err != nil {
		return fmt.Errorf("failed to fetch attachment chunk at %d: %w", r.offset, err)
	}
	if literal == nil {
		r.eof = true
		r.buf.Reset(nil)
		return nil
	}

	data, err := io.ReadAll(literal)
	if err != nil {
		return fmt.Errorf("failed to read attachment chunk at %d: %w", r.offset, err)
	}

	r.offset += int64(len(data))
	r.counted.Add(int64(len(data)))
	if len(data) < r.chunk || (r.size > 0 && r.offset >= r.size) {
		r.eof = true
	}
	r.buf.Reset(data)
	return nil
}

// Close releases the session. It is safe to call more than once.
func (r *partReader) Close() error {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		r.mu.Unlock()
		r.session.Release()
	})
	return nil
}
