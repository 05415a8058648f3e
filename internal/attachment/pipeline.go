package attachment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync/atomic"

	"github.com/emersion/go-imap"
	imapclient "github.com/emersion/go-imap/client"
	"github.com/emersion/go-message"
	log "github.com/sirupsen/logrus"
	"github.com/vdavid/mailgate/internal/cache"
	imapsvc "github.com/vdavid/mailgate/internal/imap"
	"github.com/vdavid/mailgate/internal/logging"
	"github.com/vdavid/mailgate/internal/models"
)

const DefaultChunkSize = 256 * 1024

var (
	// ErrMessageNotFound is the same error the mailbox service reports.
	ErrMessageNotFound = imapsvc.ErrMessageNotFound
	ErrPartNotFound    = errors.New("attachment part not found")
)

type Config struct {
	Policy Policy
	// ChunkSize is the partial fetch size used by DownloadStream.
	ChunkSize int
}

// Download is a fully buffered attachment.
type Download struct {
	Filename    string
	ContentType string
	Size        int64
	Data        []byte
}

// Stream is an attachment being read from the server. Body holds a pooled
// session until it is closed.
type Stream struct {
	Filename    string
	ContentType string
	// DeclaredSize is the encoded size the server reported.
	DeclaredSize int64
	Body         io.ReadCloser
}

type Stats struct {
	Listed    int64 `json:"listed"`
	Downloads int64 `json:"downloads"`
	Streams   int64 `json:"streams"`
	Bytes     int64 `json:"bytes"`
	Blocked   int64 `json:"blocked"`
	NotFound  int64 `json:"notFound"`
}

// Pipeline lists and downloads attachments on pooled sessions.
type Pipeline struct {
	pool   imapsvc.SessionPool
	cache  *cache.Service
	policy Policy
	chunk  int

	listed    atomic.Int64
	downloads atomic.Int64
	streams   atomic.Int64
	bytes     atomic.Int64
	blocked   atomic.Int64
	notFound  atomic.Int64
}

// NewPipeline creates an attachment pipeline. cache may be nil.
func NewPipeline(pool imapsvc.SessionPool, c *cache.Service, cfg Config) *Pipeline {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	return &Pipeline{pool: pool, cache: c, policy: cfg.Policy.WithDefaults(), chunk: cfg.ChunkSize}
}

// ListAttachments returns the attachments of one message.
func (p *Pipeline) ListAttachments(ctx context.Context, creds models.Credentials, mailbox string, uid uint32) ([]models.AttachmentInfo, error) {
	key := cache.Key{Kind: cache.KindAttachments, Account: creds.AccountID(), Scope: mailbox, ID: strconv.FormatUint(uint64(uid), 10)}
	var cached []models.AttachmentInfo
	if p.cache.Get(ctx, key, &cached) {
		if err := p.pool.Verify(ctx, creds); err != nil {
			return nil, err
		}
		return cached, nil
	}

	session, err := p.pool.Acquire(ctx, creds)
	if err != nil {
		return nil, err
	}
	defer session.Release()

	bs, err := p.bodyStructure(session.Client(), mailbox, uid)
	if err != nil {
		return nil, err
	}

	attachments := FindAttachments(bs)
	p.listed.Add(1)
	p.cache.Put(ctx, key, attachments)
	return attachments, nil
}

// Download validates the part and then fetches and decodes it into memory.
func (p *Pipeline) Download(ctx context.Context, creds models.Credentials, mailbox string, uid uint32, partID string) (*Download, error) {
	session, err := p.pool.Acquire(ctx, creds)
	if err != nil {
		return nil, err
	}
	defer session.Release()
	c := session.Client()

	info, path, err := p.resolve(c, creds, mailbox, uid, partID)
	if err != nil {
		return nil, err
	}

	literal, err := imapsvc.FetchSection(c, uid, &imap.BodySectionName{BodyPartName: imap.BodyPartName{Path: path}})
	if err != nil {
		return nil, p.countNotFound(err)
	}
	if literal == nil {
		return nil, fmt.Errorf("server returned no content for part %s", partID)
	}

	data, err := io.ReadAll(decode(literal, info.Encoding))
	if err != nil {
		return nil, fmt.Errorf("failed to decode part %s: %w", partID, err)
	}

	p.downloads.Add(1)
	p.bytes.Add(int64(len(data)))
	return &Download{
		Filename:    SanitizeFilename(info.Filename),
		ContentType: info.ContentType,
		Size:        int64(len(data)),
		Data:        data,
	}, nil
}

// DownloadStream validates the part and returns a stream that fetches it in
// chunks. The session stays checked out until the stream is closed, so the
// caller must always close it.
func (p *Pipeline) DownloadStream(ctx context.Context, creds models.Credentials, mailbox string, uid uint32, partID string) (*Stream, error) {
	session, err := p.pool.Acquire(ctx, creds)
	if err != nil {
		return nil, err
	}

	info, path, err := p.resolve(session.Client(), creds, mailbox, uid, partID)
	if err != nil {
		session.Release()
		return nil, err
	}

	raw := &partReader{
		session: session,
		uid:     uid,
		path:    path,
		size:    info.Size,
		chunk:   p.chunk,
		counted: &p.bytes,
	}

	p.streams.Add(1)
	return &Stream{
		Filename:     SanitizeFilename(info.Filename),
		ContentType:  info.ContentType,
		DeclaredSize: info.Size,
		Body:         &decodedStream{Reader: decode(raw, info.Encoding), closer: raw},
	}, nil
}

// Stats returns a snapshot of the pipeline counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Listed:    p.listed.Load(),
		Downloads: p.downloads.Load(),
		Streams:   p.streams.Load(),
		Bytes:     p.bytes.Load(),
		Blocked:   p.blocked.Load(),
		NotFound:  p.notFound.Load(),
	}
}

// resolve finds the part and runs the validation gate. No content has been
// fetched when it returns.
func (p *Pipeline) resolve(c *imapclient.Client, creds models.Credentials, mailbox string, uid uint32, partID string) (models.AttachmentInfo, []int, error) {
	bs, err := p.bodyStructure(c, mailbox, uid)
	if err != nil {
		return models.AttachmentInfo{}, nil, err
	}

	part, path, ok := FindPart(bs, partID)
	if !ok {
		p.notFound.Add(1)
		return models.AttachmentInfo{}, nil, fmt.Errorf("%w: %s", ErrPartNotFound, partID)
	}
	info := describe(part, partID)

	logger := log.WithFields(log.Fields{"account": logging.Account(creds.Email), "part": partID})
	warnings, err := p.policy.Check(info)
	if err != nil {
		p.blocked.Add(1)
		logger.Warnf("attachment: %v", err)
		return models.AttachmentInfo{}, nil, err
	}
	for _, w := range warnings {
		logger.Warnf("attachment: %s", w)
	}
	return info, path, nil
}

func (p *Pipeline) bodyStructure(c *imapclient.Client, mailbox string, uid uint32) (*imap.BodyStructure, error) {
	if _, err := c.Select(mailbox, true); err != nil {
		return nil, fmt.Errorf("failed to select folder %s: %w", mailbox, err)
	}
	msg, err := imapsvc.FetchBodyStructure(c, uid)
	if err != nil {
		return nil, p.countNotFound(err)
	}
	return msg.BodyStructure, nil
}

func (p *Pipeline) countNotFound(err error) error {
	if errors.Is(err, ErrMessageNotFound) {
		p.notFound.Add(1)
	}
	return err
}

// decode undoes the content transfer encoding. Unknown encodings pass the
// bytes through unchanged.
func decode(r io.Reader, encoding string) io.Reader {
	if encoding == "" {
		return r
	}
	var h message.Header
	h.Set("Content-Transfer-Encoding", encoding)
	entity, err := message.New(h, r)
	if err != nil && !message.IsUnknownEncoding(err) {
		return r
	}
	return entity.Body
}

type decodedStream struct {
	io.Reader
	closer io.Closer
}

func (s *decodedStream) Close() error {
	return s.closer.Close()
}

// Service is the part of Pipeline the HTTP handlers depend on.
type Service interface {
	ListAttachments(ctx context.Context, creds models.Credentials, mailbox string, uid uint32) ([]models.AttachmentInfo, error)
	Download(ctx context.Context, creds models.Credentials, mailbox string, uid uint32, partID string) (*Download, error)
	DownloadStream(ctx context.Context, creds models.Credentials, mailbox string, uid uint32, partID string) (*Stream, error)
	Stats() Stats
}

var _ Service = (*Pipeline)(nil)
