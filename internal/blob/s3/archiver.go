package s3blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/alanyoungcy/chaintrader/internal/domain"
)

const contentTypeJSON = "application/json"

// multipartPutter is implemented by Writer. Documents at or above
// multipartThreshold are uploaded in parts when the writer supports it.
type multipartPutter interface {
	PutMultipart(ctx context.Context, path string, data io.Reader, contentType string, partSize int64) error
}

const multipartThreshold = minPartSize

// TaskArchiver keeps a copy of each trade task document in object storage
// before the task is deleted. Objects are laid out as
//
//	<prefix>/tasks/<id>/<unix-nanos>.json
//
// so a task deleted and recreated under the same id keeps every version.
type TaskArchiver struct {
	writer domain.BlobWriter
	reader domain.BlobReader
	audit  domain.AuditStore
	prefix string
	logger *slog.Logger
	now    func() time.Time
}

// NewTaskArchiver creates an archiver. reader and audit may be nil.
func NewTaskArchiver(writer domain.BlobWriter, reader domain.BlobReader, audit domain.AuditStore, prefix string, logger *slog.Logger) *TaskArchiver {
	if prefix == "" {
		prefix = "archive"
	}
	return &TaskArchiver{
		writer: writer,
		reader: reader,
		audit:  audit,
		prefix: strings.TrimSuffix(prefix, "/"),
		logger: logger.With(slog.String("component", "task_archiver")),
		now:    time.Now,
	}
}

func (a *TaskArchiver) taskPrefix(id string) string {
	return path.Join(a.prefix, "tasks", id) + "/"
}

// ObjectPath returns the key a document archived at t is stored under.
func (a *TaskArchiver) ObjectPath(id string, t time.Time) string {
	return fmt.Sprintf("%s%d.json", a.taskPrefix(id), t.UnixNano())
}

// Archive implements tradetask.Archiver.
func (a *TaskArchiver) Archive(ctx context.Context, id string, doc []byte) error {
	key := a.ObjectPath(id, a.now())

	var err error
	if mp, ok := a.writer.(multipartPutter); ok && int64(len(doc)) >= multipartThreshold {
		err = mp.PutMultipart(ctx, key, bytes.NewReader(doc), contentTypeJSON, minPartSize)
	} else {
		err = a.writer.Put(ctx, key, bytes.NewReader(doc), contentTypeJSON)
	}
	if err != nil {
		return fmt.Errorf("s3blob: archive task %s: %w", id, err)
	}

	a.logger.Info("task archived", slog.String("task_id", id), slog.String("path", key), slog.Int("bytes", len(doc)))
	if a.audit != nil {
		if err := a.audit.Log(ctx, id, "task_archived", map[string]any{"path": key, "bytes": len(doc)}); err != nil {
			a.logger.Warn("audit log failed", slog.String("task_id", id), slog.String("error", err.Error()))
		}
	}
	return nil
}

// Versions lists the archived copies of a task, oldest first.
func (a *TaskArchiver) Versions(ctx context.Context, id string) ([]domain.BlobInfo, error) {
	if a.reader == nil {
		return nil, fmt.Errorf("s3blob: versions %s: archive reader not configured", id)
	}
	infos, err := a.reader.List(ctx, a.taskPrefix(id))
	if err != nil {
		return nil, err
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Path < infos[j].Path })
	return infos, nil
}

// Latest returns the most recently archived document for id, or an error
// wrapping domain.ErrNotFound.
func (a *TaskArchiver) Latest(ctx context.Context, id string) ([]byte, error) {
	infos, err := a.Versions(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(infos) == 0 {
		return nil, fmt.Errorf("s3blob: latest %s: %w", id, domain.ErrNotFound)
	}
	rc, err := a.reader.Get(ctx, infos[len(infos)-1].Path)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("s3blob: read %s: %w", id, err)
	}
	return data, nil
}
