package publish

import (
	"context"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/truthgate/gateway/internal/domain"
	"github.com/truthgate/gateway/internal/nodeclient"
)

func newJobID() string { return uuid.NewString() }

// MaxUploadBytes bounds one publish request's total multipart size.
const MaxUploadBytes = 512 << 20

// Ingest reads a multipart publish request, normalizes every part's field
// name (falling back to its filename) per spec.md §4.8, streams each
// normalized file into staging MFS, and enqueues the publish job.
type Ingest struct {
	node  *nodeclient.Client
	queue *Queue
}

// NewIngest constructs an Ingest bound to node and queue.
func NewIngest(node *nodeclient.Client, queue *Queue) *Ingest {
	return &Ingest{node: node, queue: queue}
}

// Accept parses r's multipart body, normalizes and stages every part, and
// enqueues a Job, returning it for the 202 response (spec.md §4.8).
func (i *Ingest) Accept(ctx context.Context, r *http.Request, dom domain.EdgeDomain, note string) (Job, error) {
	r.Body = http.MaxBytesReader(nil, r.Body, MaxUploadBytes)
	if err := r.ParseMultipartForm(MaxUploadBytes); err != nil {
		return Job{}, &BadInputError{Reason: "malformed multipart body: " + err.Error()}
	}
	if r.MultipartForm == nil {
		return Job{}, &BadInputError{Reason: "no multipart body"}
	}
	defer r.MultipartForm.RemoveAll()

	raw := make(map[string][]byte)
	for fieldName, headers := range r.MultipartForm.File {
		for _, h := range headers {
			data, err := readPart(h)
			if err != nil {
				return Job{}, err
			}
			key := fieldName
			if key == "" {
				key = h.Filename
			}
			raw[key] = data
		}
	}
	if len(raw) == 0 {
		return Job{}, &BadInputError{Reason: "no files in publish request"}
	}

	files, err := Normalize(raw)
	if err != nil {
		return Job{}, err
	}

	jobID := newJobID()
	stagingRoot := StagingPath(dom.SiteFolderLeaf, jobID, "")
	var totalBytes uint64
	for _, relPath := range SortedPaths(files) {
		dst := StagingPath(dom.SiteFolderLeaf, jobID, relPath)
		if err := i.node.FilesWrite(ctx, dst, newByteReader(files[relPath]), ""); err != nil {
			return Job{}, err
		}
		totalBytes += uint64(len(files[relPath]))
	}
	log.Infow("publish staged", "domain", dom.Domain, "job", jobID, "files", len(files), "size", humanize.Bytes(totalBytes))

	return i.queue.enqueueWithID(ctx, dom, jobID, stagingRoot, note), nil
}

func readPart(h *multipart.FileHeader) ([]byte, error) {
	f, err := h.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

type byteReader struct {
	b   []byte
	pos int
}

func newByteReader(b []byte) *byteReader { return &byteReader{b: b} }

func (r *byteReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.b) {
		return 0, io.EOF
	}
	n := copy(p, r.b[r.pos:])
	r.pos += n
	return n, nil
}
