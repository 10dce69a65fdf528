package gateway

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/reqdesk/reqsync"
)

// FileStore keeps uploads on local disk under dir/<key>/<name>.
type FileStore struct {
	dir       string
	publicURL string
	maxBytes  int64
}

func NewFileStore(dir, publicURL string, maxBytes int64) *FileStore {
	if maxBytes <= 0 {
		maxBytes = reqsync.MaxUploadSize
	}
	return &FileStore{dir: dir, publicURL: strings.TrimRight(publicURL, "/"), maxBytes: maxBytes}
}

// Save stores one multipart file and returns where it is served.
func (f *FileStore) Save(fh *multipart.FileHeader) (*reqsync.UploadResult, error) {
	if fh.Size > f.maxBytes {
		return nil, &reqsync.Error{Kind: reqsync.KindInvalidInput, Op: "upload",
			Err: fmt.Errorf("%s exceeds %d bytes", fh.Filename, f.maxBytes)}
	}
	name := sanitizeName(fh.Filename)
	if name == "" {
		return nil, &reqsync.Error{Kind: reqsync.KindInvalidInput, Op: "upload", Err: errors.New("file name is required")}
	}
	key := uuid.NewString()
	dir := filepath.Join(f.dir, key)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}

	src, err := fh.Open()
	if err != nil {
		return nil, fmt.Errorf("open upload: %w", err)
	}
	defer src.Close()
	dst, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, fmt.Errorf("create upload: %w", err)
	}
	n, err := io.Copy(dst, io.LimitReader(src, f.maxBytes+1))
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err == nil && n > f.maxBytes {
		err = &reqsync.Error{Kind: reqsync.KindInvalidInput, Op: "upload", Err: fmt.Errorf("%s exceeds %d bytes", name, f.maxBytes)}
	}
	if err != nil {
		os.RemoveAll(dir)
		return nil, err
	}

	mimeType := fh.Header.Get("Content-Type")
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = reqsync.GuessMimeType(name)
	}
	return &reqsync.UploadResult{
		URL:      f.publicURL + "/files/" + key + "/" + name,
		Name:     name,
		Size:     n,
		MimeType: mimeType,
	}, nil
}

// Path resolves a served file, refusing anything outside dir.
func (f *FileStore) Path(key, name string) (string, error) {
	if _, err := uuid.Parse(key); err != nil {
		return "", err
	}
	if name != sanitizeName(name) || name == "" {
		return "", errors.New("bad file name")
	}
	p := filepath.Join(f.dir, key, name)
	if _, err := os.Stat(p); err != nil {
		return "", err
	}
	return p, nil
}

func sanitizeName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" || name == ".." {
		return ""
	}
	return strings.Map(func(r rune) rune {
		if r < 0x20 || r == '/' || r == '"' {
			return '_'
		}
		return r
	}, name)
}
