package reqsync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
)

// MaxUploadSize is the largest attachment the gateway accepts.
const MaxUploadSize = 50 * 1024 * 1024

// Upload streams file to the gateway as multipart/form-data and reports
// progress as the body is written.
func (c *RemoteStore) Upload(ctx context.Context, file *File, onProgress ProgressFunc) (*UploadResult, error) {
	if file == nil || file.Reader == nil {
		return nil, newError(KindInvalidInput, "upload", General, errors.New("no file"))
	}
	if file.Name == "" {
		return nil, newError(KindInvalidInput, "upload", General, errors.New("file name is required"))
	}
	if file.Size > MaxUploadSize {
		return nil, newError(KindInvalidInput, "upload", General,
			fmt.Errorf("%s is %d bytes, limit is %d", file.Name, file.Size, MaxUploadSize))
	}
	mimeType := file.MimeType
	if mimeType == "" {
		mimeType = GuessMimeType(file.Name)
	}

	pr, pw := io.Pipe()
	w := multipart.NewWriter(pw)
	go func() {
		err := writeFilePart(w, file, mimeType, onProgress)
		if err == nil {
			err = w.Close()
		}
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/files", pr)
	if err != nil {
		pr.Close()
		return nil, fmt.Errorf("failed to create upload request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	c.setAuthHeaders(req)

	report(onProgress, 0, "uploading")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		pr.Close()
		return nil, &Error{Kind: KindNetwork, Op: "upload", Err: fmt.Errorf("upload failed: %w", err)}
	}
	defer resp.Body.Close()
	res, err := decodeResponse("upload", resp)
	if err != nil {
		return nil, err
	}
	up, err := decodeJSON[UploadResult](res)
	if err != nil {
		return nil, err
	}
	report(onProgress, 100, "done")
	return up, nil
}

func writeFilePart(w *multipart.Writer, file *File, mimeType string, onProgress ProgressFunc) error {
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, escapeQuotes(file.Name)))
	h.Set("Content-Type", mimeType)
	part, err := w.CreatePart(h)
	if err != nil {
		return fmt.Errorf("failed to create form file: %w", err)
	}
	src := io.Reader(file.Reader)
	if file.Size > 0 {
		src = &progressReader{r: file.Reader, total: file.Size, onProgress: onProgress}
	}
	if _, err := io.Copy(part, io.LimitReader(src, MaxUploadSize+1)); err != nil {
		return fmt.Errorf("failed to write file data: %w", err)
	}
	return nil
}

// progressReader reports percentages below 100; 100 is reserved for the
// server's acknowledgement.
type progressReader struct {
	r          io.Reader
	total      int64
	read       int64
	last       int
	onProgress ProgressFunc
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.read += int64(n)
	pct := int(p.read * 100 / p.total)
	if pct > 99 {
		pct = 99
	}
	if pct != p.last {
		p.last = pct
		report(p.onProgress, pct, "uploading")
	}
	return n, err
}

func report(fn ProgressFunc, pct int, status string) {
	if fn != nil {
		fn(pct, status)
	}
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string { return quoteEscaper.Replace(s) }

// OpenFile prepares a local file for upload. The caller closes the returned
// file's Reader when it is an io.Closer.
func OpenFile(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}
	name := filepath.Base(path)
	return &File{Name: name, MimeType: GuessMimeType(name), Size: info.Size(), Reader: f}, nil
}

// GuessMimeType returns the MIME type for a file name's extension.
func GuessMimeType(fileName string) string {
	ext := strings.ToLower(filepath.Ext(fileName))
	if ext == "" {
		return "application/octet-stream"
	}
	// Fallback for types not in Go's builtin registry
	fallback := map[string]string{
		".md": "text/markdown", ".yaml": "text/yaml", ".yml": "text/yaml",
		".txt": "text/plain", ".csv": "text/csv",
		".webp": "image/webp", ".webm": "video/webm",
	}
	if m, ok := fallback[ext]; ok {
		return m
	}
	t := mime.TypeByExtension(ext)
	if t != "" {
		// Strip charset parameter (e.g. "text/plain; charset=utf-8" → "text/plain")
		if idx := strings.Index(t, ";"); idx > 0 {
			t = strings.TrimSpace(t[:idx])
		}
		return t
	}
	return "application/octet-stream"
}
