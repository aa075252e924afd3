// Package entries talks to the diary server: it uploads recorded audio,
// submits text entries, deletes entries and fetches the rendered entry list.
package entries

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/ryan-winkler/voicediary/internal/csrf"
)

var (
	// ErrUploadFailed means the ingestion endpoint answered with a non-2xx status.
	ErrUploadFailed = errors.New("upload failed")
	// ErrRequestFailed is the non-2xx outcome of every other endpoint.
	ErrRequestFailed = errors.New("request failed")
	// ErrNetwork means the request never got an HTTP response.
	ErrNetwork = errors.New("network error")
	// ErrEmptyEntry rejects a blank text entry before it reaches the server.
	ErrEmptyEntry = errors.New("entry text is empty")
)

// StatusError carries the status code of a rejected request.
type StatusError struct {
	Op   string
	Code int
	Body string
	kind error
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("%s: server returned %d: %s", e.Op, e.Code, e.Body)
	}
	return fmt.Sprintf("%s: server returned %d", e.Op, e.Code)
}

func (e *StatusError) Unwrap() error { return e.kind }

// Options are the server paths and form field names. Zero fields take the
// values from DefaultOptions.
type Options struct {
	UploadPath  string // multipart audio upload
	UploadField string // form field holding the audio
	Filename    string // filename sent with live recordings
	EntriesPath string // GET, returns rendered entry cards
	DeletePath  string // POST, "{id}" is replaced with the entry id
	TextPath    string // POST, text entry form
	TextField   string
}

// DefaultOptions matches the dashboard of the diary web app.
func DefaultOptions() Options {
	return Options{
		UploadPath:  "/diary/upload-audio/",
		UploadField: "audio",
		Filename:    "recording.wav",
		EntriesPath: "/diary/entries/",
		DeletePath:  "/diary/entry/{id}/delete/",
		TextPath:    "/diary/api/entries/text/",
		TextField:   "content",
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.UploadPath == "" {
		o.UploadPath = d.UploadPath
	}
	if o.UploadField == "" {
		o.UploadField = d.UploadField
	}
	if o.Filename == "" {
		o.Filename = d.Filename
	}
	if o.EntriesPath == "" {
		o.EntriesPath = d.EntriesPath
	}
	if o.DeletePath == "" {
		o.DeletePath = d.DeletePath
	}
	if o.TextPath == "" {
		o.TextPath = d.TextPath
	}
	if o.TextField == "" {
		o.TextField = d.TextField
	}
	return o
}

// Client is an HTTP client for the diary server.
type Client struct {
	baseURL string
	opts    Options
	tokens  csrf.Source
	client  *http.Client
	logger  *slog.Logger
}

// New creates a Client. A nil httpClient gets a client with a 120s timeout;
// a nil token source sends no CSRF header.
func New(baseURL string, opts Options, tokens csrf.Source, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 120 * time.Second}
	}
	if tokens == nil {
		tokens = csrf.Static("")
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		opts:    opts.withDefaults(),
		tokens:  tokens,
		client:  httpClient,
		logger:  logger,
	}
}

// Upload sends a live recording to the ingestion endpoint.
func (c *Client) Upload(ctx context.Context, payload []byte) error {
	return c.UploadFile(ctx, c.opts.Filename, bytes.NewReader(payload))
}

// UploadFile sends audio read from r under the given filename. The whole
// request succeeds or fails; nothing is resumed.
func (c *Client) UploadFile(ctx context.Context, filename string, r io.Reader) error {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`,
		escapeQuotes(c.opts.UploadField), escapeQuotes(filepath.Base(filename))))
	h.Set("Content-Type", MimeForFilename(filename))
	part, err := writer.CreatePart(h)
	if err != nil {
		return fmt.Errorf("create form file: %w", err)
	}
	n, err := io.Copy(part, r)
	if err != nil {
		return fmt.Errorf("copy audio data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close multipart: %w", err)
	}

	if _, err := c.do(ctx, "upload", http.MethodPost, c.opts.UploadPath, &buf, writer.FormDataContentType(), ErrUploadFailed); err != nil {
		return err
	}
	c.logger.Info("audio uploaded", "file", filename, "bytes", n)
	return nil
}

// List returns the rendered markup of the current entry list.
func (c *Client) List(ctx context.Context) (string, error) {
	body, err := c.do(ctx, "list entries", http.MethodGet, c.opts.EntriesPath, nil, "", ErrRequestFailed)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// Delete removes one entry.
func (c *Client) Delete(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("delete entry: empty id")
	}
	path := strings.ReplaceAll(c.opts.DeletePath, "{id}", url.PathEscape(id))
	if _, err := c.do(ctx, "delete entry", http.MethodPost, path, nil, "", ErrRequestFailed); err != nil {
		return err
	}
	c.logger.Info("entry deleted", "id", id)
	return nil
}

// SubmitText posts a text entry through the same form the dashboard uses.
func (c *Client) SubmitText(ctx context.Context, content string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return ErrEmptyEntry
	}
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	if err := writer.WriteField(c.opts.TextField, content); err != nil {
		return fmt.Errorf("write form field: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close multipart: %w", err)
	}
	if _, err := c.do(ctx, "submit text entry", http.MethodPost, c.opts.TextPath, &buf, writer.FormDataContentType(), ErrRequestFailed); err != nil {
		return err
	}
	c.logger.Info("text entry saved", "chars", len(content))
	return nil
}

func (c *Client) do(ctx context.Context, op, method, path string, body io.Reader, contentType string, kind error) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", op, err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if method != http.MethodGet {
		// Read the token now; it may have rotated since the last request.
		if tok := c.tokens.Token(); tok != "" {
			req.Header.Set(csrf.HeaderName, tok)
		}
		// Django's CSRF check on HTTPS also wants a same-origin Referer.
		req.Header.Set("Referer", c.baseURL+"/")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Error("request failed", "op", op, "url", req.URL.String(), "error", err)
		return nil, fmt.Errorf("%s: %w: %w", op, ErrNetwork, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("%s: read response: %w: %w", op, ErrNetwork, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Warn("server rejected request", "op", op, "status", resp.StatusCode, "url", req.URL.String())
		return nil, &StatusError{Op: op, Code: resp.StatusCode, Body: truncate(strings.TrimSpace(string(data)), 200), kind: kind}
	}
	return data, nil
}

// MimeForFilename picks the content type sent with an audio file.
func MimeForFilename(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".webm":
		return "audio/webm"
	case ".ogg", ".opus":
		return "audio/ogg"
	case ".m4a", ".mp4":
		return "audio/mp4"
	case ".mp3":
		return "audio/mpeg"
	case ".flac":
		return "audio/flac"
	case ".wav":
		return "audio/wav"
	default:
		return "application/octet-stream"
	}
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string { return quoteEscaper.Replace(s) }

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
