// internal/client/client.go
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tendant/simple-invoice-cropper/internal/process"
	"github.com/tendant/simple-invoice-cropper/internal/upload"
	"github.com/tendant/simple-invoice-cropper/pkg/schema"
)

// DefaultTimeout accommodates synchronous recognition of large multi-page documents.
const DefaultTimeout = 300 * time.Second

const maxEnvelopeBytes = 32 << 20

// Client talks to the recognition service over its HTTP contract. It keeps
// no per-job state.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
	now     func() time.Time
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: DefaultTimeout},
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) BaseURL() string { return c.baseURL }

// Submission is the outcome of a successful submit. For sync mode Record is
// already terminal and carries the invoice list; for async mode it holds the
// acknowledged initial status.
type Submission struct {
	Mode           process.Mode
	Record         process.Record
	ProcessingTime float64
	EstimatedTime  *int
}

// Submit uploads f for recognition. Validation runs before any request is made.
func (c *Client) Submit(ctx context.Context, f upload.File, p upload.Params, mode process.Mode) (*Submission, error) {
	if err := upload.Validate(f); err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}

	path := "/recognize-and-crop"
	if mode == process.ModeAsync {
		path += "/async"
	} else {
		mode = process.ModeSync
	}

	body, contentType, err := buildMultipart(f, p)
	if err != nil {
		return nil, fmt.Errorf("build multipart: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	data, err := c.do(req)
	if err != nil {
		return nil, err
	}

	now := c.now()
	padding := p.CropPadding
	sub := &Submission{Mode: mode}

	if mode == process.ModeAsync {
		var ack schema.AsyncTaskResponse
		if err := json.Unmarshal(data, &ack); err != nil {
			return nil, malformed(err)
		}
		if ack.TaskID == "" {
			return nil, malformed(errors.New("missing taskId"))
		}
		status, err := process.ParseStatus(ack.Status)
		if err != nil {
			status = process.JobStatusPending
		}
		rec := process.NewRecord(ack.TaskID, status, now)
		rec.Filename, rec.Mode, rec.CropPadding, rec.OutputFormat = f.Name, mode, &padding, p.OutputFormat
		sub.Record = rec
		sub.EstimatedTime = ack.EstimatedTime
		return sub, nil
	}

	_, syncSchema, err := schemas()
	if err != nil {
		return nil, fmt.Errorf("compile schemas: %w", err)
	}
	if err := validatePayload(syncSchema, data); err != nil {
		return nil, malformed(err)
	}
	var res schema.RecognizeResponse
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, malformed(err)
	}
	invoices, err := ConvertInvoices(res.Invoices)
	if err != nil {
		return nil, malformed(err)
	}

	rec := process.NewRecord(res.TaskID, process.JobStatusPending, now)
	rec.Filename, rec.Mode, rec.CropPadding, rec.OutputFormat = f.Name, mode, &padding, p.OutputFormat
	process.MarkCompleted(&rec, invoices, now)
	if res.TotalInvoices != len(invoices) {
		n := res.TotalInvoices
		rec.InvoiceCount = &n
	}
	sub.Record = rec
	sub.ProcessingTime = res.ProcessingTime
	return sub, nil
}

// FetchStatus returns the server-side view of a job. A job the server no
// longer knows yields an error matching ErrNotFound.
func (c *Client) FetchStatus(ctx context.Context, jobID string) (*schema.TaskStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/task/"+url.PathEscape(jobID), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	data, err := c.do(req)
	if err != nil {
		return nil, asNotFound(err)
	}

	statusSchema, _, err := schemas()
	if err != nil {
		return nil, fmt.Errorf("compile schemas: %w", err)
	}
	if err := validatePayload(statusSchema, data); err != nil {
		return nil, malformed(err)
	}
	var ts schema.TaskStatus
	if err := json.Unmarshal(data, &ts); err != nil {
		return nil, malformed(err)
	}
	if ts.TaskID == "" {
		ts.TaskID = jobID
	}
	return &ts, nil
}

func (c *Client) Health(ctx context.Context) (*schema.Health, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	data, err := c.do(req)
	if err != nil {
		return nil, err
	}
	var h schema.Health
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, malformed(err)
	}
	return &h, nil
}

func (c *Client) CroppedPreviewURL(filename string) string {
	return c.baseURL + "/preview/cropped/" + url.PathEscape(filename)
}

func (c *Client) CroppedDownloadURL(filename string) string {
	return c.baseURL + "/download/" + url.PathEscape(filename)
}

func (c *Client) OriginalPreviewURL(jobID string, page int) string {
	return c.baseURL + "/preview/original/" + url.PathEscape(jobID) + "?page=" + strconv.Itoa(pageOrFirst(page))
}

func (c *Client) OriginalDownloadURL(jobID string, page int) string {
	return c.baseURL + "/download/original/" + url.PathEscape(jobID) + "?page=" + strconv.Itoa(pageOrFirst(page))
}

// Download streams the artifact at rawURL into w.
func (c *Client) Download(ctx context.Context, rawURL string, w io.Writer) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	reqID := uuid.New().String()
	req.Header.Set("X-Request-ID", reqID)
	start := time.Now()

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Error("download failed", "req_id", reqID, "url", rawURL, "err", err)
		return 0, transportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxEnvelopeBytes))
		return 0, &Error{Kind: KindServer, Message: http.StatusText(resp.StatusCode), StatusCode: resp.StatusCode}
	}

	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, transportError(err)
	}
	c.logger.Info("download complete", "req_id", reqID, "url", rawURL, "bytes", n, "elapsed_ms", time.Since(start).Milliseconds())
	return n, nil
}

// do sends req and unwraps the response envelope, returning its data field.
func (c *Client) do(req *http.Request) (json.RawMessage, error) {
	reqID := uuid.New().String()
	req.Header.Set("X-Request-ID", reqID)
	req.Header.Set("Accept", "application/json")
	start := time.Now()

	c.logger.Info("api request", "req_id", reqID, "method", req.Method, "url", req.URL.String())

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Error("api request failed", "req_id", reqID, "err", err, "elapsed_ms", time.Since(start).Milliseconds())
		return nil, transportError(err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			c.logger.Warn("close response body failed", "req_id", reqID, "err", err)
		}
	}()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxEnvelopeBytes))
	if err != nil {
		return nil, transportError(err)
	}

	c.logger.Info("api response", "req_id", reqID, "status", resp.StatusCode, "bytes", len(raw), "elapsed_ms", time.Since(start).Milliseconds())

	var env schema.Envelope
	decodeErr := json.Unmarshal(raw, &env)

	if resp.StatusCode/100 != 2 {
		msg := http.StatusText(resp.StatusCode)
		if decodeErr == nil && env.Message != "" {
			msg = env.Message
		}
		return nil, &Error{Kind: KindServer, Message: msg, StatusCode: resp.StatusCode}
	}
	if decodeErr != nil {
		return nil, malformed(decodeErr)
	}
	if env.Code != schema.CodeOK {
		msg := env.Message
		if msg == "" {
			msg = "request failed"
		}
		return nil, &Error{Kind: KindServer, Message: msg, StatusCode: env.Code}
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return nil, malformed(errors.New("empty data"))
	}
	return env.Data, nil
}

func transportError(err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &Error{Kind: KindTimeout, Message: msgTimeout, Cause: err}
	}
	return &Error{Kind: KindTransport, Message: msgTransport, Cause: err}
}

func malformed(err error) error {
	return &Error{Kind: KindServer, Message: "malformed response", Cause: err}
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func buildMultipart(f upload.File, p upload.Params) (io.Reader, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, quoteEscaper.Replace(f.Name)))
	mimeType := f.MimeType
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	h.Set("Content-Type", mimeType)
	part, err := mw.CreatePart(h)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(f.Data); err != nil {
		return nil, "", err
	}
	if err := mw.WriteField("cropPadding", strconv.Itoa(p.CropPadding)); err != nil {
		return nil, "", err
	}
	if err := mw.WriteField("outputFormat", p.OutputFormat); err != nil {
		return nil, "", err
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return &buf, mw.FormDataContentType(), nil
}

func pageOrFirst(page int) int {
	if page < 1 {
		return 1
	}
	return page
}
