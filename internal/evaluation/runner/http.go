package runner

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"benchboard/internal/common/storage"
	appErr "benchboard/pkg/errors"
	"benchboard/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	defaultMaxCodeBytes = 256 << 10
	maxResponseBytes    = 4 << 20
	timeNotAvailable    = "N/A"
)

// HTTPConfig configures the runner endpoint.
type HTTPConfig struct {
	URL string `yaml:"url"`
	// ExpectedOutput, when set, must equal the trimmed stdout of a run.
	ExpectedOutput string `yaml:"expectedOutput"`
	MaxCodeBytes   int64  `yaml:"maxCodeBytes"`
}

// HTTPClient calls the sandboxed runner over HTTP. The code is read from
// object storage and sent base64 encoded.
type HTTPClient struct {
	url          string
	expected     string
	maxCodeBytes int64
	storage      storage.ObjectStorage
	client       *http.Client
}

// NewHTTPClient creates a runner client.
func NewHTTPClient(cfg HTTPConfig, objects storage.ObjectStorage, client *http.Client) (*HTTPClient, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("runner url is required")
	}
	if objects == nil {
		return nil, fmt.Errorf("object storage is required")
	}
	if client == nil {
		client = &http.Client{}
	}
	if cfg.MaxCodeBytes <= 0 {
		cfg.MaxCodeBytes = defaultMaxCodeBytes
	}
	return &HTTPClient{
		url:          cfg.URL,
		expected:     strings.TrimSpace(cfg.ExpectedOutput),
		maxCodeBytes: cfg.MaxCodeBytes,
		storage:      objects,
		client:       client,
	}, nil
}

type executeRequest struct {
	Language string `json:"language"`
	Code     string `json:"code"`
}

type executeResponse struct {
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`
	Time   string `json:"time"`
	Error  string `json:"error"`
}

func (c *HTTPClient) Evaluate(ctx context.Context, req Request, timeout time.Duration) (Verdict, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	code, verdict, err := c.loadSource(ctx, req.SourceRef)
	if err != nil || verdict != nil {
		if verdict != nil {
			return *verdict, nil
		}
		return Verdict{}, err
	}

	body, err := json.Marshal(executeRequest{
		Language: string(req.Language),
		Code:     base64.StdEncoding.EncodeToString(code),
	})
	if err != nil {
		return Verdict{}, fmt.Errorf("encode runner request failed: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return Verdict{}, fmt.Errorf("build runner request failed: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return Verdict{}, classifyTransportError(ctx, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Verdict{}, classifyTransportError(ctx, err)
	}

	switch {
	case resp.StatusCode == http.StatusBadRequest:
		var payload executeResponse
		_ = json.Unmarshal(raw, &payload)
		msg := payload.Error
		if msg == "" {
			msg = strings.TrimSpace(string(raw))
		}
		return Verdict{Outcome: OutcomeError, Diagnostic: "runner rejected payload: " + msg}, nil
	case resp.StatusCode >= 500:
		return Verdict{}, appErr.RunnerUnavailableError(fmt.Errorf("runner returned %d", resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return Verdict{Outcome: OutcomeError, Diagnostic: fmt.Sprintf("unexpected runner status %d", resp.StatusCode)}, nil
	}

	var payload executeResponse
	if err := json.Unmarshal(raw, &payload); err != nil {
		return Verdict{}, appErr.Wrapf(err, appErr.RunnerBadResponse, "decode runner response failed")
	}
	return c.judge(payload), nil
}

func (c *HTTPClient) loadSource(ctx context.Context, ref string) ([]byte, *Verdict, error) {
	bucket, key, err := storage.ParseRef(ref)
	if err != nil {
		return nil, &Verdict{Outcome: OutcomeError, Diagnostic: "invalid source reference: " + err.Error()}, nil
	}
	reader, err := c.storage.GetObject(ctx, bucket, key)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return nil, &Verdict{Outcome: OutcomeError, Diagnostic: "source artifact missing: " + ref}, nil
		}
		if ctx.Err() != nil {
			return nil, nil, appErr.RunnerTimeoutError(ctx.Err())
		}
		return nil, nil, appErr.RunnerUnavailableError(fmt.Errorf("load source: %w", err))
	}
	defer reader.Close()
	code, err := io.ReadAll(io.LimitReader(reader, c.maxCodeBytes+1))
	if err != nil {
		return nil, nil, appErr.RunnerUnavailableError(fmt.Errorf("read source: %w", err))
	}
	if int64(len(code)) > c.maxCodeBytes {
		return nil, &Verdict{Outcome: OutcomeError, Diagnostic: fmt.Sprintf("source exceeds %d bytes", c.maxCodeBytes)}, nil
	}
	return code, nil, nil
}

// judge maps a completed run to a verdict.
func (c *HTTPClient) judge(payload executeResponse) Verdict {
	if stderr := strings.TrimSpace(payload.Stderr); stderr != "" {
		return Verdict{Outcome: OutcomeFailed, Diagnostic: truncateDiagnostic(stderr)}
	}
	ms, ok := ParseExecutionTime(payload.Time)
	if !ok {
		return Verdict{Outcome: OutcomeFailed, Diagnostic: "execution time unavailable: " + payload.Time}
	}
	if c.expected != "" && strings.TrimSpace(payload.Stdout) != c.expected {
		return Verdict{Outcome: OutcomeFailed, Diagnostic: "wrong output: " + truncateDiagnostic(strings.TrimSpace(payload.Stdout))}
	}
	return Verdict{Outcome: OutcomeSuccess, ExecutionTimeMs: ms}
}

func classifyTransportError(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return appErr.RunnerTimeoutError(err)
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return appErr.RunnerTimeoutError(err)
	}
	logger.Debug(ctx, "runner transport error", zap.Error(err))
	return appErr.RunnerUnavailableError(err)
}

var bashTimePattern = regexp.MustCompile(`^(\d+)m(\d+(?:\.\d+)?)s$`)

// ParseExecutionTime parses the runner's "XmY.ZZZs" wall time into
// milliseconds. Go duration strings are accepted too.
func ParseExecutionTime(s string) (int64, bool) {
	s = strings.TrimSpace(s)
	if s == "" || s == timeNotAvailable {
		return 0, false
	}
	if m := bashTimePattern.FindStringSubmatch(s); m != nil {
		minutes, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			return 0, false
		}
		seconds, err := strconv.ParseFloat(m[2], 64)
		if err != nil {
			return 0, false
		}
		return minutes*60_000 + int64(seconds*1000+0.5), true
	}
	if d, err := time.ParseDuration(s); err == nil && d >= 0 {
		return d.Milliseconds(), true
	}
	return 0, false
}

func truncateDiagnostic(s string) string {
	const max = 2048
	if len(s) <= max {
		return s
	}
	n := max
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return strings.ToValidUTF8(s[:n], "") + "..."
}
