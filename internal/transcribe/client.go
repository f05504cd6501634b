package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/coah80/ingest/internal/config"
	"github.com/coah80/ingest/internal/util"
)

const (
	transcriptionsEndpoint = "/v1/audio/transcriptions"
	defaultTimeout         = 10 * time.Minute
	errorBodyLimit         = 500
)

var ErrNoAPIKey = errors.New("transcription API key is not configured")

// Client fetches a record's audio and sends it to an OpenAI compatible transcription API.
type Client struct {
	apiKey        string
	baseURL       string
	model         string
	publicBaseURL string
	maxAudioBytes int64
	cfg           *config.Config
	http          *http.Client
	log           hclog.Logger
}

type Option func(*Client)

// WithHTTPClient replaces the client used for the API call and same-host downloads.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.http = c
	}
}

func WithLogger(l hclog.Logger) Option {
	return func(cl *Client) {
		cl.log = l
	}
}

func New(cfg *config.Config, opts ...Option) *Client {
	c := &Client{
		apiKey:        cfg.OpenAIAPIKey,
		baseURL:       strings.TrimRight(cfg.OpenAIBaseURL, "/"),
		model:         cfg.TranscriptionModel,
		publicBaseURL: cfg.PublicBaseURL,
		maxAudioBytes: cfg.TargetSizeBytes,
		cfg:           cfg,
		http:          &http.Client{Timeout: defaultTimeout},
		log:           hclog.NewNullLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Transcribe returns the plain text transcript of the audio at audioURL.
func (c *Client) Transcribe(ctx context.Context, recordID, audioURL string) (string, error) {
	if c.apiKey == "" {
		return "", ErrNoAPIKey
	}

	audio, name, err := c.fetchAudio(ctx, audioURL)
	if err != nil {
		return "", err
	}
	c.log.Debug("audio fetched", "record_id", recordID, "bytes", len(audio))

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", name)
	if err != nil {
		return "", fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(audio); err != nil {
		return "", fmt.Errorf("failed to write audio data: %w", err)
	}
	if err := writer.WriteField("model", c.model); err != nil {
		return "", fmt.Errorf("failed to write model field: %w", err)
	}
	if err := writer.WriteField("response_format", "json"); err != nil {
		return "", fmt.Errorf("failed to write response_format field: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("failed to close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+transcriptionsEndpoint, &buf)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("transcription request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("transcription API returned %d: %s", resp.StatusCode, truncate(string(body)))
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}
	return strings.TrimSpace(result.Text), nil
}

// fetchAudio downloads audioURL. Our own media is fetched directly; anything else is
// SSRF checked and goes through the rotating proxy when one is configured.
func (c *Client) fetchAudio(ctx context.Context, audioURL string) ([]byte, string, error) {
	client := c.http
	if !util.SameHost(audioURL, c.publicBaseURL) {
		if v := util.ValidateURL(audioURL); !v.Valid {
			return nil, "", fmt.Errorf("audio URL rejected: %s", v.Error)
		}
		if proxyURL := util.GetRandomProxyURL(c.cfg); proxyURL != "" {
			client = proxiedClient(proxyURL, c.http.Timeout)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, audioURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("invalid audio URL: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download audio: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("download audio: status %d", resp.StatusCode)
	}

	reader := io.Reader(resp.Body)
	if c.maxAudioBytes > 0 {
		reader = io.LimitReader(resp.Body, c.maxAudioBytes+1)
	}
	audio, err := io.ReadAll(reader)
	if err != nil {
		return nil, "", fmt.Errorf("download audio: %w", err)
	}
	if len(audio) == 0 {
		return nil, "", fmt.Errorf("download audio: empty body")
	}
	if c.maxAudioBytes > 0 && int64(len(audio)) > c.maxAudioBytes {
		return nil, "", fmt.Errorf("audio exceeds %d bytes", c.maxAudioBytes)
	}
	return audio, fileName(audioURL), nil
}

func proxiedClient(proxyURL string, timeout time.Duration) *http.Client {
	u, err := url.Parse(proxyURL)
	if err != nil {
		return &http.Client{Timeout: timeout}
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: &http.Transport{Proxy: http.ProxyURL(u)},
	}
}

func fileName(audioURL string) string {
	u, err := url.Parse(audioURL)
	if err == nil {
		if base := path.Base(u.Path); base != "" && base != "/" && base != "." && path.Ext(base) != "" {
			return base
		}
	}
	return "audio.mp3"
}

func truncate(s string) string {
	if len(s) > errorBodyLimit {
		return s[:errorBodyLimit]
	}
	return s
}
