package comfydeploy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"comfydeploy/internal/config"
	"comfydeploy/internal/interfaces"
)

// TokenFunc returns the bearer token. It is called per request so a missing
// credential is reported at first use rather than at start-up.
type TokenFunc func() (string, error)

// Options client options
type Options struct {
	APIURL     string // queue endpoint; run status lives at APIURL/{run_id}
	UploadURL  string
	Token      TokenFunc
	HTTPClient *http.Client
	Timeout    time.Duration
	Logger     *logrus.Logger
}

// OptionsFromConfig builds client options from the application config
func OptionsFromConfig(cfg config.DeployConfig) Options {
	return Options{
		APIURL:    cfg.APIURL,
		UploadURL: cfg.UploadURL,
		Token:     cfg.APIKey,
		Timeout:   cfg.RequestTimeout,
	}
}

// Client ComfyDeploy API client
type Client struct {
	httpClient *http.Client
	apiURL     string
	uploadURL  string
	token      TokenFunc
	logger     *logrus.Logger
}

var _ interfaces.DeployClient = (*Client)(nil)

// NewClient creates a ComfyDeploy client
func NewClient(opts Options) *Client {
	client := opts.HTTPClient
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	logger := opts.Logger
	if logger == nil {
		logger = config.NewLogger()
	}
	token := opts.Token
	if token == nil {
		token = func() (string, error) { return "", config.ErrAPIKeyRequired }
	}
	return &Client{
		httpClient: client,
		apiURL:     strings.TrimRight(strings.TrimSpace(opts.APIURL), "/"),
		uploadURL:  strings.TrimSpace(opts.UploadURL),
		token:      token,
		logger:     logger,
	}
}

// HTTPError is returned for non-2xx responses
type HTTPError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("%s %s: unexpected status code: %d: %s", e.Method, e.URL, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("%s %s: unexpected status code: %d", e.Method, e.URL, e.StatusCode)
}

// QueueRun submits a deployment run and returns its run id
func (c *Client) QueueRun(ctx context.Context, deploymentID string, inputs map[string]string) (string, error) {
	if inputs == nil {
		inputs = map[string]string{}
	}
	body, err := json.Marshal(interfaces.QueueRequest{DeploymentID: deploymentID, Inputs: inputs})
	if err != nil {
		return "", fmt.Errorf("failed to marshal run request: %w", err)
	}

	logrus.Debugf("Queueing deployment %s at %s", deploymentID, c.apiURL)

	var out interfaces.QueueResponse
	if err := c.doJSON(ctx, http.MethodPost, c.apiURL, bytes.NewReader(body), "application/json", &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.RunID) == "" {
		return "", fmt.Errorf("queue response did not contain a run_id")
	}

	c.logger.WithFields(logrus.Fields{
		"deployment_id": deploymentID,
		"run_id":        out.RunID,
	}).Info("Run queued")
	return out.RunID, nil
}

// GetRun fetches the status and outputs of a run
func (c *Client) GetRun(ctx context.Context, runID string) (*interfaces.RunStatus, error) {
	var out interfaces.RunStatus
	if err := c.doJSON(ctx, http.MethodGet, c.buildURL(runID), nil, "", &out); err != nil {
		return nil, err
	}
	if out.RunID == "" {
		out.RunID = runID
	}
	return &out, nil
}

// Upload stores a file in the content store and returns its URL
func (c *Client) Upload(ctx context.Context, filename string, r io.Reader) (string, error) {
	if c.uploadURL == "" {
		return "", fmt.Errorf("upload url is not configured")
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := io.Copy(part, r); err != nil {
		return "", fmt.Errorf("failed to read upload: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("failed to finalize upload body: %w", err)
	}

	var out struct {
		URL     string `json:"url"`
		FileURL string `json:"file_url"`
	}
	if err := c.doJSON(ctx, http.MethodPost, c.uploadURL, &buf, mw.FormDataContentType(), &out); err != nil {
		return "", err
	}
	url := out.URL
	if url == "" {
		url = out.FileURL
	}
	if url == "" {
		return "", fmt.Errorf("upload response did not contain a url")
	}
	return url, nil
}

// buildURL joins the api url with a run id
func (c *Client) buildURL(runID string) string {
	return c.apiURL + "/" + strings.TrimLeft(runID, "/")
}

func (c *Client) doJSON(ctx context.Context, method, url string, body io.Reader, contentType string, out any) error {
	token, err := c.token()
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return &HTTPError{Method: method, URL: url, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w: %w", interfaces.ErrMalformedResponse, err)
	}
	return nil
}
