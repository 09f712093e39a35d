package engine

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const rpcID = "torrent-web"

// Aria2Client talks to an aria2 daemon over its JSON-RPC HTTP endpoint.
// Every call carries the shared secret token as the first RPC parameter.
type Aria2Client struct {
	url         string
	secret      string
	downloadDir string
	http        *http.Client
}

// NewAria2Client creates an engine client for the given RPC endpoint.
// The timeout bounds every individual call; a timeout is reported as
// ErrUnreachable, not as an engine rejection.
func NewAria2Client(url, secret, downloadDir string, timeout time.Duration) *Aria2Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Aria2Client{
		url:         strings.TrimSpace(url),
		secret:      secret,
		downloadDir: downloadDir,
		http:        &http.Client{Timeout: timeout},
	}
}

func (c *Aria2Client) AddURI(ctx context.Context, uri string) (string, error) {
	params := []any{[]string{uri}}
	if c.downloadDir != "" {
		params = append(params, map[string]string{"dir": c.downloadDir})
	}
	return c.callGID(ctx, "aria2.addUri", params...)
}

func (c *Aria2Client) AddTorrent(ctx context.Context, blob []byte) (string, error) {
	encoded := base64.StdEncoding.EncodeToString(blob)
	params := []any{encoded, []string{}}
	if c.downloadDir != "" {
		params = append(params, map[string]string{"dir": c.downloadDir})
	}
	return c.callGID(ctx, "aria2.addTorrent", params...)
}

func (c *Aria2Client) Pause(ctx context.Context, gid string) error {
	_, err := c.call(ctx, "aria2.pause", gid)
	return err
}

func (c *Aria2Client) Unpause(ctx context.Context, gid string) error {
	_, err := c.call(ctx, "aria2.unpause", gid)
	return err
}

func (c *Aria2Client) Remove(ctx context.Context, gid string) error {
	_, err := c.call(ctx, "aria2.remove", gid)
	return err
}

func (c *Aria2Client) RemoveResult(ctx context.Context, gid string) error {
	_, err := c.call(ctx, "aria2.removeDownloadResult", gid)
	return err
}

func (c *Aria2Client) TellStatus(ctx context.Context, gid string) (Job, error) {
	raw, err := c.call(ctx, "aria2.tellStatus", gid)
	if err != nil {
		return Job{}, err
	}

	var status jobStatus
	if err := json.Unmarshal(raw, &status); err != nil {
		return Job{}, fmt.Errorf("decode job status: %w", err)
	}
	return status.toJob(), nil
}

func (c *Aria2Client) TellActive(ctx context.Context) ([]Job, error) {
	raw, err := c.call(ctx, "aria2.tellActive")
	if err != nil {
		return nil, err
	}
	return decodeJobList(raw)
}

func (c *Aria2Client) TellStopped(ctx context.Context, offset, limit int) ([]Job, error) {
	raw, err := c.call(ctx, "aria2.tellStopped", offset, limit)
	if err != nil {
		return nil, err
	}
	return decodeJobList(raw)
}

func (c *Aria2Client) callGID(ctx context.Context, method string, params ...any) (string, error) {
	raw, err := c.call(ctx, method, params...)
	if err != nil {
		return "", err
	}

	var gid string
	if err := json.Unmarshal(raw, &gid); err != nil {
		return "", fmt.Errorf("decode gid: %w", err)
	}
	return gid, nil
}

type rpcRequest struct {
	Version string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Aria2Client) call(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	payload := rpcRequest{
		Version: "2.0",
		ID:      rpcID,
		Method:  method,
		Params:  append([]any{"token:" + c.secret}, params...),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal rpc request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("build rpc request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrUnreachable, err)
	}

	var out rpcResponse
	if err := json.Unmarshal(body, &out); err != nil {
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			// an intermediary answered, not the engine
			return nil, fmt.Errorf("%w: http status %d", ErrUnreachable, resp.StatusCode)
		}
		return nil, fmt.Errorf("decode rpc response: %w", err)
	}
	if out.Error != nil {
		return nil, &EngineError{Code: out.Error.Code, Message: out.Error.Message}
	}
	return out.Result, nil
}

// jobStatus mirrors the aria2 tellStatus wire shape. aria2 encodes all
// numeric fields as JSON strings.
type jobStatus struct {
	GID             string   `json:"gid"`
	Status          string   `json:"status"`
	TotalLength     string   `json:"totalLength"`
	CompletedLength string   `json:"completedLength"`
	DownloadSpeed   string   `json:"downloadSpeed"`
	UploadSpeed     string   `json:"uploadSpeed"`
	InfoHash        string   `json:"infoHash"`
	Dir             string   `json:"dir"`
	ErrorCode       string   `json:"errorCode"`
	ErrorMessage    string   `json:"errorMessage"`
	FollowedBy      []string `json:"followedBy"`
	BitTorrent      *struct {
		Info struct {
			Name string `json:"name"`
		} `json:"info"`
	} `json:"bittorrent"`
	Files []struct {
		Path            string `json:"path"`
		Length          string `json:"length"`
		CompletedLength string `json:"completedLength"`
	} `json:"files"`
}

func (s jobStatus) toJob() Job {
	job := Job{
		GID:             s.GID,
		Status:          s.Status,
		TotalLength:     parseInt(s.TotalLength),
		CompletedLength: parseInt(s.CompletedLength),
		DownloadSpeed:   parseInt(s.DownloadSpeed),
		UploadSpeed:     parseInt(s.UploadSpeed),
		InfoHash:        s.InfoHash,
		Dir:             s.Dir,
		ErrorCode:       s.ErrorCode,
		ErrorMessage:    s.ErrorMessage,
		FollowedBy:      s.FollowedBy,
	}
	if s.BitTorrent != nil {
		job.Name = s.BitTorrent.Info.Name
	}
	for _, f := range s.Files {
		job.Files = append(job.Files, JobFile{
			Path:            f.Path,
			Length:          parseInt(f.Length),
			CompletedLength: parseInt(f.CompletedLength),
		})
	}
	return job
}

func decodeJobList(raw json.RawMessage) ([]Job, error) {
	var statuses []jobStatus
	if err := json.Unmarshal(raw, &statuses); err != nil {
		return nil, fmt.Errorf("decode job list: %w", err)
	}

	jobs := make([]Job, 0, len(statuses))
	for _, s := range statuses {
		jobs = append(jobs, s.toJob())
	}
	return jobs, nil
}

func parseInt(s string) int64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return v
}
