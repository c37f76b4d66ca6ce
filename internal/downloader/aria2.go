package downloader

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

// Aria2Process manages an aria2c subprocess speaking JSON-RPC over HTTP,
// grounded on original_source/utils/aria2.py's Aria2Process: random RPC
// port selection, a generated secret token, and `--stop-with-process`
// tying its lifetime to ours.
type Aria2Process struct {
	bin    string
	host   string
	port   int
	secret string
	cmd    *exec.Cmd
}

// NewAria2Process locates aria2c on PATH and picks a free RPC port.
func NewAria2Process() (*Aria2Process, error) {
	bin, err := exec.LookPath("aria2c")
	if err != nil {
		return nil, fmt.Errorf("downloader: aria2c not found in PATH: %w", err)
	}
	port, err := findFreePort()
	if err != nil {
		return nil, err
	}
	secret, err := randomHex(16)
	if err != nil {
		return nil, err
	}
	return &Aria2Process{bin: bin, host: "http://127.0.0.1", port: port, secret: secret}, nil
}

func findFreePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("downloader: find free port: %w", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// Start launches aria2c with RPC enabled, tied to our process lifetime.
func (p *Aria2Process) Start(ctx context.Context) error {
	p.cmd = exec.CommandContext(ctx, p.bin,
		"--enable-rpc",
		"--rpc-listen-all=false",
		"--rpc-listen-port", fmt.Sprintf("%d", p.port),
		"--rpc-secret", p.secret,
		"--stop-with-process", fmt.Sprintf("%d", os.Getpid()),
	)
	p.cmd.Stdout = nil
	p.cmd.Stderr = nil
	if err := p.cmd.Start(); err != nil {
		return fmt.Errorf("downloader: start aria2c: %w", err)
	}
	time.Sleep(2 * time.Second) // allow RPC endpoint to come up
	return nil
}

// Stop terminates the aria2c subprocess.
func (p *Aria2Process) Stop() {
	if p.cmd != nil && p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
}

// RPCClient speaks minimal aria2 JSON-RPC 2.0 over HTTP.
type RPCClient struct {
	endpoint string
	secret   string
	http     *http.Client
}

func NewRPCClient(host string, port int, secret string) *RPCClient {
	return &RPCClient{
		endpoint: fmt.Sprintf("%s:%d/jsonrpc", host, port),
		secret:   secret,
		http:     &http.Client{Timeout: 30 * time.Second},
	}
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      string        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *RPCClient) call(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	auth := "token:" + c.secret
	fullParams := append([]interface{}{auth}, params...)
	req := rpcRequest{JSONRPC: "2.0", ID: "image-creator", Method: method, Params: fullParams}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("downloader: aria2 rpc %s: %w", method, err)
	}
	defer resp.Body.Close()

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, fmt.Errorf("downloader: aria2 rpc %s: decode: %w", method, err)
	}
	if rpcResp.Error != nil {
		return nil, fmt.Errorf("downloader: aria2 rpc %s: %s", method, rpcResp.Error.Message)
	}
	return rpcResp.Result, nil
}

// AddURI submits a download (HTTP(S), metalink, magnet, or .torrent URI)
// to aria2c, directing it into dir, and returns the gid.
func (c *RPCClient) AddURI(ctx context.Context, uri, dir string) (string, error) {
	opts := map[string]string{"dir": dir}
	raw, err := c.call(ctx, "aria2.addUri", []interface{}{[]string{uri}, opts})
	if err != nil {
		return "", err
	}
	var gid string
	if err := json.Unmarshal(raw, &gid); err != nil {
		return "", fmt.Errorf("downloader: aria2 addUri: unexpected result: %w", err)
	}
	return gid, nil
}

type aria2Status struct {
	Status          string `json:"status"`
	CompletedLength string `json:"completedLength"`
	TotalLength     string `json:"totalLength"`
	DownloadSpeed   string `json:"downloadSpeed"`
	ErrorMessage    string `json:"errorMessage"`
	Files           []struct {
		Path string `json:"path"`
	} `json:"files"`
}

func (c *RPCClient) tellStatus(ctx context.Context, gid string) (aria2Status, error) {
	var st aria2Status
	raw, err := c.call(ctx, "aria2.tellStatus", []interface{}{gid})
	if err != nil {
		return st, err
	}
	if err := json.Unmarshal(raw, &st); err != nil {
		return st, fmt.Errorf("downloader: aria2 tellStatus: %w", err)
	}
	return st, nil
}

func (c *RPCClient) Remove(ctx context.Context, gid string) error {
	_, err := c.call(ctx, "aria2.forceRemove", []interface{}{gid})
	return err
}

// RPCDownloader implements Downloader by submitting to, and polling, an
// aria2c RPC endpoint — used for metalink/magnet/.torrent transport that
// net/http cannot handle directly (spec §4.8).
type RPCDownloader struct {
	proc   *Aria2Process
	client *RPCClient
	poll   time.Duration
}

// NewRPCDownloader starts a new aria2c process and wraps it as a
// Downloader.
func NewRPCDownloader(ctx context.Context) (*RPCDownloader, error) {
	proc, err := NewAria2Process()
	if err != nil {
		return nil, err
	}
	if err := proc.Start(ctx); err != nil {
		return nil, err
	}
	client := NewRPCClient(proc.host, proc.port, proc.secret)
	return &RPCDownloader{proc: proc, client: client, poll: 500 * time.Millisecond}, nil
}

func (d *RPCDownloader) Submit(ctx context.Context, uri, destination, checksum string, onData func(n int64), cb Callback) *Handle {
	runCtx, cancel := context.WithCancel(ctx)
	h := &Handle{URI: uri, Destination: destination, Checksum: checksum, status: StatusPending, done: make(chan struct{}), cancel: cancel}
	go d.run(runCtx, h, onData, cb)
	return h
}

func (d *RPCDownloader) run(ctx context.Context, h *Handle, onData func(n int64), cb Callback) {
	dir := filepath.Dir(h.Destination)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		h.finish(StatusFailed, fmt.Errorf("downloader: mkdir: %w", err))
		if cb != nil {
			cb(h)
		}
		return
	}

	gid, err := d.client.AddURI(ctx, h.URI, dir)
	if err != nil {
		h.finish(StatusFailed, err)
		if cb != nil {
			cb(h)
		}
		return
	}
	h.mu.Lock()
	h.status = StatusActive
	h.mu.Unlock()

	var lastDownloaded int64
	ticker := time.NewTicker(d.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = d.client.Remove(context.Background(), gid)
			h.finish(StatusCancelled, ctx.Err())
			if cb != nil {
				cb(h)
			}
			return
		case <-ticker.C:
			st, err := d.client.tellStatus(ctx, gid)
			if err != nil {
				h.finish(StatusFailed, err)
				if cb != nil {
					cb(h)
				}
				return
			}
			downloaded := parseInt64(st.CompletedLength)
			total := parseInt64(st.TotalLength)
			speed := parseInt64(st.DownloadSpeed)
			if onData != nil && downloaded > lastDownloaded {
				onData(downloaded - lastDownloaded)
			}
			lastDownloaded = downloaded
			h.setProgress(Progress{Downloaded: downloaded, Total: total, Speed: speed})

			switch st.Status {
			case "complete":
				if len(st.Files) > 0 && st.Files[0].Path != h.Destination {
					_ = os.Rename(st.Files[0].Path, h.Destination)
				}
				h.finish(StatusComplete, nil)
				if cb != nil {
					cb(h)
				}
				return
			case "error":
				h.finish(StatusFailed, fmt.Errorf("downloader: aria2 gid %s: %s", gid, st.ErrorMessage))
				if cb != nil {
					cb(h)
				}
				return
			case "removed":
				h.finish(StatusCancelled, fmt.Errorf("downloader: aria2 gid %s removed", gid))
				if cb != nil {
					cb(h)
				}
				return
			}
		}
	}
}

func parseInt64(s string) int64 {
	var n int64
	for _, r := range s {
		if r < '0' || r > '9' {
			return n
		}
		n = n*10 + int64(r-'0')
	}
	return n
}

func (d *RPCDownloader) Shutdown() {
	d.proc.Stop()
}
