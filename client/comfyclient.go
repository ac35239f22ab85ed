// Package client talks to a ComfyUI server: it turns job descriptors into
// prompts, follows their execution over the websocket and fetches results.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/richinsley/comfyjobs/job"
	"github.com/richinsley/comfyjobs/preset"
	"github.com/richinsley/comfyjobs/retry"
	"github.com/richinsley/comfyjobs/workflow"
)

var ErrClosed = errors.New("client closed")

type Config struct {
	// URL of the ComfyUI server, e.g. http://127.0.0.1:8188
	URL   string `koanf:"url"`
	Token string `koanf:"token"`
	// Timeout bounds each HTTP request.
	Timeout time.Duration `koanf:"timeout"`
	// Retry governs websocket dials.
	Retry retry.Policy `koanf:"retry"`
	// Subfolder of the server's input directory receiving uploaded images.
	Subfolder string `koanf:"upload_subfolder"`
}

func DefaultConfig() Config {
	return Config{
		URL:       "http://127.0.0.1:8188",
		Timeout:   30 * time.Second,
		Retry:     retry.DefaultPolicy(),
		Subfolder: "comfyjobs",
	}
}

// ComfyClient is the top level object that allows for interaction with the ComfyUI backend
type ComfyClient struct {
	baseURL    *url.URL
	token      string
	clientid   string
	subfolder  string
	policy     retry.Policy
	presets    *preset.Registry
	httpclient *http.Client
	log        zerolog.Logger

	dialMu sync.Mutex

	mu                    sync.Mutex
	ws                    *WebSocketConnection
	queueditems           map[string]*QueueItem
	unconfirmed           map[string]struct{}
	lastProcessedPromptID string
	queuecount            int
	closed                bool
}

// NewComfyClient creates a client for the server at cfg.URL. No connection is
// made until the first dispatch.
func NewComfyClient(cfg Config, presets *preset.Registry, log zerolog.Logger) (*ComfyClient, error) {
	raw := cfg.URL
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid backend url %q: %w", cfg.URL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid backend url %q", cfg.URL)
	}
	u.Path = strings.TrimSuffix(u.Path, "/")
	if presets == nil {
		presets = preset.NewRegistry()
	}

	return &ComfyClient{
		baseURL:     u,
		token:       cfg.Token,
		clientid:    uuid.New().String(),
		subfolder:   cfg.Subfolder,
		policy:      cfg.Retry,
		presets:     presets,
		httpclient:  &http.Client{Timeout: cfg.Timeout},
		log:         log.With().Str("component", "comfyclient").Str("backend", u.Host).Logger(),
		queueditems: make(map[string]*QueueItem),
		unconfirmed: make(map[string]struct{}),
	}, nil
}

// ClientID returns the unique client ID for the connection to the ComfyUI backend
func (c *ComfyClient) ClientID() string {
	return c.clientid
}

// return the underlying http client
func (c *ComfyClient) HttpClient() *http.Client {
	return c.httpclient
}

// set the underlying http client
func (c *ComfyClient) SetHttpClient(client *http.Client) {
	c.httpclient = client
}

// QueueCount is the number of prompts the server last reported as remaining.
func (c *ComfyClient) QueueCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queuecount
}

// GetQueuedItem returns the tracked item for a prompt this client queued and
// whose stream has not been closed after completion.
func (c *ComfyClient) GetQueuedItem(promptID string) *QueueItem {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queueditems[promptID]
}

// Dispatch uploads the descriptor's input images, builds its workflow and
// queues it under the descriptor's id.
func (c *ComfyClient) Dispatch(ctx context.Context, desc job.Descriptor) (job.Submission, error) {
	p, err := c.presets.Lookup(desc.Style)
	if err != nil {
		return job.Submission{}, err
	}
	in, err := c.uploadInputs(ctx, desc)
	if err != nil {
		return job.Submission{}, err
	}
	graph, err := workflow.Build(desc, p, in)
	if err != nil {
		return job.Submission{}, err
	}

	// messages for the prompt may arrive before POST /prompt returns, so the
	// session and the item must exist first
	if _, err := c.connect(ctx); err != nil {
		return job.Submission{}, err
	}
	item := newQueueItem(desc.ID, graph.Len())
	c.mu.Lock()
	c.queueditems[desc.ID] = item
	c.mu.Unlock()

	// a retry after a lost response must not queue the prompt twice
	if c.takeUnconfirmed(desc.ID) {
		known, err := c.promptKnown(ctx, desc.ID)
		if err != nil {
			c.forget(desc.ID)
			c.markUnconfirmed(desc.ID)
			return job.Submission{}, err
		}
		if known {
			c.log.Info().Str("prompt", desc.ID).Msg("prompt already queued by an earlier attempt")
			return job.Submission{PromptID: desc.ID}, nil
		}
	}

	sub, err := c.QueuePrompt(ctx, graph.Prompt(c.clientid, desc.ID))
	if err != nil {
		c.forget(desc.ID)
		if job.Retryable(err) {
			c.markUnconfirmed(desc.ID)
		}
		return job.Submission{}, err
	}
	item.Number = sub.Number
	c.log.Debug().Str("prompt", sub.PromptID).Int("number", sub.Number).Int("nodes", graph.Len()).Str("preset", p.Name).Msg("prompt queued")
	return sub, nil
}

func (c *ComfyClient) markUnconfirmed(promptID string) {
	c.mu.Lock()
	c.unconfirmed[promptID] = struct{}{}
	c.mu.Unlock()
}

func (c *ComfyClient) takeUnconfirmed(promptID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.unconfirmed[promptID]
	delete(c.unconfirmed, promptID)
	return ok
}

// promptKnown reports whether the server has the prompt queued, running or
// finished.
func (c *ComfyClient) promptKnown(ctx context.Context, promptID string) (bool, error) {
	q, err := c.GetQueue(ctx)
	if err != nil {
		return false, err
	}
	if queueHas(q.Running, promptID) || queueHas(q.Pending, promptID) {
		return true, nil
	}
	_, ok, err := c.GetPromptHistory(ctx, promptID)
	return ok, err
}

// uploadInputs stores the descriptor's images under names unique to the job,
// so jobs whose inputs share a file name never load each other's pixels.
func (c *ComfyClient) uploadInputs(ctx context.Context, desc job.Descriptor) (workflow.Inputs, error) {
	var in workflow.Inputs
	var err error
	if !desc.Image.Empty() {
		if in.Image, err = c.uploadInput(ctx, desc.Image.Path, uploadName(desc.ID, "image", desc.Image.Path)); err != nil {
			return in, err
		}
	}
	if !desc.Mask.Empty() {
		if in.Mask, err = c.uploadInput(ctx, desc.Mask.Path, uploadName(desc.ID, "mask", desc.Mask.Path)); err != nil {
			return in, err
		}
	}
	for i, cond := range desc.Conditioning {
		name, err := c.uploadInput(ctx, cond.Image.Path, uploadName(desc.ID, fmt.Sprintf("cond%d", i), cond.Image.Path))
		if err != nil {
			return in, err
		}
		in.Conditioning = append(in.Conditioning, name)
	}
	return in, nil
}

func (c *ComfyClient) uploadInput(ctx context.Context, path, name string) (string, error) {
	return c.UploadFileFromPath(ctx, path, name, true, InputImageType, c.subfolder)
}

func uploadName(jobID, role, path string) string {
	return jobID + "-" + role + "-" + filepath.Base(path)
}

// StreamProgress opens the event stream of a dispatched prompt. A prompt that
// completed while no session was open is settled from the server's history.
func (c *ComfyClient) StreamProgress(ctx context.Context, promptID string) (job.Stream, error) {
	c.mu.Lock()
	item, ok := c.queueditems[promptID]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: prompt %s was not queued by this client", job.ErrUnknownJob, promptID)
	}

	session, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}

	select {
	case <-item.Done():
	default:
		if err := c.settleFromHistory(ctx, item); err != nil {
			return nil, err
		}
	}
	return &promptStream{client: c, item: item, session: session}, nil
}

func (c *ComfyClient) settleFromHistory(ctx context.Context, item *QueueItem) error {
	h, ok, err := c.GetPromptHistory(ctx, item.PromptID)
	if err != nil || !ok {
		return err
	}
	switch h.Status.StatusStr {
	case "success":
		item.mu.Lock()
		item.results = h.Results()
		item.mu.Unlock()
		item.succeed()
	case "error":
		item.fail(fmt.Errorf("%w: prompt %s failed on the backend", job.ErrBackendRejected, item.PromptID))
	default:
		if h.Status.Completed {
			item.mu.Lock()
			item.results = h.Results()
			item.mu.Unlock()
			item.succeed()
		}
	}
	return nil
}

// Cancel removes the prompt from the server's queue, or interrupts it if it is
// running. A prompt the server no longer knows is treated as cancelled.
func (c *ComfyClient) Cancel(ctx context.Context, promptID string) error {
	q, err := c.GetQueue(ctx)
	if err != nil {
		return err
	}
	switch {
	case queueHas(q.Pending, promptID):
		return c.DeleteQueued(ctx, promptID)
	case queueHas(q.Running, promptID):
		return c.Interrupt(ctx, promptID)
	}
	return nil
}

// Close ends the websocket session. Open streams break.
func (c *ComfyClient) Close() error {
	c.mu.Lock()
	c.closed = true
	ws := c.ws
	c.ws = nil
	c.mu.Unlock()
	if ws != nil {
		return ws.Close()
	}
	return nil
}

// Release drops the client's state for a prompt nobody follows any more,
// such as one cancelled locally before the server confirmed it.
func (c *ComfyClient) Release(promptID string) {
	c.forget(promptID)
}

func (c *ComfyClient) forget(promptID string) {
	c.mu.Lock()
	delete(c.queueditems, promptID)
	c.mu.Unlock()
}

// connect returns the live session's done channel, dialing a new session if
// there is none.
func (c *ComfyClient) connect(ctx context.Context) (<-chan struct{}, error) {
	c.dialMu.Lock()
	defer c.dialMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if c.ws != nil {
		select {
		case <-c.ws.Done():
			c.ws = nil
		default:
			done := c.ws.Done()
			c.mu.Unlock()
			return done, nil
		}
	}
	c.mu.Unlock()

	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	ws := NewWebSocketConnection(c.websocketURL(), header, c, c.log)
	if err := ws.Connect(ctx, c.policy); err != nil {
		return nil, err
	}
	c.log.Info().Str("client_id", c.clientid).Msg("websocket connected")

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		ws.Close()
		return nil, ErrClosed
	}
	c.ws = ws
	return ws.Done(), nil
}

func (c *ComfyClient) websocketURL() string {
	u := *c.baseURL
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path += "/ws"
	u.RawQuery = url.Values{"clientId": {c.clientid}}.Encode()
	return u.String()
}

func (c *ComfyClient) OnDisconnect(err error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if !closed {
		c.log.Warn().Err(err).Msg("websocket disconnected")
	}
}

// OnMessage processes each message received from the websocket connection to ComfyUI
// and routes it to the QueueItem of the prompt it concerns.
func (c *ComfyClient) OnMessage(msg []byte) {
	message := &WSStatusMessage{}
	if err := json.Unmarshal(msg, message); err != nil {
		c.log.Error().Err(err).Msg("deserializing status message")
		return
	}

	switch s := message.Data.(type) {
	case *WSMessageDataStatus:
		c.mu.Lock()
		c.queuecount = s.Status.ExecInfo.QueueRemaining
		c.mu.Unlock()
		c.log.Debug().Int("queue_remaining", s.Status.ExecInfo.QueueRemaining).Msg("backend status")
	case *WSMessageDataExecutionStart:
		// progress messages from older servers carry no prompt id
		c.mu.Lock()
		c.lastProcessedPromptID = s.PromptID
		c.mu.Unlock()
	case *WSMessageDataExecutionCached:
		if qi := c.route(s.PromptID); qi != nil {
			qi.cached(s.Nodes)
		}
	case *WSMessageDataExecuting:
		qi := c.route(s.PromptID)
		if qi == nil {
			return
		}
		if s.Node == nil {
			// final node was processed
			qi.succeed()
		} else {
			qi.executing(*s.Node)
		}
	case *WSMessageDataProgress:
		if qi := c.route(s.PromptID); qi != nil {
			qi.step(s.Value, s.Max)
		}
	case *WSMessageDataExecuted:
		if qi := c.route(s.PromptID); qi != nil {
			qi.executed(s.Node, s.Output)
		}
	case *WSMessageExecutionSuccess:
		if qi := c.route(s.PromptID); qi != nil {
			qi.succeed()
		}
	case *WSMessageExecutionInterrupted:
		if qi := c.route(s.PromptID); qi != nil {
			qi.interrupt()
		}
	case *WSMessageExecutionError:
		if qi := c.route(s.PromptID); qi != nil {
			err := executionError(s)
			c.log.Error().Err(err).Str("prompt", s.PromptID).Strs("traceback", s.Traceback).Msg("prompt failed")
			qi.fail(err)
		}
	}
}

func (c *ComfyClient) route(promptID string) *QueueItem {
	c.mu.Lock()
	defer c.mu.Unlock()
	if promptID == "" {
		promptID = c.lastProcessedPromptID
	}
	return c.queueditems[promptID]
}
