package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/richinsley/comfyjobs/job"
	"github.com/richinsley/comfyjobs/workflow"
)

/*
@routes.get("/view")
@routes.get("/system_stats")
@routes.get("/history/{prompt_id}")
@routes.get("/queue")

@routes.post("/prompt")
@routes.post("/queue")
@routes.post("/interrupt")
@routes.post("/upload/image")
*/

func (c *ComfyClient) endpoint(path string, params url.Values) string {
	u := *c.baseURL
	u.Path += path
	if params != nil {
		u.RawQuery = params.Encode()
	}
	return u.String()
}

// do executes req and returns the response body. Transport failures and 5xx
// responses are connectivity errors; 4xx responses are rejections.
func (c *ComfyClient) do(req *http.Request) ([]byte, error) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.httpclient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %v", job.ErrConnectivity, req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", job.ErrConnectivity, req.URL.Path, err)
	}

	switch {
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: %s %s: %s", job.ErrConnectivity, req.Method, req.URL.Path, resp.Status)
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s %s: %s", job.ErrMissingResource, req.Method, req.URL.Path, resp.Status)
	case resp.StatusCode >= 400:
		// mmm-k, is it one of these:
		// {"error": {"type": "prompt_no_outputs",
		//				"message": "Prompt has no outputs",
		//				"details": "",
		//				"extra_info": {}
		//			  },
		// "node_errors": {}
		// }
		perror := PromptErrorMessage{}
		if err := json.Unmarshal(body, &perror); err == nil && perror.Error.Message != "" {
			return nil, fmt.Errorf("%w: %s", job.ErrBackendRejected, perror)
		}
		return nil, fmt.Errorf("%w: %s %s: %s", job.ErrBackendRejected, req.Method, req.URL.Path, resp.Status)
	}
	return body, nil
}

func (c *ComfyClient) get(ctx context.Context, path string, params url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(path, params), nil)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

func (c *ComfyClient) postJSON(ctx context.Context, path string, v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(path, nil), bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

// QueuePrompt posts a prompt. Node validation errors reject it.
func (c *ComfyClient) QueuePrompt(ctx context.Context, prompt workflow.Prompt) (job.Submission, error) {
	body, err := c.postJSON(ctx, "/prompt", prompt)
	if err != nil {
		return job.Submission{}, err
	}

	var resp promptResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return job.Submission{}, fmt.Errorf("%w: invalid prompt response: %v", job.ErrBackendRejected, err)
	}
	if len(resp.NodeErrors) > 0 {
		return job.Submission{}, fmt.Errorf("%w: %s", job.ErrBackendRejected, PromptErrorMessage{
			Error:      PromptError{Message: "prompt has node errors"},
			NodeErrors: resp.NodeErrors,
		})
	}
	if resp.PromptID == "" {
		resp.PromptID = prompt.PromptID
	}
	return job.Submission{PromptID: resp.PromptID, Number: resp.Number}, nil
}

// Interrupt stops the prompt if it is the one executing.
func (c *ComfyClient) Interrupt(ctx context.Context, promptID string) error {
	_, err := c.postJSON(ctx, "/interrupt", map[string]string{"prompt_id": promptID})
	return err
}

// DeleteQueued removes a pending prompt from the server's queue.
func (c *ComfyClient) DeleteQueued(ctx context.Context, promptIDs ...string) error {
	_, err := c.postJSON(ctx, "/queue", map[string][]string{"delete": promptIDs})
	return err
}

func (c *ComfyClient) GetQueue(ctx context.Context) (*QueueState, error) {
	body, err := c.get(ctx, "/queue", nil)
	if err != nil {
		return nil, err
	}
	q := &QueueState{}
	if err := json.Unmarshal(body, q); err != nil {
		return nil, fmt.Errorf("%w: invalid queue response: %v", job.ErrBackendRejected, err)
	}
	return q, nil
}

// GetPromptHistory returns the history record of a prompt; ok is false while
// the server has none.
func (c *ComfyClient) GetPromptHistory(ctx context.Context, promptID string) (PromptHistoryItem, bool, error) {
	body, err := c.get(ctx, "/history/"+url.PathEscape(promptID), nil)
	if err != nil {
		return PromptHistoryItem{}, false, err
	}
	history := make(map[string]PromptHistoryItem)
	if err := json.Unmarshal(body, &history); err != nil {
		return PromptHistoryItem{}, false, fmt.Errorf("%w: invalid history response: %v", job.ErrBackendRejected, err)
	}
	h, ok := history[promptID]
	return h, ok, nil
}

// FetchImage downloads a result image.
func (c *ComfyClient) FetchImage(ctx context.Context, ref job.ResultRef) ([]byte, error) {
	params := url.Values{}
	params.Add("filename", ref.Filename)
	params.Add("subfolder", ref.Subfolder)
	params.Add("type", ref.Type)
	return c.get(ctx, "/view", params)
}

func (c *ComfyClient) GetSystemStats(ctx context.Context) (*SystemStats, error) {
	body, err := c.get(ctx, "/system_stats", nil)
	if err != nil {
		return nil, err
	}
	retv := &SystemStats{}
	if err := json.Unmarshal(body, retv); err != nil {
		return nil, fmt.Errorf("%w: invalid system stats: %v", job.ErrBackendRejected, err)
	}
	return retv, nil
}
