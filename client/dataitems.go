package client

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/richinsley/comfyjobs/job"
)

// There may be other DataOutput types.  Text nodes emit plain strings.

type DataOutput struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
	Text      string `json:"-"` // for "text" type data output
}

func (d DataOutput) Ref() job.ResultRef {
	return job.ResultRef{Filename: d.Filename, Subfolder: d.Subfolder, Type: d.Type}
}

type SystemStats struct {
	System  System `json:"system"`
	Devices []GPU  `json:"devices"`
}

type System struct {
	OS             string `json:"os"`
	PythonVersion  string `json:"python_version"`
	ComfyUIVersion string `json:"comfyui_version,omitempty"`
	EmbeddedPython bool   `json:"embedded_python"`
}

type GPU struct {
	Name             string `json:"name"`
	Type             string `json:"type"`
	Index            int    `json:"index"`
	VRAM_Total       int64  `json:"vram_total"`
	VRAM_Free        int64  `json:"vram_free"`
	Torch_VRAM_Total int64  `json:"torch_vram_total"`
	Torch_VRAM_Free  int64  `json:"torch_vram_free"`
}

// QueueState is the body of GET /queue. Each entry is
// [number, prompt_id, prompt, extra_data, outputs_to_execute].
type QueueState struct {
	Running []json.RawMessage `json:"queue_running"`
	Pending []json.RawMessage `json:"queue_pending"`
}

func queueHas(entries []json.RawMessage, promptID string) bool {
	for _, raw := range entries {
		var entry []json.RawMessage
		if err := json.Unmarshal(raw, &entry); err != nil || len(entry) < 2 {
			continue
		}
		var id string
		if err := json.Unmarshal(entry[1], &id); err == nil && id == promptID {
			return true
		}
	}
	return false
}

// PromptHistoryItem is one entry of GET /history/{prompt_id}.
type PromptHistoryItem struct {
	Outputs map[string]struct {
		Images []DataOutput `json:"images"`
	} `json:"outputs"`
	Status struct {
		StatusStr string            `json:"status_str"`
		Completed bool              `json:"completed"`
		Messages  []json.RawMessage `json:"messages"`
	} `json:"status"`
}

// Results returns the output images, final outputs first.
func (h PromptHistoryItem) Results() []job.ResultRef {
	var outputs, temps []job.ResultRef
	for _, o := range h.Outputs {
		for _, img := range o.Images {
			if img.Type == string(OutputImageType) {
				outputs = append(outputs, img.Ref())
			} else {
				temps = append(temps, img.Ref())
			}
		}
	}
	if len(outputs) == 0 {
		return temps
	}
	return outputs
}

type promptResponse struct {
	PromptID   string                 `json:"prompt_id"`
	Number     int                    `json:"number"`
	NodeErrors map[string]interface{} `json:"node_errors"`
}

type PromptError struct {
	Type      string                 `json:"type"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details"`
	ExtraInfo map[string]interface{} `json:"extra_info"`
}

type PromptErrorMessage struct {
	Error      PromptError            `json:"error"`
	NodeErrors map[string]interface{} `json:"node_errors"`
}

func (m PromptErrorMessage) String() string {
	var b strings.Builder
	b.WriteString(m.Error.Message)
	if m.Error.Details != "" {
		fmt.Fprintf(&b, ": %s", m.Error.Details)
	}
	for node := range m.NodeErrors {
		fmt.Fprintf(&b, " (node %s)", node)
	}
	return b.String()
}
