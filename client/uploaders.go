package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"

	"github.com/richinsley/comfyjobs/job"
)

type ImageType string

const (
	InputImageType  ImageType = "input"
	TempImageType   ImageType = "temp"
	OutputImageType ImageType = "output"
)

// UploadFileFromReader stores an input image on the server and returns the
// name the server chose for it, which may differ from filename.
func (c *ComfyClient) UploadFileFromReader(ctx context.Context, r io.Reader, filename string, overwrite bool, filetype ImageType, subfolder string) (string, error) {
	// Create a buffer to store the request body
	var requestBody bytes.Buffer

	// Create a multipart writer to wrap the file (like FormData)
	writer := multipart.NewWriter(&requestBody)

	formFile, err := writer.CreateFormFile("image", filename)
	if err != nil {
		return "", err
	}
	if _, err = io.Copy(formFile, r); err != nil {
		return "", err
	}

	_ = writer.WriteField("overwrite", fmt.Sprintf("%v", overwrite))
	_ = writer.WriteField("type", string(filetype))
	if subfolder != "" {
		_ = writer.WriteField("subfolder", subfolder)
	}

	// Close the writer to finalize the body content
	writer.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/upload/image", nil), &requestBody)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	body, err := c.do(req)
	if err != nil {
		return "", err
	}

	var data struct {
		Name      string `json:"name"`
		Subfolder string `json:"subfolder"`
	}
	if err := json.Unmarshal(body, &data); err != nil || data.Name == "" {
		return "", fmt.Errorf("%w: invalid upload response", job.ErrBackendRejected)
	}

	// LoadImage expects "subfolder/name" for files outside the input root
	if data.Subfolder != "" {
		return data.Subfolder + "/" + data.Name, nil
	}
	return data.Name, nil
}

// UploadFileFromPath uploads the file at filePath as name, or under its base
// name when name is empty.
func (c *ComfyClient) UploadFileFromPath(ctx context.Context, filePath, name string, overwrite bool, filetype ImageType, subfolder string) (string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return "", fmt.Errorf("%w: %v", job.ErrInvalidDescriptor, err)
	}
	defer file.Close()

	if name == "" {
		name = filepath.Base(filePath)
	}
	return c.UploadFileFromReader(ctx, file, name, overwrite, filetype, subfolder)
}
