package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
)

// multipartBody wraps an image reader and extra form fields into a
// multipart request body (like FormData in the editor).
func multipartBody(r io.Reader, filename string, fields map[string]string) (*bytes.Buffer, string, error) {
	var requestBody bytes.Buffer
	writer := multipart.NewWriter(&requestBody)

	formFile, err := writer.CreateFormFile("image", filename)
	if err != nil {
		return nil, "", err
	}
	if _, err = io.Copy(formFile, r); err != nil {
		return nil, "", err
	}

	for k, v := range fields {
		_ = writer.WriteField(k, v)
	}

	writer.Close()
	return &requestBody, writer.FormDataContentType(), nil
}

// UploadImageFromReader uploads an image blob and returns the durable URL
// the provider assigned to it.
func (c *PreprocessClient) UploadImageFromReader(ctx context.Context, r io.Reader, filename string) (string, error) {
	body, contentType, err := multipartBody(r, filename, map[string]string{
		"client_id": c.clientid,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("http://%s/upload/image", c.serverBaseAddress), body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.httpclient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", apiErrorFromResponse(resp)
	}

	var data struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return "", err
	}
	if data.URL == "" {
		return "", &APIError{Kind: ValidationError, StatusCode: resp.StatusCode, Message: "response missing url"}
	}
	return data.URL, nil
}

// UploadImageFromPath uploads an image file from disk.
func (c *PreprocessClient) UploadImageFromPath(ctx context.Context, filePath string) (string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return "", err
	}
	defer file.Close()

	return c.UploadImageFromReader(ctx, file, filepath.Base(filePath))
}

// UploadImage encodes an image.Image as PNG and uploads it.
func (c *PreprocessClient) UploadImage(ctx context.Context, img image.Image, filename string) (string, error) {
	var buffer bytes.Buffer
	if err := png.Encode(&buffer, img); err != nil {
		return "", err
	}

	return c.UploadImageFromReader(ctx, bytes.NewReader(buffer.Bytes()), filepath.Base(filename))
}
