package client

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/synthflow/synthflow/graphapi"
)

// Preprocessor is the surface the trigger and executor need from the
// provider: run a named preprocessor over an image blob.
type Preprocessor interface {
	PreprocessImage(ctx context.Context, r io.Reader, filename string, kind graphapi.PreprocessorKind) (*graphapi.PreprocessedImage, error)
}

// ImageFetcher resolves an image reference (data URL or remote URL) to its
// bytes for blob conversion.
type ImageFetcher interface {
	FetchImage(ctx context.Context, imageURL string) ([]byte, string, error)
}

// PreprocessClient talks to the external image-generation provider's
// preprocessing and upload endpoints.
type PreprocessClient struct {
	serverBaseAddress string
	clientid          string
	httpclient        *http.Client
}

// NewPreprocessClient creates a new provider client.
func NewPreprocessClient(serverAddress string, serverPort int) *PreprocessClient {
	return NewPreprocessClientWithTimeout(serverAddress, serverPort, 0)
}

// NewPreprocessClientWithTimeout creates a new provider client whose
// requests time out after the given duration (0 means no client timeout;
// per-call contexts still apply).
func NewPreprocessClientWithTimeout(serverAddress string, serverPort int, timeout time.Duration) *PreprocessClient {
	retv := &PreprocessClient{
		serverBaseAddress: serverAddress + ":" + strconv.Itoa(serverPort),
		clientid:          uuid.New().String(),
		httpclient:        &http.Client{Timeout: timeout},
	}
	return retv
}

// ClientID returns the unique client ID for this connection to the provider.
func (c *PreprocessClient) ClientID() string {
	return c.clientid
}

// HttpClient returns the underlying http client.
func (c *PreprocessClient) HttpClient() *http.Client {
	return c.httpclient
}

// SetHttpClient replaces the underlying http client.
func (c *PreprocessClient) SetHttpClient(client *http.Client) {
	c.httpclient = client
}

// SetBaseAddress points the client at a different provider address.
// Intended for tests.
func (c *PreprocessClient) SetBaseAddress(addr string) {
	c.serverBaseAddress = addr
}

// PreprocessImage uploads an image blob and runs the named preprocessor
// over it.
//
// Parameters:
//   - r: the image bytes
//   - filename: the name reported to the provider
//   - kind: which preprocessor to run (pose, depth, edge)
//
// Returns the preprocessed guide image descriptor, or an *APIError/
// transport error classifiable with Classify.
func (c *PreprocessClient) PreprocessImage(ctx context.Context, r io.Reader, filename string, kind graphapi.PreprocessorKind) (*graphapi.PreprocessedImage, error) {
	fields := map[string]string{
		"preprocessor": string(kind),
		"client_id":    c.clientid,
	}
	body, contentType, err := multipartBody(r, filename, fields)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("http://%s/preprocess", c.serverBaseAddress), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.httpclient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apiErrorFromResponse(resp)
	}

	var data struct {
		GuideImageURL   string `json:"guideImageURL"`
		Preprocessor    string `json:"preprocessor"`
		SourceImageUUID string `json:"sourceImageUUID"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, err
	}
	if data.GuideImageURL == "" {
		return nil, &APIError{Kind: ValidationError, StatusCode: resp.StatusCode, Message: "response missing guideImageURL"}
	}

	retv := &graphapi.PreprocessedImage{
		GuideImageURL:   data.GuideImageURL,
		Preprocessor:    graphapi.PreprocessorKind(data.Preprocessor),
		SourceImageUUID: data.SourceImageUUID,
		CreatedAt:       time.Now(),
	}
	if retv.Preprocessor == graphapi.PreprocessorNone {
		retv.Preprocessor = kind
	}
	return retv, nil
}

// FetchImage resolves an image reference to its raw bytes.  Data URLs are
// decoded locally; anything else is fetched over HTTP.
func (c *PreprocessClient) FetchImage(ctx context.Context, imageURL string) ([]byte, string, error) {
	if strings.HasPrefix(imageURL, "data:") {
		comma := strings.IndexByte(imageURL, ',')
		if comma == -1 {
			return nil, "", &APIError{Kind: ValidationError, Message: "malformed data URL"}
		}
		raw, err := base64.StdEncoding.DecodeString(imageURL[comma+1:])
		if err != nil {
			return nil, "", &APIError{Kind: ValidationError, Message: "malformed data URL payload"}
		}
		return raw, "source" + extensionForDataURL(imageURL[:comma]), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := c.httpclient.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", apiErrorFromResponse(resp)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", err
	}
	name := imageURL[strings.LastIndexByte(imageURL, '/')+1:]
	if name == "" {
		name = "source.png"
	}
	return raw, name, nil
}

func extensionForDataURL(header string) string {
	switch {
	case strings.Contains(header, "image/jpeg"):
		return ".jpg"
	case strings.Contains(header, "image/webp"):
		return ".webp"
	}
	return ".png"
}

func apiErrorFromResponse(resp *http.Response) error {
	msg := resp.Status
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err == nil && len(body) > 0 {
		var data struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		if json.Unmarshal(body, &data) == nil {
			if data.Error != "" {
				msg = data.Error
			} else if data.Message != "" {
				msg = data.Message
			}
		}
	}
	return &APIError{
		Kind:       kindForStatus(resp.StatusCode),
		StatusCode: resp.StatusCode,
		Message:    msg,
	}
}
