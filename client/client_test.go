package client

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/synthflow/synthflow/graphapi"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"api error passes through", &APIError{Kind: AuthenticationError, StatusCode: 401}, AuthenticationError},
		{"deadline exceeded", context.DeadlineExceeded, TimeoutError},
		{"wrapped deadline", fmt.Errorf("call failed: %w", context.DeadlineExceeded), TimeoutError},
		{"op error is connection", &net.OpError{Op: "dial", Err: errors.New("refused")}, ConnectionError},
		{"anything else is network", errors.New("boom"), NetworkError},
	}
	for _, tc := range cases {
		if got := Classify(tc.err); got != tc.want {
			t.Errorf("%s: expected %s, got %s", tc.name, tc.want, got)
		}
	}
}

func TestKindForStatus(t *testing.T) {
	cases := map[int]ErrorKind{
		401: AuthenticationError,
		403: AuthenticationError,
		422: ValidationError,
		408: TimeoutError,
		503: ConnectionError,
		500: NetworkError,
	}
	for status, want := range cases {
		if got := kindForStatus(status); got != want {
			t.Errorf("status %d: expected %s, got %s", status, want, got)
		}
	}
}

func TestRecoveryActions(t *testing.T) {
	if Recovery(AuthenticationError) != ActionManual {
		t.Error("authentication errors need manual intervention")
	}
	if Recovery(ValidationError) != ActionFallback {
		t.Error("validation errors should offer the fallback path")
	}
	if Recovery(TimeoutError) != ActionRetry {
		t.Error("timeouts are retryable")
	}
}

func testClient(srv *httptest.Server) *PreprocessClient {
	c := NewPreprocessClient("localhost", 0)
	c.SetBaseAddress(strings.TrimPrefix(srv.URL, "http://"))
	c.SetHttpClient(srv.Client())
	return c
}

func TestPreprocessImage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/preprocess" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("bad multipart body: %v", err)
		}
		if got := r.FormValue("preprocessor"); got != "pose" {
			t.Errorf("expected preprocessor pose, got %q", got)
		}
		if _, _, err := r.FormFile("image"); err != nil {
			t.Errorf("missing image part: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]string{
			"guideImageURL":   "https://x/guide.png",
			"preprocessor":    "pose",
			"sourceImageUUID": "u-1",
		})
	}))
	defer srv.Close()

	c := testClient(srv)
	got, err := c.PreprocessImage(context.Background(), strings.NewReader("fakeimg"), "src.png", graphapi.PreprocessorPose)
	if err != nil {
		t.Fatalf("PreprocessImage failed: %v", err)
	}
	if got.GuideImageURL != "https://x/guide.png" || got.Preprocessor != graphapi.PreprocessorPose {
		t.Errorf("unexpected result %+v", got)
	}
	if got.SourceImageUUID != "u-1" {
		t.Errorf("source uuid lost: %+v", got)
	}
	if got.CreatedAt.IsZero() {
		t.Error("CreatedAt not stamped")
	}
}

func TestPreprocessImageErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(map[string]string{"error": "unsupported image"})
	}))
	defer srv.Close()

	c := testClient(srv)
	_, err := c.PreprocessImage(context.Background(), strings.NewReader("x"), "src.png", graphapi.PreprocessorDepth)
	if err == nil {
		t.Fatal("expected error")
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %T", err)
	}
	if apiErr.Kind != ValidationError || apiErr.Message != "unsupported image" {
		t.Errorf("unexpected classification: %+v", apiErr)
	}
	if Classify(err) != ValidationError {
		t.Error("Classify should surface the API error kind")
	}
}

func TestUploadImageFromReader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/upload/image" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]string{"url": "https://x/stored.png"})
	}))
	defer srv.Close()

	c := testClient(srv)
	url, err := c.UploadImageFromReader(context.Background(), strings.NewReader("fakeimg"), "src.png")
	if err != nil {
		t.Fatalf("upload failed: %v", err)
	}
	if url != "https://x/stored.png" {
		t.Errorf("unexpected url %q", url)
	}
}

func TestFetchImageDataURL(t *testing.T) {
	payload := base64.StdEncoding.EncodeToString([]byte("rawbytes"))
	c := NewPreprocessClient("localhost", 0)

	raw, name, err := c.FetchImage(context.Background(), "data:image/jpeg;base64,"+payload)
	if err != nil {
		t.Fatalf("FetchImage failed: %v", err)
	}
	if string(raw) != "rawbytes" {
		t.Errorf("decoded payload wrong: %q", raw)
	}
	if name != "source.jpg" {
		t.Errorf("expected jpeg extension, got %q", name)
	}
}

func TestFetchImageMalformedDataURL(t *testing.T) {
	c := NewPreprocessClient("localhost", 0)
	_, _, err := c.FetchImage(context.Background(), "data:image/png;base64")
	if Classify(err) != ValidationError {
		t.Errorf("malformed data URL should classify as validation, got %v", err)
	}
}

func TestFetchImageRemote(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("imagebody"))
	}))
	defer srv.Close()

	c := NewPreprocessClient("localhost", 0)
	c.SetHttpClient(srv.Client())
	raw, name, err := c.FetchImage(context.Background(), srv.URL+"/images/cat.png")
	if err != nil {
		t.Fatalf("FetchImage failed: %v", err)
	}
	if string(raw) != "imagebody" {
		t.Errorf("unexpected body %q", raw)
	}
	if name != "cat.png" {
		t.Errorf("unexpected filename %q", name)
	}
}

func TestReconnectDelayBackoff(t *testing.T) {
	w := &ProgressListener{BaseDelay: time.Second, MaxDelay: 10 * time.Second}

	if got := w.getReconnectDelay(); got != time.Second {
		t.Errorf("first delay should be base, got %v", got)
	}
	if got := w.getReconnectDelay(); got != 2*time.Second {
		t.Errorf("second delay should double, got %v", got)
	}
	w.RetryCount = 20
	if got := w.getReconnectDelay(); got != 10*time.Second {
		t.Errorf("delay should cap at max, got %v", got)
	}
}
