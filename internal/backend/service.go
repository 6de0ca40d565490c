package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("backend")

// CodeRequest is the body of a run or submit call.
type CodeRequest struct {
	Language string `json:"language"`
	Code     string `json:"code"`
}

// Verdict is the judge's answer to a run or submit call.
type Verdict struct {
	Status string `json:"status"`
	Passed int    `json:"passed"`
	Total  int    `json:"total"`
	Output string `json:"output,omitempty"`
}

// Accepted reports whether every test case passed.
func (v Verdict) Accepted() bool {
	return v.Status == "accepted"
}

// APIError is a non-2xx answer from the backend.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("backend: %d %s", e.Status, e.Message)
}

//go:generate mockgen -source=service.go -destination=mock/service_mock.go -package=mock_backend

// Service is the subset of the backend REST API the client core calls.
type Service interface {
	LeaveRoom(ctx context.Context, roomID string) error
	Run(ctx context.Context, gameID string, req CodeRequest) (*Verdict, error)
	Submit(ctx context.Context, gameID string, req CodeRequest) (*Verdict, error)
}

type httpService struct {
	baseURL string
	auth    AuthProvider
	client  *http.Client
}

// NewHTTPClient returns an instrumented client for backend calls.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

func NewService(baseURL string, auth AuthProvider, client *http.Client) Service {
	if client == nil {
		client = NewHTTPClient(10 * time.Second)
	}
	return &httpService{baseURL: strings.TrimRight(baseURL, "/"), auth: auth, client: client}
}

func (s *httpService) LeaveRoom(ctx context.Context, roomID string) error {
	ctx, span := tracer.Start(ctx, "backend.LeaveRoom", trace.WithAttributes(
		attribute.String("room.id", roomID),
	))
	defer span.End()

	endpoint := fmt.Sprintf("%s/api/rooms/%s/leave", s.baseURL, url.PathEscape(roomID))
	if err := do(ctx, s.client, http.MethodPost, endpoint, s.auth.Token(), nil, nil); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to leave room")
		return err
	}
	return nil
}

func (s *httpService) Run(ctx context.Context, gameID string, req CodeRequest) (*Verdict, error) {
	return s.judge(ctx, "run", gameID, req)
}

func (s *httpService) Submit(ctx context.Context, gameID string, req CodeRequest) (*Verdict, error) {
	return s.judge(ctx, "submit", gameID, req)
}

func (s *httpService) judge(ctx context.Context, action, gameID string, req CodeRequest) (*Verdict, error) {
	ctx, span := tracer.Start(ctx, "backend."+action, trace.WithAttributes(
		attribute.String("game.id", gameID),
		attribute.String("code.language", req.Language),
	))
	defer span.End()

	var v Verdict
	endpoint := fmt.Sprintf("%s/api/games/%s/%s", s.baseURL, url.PathEscape(gameID), action)
	if err := do(ctx, s.client, http.MethodPost, endpoint, s.auth.Token(), req, &v); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to "+action+" code")
		return nil, err
	}
	span.SetAttributes(attribute.String("verdict.status", v.Status))
	return &v, nil
}

// envelope is the backend's response wrapper.
type envelope struct {
	Success bool            `json:"success"`
	Code    int             `json:"code"`
	Extras  json.RawMessage `json:"extras"`
}

func do(ctx context.Context, client *http.Client, method, endpoint, token string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	var env envelope
	_ = json.Unmarshal(raw, &env)

	if resp.StatusCode < 200 || resp.StatusCode > 299 || (len(raw) > 0 && !env.Success && env.Code != 0) {
		var msg struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(env.Extras, &msg)
		if msg.Message == "" {
			msg.Message = http.StatusText(resp.StatusCode)
		}
		return &APIError{Status: resp.StatusCode, Message: msg.Message}
	}

	if out == nil || len(env.Extras) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Extras, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
