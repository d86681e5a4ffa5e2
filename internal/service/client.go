package service

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"

	"github.com/CZERTAINLY/Ingestor/internal/model"
)

const (
	uploadPath  = "api/v1/bom"
	contentType = "application/vnd.cyclonedx+json; version = 1.6"
)

// ErrRejected is returned when the repository refuses a BOM with a problem
// report (RFC 9457).
var ErrRejected = errors.New("bom rejected by repository")

// BOMRepoUploader posts BOMs to a CZERTAINLY BOM repository.
type BOMRepoUploader struct {
	endpoint string
	client   *http.Client
	token    string
}

// NewBOMRepoUploader expects the repository root, e.g. http://bom.example.net.
// Environment references in serverURL are expanded.
func NewBOMRepoUploader(serverURL string, auth model.Auth) (*BOMRepoUploader, error) {
	u, err := model.ParseURL(serverURL)
	if err != nil {
		return nil, fmt.Errorf("repository url: %w", err)
	}
	base := u.AsURL()
	if base.Scheme == "" || base.Host == "" || strings.Trim(base.Path, "/") != "" {
		return nil, fmt.Errorf("repository url %q must have a scheme and host and no path", serverURL)
	}

	base.Path = "/"
	c := &BOMRepoUploader{
		endpoint: base.JoinPath(uploadPath).String(),
		client:   &http.Client{},
	}
	switch auth.Type {
	case "", model.AuthTypeNone:
	case model.AuthTypeStaticToken:
		if auth.Token == "" {
			return nil, errors.New("static_token auth requires a token")
		}
		c.token = auth.Token
	default:
		return nil, fmt.Errorf("unsupported repository auth type %q", auth.Type)
	}
	return c, nil
}

func (c *BOMRepoUploader) Upload(ctx context.Context, raw []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	created, err := readCreated(resp)
	if err != nil {
		return err
	}
	slog.DebugContext(ctx, "BOM uploaded", "urn", created.SerialNumber, "version", created.Version)
	return nil
}

// BOMCreateResponse is the body of 201 Created.
type BOMCreateResponse struct {
	SerialNumber string `json:"serialNumber"`
	Version      int    `json:"version"`
}

type problem struct {
	Title  string `json:"title"`
	Detail string `json:"detail"`
}

func readCreated(resp *http.Response) (BOMCreateResponse, error) {
	var created BOMCreateResponse
	switch resp.StatusCode {
	case http.StatusCreated:
		if err := decodeJSON(resp, "application/json", &created); err != nil {
			return created, err
		}
		if created.SerialNumber == "" || created.Version == 0 {
			return created, errors.New("repository response lacks serial number or version")
		}
		return created, nil
	case http.StatusBadRequest, http.StatusConflict, http.StatusUnsupportedMediaType:
		var p problem
		if err := decodeJSON(resp, "application/problem+json", &p); err != nil {
			return created, err
		}
		return created, fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, cmp.Or(p.Detail, p.Title))
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return created, fmt.Errorf("unexpected repository status %d: %s", resp.StatusCode, body)
	}
}

func decodeJSON(resp *http.Response, want string, v any) error {
	got, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		return fmt.Errorf("parsing response content type: %w", err)
	}
	if got != want {
		return fmt.Errorf("expected %s response, got %s", want, got)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decoding %s response: %w", want, err)
	}
	return nil
}
