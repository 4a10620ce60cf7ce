package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/developingchet/cascade-guard/internal/audit"
)

// apiResponse is the envelope every backend endpoint answers with.
type apiResponse struct {
	Data json.RawMessage `json:"data"`
}

// doJSON sends payload (nil for no body) and decodes the envelope's data
// into out (nil to discard). The request is rebuilt on re-auth retry.
func doJSON(ctx context.Context, c *httpClient, method, path, endpoint string, payload, out any) error {
	var body []byte
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal %s request: %w", endpoint, err)
		}
		body = b
	}
	return c.withReauth(ctx, func() error {
		var rd *bytes.Reader
		if body != nil {
			rd = bytes.NewReader(body)
		}
		req, err := newRequest(ctx, method, c.cfg.BaseURL+path, rd)
		if err != nil {
			return err
		}
		resp, err := c.apiDo(ctx, req, endpoint)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if out == nil || resp.StatusCode == http.StatusNoContent {
			return nil
		}
		var env apiResponse
		if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
			return fmt.Errorf("decode %s response: %w", endpoint, err)
		}
		if len(env.Data) == 0 {
			return fmt.Errorf("%s: empty response data", endpoint)
		}
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decode %s data: %w", endpoint, err)
		}
		return nil
	})
}

func newRequest(ctx context.Context, method, target string, body *bytes.Reader) (*http.Request, error) {
	if body == nil {
		return http.NewRequestWithContext(ctx, method, target, nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// ---- Deletions -------------------------------------------------------------

func (c *httpClient) PreviewDeletion(ctx context.Context, entityID string) (Preview, error) {
	if entityID == "" {
		return Preview{}, fmt.Errorf("preview: empty entity id")
	}
	var p Preview
	if err := doJSON(ctx, c, http.MethodGet, previewPath(entityID), "deletion/preview", nil, &p); err != nil {
		return Preview{}, err
	}
	if p.EntityID == "" {
		p.EntityID = entityID
	}
	return p, nil
}

// ExecuteDeletion submits the deletion and returns the server's operation id.
func (c *httpClient) ExecuteDeletion(ctx context.Context, entityID string, opts ExecuteOptions) (string, error) {
	if entityID == "" {
		return "", fmt.Errorf("execute: empty entity id")
	}
	req := struct {
		EntityID string `json:"entityId"`
		ExecuteOptions
	}{EntityID: entityID, ExecuteOptions: opts}
	var out struct {
		OperationID string `json:"operationId"`
	}
	if err := doJSON(ctx, c, http.MethodPost, pathDeletions, "deletion/execute", req, &out); err != nil {
		return "", err
	}
	if out.OperationID == "" {
		return "", fmt.Errorf("execute: response carried no operation id")
	}
	return out.OperationID, nil
}

func (c *httpClient) CancelDeletion(ctx context.Context, operationID string) error {
	if operationID == "" {
		return fmt.Errorf("cancel: empty operation id")
	}
	return doJSON(ctx, c, http.MethodPost, cancelPath(operationID), "deletion/cancel", struct{}{}, nil)
}

func (c *httpClient) DeletionStatus(ctx context.Context, operationID string) (DeletionStatus, error) {
	if operationID == "" {
		return DeletionStatus{}, fmt.Errorf("status: empty operation id")
	}
	var st DeletionStatus
	if err := doJSON(ctx, c, http.MethodGet, statusPath(operationID), "deletion/status", nil, &st); err != nil {
		return DeletionStatus{}, err
	}
	if st.OperationID == "" {
		st.OperationID = operationID
	}
	return st, nil
}

// ---- Session and verification ---------------------------------------------

func (c *httpClient) RefreshSession(ctx context.Context) (Session, error) {
	var s Session
	if err := doJSON(ctx, c, http.MethodPost, pathRefresh, "auth/refresh", struct{}{}, &s); err != nil {
		return Session{}, err
	}
	return s, nil
}

// VerifyPassword asks the backend to check a re-entered password. A 403
// counts as a rejection, not an error.
func (c *httpClient) VerifyPassword(ctx context.Context, subject, password string) (bool, error) {
	req := map[string]string{"subject": subject, "password": password}
	var out struct {
		Valid bool `json:"valid"`
	}
	err := doJSON(ctx, c, http.MethodPost, pathVerifyPassword, "auth/verify-password", req, &out)
	var forbidden *ErrForbidden
	switch {
	case err == nil:
		return out.Valid, nil
	case errors.As(err, &forbidden):
		return false, nil
	}
	return false, err
}

// ---- Audit -----------------------------------------------------------------

func (c *httpClient) PostAuditEvents(ctx context.Context, events []audit.Event) error {
	if len(events) == 0 {
		return nil
	}
	return doJSON(ctx, c, http.MethodPost, pathAudit, "audit/events", map[string]any{"events": events}, nil)
}

// ---- Paths -----------------------------------------------------------------

const (
	pathLogin          = "/api/auth/login"
	pathRefresh        = "/api/auth/refresh"
	pathVerifyPassword = "/api/auth/verify-password"
	pathDeletions      = "/api/deletions"
	pathAudit          = "/api/audit/events"
	pathFeatures       = "/api/features"
	pathHealth         = "/api/health"
)

func previewPath(entityID string) string {
	return "/api/entities/" + url.PathEscape(entityID) + "/deletion-preview"
}

func statusPath(operationID string) string {
	return pathDeletions + "/" + url.PathEscape(operationID)
}

func cancelPath(operationID string) string {
	return pathDeletions + "/" + url.PathEscape(operationID) + "/cancel"
}
