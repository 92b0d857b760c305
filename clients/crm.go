package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/crmsync_backend/retry"
)

// CRMClient talks to System A (the CRM). Object records come back as
// {"id": "...", "properties": {...}}; association edges live under the v4
// associations API and are idempotent at this layer: adding an existing edge
// or removing a missing one is a no-op, because the dispatcher may replay the
// same logical change more than once.
type CRMClient struct {
	baseURL      string
	accessToken  string
	changeSource string
	http         *http.Client
	retryPolicy  retry.Policy
	sleeper      retry.Sleeper
}

func NewCRMClient() (*CRMClient, error) {
	baseURL := strings.TrimSpace(os.Getenv("CRM_API_BASE_URL"))
	if baseURL == "" {
		baseURL = "https://api.crmplatform.com"
	}
	token := strings.TrimSpace(os.Getenv("CRM_ACCESS_TOKEN"))
	if token == "" {
		return nil, fmt.Errorf("CRM_ACCESS_TOKEN is empty")
	}
	// The identity our writes carry in CRM webhook changeSource fields.
	changeSource := strings.TrimSpace(os.Getenv("CRM_CHANGE_SOURCE"))
	if changeSource == "" {
		changeSource = "INTEGRATION"
	}

	return &CRMClient{
		baseURL:      strings.TrimRight(baseURL, "/"),
		accessToken:  token,
		changeSource: changeSource,
		http:         &http.Client{Timeout: 30 * time.Second},
		retryPolicy: retry.Policy{
			MaxAttempts: 5,
			BaseDelay:   500 * time.Millisecond,
			MaxDelay:    8 * time.Second,
		},
		sleeper: retry.Default,
	}, nil
}

// OriginTag is the change-source identity the dispatcher filters on to break
// replay loops.
func (c *CRMClient) OriginTag() string {
	return c.changeSource
}

func (c *CRMClient) Get(ctx context.Context, objectType string, id string) (Record, error) {
	var out Record
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/crm/v3/objects/%s/%s", objectType, id), nil, &out)
	return out, err
}

func (c *CRMClient) Create(ctx context.Context, objectType string, props Record) (Record, error) {
	var out Record
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/crm/v3/objects/%s", objectType), Record{"properties": props}, &out)
	return out, err
}

func (c *CRMClient) Update(ctx context.Context, objectType string, id string, props Record) (Record, error) {
	var out Record
	err := c.do(ctx, http.MethodPatch, fmt.Sprintf("/crm/v3/objects/%s/%s", objectType, id), Record{"properties": props}, &out)
	return out, err
}

func (c *CRMClient) Delete(ctx context.Context, objectType string, id string) error {
	err := c.do(ctx, http.MethodDelete, fmt.Sprintf("/crm/v3/objects/%s/%s", objectType, id), nil, nil)
	if IsNotFound(err) {
		return nil
	}
	return err
}

type crmSearchFilter struct {
	PropertyName string `json:"propertyName"`
	Operator     string `json:"operator"`
	Value        string `json:"value"`
}

type crmSearchRequest struct {
	FilterGroups []struct {
		Filters []crmSearchFilter `json:"filters"`
	} `json:"filterGroups"`
	Limit int `json:"limit"`
}

type crmListResponse struct {
	Results []Record `json:"results"`
	Paging  *struct {
		Next struct {
			After string `json:"after"`
		} `json:"next"`
	} `json:"paging"`
}

func (c *CRMClient) Search(ctx context.Context, objectType string, filters map[string]string) ([]Record, error) {
	req := crmSearchRequest{Limit: 10}
	var group struct {
		Filters []crmSearchFilter `json:"filters"`
	}
	for prop, value := range filters {
		group.Filters = append(group.Filters, crmSearchFilter{PropertyName: prop, Operator: "EQ", Value: value})
	}
	req.FilterGroups = append(req.FilterGroups, group)

	var out crmListResponse
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/crm/v3/objects/%s/search", objectType), req, &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}

// List pages through all objects of a type. cursor is the opaque paging token;
// an empty returned cursor means the last page.
func (c *CRMClient) List(ctx context.Context, objectType string, limit int, cursor string) ([]Record, string, error) {
	if limit <= 0 {
		limit = 100
	}
	params := url.Values{}
	params.Set("limit", fmt.Sprintf("%d", limit))
	if cursor != "" {
		params.Set("after", cursor)
	}

	var out crmListResponse
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/crm/v3/objects/%s?%s", objectType, params.Encode()), nil, &out); err != nil {
		return nil, "", err
	}
	next := ""
	if out.Paging != nil {
		next = out.Paging.Next.After
	}
	return out.Results, next, nil
}

type crmAssociationResult struct {
	Results []struct {
		ToObjectId json.Number `json:"toObjectId"`
	} `json:"results"`
}

func (c *CRMClient) ListAssociations(ctx context.Context, fromType string, fromId string, toType string) ([]string, error) {
	var out crmAssociationResult
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/crm/v4/objects/%s/%s/associations/%s", fromType, fromId, toType), nil, &out)
	if IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(out.Results))
	for _, r := range out.Results {
		ids = append(ids, r.ToObjectId.String())
	}
	return ids, nil
}

func (c *CRMClient) AddAssociation(ctx context.Context, fromType string, fromId string, toType string, toId string, relation string) error {
	path := fmt.Sprintf("/crm/v4/objects/%s/%s/associations/default/%s/%s", fromType, fromId, toType, toId)
	_ = relation // the CRM uses its default association type per object pair
	err := c.do(ctx, http.MethodPut, path, nil, nil)
	if IsConflict(err) {
		return nil
	}
	return err
}

func (c *CRMClient) RemoveAssociation(ctx context.Context, fromType string, fromId string, toType string, toId string, relation string) error {
	path := fmt.Sprintf("/crm/v4/objects/%s/%s/associations/default/%s/%s", fromType, fromId, toType, toId)
	_ = relation
	err := c.do(ctx, http.MethodDelete, path, nil, nil)
	if IsNotFound(err) {
		return nil
	}
	return err
}

type crmErrorBody struct {
	Status   string `json:"status"`
	Message  string `json:"message"`
	Category string `json:"category"`
}

func (c *CRMClient) do(ctx context.Context, method string, path string, body any, out any) error {
	return retry.Do(ctx, c.retryPolicy, c.sleeper, IsRetryable, func() error {
		var reqBody io.Reader
		if body != nil {
			data, err := json.Marshal(body)
			if err != nil {
				return err
			}
			reqBody = bytes.NewReader(data)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+c.accessToken)
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		respBody, _ := io.ReadAll(resp.Body)
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			var parsed crmErrorBody
			_ = json.Unmarshal(respBody, &parsed)
			msg := parsed.Message
			if msg == "" {
				msg = strings.TrimSpace(string(respBody))
			}
			return &APIError{System: "crm", Status: resp.StatusCode, Code: parsed.Category, Message: msg}
		}

		if out != nil && len(respBody) > 0 {
			if err := json.Unmarshal(respBody, out); err != nil {
				return err
			}
		}
		return nil
	})
}
