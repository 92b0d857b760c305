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

// RentalClient talks to System B (the rental/operations system). Records are
// flat objects wrapped in a "data" envelope, and relationships are reference
// paths stored on the child record ("/contacts/123"), so association edges
// translate to link-field updates.
type RentalClient struct {
	baseURL          string
	apiToken         string
	serviceAccountId string
	http             *http.Client
	retryPolicy      retry.Policy
	sleeper          retry.Sleeper
}

func NewRentalClient() (*RentalClient, error) {
	baseURL := strings.TrimSpace(os.Getenv("RENTAL_API_BASE_URL"))
	if baseURL == "" {
		baseURL = "https://api.rentalsuite.com"
	}
	token := strings.TrimSpace(os.Getenv("RENTAL_API_TOKEN"))
	if token == "" {
		return nil, fmt.Errorf("RENTAL_API_TOKEN is empty")
	}
	// Rental webhooks carry the acting user id; writes through this client show
	// up as this service account.
	serviceAccountId := strings.TrimSpace(os.Getenv("RENTAL_SERVICE_ACCOUNT_ID"))

	return &RentalClient{
		baseURL:          strings.TrimRight(baseURL, "/"),
		apiToken:         token,
		serviceAccountId: serviceAccountId,
		http:             &http.Client{Timeout: 30 * time.Second},
		retryPolicy: retry.Policy{
			MaxAttempts: 5,
			BaseDelay:   500 * time.Millisecond,
			MaxDelay:    8 * time.Second,
		},
		sleeper: retry.Default,
	}, nil
}

func (c *RentalClient) OriginTag() string {
	return c.serviceAccountId
}

// RefPath builds the reference-path form the rental API uses for links.
func RefPath(collection string, id string) string {
	return "/" + collection + "/" + id
}

// RefId extracts the id from a reference path; empty when the path does not
// belong to the given collection.
func RefId(path string, collection string) string {
	prefix := "/" + collection + "/"
	if strings.HasPrefix(path, prefix) {
		return strings.TrimPrefix(path, prefix)
	}
	return ""
}

type rentalEnvelope struct {
	Data json.RawMessage `json:"data"`
}

type rentalErrorBody struct {
	Message string `json:"message"`
	Code    string `json:"errorCode"`
}

func (c *RentalClient) Get(ctx context.Context, collection string, id string) (Record, error) {
	var out Record
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/%s/%s", collection, id), nil, &out)
	return out, err
}

func (c *RentalClient) Create(ctx context.Context, collection string, fields Record) (Record, error) {
	var out Record
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/%s", collection), fields, &out)
	return out, err
}

func (c *RentalClient) Update(ctx context.Context, collection string, id string, fields Record) (Record, error) {
	var out Record
	err := c.do(ctx, http.MethodPut, fmt.Sprintf("/api/%s/%s", collection, id), fields, &out)
	return out, err
}

func (c *RentalClient) Delete(ctx context.Context, collection string, id string) error {
	err := c.do(ctx, http.MethodDelete, fmt.Sprintf("/api/%s/%s", collection, id), nil, nil)
	if IsNotFound(err) {
		return nil
	}
	return err
}

func (c *RentalClient) Search(ctx context.Context, collection string, filters map[string]string) ([]Record, error) {
	params := url.Values{}
	for field, value := range filters {
		params.Set(field, value)
	}
	var out []Record
	err := c.doList(ctx, fmt.Sprintf("/api/%s?%s", collection, params.Encode()), &out)
	return out, err
}

func (c *RentalClient) List(ctx context.Context, collection string, limit int, cursor string) ([]Record, string, error) {
	if limit <= 0 {
		limit = 100
	}
	offset := 0
	if cursor != "" {
		fmt.Sscanf(cursor, "%d", &offset)
	}
	params := url.Values{}
	params.Set("limit", fmt.Sprintf("%d", limit))
	params.Set("offset", fmt.Sprintf("%d", offset))

	var out []Record
	if err := c.doList(ctx, fmt.Sprintf("/api/%s?%s", collection, params.Encode()), &out); err != nil {
		return nil, "", err
	}
	next := ""
	if len(out) == limit {
		next = fmt.Sprintf("%d", offset+limit)
	}
	return out, next, nil
}

// ListAssociations reads the record's link fields and returns the ids of
// references into toCollection.
func (c *RentalClient) ListAssociations(ctx context.Context, fromCollection string, fromId string, toCollection string) ([]string, error) {
	rec, err := c.Get(ctx, fromCollection, fromId)
	if IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, v := range rec {
		path, ok := v.(string)
		if !ok {
			continue
		}
		if id := RefId(path, toCollection); id != "" {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// AddAssociation sets the named link field to point at the target. Setting a
// link that already points there is a no-op on the API side.
func (c *RentalClient) AddAssociation(ctx context.Context, fromCollection string, fromId string, toCollection string, toId string, relation string) error {
	_, err := c.Update(ctx, fromCollection, fromId, Record{relation: RefPath(toCollection, toId)})
	if IsConflict(err) {
		return nil
	}
	return err
}

// RemoveAssociation clears the named link field, but only when it still points
// at the given target; a stale removal is a no-op.
func (c *RentalClient) RemoveAssociation(ctx context.Context, fromCollection string, fromId string, toCollection string, toId string, relation string) error {
	rec, err := c.Get(ctx, fromCollection, fromId)
	if IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	current, _ := rec[relation].(string)
	if current != RefPath(toCollection, toId) {
		return nil
	}
	_, err = c.Update(ctx, fromCollection, fromId, Record{relation: nil})
	if IsNotFound(err) {
		return nil
	}
	return err
}

func (c *RentalClient) do(ctx context.Context, method string, path string, body any, out *Record) error {
	raw, err := c.doRaw(ctx, method, path, body)
	if err != nil {
		return err
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}

func (c *RentalClient) doList(ctx context.Context, path string, out *[]Record) error {
	raw, err := c.doRaw(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}

// doRaw performs the request with transport retry and unwraps the "data"
// envelope.
func (c *RentalClient) doRaw(ctx context.Context, method string, path string, body any) (json.RawMessage, error) {
	var result json.RawMessage
	err := retry.Do(ctx, c.retryPolicy, c.sleeper, IsRetryable, func() error {
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
		req.Header.Set("Authorization", "Bearer "+c.apiToken)
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
			var parsed rentalErrorBody
			_ = json.Unmarshal(respBody, &parsed)
			msg := parsed.Message
			if msg == "" {
				msg = strings.TrimSpace(string(respBody))
			}
			return &APIError{System: "rental", Status: resp.StatusCode, Code: parsed.Code, Message: msg}
		}

		var envelope rentalEnvelope
		if len(respBody) > 0 {
			if err := json.Unmarshal(respBody, &envelope); err != nil {
				return err
			}
		}
		if envelope.Data != nil {
			result = envelope.Data
		} else {
			result = respBody
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
