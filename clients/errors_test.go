package clients

import (
	"errors"
	"net"
	"testing"

	"bitbucket.org/mmdatafocus/crmsync_backend/models"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{"rate limit", &APIError{System: "crm", Status: 429}, models.ErrorTypeRateLimit},
		{"validation", &APIError{System: "crm", Status: 400}, models.ErrorTypeValidation},
		{"not found", &APIError{System: "rental", Status: 404}, models.ErrorTypeValidation},
		{"server", &APIError{System: "rental", Status: 503}, models.ErrorTypeAPI},
		{"net timeout", timeoutErr{}, models.ErrorTypeTimeout},
		{"connection", &net.OpError{Op: "dial", Err: errors.New("refused")}, models.ErrorTypeConnection},
		{"unknown", errors.New("boom"), models.ErrorTypeUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.err); got != tc.want {
				t.Fatalf("Classify(%v) = %s, want %s", tc.err, got, tc.want)
			}
		})
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(&APIError{Status: 429}) {
		t.Fatal("rate limit must be retryable")
	}
	if !IsRetryable(&APIError{Status: 500}) {
		t.Fatal("5xx must be retryable")
	}
	if IsRetryable(&APIError{Status: 422}) {
		t.Fatal("validation errors must not be retried")
	}
}

func TestIsConflict(t *testing.T) {
	if !IsConflict(&APIError{Status: 409}) {
		t.Fatal("409 is a conflict")
	}
	if !IsConflict(&APIError{Status: 400, Code: "DUPLICATE_VALUE"}) {
		t.Fatal("duplicate-value code is a conflict")
	}
	if IsConflict(&APIError{Status: 400}) {
		t.Fatal("plain 400 is not a conflict")
	}
}

func TestRefPaths(t *testing.T) {
	if RefPath("contacts", "12") != "/contacts/12" {
		t.Fatal("unexpected ref path")
	}
	if RefId("/contacts/12", "contacts") != "12" {
		t.Fatal("unexpected ref id")
	}
	if RefId("/projects/12", "contacts") != "" {
		t.Fatal("collection mismatch must return empty")
	}
}
