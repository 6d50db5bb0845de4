package fault

import (
	"context"
	"fmt"
	"net/http"
	"testing"
)

func TestClassification(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		class     string
		status    int
		retryable bool
	}{
		{"transport", &TransportError{Op: "GET /nodes", Err: context.DeadlineExceeded}, "transport", http.StatusBadGateway, true},
		{"wrapped transport", fmt.Errorf("refresh: %w", &TransportError{Op: "GET", Err: context.Canceled}), "transport", http.StatusBadGateway, true},
		{"validation", &ValidationError{Field: "name", Message: "required"}, "validation", http.StatusBadRequest, false},
		{"policy", &PolicyError{Kind: "import", ID: "4", State: "pending", Action: "rollback"}, "policy", http.StatusConflict, false},
		{"server", &ServerError{StatusCode: 400, Message: "Import already processed"}, "server", 400, false},
		{"session", &SessionExpiredError{}, "session", http.StatusUnauthorized, false},
		{"plain", fmt.Errorf("boom"), "internal", http.StatusInternalServerError, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Class(tc.err); got != tc.class {
				t.Errorf("Class = %q, want %q", got, tc.class)
			}
			if got := HTTPStatus(tc.err); got != tc.status {
				t.Errorf("HTTPStatus = %d, want %d", got, tc.status)
			}
			if got := Retryable(tc.err); got != tc.retryable {
				t.Errorf("Retryable = %v, want %v", got, tc.retryable)
			}
		})
	}
}

func TestServerErrorMessageIsVerbatim(t *testing.T) {
	err := &ServerError{StatusCode: 400, Message: "Group name already exists"}
	if err.Error() != "Group name already exists" {
		t.Errorf("unexpected message %q", err.Error())
	}

	bare := &ServerError{StatusCode: 502}
	if bare.Error() != "server error (502): Bad Gateway" {
		t.Errorf("unexpected fallback message %q", bare.Error())
	}
}

func TestPolicyErrorMessage(t *testing.T) {
	err := &PolicyError{Kind: "execution", ID: "7", State: "completed", Action: "cancel"}
	want := "cannot cancel execution 7: status is completed"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}
