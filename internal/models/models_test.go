package models

import "testing"

func TestTurnRequestValidate(t *testing.T) {
	req := TurnRequest{From: "+15551234567", Body: "english"}
	if err := req.Validate(); err != nil {
		t.Errorf("valid request rejected: %v", err)
	}

	req = TurnRequest{Body: "english"}
	if err := req.Validate(); err != ErrEmptyRecipient {
		t.Errorf("expected ErrEmptyRecipient, got %v", err)
	}

	req = TurnRequest{From: "+15551234567"}
	if err := req.Validate(); err != ErrEmptyBody {
		t.Errorf("expected ErrEmptyBody, got %v", err)
	}

	long := make([]byte, MaxMessageBodyLength+1)
	for i := range long {
		long[i] = 'a'
	}
	req = TurnRequest{From: "+15551234567", Body: string(long)}
	if err := req.Validate(); err != ErrBodyTooLong {
		t.Errorf("expected ErrBodyTooLong, got %v", err)
	}
}

func TestAPIResponseBuilder(t *testing.T) {
	resp := NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithMessage("done").
		WithResult(42).
		Build()
	if resp.Status != string(APIStatusOK) {
		t.Errorf("expected status %q, got %q", APIStatusOK, resp.Status)
	}
	if resp.Message != "done" {
		t.Errorf("expected message 'done', got %q", resp.Message)
	}
	if resp.Result != 42 {
		t.Errorf("expected result 42, got %v", resp.Result)
	}

	errResp := Error("boom")
	if errResp.Status != string(APIStatusError) || errResp.Message != "boom" {
		t.Errorf("Error() built unexpected response: %+v", errResp)
	}
}
