package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/ConciergePipe/internal/models"
)

type sentMessage struct {
	To   string
	Body string
}

// mockService implements Service for tests, recording sends and exposing the
// response channel for injection.
type mockService struct {
	mu        sync.Mutex
	sent      []sentMessage
	sendErr   error
	receipts  chan models.Receipt
	responses chan models.Response
}

func newMockService() *mockService {
	return &mockService{
		receipts:  make(chan models.Receipt, 10),
		responses: make(chan models.Response, 10),
	}
}

func (m *mockService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalizePhoneNumber(recipient)
}

func (m *mockService) SendMessage(ctx context.Context, to string, body string) error {
	if m.sendErr != nil {
		return m.sendErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, sentMessage{To: to, Body: body})
	return nil
}

func (m *mockService) Start(ctx context.Context) error { return nil }
func (m *mockService) Stop() error                     { return nil }

func (m *mockService) Receipts() <-chan models.Receipt   { return m.receipts }
func (m *mockService) Responses() <-chan models.Response { return m.responses }

func (m *mockService) sentMessages() []sentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]sentMessage, len(m.sent))
	copy(out, m.sent)
	return out
}

// mockEngine returns canned replies and records what it was asked.
type mockEngine struct {
	replies []string
	err     error
	last    models.Response
	calls   int
}

func (e *mockEngine) HandleResponse(ctx context.Context, resp models.Response) ([]string, error) {
	e.calls++
	e.last = resp
	if e.err != nil {
		return nil, e.err
	}
	return e.replies, nil
}

func TestProcessResponseDeliversRepliesInOrder(t *testing.T) {
	svc := newMockService()
	engine := &mockEngine{replies: []string{"first", "second", "third"}}
	rh := NewResponseHandler(engine, svc)

	err := rh.ProcessResponse(context.Background(), models.Response{From: "+1 (555) 123-4567", Body: "english"})
	if err != nil {
		t.Fatalf("ProcessResponse error: %v", err)
	}

	if engine.last.From != "15551234567" {
		t.Errorf("engine saw sender %q, want canonical digits", engine.last.From)
	}

	sent := svc.sentMessages()
	if len(sent) != 3 {
		t.Fatalf("sent %d messages, want 3", len(sent))
	}
	for i, want := range []string{"first", "second", "third"} {
		if sent[i].Body != want {
			t.Errorf("sent[%d] = %q, want %q", i, sent[i].Body, want)
		}
		if sent[i].To != "15551234567" {
			t.Errorf("sent[%d] addressed to %q", i, sent[i].To)
		}
	}
}

func TestProcessResponseRejectsInvalidSender(t *testing.T) {
	svc := newMockService()
	engine := &mockEngine{replies: []string{"unused"}}
	rh := NewResponseHandler(engine, svc)

	err := rh.ProcessResponse(context.Background(), models.Response{From: "not-a-number", Body: "hi"})
	if err == nil {
		t.Fatal("expected an error for an invalid sender")
	}
	if engine.calls != 0 {
		t.Error("engine must not see messages from invalid senders")
	}
	if len(svc.sentMessages()) != 0 {
		t.Error("nothing should be sent for invalid senders")
	}
}

func TestProcessResponseEngineErrorNotifiesParticipant(t *testing.T) {
	svc := newMockService()
	engine := &mockEngine{err: errors.New("boom")}
	rh := NewResponseHandler(engine, svc)

	err := rh.ProcessResponse(context.Background(), models.Response{From: "15551234567", Body: "hi"})
	if err == nil {
		t.Fatal("expected the engine error to propagate")
	}

	sent := svc.sentMessages()
	if len(sent) != 1 || sent[0].Body != processingErrorMessage {
		t.Errorf("sent = %v, want the processing error notice", sent)
	}
}

func TestProcessResponseStopsOnDeliveryFailure(t *testing.T) {
	svc := newMockService()
	svc.sendErr = errors.New("network down")
	engine := &mockEngine{replies: []string{"first", "second"}}
	rh := NewResponseHandler(engine, svc)

	err := rh.ProcessResponse(context.Background(), models.Response{From: "15551234567", Body: "hi"})
	if err == nil {
		t.Fatal("expected a delivery error")
	}
	if len(svc.sentMessages()) != 0 {
		t.Errorf("no sends should be recorded, got %v", svc.sentMessages())
	}
}

func TestStartPumpsResponsesFromService(t *testing.T) {
	svc := newMockService()
	engine := &mockEngine{replies: []string{"welcome"}}
	rh := NewResponseHandler(engine, svc)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rh.Start(ctx)

	svc.responses <- models.Response{From: "15551234567", Body: "english", MessageID: "msg-1"}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(svc.sentMessages()) == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	sent := svc.sentMessages()
	if len(sent) != 1 || sent[0].Body != "welcome" {
		t.Fatalf("pump did not deliver the reply, sent = %v", sent)
	}
	if engine.last.MessageID != "msg-1" {
		t.Errorf("message ID lost in transit: %+v", engine.last)
	}
}

func TestStartDrainsReceipts(t *testing.T) {
	svc := newMockService()
	rh := NewResponseHandler(&mockEngine{}, svc)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rh.Start(ctx)

	// More receipts than the channel buffer would hold without a consumer.
	for i := 0; i < 20; i++ {
		select {
		case svc.receipts <- models.Receipt{To: fmt.Sprintf("1555123456%d", i%10), Status: models.MessageStatusSent}:
		case <-time.After(2 * time.Second):
			t.Fatalf("receipt %d blocked; pump is not draining", i)
		}
	}
}
