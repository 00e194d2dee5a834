package firebase

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"firebase.google.com/go/v4/messaging"
)

// MockMessaging implements multicaster
type MockMessaging struct {
	Messages []*messaging.MulticastMessage
	SendFunc func(ctx context.Context, message *messaging.MulticastMessage) (*messaging.BatchResponse, error)
}

func (m *MockMessaging) SendEachForMulticast(ctx context.Context, message *messaging.MulticastMessage) (*messaging.BatchResponse, error) {
	m.Messages = append(m.Messages, message)
	if m.SendFunc != nil {
		return m.SendFunc(ctx, message)
	}
	return &messaging.BatchResponse{SuccessCount: len(message.Tokens)}, nil
}

func TestAlert_SendsToOperators(t *testing.T) {
	mock := &MockMessaging{}
	c := &Client{msgClient: mock, tokens: []string{"op-1", "op-2"}}

	err := c.Alert(context.Background(), "Reserve checkpoint not saved", "job 4", map[string]string{"job_id": "4"})
	if err != nil {
		t.Fatalf("Alert() failed: %v", err)
	}
	if len(mock.Messages) != 1 {
		t.Fatalf("sent %d messages, want 1", len(mock.Messages))
	}
	msg := mock.Messages[0]
	if len(msg.Tokens) != 2 || msg.Notification.Title != "Reserve checkpoint not saved" || msg.Data["job_id"] != "4" {
		t.Errorf("unexpected message: %+v", msg)
	}
}

func TestAlert_NoDeviceReached(t *testing.T) {
	mock := &MockMessaging{
		SendFunc: func(ctx context.Context, message *messaging.MulticastMessage) (*messaging.BatchResponse, error) {
			return &messaging.BatchResponse{
				FailureCount: 1,
				Responses:    []*messaging.SendResponse{{Error: errors.New("unavailable")}},
			}, nil
		},
	}
	c := &Client{msgClient: mock, tokens: []string{"op-1"}}

	if err := c.Alert(context.Background(), "t", "b", nil); err == nil {
		t.Error("Alert() expected error when no device was reached")
	}
}

func TestAlert_TransportError(t *testing.T) {
	mock := &MockMessaging{
		SendFunc: func(ctx context.Context, message *messaging.MulticastMessage) (*messaging.BatchResponse, error) {
			return nil, errors.New("dial tcp: timeout")
		},
	}
	c := &Client{msgClient: mock, tokens: []string{"op-1"}}

	if err := c.Alert(context.Background(), "t", "b", nil); err == nil {
		t.Error("Alert() expected error")
	}
}

func TestChunkTokens(t *testing.T) {
	tokens := make([]string, 1201)
	for i := range tokens {
		tokens[i] = fmt.Sprintf("tok-%d", i)
	}

	chunks := chunkTokens(tokens, fcmBatchLimit)
	if len(chunks) != 3 {
		t.Fatalf("chunks = %d, want 3", len(chunks))
	}
	if len(chunks[0]) != 500 || len(chunks[1]) != 500 || len(chunks[2]) != 201 {
		t.Errorf("chunk sizes = %d/%d/%d", len(chunks[0]), len(chunks[1]), len(chunks[2]))
	}
}
