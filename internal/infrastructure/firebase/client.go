package firebase

import (
	"context"
	"errors"
	"fmt"
	"log"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"
)

const fcmBatchLimit = 500

// multicaster is the part of the FCM client the alerter uses.
type multicaster interface {
	SendEachForMulticast(ctx context.Context, message *messaging.MulticastMessage) (*messaging.BatchResponse, error)
}

// Client pushes operator alerts to a fixed set of device tokens using
// Firebase Cloud Messaging. It implements reconcile.Alerter.
type Client struct {
	msgClient multicaster
	tokens    []string
}

// NewClient initializes a Firebase app and returns an FCM alert client that
// notifies the given operator device tokens.
func NewClient(ctx context.Context, credentialsFile string, operatorTokens []string) (*Client, error) {
	if len(operatorTokens) == 0 {
		return nil, errors.New("no operator device tokens configured")
	}

	app, err := firebase.NewApp(ctx, nil, option.WithCredentialsFile(credentialsFile))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize firebase app: %w", err)
	}

	msgClient, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize firebase messaging client: %w", err)
	}

	return &Client{msgClient: msgClient, tokens: operatorTokens}, nil
}

// Alert sends a push notification to every operator token.
func (c *Client) Alert(ctx context.Context, title, body string, data map[string]string) error {
	return c.SendMulticast(ctx, c.tokens, title, body, data)
}

// SendMulticast sends a push notification to multiple device tokens.
// Automatically batches into chunks of 500 (Firebase API limit).
// It fails only when no device received the message.
func (c *Client) SendMulticast(ctx context.Context, tokens []string, title, body string, data map[string]string) error {
	if len(tokens) == 0 {
		return nil
	}

	var totalSuccess, totalFailure int
	for _, batch := range chunkTokens(tokens, fcmBatchLimit) {
		msg := &messaging.MulticastMessage{
			Tokens: batch,
			Notification: &messaging.Notification{
				Title: title,
				Body:  body,
			},
			Data: data,
		}

		resp, err := c.msgClient.SendEachForMulticast(ctx, msg)
		if err != nil {
			return fmt.Errorf("failed to send FCM multicast: %w", err)
		}

		totalSuccess += resp.SuccessCount
		totalFailure += resp.FailureCount
		if resp.FailureCount > 0 {
			c.handleMulticastFailures(batch, resp)
		}
	}

	log.Printf("FCM alert %q: %d success, %d failure", title, totalSuccess, totalFailure)
	if totalSuccess == 0 {
		return fmt.Errorf("FCM alert %q reached no device (%d failures)", title, totalFailure)
	}
	return nil
}

func (c *Client) handleMulticastFailures(tokens []string, resp *messaging.BatchResponse) {
	for i, sendResp := range resp.Responses {
		if sendResp.Error == nil {
			continue
		}
		if messaging.IsUnregistered(sendResp.Error) || messaging.IsInvalidArgument(sendResp.Error) {
			log.Printf("Invalid operator FCM token at index %d, remove it from FIREBASE_ALERT_TOKENS: %v", i, sendResp.Error)
		} else {
			log.Printf("FCM send error at index %d: %v", i, sendResp.Error)
		}
	}
}

func chunkTokens(tokens []string, size int) [][]string {
	var chunks [][]string
	for i := 0; i < len(tokens); i += size {
		end := min(i+size, len(tokens))
		chunks = append(chunks, tokens[i:end])
	}
	return chunks
}
