package push

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"callrelay-backend/pkg/logger"
)

// FirebaseProvider implements the Provider interface using Firebase Cloud Messaging.
// iOS devices are reached through the FCM APNs bridge.
type FirebaseProvider struct {
	client    *messaging.Client
	projectID string
}

// NewFirebaseProvider initializes the Firebase Admin SDK from a service account file
func NewFirebaseProvider(ctx context.Context, projectID, credentialsPath string) (*FirebaseProvider, error) {
	credentials, err := os.ReadFile(credentialsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read Firebase credentials: %w", err)
	}

	if projectID == "" {
		var creds struct {
			ProjectID string `json:"project_id"`
		}
		if err := json.Unmarshal(credentials, &creds); err != nil {
			return nil, fmt.Errorf("failed to parse Firebase credentials: %w", err)
		}
		projectID = creds.ProjectID
	}

	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: projectID}, option.WithCredentialsJSON(credentials))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Firebase app: %w", err)
	}

	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get Firebase messaging client: %w", err)
	}

	logger.Info("Firebase Admin SDK initialized", zap.String("project_id", projectID))

	return &FirebaseProvider{client: client, projectID: projectID}, nil
}

// Send delivers notification to every token with SendEach
func (f *FirebaseProvider) Send(ctx context.Context, notification *Notification, tokens []string) (*SendResult, error) {
	if len(tokens) == 0 {
		return &SendResult{}, nil
	}

	messages := make([]*messaging.Message, len(tokens))
	for i, token := range tokens {
		messages[i] = buildMessage(notification, token)
	}

	response, err := f.client.SendEach(ctx, messages)
	if err != nil {
		return &SendResult{FailureCount: len(tokens)}, err
	}

	result := &SendResult{}
	for i, resp := range response.Responses {
		if resp.Success {
			result.SuccessCount++
			continue
		}
		result.FailureCount++
		if resp.Error != nil && (messaging.IsUnregistered(resp.Error) || messaging.IsInvalidArgument(resp.Error)) {
			result.InvalidTokens = append(result.InvalidTokens, tokens[i])
		}
		logger.Debug("Firebase send failed for token",
			zap.Int("index", i),
			zap.Error(resp.Error))
	}

	return result, nil
}

// buildMessage constructs a Firebase message from a notification
func buildMessage(notification *Notification, token string) *messaging.Message {
	data := make(map[string]string, len(notification.Data)+3)
	for k, v := range notification.Data {
		data[k] = v
	}
	data["title"] = notification.Title
	data["body"] = notification.Body
	if _, ok := data["timestamp"]; !ok {
		data["timestamp"] = strconv.FormatInt(time.Now().Unix(), 10)
	}

	android := &messaging.AndroidConfig{
		Priority: notification.Priority,
		Data:     data,
		Notification: &messaging.AndroidNotification{
			Title: notification.Title,
			Body:  notification.Body,
			Sound: notification.Sound,
		},
	}
	if notification.Priority == "high" {
		ttl := 30 * time.Second
		android.TTL = &ttl
	}

	apns := &messaging.APNSConfig{
		Payload: &messaging.APNSPayload{
			Aps: &messaging.Aps{
				Alert:    &messaging.ApsAlert{Title: notification.Title, Body: notification.Body},
				Sound:    notification.Sound,
				Category: notification.Category,
			},
		},
	}

	return &messaging.Message{
		Data:    data,
		Android: android,
		APNS:    apns,
		Webpush: &messaging.WebpushConfig{
			Notification: &messaging.WebpushNotification{
				Title: notification.Title,
				Body:  notification.Body,
			},
			Data: data,
		},
		Token: token,
	}
}
