package push

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/sideshow/apns2"
	"github.com/sideshow/apns2/certificate"
	"github.com/sideshow/apns2/payload"
	"github.com/sideshow/apns2/token"
	"go.uber.org/zap"

	"callrelay-backend/pkg/logger"
)

// incomingCallTTL bounds how long APNs keeps retrying a ring
const incomingCallTTL = 30 * time.Second

// APNsProvider implements Provider by talking to Apple Push Notification service directly
type APNsProvider struct {
	client   *apns2.Client
	bundleID string
}

// APNsConfig contains configuration for the APNs provider
type APNsConfig struct {
	// Token-based authentication (preferred)
	KeyPath string // .p8 private key
	KeyID   string
	TeamID  string

	// Certificate-based authentication
	CertificatePath     string // .p12 certificate
	CertificatePassword string

	BundleID   string // used as the apns-topic
	Production bool
}

// NewAPNsProvider creates an APNs provider, preferring token auth over a certificate
func NewAPNsProvider(cfg *APNsConfig) (*APNsProvider, error) {
	if cfg == nil {
		return nil, fmt.Errorf("APNs config is required")
	}
	if cfg.BundleID == "" {
		return nil, fmt.Errorf("APNs bundle ID is required")
	}

	var client *apns2.Client
	switch {
	case cfg.KeyPath != "" && cfg.KeyID != "" && cfg.TeamID != "":
		authKey, err := token.AuthKeyFromFile(cfg.KeyPath)
		if err != nil {
			logger.Error("Failed to load APNs key file",
				zap.String("key_path", cfg.KeyPath),
				zap.String("key_id", cfg.KeyID),
				zap.Error(err))
			return nil, fmt.Errorf("failed to load APNs key: %w", err)
		}
		client = apns2.NewTokenClient(&token.Token{
			AuthKey: authKey,
			KeyID:   cfg.KeyID,
			TeamID:  cfg.TeamID,
		})
	case cfg.CertificatePath != "":
		cert, err := certificate.FromP12File(cfg.CertificatePath, cfg.CertificatePassword)
		if err != nil {
			logger.Error("Failed to load APNs certificate",
				zap.String("cert_path", cfg.CertificatePath),
				zap.Error(err))
			return nil, fmt.Errorf("failed to load APNs certificate: %w", err)
		}
		client = apns2.NewClient(cert)
	default:
		return nil, fmt.Errorf("APNs needs either a key (path, key ID, team ID) or a certificate")
	}

	if cfg.Production {
		client = client.Production()
	} else {
		client = client.Development()
	}

	logger.Info("APNs provider initialized",
		zap.String("bundle_id", cfg.BundleID),
		zap.Bool("production", cfg.Production))

	return newAPNsProvider(client, cfg.BundleID), nil
}

func newAPNsProvider(client *apns2.Client, bundleID string) *APNsProvider {
	return &APNsProvider{client: client, bundleID: bundleID}
}

// Send pushes notification to each device token in turn
func (a *APNsProvider) Send(ctx context.Context, notification *Notification, tokens []string) (*SendResult, error) {
	result := &SendResult{}
	if len(tokens) == 0 {
		return result, nil
	}

	for _, deviceToken := range tokens {
		resp, err := a.client.PushWithContext(ctx, a.buildNotification(notification, deviceToken))
		if err != nil {
			if ctx.Err() != nil {
				return result, ctx.Err()
			}
			result.FailureCount++
			logger.Warn("Failed to send APNs notification", zap.Error(err))
			continue
		}

		if resp.Sent() {
			result.SuccessCount++
			logger.Debug("APNs notification sent", zap.String("apns_id", resp.ApnsID))
			continue
		}

		result.FailureCount++
		if invalidAPNsToken(resp) {
			result.InvalidTokens = append(result.InvalidTokens, deviceToken)
		}
		logger.Warn("APNs notification rejected",
			zap.Int("status_code", resp.StatusCode),
			zap.String("reason", resp.Reason))
	}

	return result, nil
}

func (a *APNsProvider) buildNotification(notification *Notification, deviceToken string) *apns2.Notification {
	p := payload.NewPayload().
		AlertTitle(notification.Title).
		AlertBody(notification.Body)
	if notification.Sound != "" {
		p.Sound(notification.Sound)
	}
	if notification.Category != "" {
		p.Category(notification.Category)
	}
	for key, value := range notification.Data {
		p.Custom(key, value)
	}

	n := &apns2.Notification{
		DeviceToken: deviceToken,
		Topic:       a.bundleID,
		Payload:     p,
		PushType:    apns2.PushTypeAlert,
		Priority:    apns2.PriorityLow,
		// a missed-call alert replaces the ring for the same conversation
		CollapseID: notification.Data["conversation_id"],
	}
	if notification.Priority == "high" {
		n.Priority = apns2.PriorityHigh
		n.Expiration = time.Now().Add(incomingCallTTL)
	}
	return n
}

func invalidAPNsToken(resp *apns2.Response) bool {
	if resp.StatusCode == http.StatusGone {
		return true
	}
	switch resp.Reason {
	case apns2.ReasonUnregistered, apns2.ReasonBadDeviceToken, apns2.ReasonDeviceTokenNotForTopic:
		return true
	}
	return false
}
