package push

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"callrelay-backend/pkg/config"
	"callrelay-backend/pkg/logger"
)

// ProviderType represents the type of push notification provider
type ProviderType string

const (
	ProviderTypeMock     ProviderType = "mock"
	ProviderTypeFirebase ProviderType = "firebase"
	ProviderTypeAPNs     ProviderType = "apns"
)

// NewProvider creates the push provider named by cfg.Provider
func NewProvider(ctx context.Context, cfg *config.PushConfig) (Provider, error) {
	providerType := ProviderType(cfg.Provider)

	logger.Info("Initializing push notification provider",
		zap.String("provider_type", string(providerType)))

	switch providerType {
	case ProviderTypeFirebase:
		if cfg.CredentialsFile == "" {
			return nil, fmt.Errorf("FIREBASE_CREDENTIALS_PATH is required for the firebase provider")
		}
		return NewFirebaseProvider(ctx, cfg.FirebaseProject, cfg.CredentialsFile)
	case ProviderTypeAPNs:
		return NewAPNsProvider(&APNsConfig{
			KeyPath:             cfg.APNsKeyPath,
			KeyID:               cfg.APNsKeyID,
			TeamID:              cfg.APNsTeamID,
			CertificatePath:     cfg.APNsCertificatePath,
			CertificatePassword: cfg.APNsCertificatePassword,
			BundleID:            cfg.APNsBundleID,
			Production:          cfg.APNsProduction,
		})
	case ProviderTypeMock:
		return &MockProvider{}, nil
	default:
		return nil, fmt.Errorf("unknown push provider %q", cfg.Provider)
	}
}
