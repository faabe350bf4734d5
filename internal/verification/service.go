package verification

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/gallery-paywall/internal/obs"
)

// FailedError indicates payment completed but the subscription could not be
// confirmed with the platform. Reference is the support ticket handed to the
// buyer.
type FailedError struct {
	Reference string
	Message   string
}

// Error implements the error interface.
func (e *FailedError) Error() string {
	if e == nil {
		return ""
	}
	if e.Reference == "" {
		return fmt.Sprintf("verification failed: %s", e.Message)
	}
	return fmt.Sprintf("verification failed (support reference %s): %s", e.Reference, e.Message)
}

// Verifier answers subscription-access questions against the gallery
// platform, with a Redis-backed result cache.
type Verifier interface {
	Verify(ctx context.Context, req Request) (Result, error)
	CheckAccess(ctx context.Context, galleryID, buyerID string) (bool, error)
}

// Service implements Verifier on top of the platform client and the cache.
type Service struct {
	client *Client
	cache  *Cache
	logger zerolog.Logger
	now    func() time.Time
}

// NewService constructs a verification service. cache may be nil, in which
// case every check goes to the platform.
func NewService(client *Client, cache *Cache, logger zerolog.Logger) *Service {
	return &Service{client: client, cache: cache, logger: logger, now: time.Now}
}

// Verify fetches an authoritative answer from the platform and refreshes the
// cache with it. A not-active answer overwrites any stale positive entry.
func (s *Service) Verify(ctx context.Context, req Request) (Result, error) {
	result, err := s.client.Verify(ctx, req)
	if err != nil {
		recordVerification("fresh", "error")
		return Result{}, err
	}
	recordVerification("fresh", verificationResult(result))

	if err := s.cache.Set(ctx, req.GalleryID, req.BuyerID, result); err != nil {
		// Cache refresh failure never masks the authoritative answer.
		s.logger.Warn().Err(err).
			Str("gallery_id", req.GalleryID).
			Msg("verification cache write failed")
	}
	return result, nil
}

// CheckAccess answers a gallery access question, preferring the cache. A
// cached positive entry whose subscription window has lapsed is ignored and
// re-verified.
func (s *Service) CheckAccess(ctx context.Context, galleryID, buyerID string) (bool, error) {
	cached, ok, err := s.cache.Get(ctx, galleryID, buyerID)
	if err != nil {
		s.logger.Warn().Err(err).Str("gallery_id", galleryID).Msg("verification cache read failed")
	} else if ok {
		if !cached.HasAccess {
			hitVerifyCache()
			recordVerification("cached", "no_access")
			return false, nil
		}
		if cached.Active(s.now()) {
			hitVerifyCache()
			recordVerification("cached", "access")
			return true, nil
		}
	}

	result, err := s.Verify(ctx, Request{GalleryID: galleryID, BuyerID: buyerID})
	if err != nil {
		return false, err
	}
	return result.Active(s.now()), nil
}

func verificationResult(r Result) string {
	if r.HasAccess {
		return "access"
	}
	return "no_access"
}

func hitVerifyCache() {
	if obs.VerifyCacheHits != nil {
		obs.VerifyCacheHits.Inc()
	}
}

func recordVerification(mode, result string) {
	if obs.VerificationTotal != nil {
		obs.VerificationTotal.WithLabelValues(mode, result).Inc()
	}
}
