package backend

import (
	"context"
	"errors"
	"net/http"
)

// Features the backend may advertise.
const (
	FeatureBiometric        = "BIOMETRIC_VERIFICATION"
	FeatureRealtimeProgress = "REALTIME_PROGRESS"
	FeatureCancellation     = "CANCELLATION"
)

// HasFeature reports whether the backend advertises feature. The feature
// list is fetched once per client; a missing endpoint means no features.
func (c *httpClient) HasFeature(ctx context.Context, feature string) (bool, error) {
	c.featureMu.RLock()
	loaded := len(c.featureCache) > 0
	val := c.featureCache[feature]
	c.featureMu.RUnlock()
	if loaded {
		return val, nil
	}

	var out struct {
		Features []string `json:"features"`
	}
	err := doJSON(ctx, c, http.MethodGet, pathFeatures, "features", nil, &out)
	var notFound *ErrNotFound
	if errors.As(err, &notFound) {
		out.Features = nil
	} else if err != nil {
		return false, err
	}

	c.featureMu.Lock()
	// A sentinel entry marks the list as loaded even when it is empty.
	c.featureCache[""] = false
	for _, f := range out.Features {
		c.featureCache[f] = true
	}
	val = c.featureCache[feature]
	c.featureMu.Unlock()
	return val, nil
}
