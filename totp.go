package magma

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"time"

	resty "github.com/go-resty/resty/v2"
)

// spotifyTOTPSecret is the fixed shared secret spec.md §4.6 describes
// Spotify's open web-player token endpoint deriving an access token
// from (30-second counter, HMAC-SHA1, 6-digit truncation). Spotify
// rotates this periodically; swap it out here if recommendations start
// failing with 401s.
var spotifyTOTPSecret = []byte{
	53, 53, 48, 55, 49, 52, 53, 56, 53, 52, 52, 57, 52, 56, 50, 55, 52,
}

// spotifyTOTP derives a 6-digit time-based one-time password from
// secret using the standard 30-second-counter HMAC-SHA1 construction
// (RFC 6238), truncated per RFC 4226 §5.3.
func spotifyTOTP(secret []byte, at time.Time) string {
	counter := uint64(at.Unix()) / 30
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], counter)

	mac := hmac.New(sha1.New, secret)
	mac.Write(buf[:])
	sum := mac.Sum(nil)

	offset := sum[len(sum)-1] & 0x0f
	code := (uint32(sum[offset])&0x7f)<<24 |
		uint32(sum[offset+1])<<16 |
		uint32(sum[offset+2])<<8 |
		uint32(sum[offset+3])
	return fmt.Sprintf("%06d", code%1_000_000)
}

type spotifyTokenResponse struct {
	AccessToken string `json:"accessToken"`
}

// spotifyAccessToken exchanges the current TOTP for a short-lived
// access token via Spotify's open web-player token endpoint, the same
// mechanism the autoplay resolver's spotify strategy relies on
// (spec.md §4.6).
func spotifyAccessToken(ctx context.Context, client *resty.Client) (string, error) {
	otp := spotifyTOTP(spotifyTOTPSecret, time.Now())
	var out spotifyTokenResponse
	resp, err := client.R().SetContext(ctx).
		SetQueryParams(map[string]string{
			"reason":      "init",
			"productType": "web-player",
			"totp":        otp,
			"totpVer":     "5",
		}).
		SetResult(&out).
		Get("https://open.spotify.com/get_access_token")
	if err != nil {
		return "", err
	}
	if resp.IsError() || out.AccessToken == "" {
		return "", fmt.Errorf("magma: spotify token exchange failed: %d", resp.StatusCode())
	}
	return out.AccessToken, nil
}
