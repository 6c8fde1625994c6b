package api

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lockOut(rl *ipRateLimiter, ip string) {
	for range rl.maxFailures {
		rl.recordFailure(ip)
	}
}

func TestIPRateLimiter_AllowsBeforeThreshold(t *testing.T) {
	rl := newIPRateLimiter()
	for range ipMaxFailures - 1 {
		rl.recordFailure("192.0.2.1")
		blocked, _ := rl.check("192.0.2.1")
		assert.False(t, blocked)
	}
}

func TestIPRateLimiter_BlocksAfterThreshold(t *testing.T) {
	rl := newIPRateLimiter()
	lockOut(rl, "192.0.2.1")

	blocked, retryAfter := rl.check("192.0.2.1")
	require.True(t, blocked)
	assert.Greater(t, retryAfter, time.Duration(0))

	blocked, _ = rl.check("192.0.2.2")
	assert.False(t, blocked, "other clients are unaffected")
}

func TestIPRateLimiter_ExponentialBackoff(t *testing.T) {
	rl := newIPRateLimiter()
	lockOut(rl, "192.0.2.1")
	_, first := rl.check("192.0.2.1")

	rl.recordFailure("192.0.2.1")
	_, second := rl.check("192.0.2.1")
	assert.Greater(t, second, first)

	for range 20 {
		rl.recordFailure("192.0.2.1")
	}
	_, capped := rl.check("192.0.2.1")
	assert.LessOrEqual(t, capped, ipMaxLockout+time.Second)
}

func TestIPRateLimiter_SuccessResets(t *testing.T) {
	rl := newIPRateLimiter()
	lockOut(rl, "192.0.2.1")
	rl.recordSuccess("192.0.2.1")

	blocked, _ := rl.check("192.0.2.1")
	assert.False(t, blocked)
}

func TestIPRateLimiter_SweepRemovesExpired(t *testing.T) {
	rl := newIPRateLimiter()
	rl.attempts["old"] = &attemptRecord{
		failures:    ipMaxFailures + 1,
		lastFailure: time.Now().Add(-2 * attemptExpiry),
		lockedUntil: time.Now().Add(-attemptExpiry),
	}
	rl.recordFailure("fresh")

	rl.sweep()

	assert.NotContains(t, rl.attempts, "old")
	assert.Contains(t, rl.attempts, "fresh")
}

func TestRetryAfterString(t *testing.T) {
	assert.Equal(t, "1", retryAfterString(200*time.Millisecond))
	assert.Equal(t, "90", retryAfterString(90*time.Second))
}

func TestWithTrustedProxies(t *testing.T) {
	opt, err := WithTrustedProxies([]string{"10.0.0.0/8", " 192.0.2.7 ", "", "2001:db8::1"})
	require.NoError(t, err)
	a := &API{}
	opt(a)
	require.Len(t, a.trustedProxies, 3)
	assert.Equal(t, "10.0.0.0/8", a.trustedProxies[0].String())
	assert.Equal(t, "192.0.2.7/32", a.trustedProxies[1].String())
	assert.Equal(t, "2001:db8::1/128", a.trustedProxies[2].String())

	_, err = WithTrustedProxies([]string{"not-an-ip"})
	assert.Error(t, err)
	_, err = WithTrustedProxies([]string{"10.0.0.0/99"})
	assert.Error(t, err)
}

func TestExtractClientIP(t *testing.T) {
	opt, err := WithTrustedProxies([]string{"10.0.0.0/8"})
	require.NoError(t, err)
	trusted := &API{}
	opt(trusted)

	tests := []struct {
		name    string
		api     *API
		remote  string
		headers map[string]string
		want    string
	}{
		{"remote addr", &API{}, "198.51.100.4:5000", nil, "198.51.100.4"},
		{"untrusted proxy headers ignored", &API{}, "198.51.100.4:5000",
			map[string]string{"X-Forwarded-For": "203.0.113.9"}, "198.51.100.4"},
		{"x-forwarded-for", trusted, "10.1.2.3:443",
			map[string]string{"X-Forwarded-For": "garbage, 203.0.113.9, 10.1.2.3"}, "203.0.113.9"},
		{"forwarded", trusted, "10.1.2.3:443",
			map[string]string{"Forwarded": `proto=https;for="[2001:db8::7]:4711"`}, "2001:db8::7"},
		{"x-real-ip", trusted, "10.1.2.3:443",
			map[string]string{"X-Real-IP": "203.0.113.10"}, "203.0.113.10"},
		{"ipv4 mapped", &API{}, "[::ffff:198.51.100.4]:80", nil, "198.51.100.4"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := http.NewRequest(http.MethodPost, "/pki/test-ca", nil)
			require.NoError(t, err)
			r.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, tt.api.extractClientIP(r))
		})
	}
}
