package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/inbox/internal/model"
	"github.com/capitalize-ai/inbox/pkg/logger"
)

const secret = "s3cret"

func TestIssueAndParseToken(t *testing.T) {
	tok, err := IssueToken(secret, "alice", "Alice", time.Minute)
	require.NoError(t, err)

	claims, err := ParseToken(secret, tok)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Subject)
	assert.Equal(t, "Alice", claims.Name)

	_, err = ParseToken("other", tok)
	assert.Error(t, err)
}

func TestParseTokenRejectsExpiredAndUnsigned(t *testing.T) {
	tok, err := IssueToken(secret, "alice", "", -time.Minute)
	require.NoError(t, err)
	_, err = ParseToken(secret, tok)
	assert.Error(t, err)

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{Subject: "alice"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = ParseToken(secret, none)
	assert.Error(t, err)
}

func echoUser(w http.ResponseWriter, r *http.Request) {
	w.Write([]byte(GetUserID(r.Context()) + "|" + GetUserName(r.Context())))
}

func TestAuth(t *testing.T) {
	h := Auth(secret)(http.HandlerFunc(echoUser))
	tok, err := IssueToken(secret, "bob", "Bob", time.Minute)
	require.NoError(t, err)

	tests := []struct {
		name   string
		setup  func(r *http.Request)
		status int
		body   string
	}{
		{"header", func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+tok) }, http.StatusOK, "bob|Bob"},
		{"lowercase scheme", func(r *http.Request) { r.Header.Set("Authorization", "bearer "+tok) }, http.StatusOK, "bob|Bob"},
		{"query", func(r *http.Request) { r.URL.RawQuery = "access_token=" + tok }, http.StatusOK, "bob|Bob"},
		{"missing", func(r *http.Request) {}, http.StatusUnauthorized, ""},
		{"basic", func(r *http.Request) { r.Header.Set("Authorization", "Basic abc") }, http.StatusUnauthorized, ""},
		{"garbage", func(r *http.Request) { r.Header.Set("Authorization", "Bearer nope") }, http.StatusUnauthorized, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			tt.setup(req)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.status, rec.Code)
			if tt.body != "" {
				assert.Equal(t, tt.body, rec.Body.String())
			}
		})
	}
}

func TestLoggingSetsCorrelationAndUser(t *testing.T) {
	var seenCorrelation string
	inner := Auth(secret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenCorrelation = GetCorrelationID(r.Context())
		info := r.Context().Value(requestInfoKey).(*requestInfo)
		assert.Equal(t, "carol", info.userID)
		w.WriteHeader(http.StatusTeapot)
	}))
	h := Logging(logger.NewNop())(inner)

	tok, err := IssueToken(secret, "carol", "", time.Minute)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("X-Correlation-ID", "corr-1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, "corr-1", seenCorrelation)
	assert.Equal(t, "corr-1", rec.Header().Get("X-Correlation-ID"))
}

func TestLoggingGeneratesCorrelationID(t *testing.T) {
	h := Logging(logger.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, ok := w.(http.Flusher)
		assert.True(t, ok, "wrapped writer must stay flushable for SSE")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotEmpty(t, rec.Header().Get("X-Correlation-ID"))
}

type provisioner struct {
	calls []string
	err   error
}

func (p *provisioner) Ensure(ctx context.Context, userID, name string) (*model.User, error) {
	p.calls = append(p.calls, userID+":"+name)
	if p.err != nil {
		return nil, p.err
	}
	return &model.User{ID: userID, FullName: name}, nil
}

func TestEnsureUser(t *testing.T) {
	p := &provisioner{}
	h := Auth(secret)(EnsureUser(p, logger.NewNop())(http.HandlerFunc(echoUser)))
	tok, err := IssueToken(secret, "dave", "Dave", time.Minute)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"dave:Dave"}, p.calls)

	p.err = errors.New("redis down")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestUserRateLimit(t *testing.T) {
	h := Auth(secret)(UserRateLimit(1, time.Minute)(http.HandlerFunc(echoUser)))
	send := func(user string) int {
		tok, err := IssueToken(secret, user, "", time.Minute)
		require.NoError(t, err)
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+tok)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, send("erin"))
	assert.Equal(t, http.StatusTooManyRequests, send("erin"))
	assert.Equal(t, http.StatusOK, send("frank"), "limits are per user")
}

func TestValidateMessageContent(t *testing.T) {
	assert.NoError(t, ValidateMessageContent("hi"))
	assert.Error(t, ValidateMessageContent(""))
	assert.Error(t, ValidateMessageContent("  \n\t"))
	assert.Error(t, ValidateMessageContent(strings.Repeat("a", MaxMessageBytes+1)))
	assert.Error(t, ValidateMessageContent("bad \xff utf8"))
}

func TestValidateConversationID(t *testing.T) {
	assert.NoError(t, ValidateConversationID("0190a8a4-6c8e-7b3e-9d1c-3b9f1c2d4e5f"))
	assert.Error(t, ValidateConversationID("conv-1"))
}

func TestValidateName(t *testing.T) {
	assert.NoError(t, ValidateName(""))
	assert.NoError(t, ValidateName("Weekend plans"))
	assert.Error(t, ValidateName(strings.Repeat("n", 257)))
}
