package lti

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const poxSuccess = `<?xml version="1.0" encoding="UTF-8"?>
<imsx_POXEnvelopeResponse xmlns="http://www.imsglobal.org/services/ltiv1p1/xsd/imsoms_v1p0">
  <imsx_POXHeader>
    <imsx_POXResponseHeaderInfo>
      <imsx_statusInfo><imsx_codeMajor>success</imsx_codeMajor><imsx_description>ok</imsx_description></imsx_statusInfo>
    </imsx_POXResponseHeaderInfo>
  </imsx_POXHeader>
</imsx_POXEnvelopeResponse>`

func TestOutcomeSenderSignsReplaceResult(t *testing.T) {
	var body string
	var authorization string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		body = string(raw)
		authorization = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(poxSuccess))
	}))
	defer server.Close()

	sender := NewOutcomeSender(map[string]string{"consumer": "secret"}, server.Client())
	err := sender.Send(context.Background(), Score{
		SubmissionID: "s1",
		Grade:        75,
		ConsumerKey:  "consumer",
		ServiceURL:   server.URL + "/outcomes?course=c1",
		ResultID:     "result<1>",
	})
	require.NoError(t, err)

	require.Contains(t, body, "<textString>0.75</textString>")
	require.Contains(t, body, "<sourcedId>result&lt;1&gt;</sourcedId>")
	require.True(t, strings.HasPrefix(authorization, "OAuth "))
	require.Contains(t, authorization, `oauth_consumer_key="consumer"`)
	require.Contains(t, authorization, `oauth_body_hash="`)
	require.Contains(t, authorization, `oauth_signature="`)
}

func TestOutcomeSenderRejectsUnknownConsumer(t *testing.T) {
	sender := NewOutcomeSender(map[string]string{}, nil)
	err := sender.Send(context.Background(), Score{ConsumerKey: "nope", ServiceURL: "http://example", ResultID: "r"})
	require.Error(t, err)
}

func TestOutcomeSenderReportsFailureStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strings.Replace(poxSuccess, ">success<", ">failure<", 1)))
	}))
	defer server.Close()

	sender := NewOutcomeSender(map[string]string{"consumer": "secret"}, server.Client())
	err := sender.Send(context.Background(), Score{ConsumerKey: "consumer", ServiceURL: server.URL, ResultID: "r"})
	require.Error(t, err)
}

func TestOAuthSignatureIsStableAndKeyed(t *testing.T) {
	target, err := url.Parse("http://example.com/request?b5=%3D%253D&a3=a&c%40=&a2=r%20b")
	require.NoError(t, err)

	params := map[string]string{
		"oauth_consumer_key":     "9djdj82h48djs9d2",
		"oauth_token":            "kkk9d7dh3k39sjv7",
		"oauth_signature_method": "HMAC-SHA1",
		"oauth_timestamp":        "137131201",
		"oauth_nonce":            "7d8f3e4a",
	}
	first := oauthSignature(http.MethodPost, target, params, "j49sk3j29djd")
	second := oauthSignature(http.MethodPost, target, params, "j49sk3j29djd")
	require.Equal(t, first, second)
	require.NotEqual(t, first, oauthSignature(http.MethodPost, target, params, "other"))
	require.Equal(t, "a%20b~c%2Fd", percentEncode("a b~c/d"))
}

func TestAGSSenderPostsScoreWithClientAssertion(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	var tokenRequests int32
	var scorePayload map[string]interface{}
	var scorePath string

	mux := http.NewServeMux()
	var serverURL string
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&tokenRequests, 1)
		require.NoError(t, r.ParseForm())
		require.Equal(t, "client_credentials", r.PostForm.Get("grant_type"))

		assertion := r.PostForm.Get("client_assertion")
		parsed, err := jwt.ParseWithClaims(assertion, &jwt.RegisteredClaims{}, func(*jwt.Token) (interface{}, error) {
			return &key.PublicKey, nil
		}, jwt.WithValidMethods([]string{"RS256"}), jwt.WithAudience(serverURL+"/token"))
		require.NoError(t, err)
		claims := parsed.Claims.(*jwt.RegisteredClaims)
		require.Equal(t, "tool-client", claims.Issuer)

		_ = json.NewEncoder(w).Encode(map[string]interface{}{"access_token": "tok", "expires_in": 3600})
	})
	mux.HandleFunc("/lineitems/7/scores", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		scorePath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&scorePayload)
		w.WriteHeader(http.StatusOK)
	})
	server := httptest.NewServer(mux)
	defer server.Close()
	serverURL = server.URL

	sender, err := NewAGSSender(AGSConfig{ClientID: "tool-client", TokenURL: server.URL + "/token", PrivateKey: key}, server.Client())
	require.NoError(t, err)

	score := Score{SubmissionID: "s1", Grade: 80, ServiceURL: server.URL + "/lineitems/7", ResultID: "user-9"}
	require.NoError(t, sender.Send(context.Background(), score))
	require.NoError(t, sender.Send(context.Background(), score))

	require.Equal(t, int32(1), atomic.LoadInt32(&tokenRequests))
	require.Equal(t, "/lineitems/7/scores", scorePath)
	require.Equal(t, "user-9", scorePayload["userId"])
	require.Equal(t, 80.0, scorePayload["scoreGiven"])
	require.Equal(t, "FullyGraded", scorePayload["gradingProgress"])
}

type flakySender struct {
	mu       sync.Mutex
	failures int
	sent     []Score
}

func (s *flakySender) Send(_ context.Context, score Score) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return errors.New("platform unavailable")
	}
	s.sent = append(s.sent, score)
	return nil
}

func (s *flakySender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func TestPublisherRetriesUntilDelivered(t *testing.T) {
	sender := &flakySender{failures: 2}
	publisher := NewPublisher(Version11, sender, QueueConfig{Backoff: time.Millisecond, MaxAttempts: 3}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	publisher.Start(ctx)

	require.NoError(t, publisher.Add(Score{SubmissionID: "s1", Grade: 50}))
	require.Eventually(t, func() bool { return sender.count() == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, Version11, publisher.Version())
}

func TestPublisherRejectsWhenQueueFull(t *testing.T) {
	publisher := NewPublisher(Version13, &flakySender{}, QueueConfig{Size: 1}, zerolog.Nop())
	require.NoError(t, publisher.Add(Score{SubmissionID: "a"}))
	require.ErrorIs(t, publisher.Add(Score{SubmissionID: "b"}), ErrQueueFull)
}
