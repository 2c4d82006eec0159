package lti

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	agsScoreScope       = "https://purl.imsglobal.org/spec/lti-ags/scope/score"
	clientAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"
	scoreContentType    = "application/vnd.ims.lis.v1.score+json"
)

// AGSConfig identifies the tool towards an LTI 1.3 platform.
type AGSConfig struct {
	ClientID   string
	TokenURL   string
	KeyID      string
	PrivateKey *rsa.PrivateKey
}

// AGSSender posts scores to an LTI 1.3 Assignment and Grade Services line item.
// Score.ServiceURL is the line item url and Score.ResultID the platform user id.
type AGSSender struct {
	cfg        AGSConfig
	httpClient *http.Client
	now        func() time.Time

	mu          sync.Mutex
	accessToken string
	expiresAt   time.Time
}

// NewAGSSender builds a sender. The private key signs the client assertion with RS256.
func NewAGSSender(cfg AGSConfig, httpClient *http.Client) (*AGSSender, error) {
	if cfg.ClientID == "" || cfg.TokenURL == "" {
		return nil, errors.New("lti 1.3 client id and token url are required")
	}
	if cfg.PrivateKey == nil {
		return nil, errors.New("lti 1.3 private key is required")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &AGSSender{cfg: cfg, httpClient: httpClient, now: time.Now}, nil
}

// ParsePrivateKey decodes a PEM encoded RSA key.
func ParsePrivateKey(pemBytes []byte) (*rsa.PrivateKey, error) {
	return jwt.ParseRSAPrivateKeyFromPEM(pemBytes)
}

type agsScore struct {
	UserID           string  `json:"userId"`
	ScoreGiven       float64 `json:"scoreGiven"`
	ScoreMaximum     float64 `json:"scoreMaximum"`
	ActivityProgress string  `json:"activityProgress"`
	GradingProgress  string  `json:"gradingProgress"`
	Timestamp        string  `json:"timestamp"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

// Send implements Sender.
func (s *AGSSender) Send(ctx context.Context, score Score) error {
	if score.ServiceURL == "" || score.ResultID == "" {
		return fmt.Errorf("missing line item for submission %s", score.SubmissionID)
	}

	token, err := s.token(ctx)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(agsScore{
		UserID:           score.ResultID,
		ScoreGiven:       score.Grade,
		ScoreMaximum:     100,
		ActivityProgress: "Completed",
		GradingProgress:  "FullyGraded",
		Timestamp:        s.now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}

	endpoint, err := scoresEndpoint(score.ServiceURL)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", scoreContentType)
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post score: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		s.mu.Lock()
		s.accessToken = ""
		s.mu.Unlock()
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("score service returned status %d", resp.StatusCode)
	}
	return nil
}

func (s *AGSSender) token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.accessToken != "" && s.now().Before(s.expiresAt) {
		return s.accessToken, nil
	}

	assertion, err := s.clientAssertion()
	if err != nil {
		return "", err
	}

	form := url.Values{
		"grant_type":            {"client_credentials"},
		"client_assertion_type": {clientAssertionType},
		"client_assertion":      {assertion},
		"scope":                 {agsScoreScope},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("request access token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token endpoint returned status %d", resp.StatusCode)
	}

	var parsed tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decode access token: %w", err)
	}
	if parsed.AccessToken == "" {
		return "", errors.New("token endpoint returned no access token")
	}

	lifetime := time.Duration(parsed.ExpiresIn) * time.Second
	if lifetime <= 0 {
		lifetime = time.Hour
	}
	s.accessToken = parsed.AccessToken
	s.expiresAt = s.now().Add(lifetime - 30*time.Second)
	return s.accessToken, nil
}

func (s *AGSSender) clientAssertion() (string, error) {
	now := s.now()
	claims := jwt.RegisteredClaims{
		Issuer:    s.cfg.ClientID,
		Subject:   s.cfg.ClientID,
		Audience:  jwt.ClaimStrings{s.cfg.TokenURL},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(5 * time.Minute)),
		ID:        uuid.NewString(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if s.cfg.KeyID != "" {
		token.Header["kid"] = s.cfg.KeyID
	}
	signed, err := token.SignedString(s.cfg.PrivateKey)
	if err != nil {
		return "", fmt.Errorf("sign client assertion: %w", err)
	}
	return signed, nil
}

// scoresEndpoint appends /scores to the line item path, keeping its query string.
func scoresEndpoint(lineItem string) (string, error) {
	parsed, err := url.Parse(lineItem)
	if err != nil {
		return "", fmt.Errorf("parse line item url: %w", err)
	}
	parsed.Path = strings.TrimSuffix(parsed.Path, "/") + "/scores"
	return parsed.String(), nil
}
