package lti

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// OutcomeSender posts LTI 1.1 Basic Outcomes replaceResult requests signed with OAuth 1.0 body hashing.
type OutcomeSender struct {
	secrets    map[string]string
	httpClient *http.Client
	now        func() time.Time
}

// NewOutcomeSender builds a sender. secrets maps consumer keys to their shared secrets.
func NewOutcomeSender(secrets map[string]string, httpClient *http.Client) *OutcomeSender {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &OutcomeSender{secrets: secrets, httpClient: httpClient, now: time.Now}
}

type poxResponse struct {
	Header struct {
		Info struct {
			Status struct {
				Code        string `xml:"imsx_codeMajor"`
				Description string `xml:"imsx_description"`
			} `xml:"imsx_statusInfo"`
		} `xml:"imsx_POXResponseHeaderInfo"`
	} `xml:"imsx_POXHeader"`
}

// Send implements Sender.
func (s *OutcomeSender) Send(ctx context.Context, score Score) error {
	secret, ok := s.secrets[score.ConsumerKey]
	if !ok {
		return fmt.Errorf("unknown lti consumer key %q", score.ConsumerKey)
	}
	if score.ServiceURL == "" || score.ResultID == "" {
		return fmt.Errorf("missing outcome service for submission %s", score.SubmissionID)
	}

	body, err := s.replaceResultBody(score)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, score.ServiceURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/xml")

	authorization, err := s.sign(req.URL, score.ConsumerKey, secret, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", authorization)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post outcome: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("outcome service returned status %d", resp.StatusCode)
	}

	var parsed poxResponse
	if err := xml.Unmarshal(raw, &parsed); err != nil {
		return fmt.Errorf("parse outcome response: %w", err)
	}
	if parsed.Header.Info.Status.Code != "success" {
		return fmt.Errorf("outcome service rejected score: %s %s", parsed.Header.Info.Status.Code, parsed.Header.Info.Status.Description)
	}
	return nil
}

func (s *OutcomeSender) replaceResultBody(score Score) ([]byte, error) {
	grade := score.Grade / 100
	if grade < 0 {
		grade = 0
	}
	if grade > 1 {
		grade = 1
	}

	var sourcedID bytes.Buffer
	if err := xml.EscapeText(&sourcedID, []byte(score.ResultID)); err != nil {
		return nil, err
	}

	doc := `<?xml version="1.0" encoding="UTF-8"?>
<imsx_POXEnvelopeRequest xmlns="http://www.imsglobal.org/services/ltiv1p1/xsd/imsoms_v1p0">
  <imsx_POXHeader>
    <imsx_POXRequestHeaderInfo>
      <imsx_version>V1.0</imsx_version>
      <imsx_messageIdentifier>%s</imsx_messageIdentifier>
    </imsx_POXRequestHeaderInfo>
  </imsx_POXHeader>
  <imsx_POXBody>
    <replaceResultRequest>
      <resultRecord>
        <sourcedGUID><sourcedId>%s</sourcedId></sourcedGUID>
        <result><resultScore><language>en</language><textString>%s</textString></resultScore></result>
      </resultRecord>
    </replaceResultRequest>
  </imsx_POXBody>
</imsx_POXEnvelopeRequest>`

	return []byte(fmt.Sprintf(doc, uuid.NewString(), sourcedID.String(), strconv.FormatFloat(grade, 'f', -1, 64))), nil
}

func (s *OutcomeSender) sign(target *url.URL, consumerKey, secret string, body []byte) (string, error) {
	bodyHash := sha1.Sum(body)
	params := map[string]string{
		"oauth_body_hash":        base64.StdEncoding.EncodeToString(bodyHash[:]),
		"oauth_consumer_key":     consumerKey,
		"oauth_nonce":            strings.ReplaceAll(uuid.NewString(), "-", ""),
		"oauth_signature_method": "HMAC-SHA1",
		"oauth_timestamp":        strconv.FormatInt(s.now().Unix(), 10),
		"oauth_version":          "1.0",
	}

	signature := oauthSignature(http.MethodPost, target, params, secret)
	params["oauth_signature"] = signature

	keys := make([]string, 0, len(params))
	for key := range params {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		parts = append(parts, fmt.Sprintf(`%s="%s"`, percentEncode(key), percentEncode(params[key])))
	}
	return `OAuth realm="", ` + strings.Join(parts, ", "), nil
}

func oauthSignature(method string, target *url.URL, oauthParams map[string]string, secret string) string {
	pairs := make([][2]string, 0, len(oauthParams))
	for key, value := range oauthParams {
		pairs = append(pairs, [2]string{percentEncode(key), percentEncode(value)})
	}
	for key, values := range target.Query() {
		for _, value := range values {
			pairs = append(pairs, [2]string{percentEncode(key), percentEncode(value)})
		}
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i][0] == pairs[j][0] {
			return pairs[i][1] < pairs[j][1]
		}
		return pairs[i][0] < pairs[j][0]
	})

	encoded := make([]string, 0, len(pairs))
	for _, pair := range pairs {
		encoded = append(encoded, pair[0]+"="+pair[1])
	}

	base := *target
	base.RawQuery = ""
	base.Fragment = ""
	base.Scheme = strings.ToLower(base.Scheme)
	base.Host = strings.ToLower(base.Host)

	signatureBase := strings.Join([]string{
		method,
		percentEncode(base.String()),
		percentEncode(strings.Join(encoded, "&")),
	}, "&")

	mac := hmac.New(sha1.New, []byte(percentEncode(secret)+"&"))
	mac.Write([]byte(signatureBase))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// percentEncode applies RFC 3986 encoding as required by OAuth 1.0.
func percentEncode(value string) string {
	escaped := url.QueryEscape(value)
	escaped = strings.ReplaceAll(escaped, "+", "%20")
	return strings.ReplaceAll(escaped, "%7E", "~")
}
