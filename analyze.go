package meridian

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ============================================================================
// Analysis Collaborator (outbound)
// ============================================================================

// AnalysisRequest is the payload POSTed to the analysis webhook.
type AnalysisRequest struct {
	Source  string    `json:"source"`
	UserID  string    `json:"userId"`
	Message Message   `json:"message"`
	Context []Message `json:"context,omitempty"`
	SentAt  int64     `json:"sentAt"`
}

// AnalysisResponse is the webhook's reply.
type AnalysisResponse struct {
	OK          bool         `json:"ok"`
	Suggestions []Suggestion `json:"suggestions,omitempty"`
	Error       *APIError    `json:"error,omitempty"`
}

// AnalysisClient forwards messages to an external analysis endpoint.
// Requests are HMAC-SHA256 signed; the collaborator is best effort and
// retry is the caller's responsibility.
type AnalysisClient struct {
	endpoint   string
	secret     string
	httpClient *http.Client
}

// NewAnalysisClient creates a signed analysis client. secret may be
// empty, in which case requests are unsigned.
func NewAnalysisClient(endpoint, secret string, httpClient *http.Client) (*AnalysisClient, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("analysis endpoint is required")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	return &AnalysisClient{
		endpoint:   endpoint,
		secret:     secret,
		httpClient: httpClient,
	}, nil
}

// Analyze implements Analyzer.
func (a *AnalysisClient) Analyze(ctx context.Context, msg Message, contextMessages []Message, userID string) ([]Suggestion, error) {
	payload := AnalysisRequest{
		Source:  "meridian_im",
		UserID:  userID,
		Message: msg,
		Context: contextMessages,
		SentAt:  time.Now().UnixMilli(),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal analysis request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", a.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create analysis request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if a.secret != "" {
		req.Header.Set("X-Meridian-Signature", signBody(string(body), a.secret))
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("analysis request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("analysis HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read analysis response: %w", err)
	}
	var res AnalysisResponse
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("failed to unmarshal analysis response: %w", err)
	}
	if !res.OK {
		if res.Error != nil {
			return nil, res.Error
		}
		return nil, fmt.Errorf("analysis rejected")
	}
	return res.Suggestions, nil
}

func signBody(body, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// ============================================================================
// Webhook receiver (inbound suggestion callbacks)
// ============================================================================

// WebhookPayload is a Meridian IM webhook payload (POST to an agent or
// analysis endpoint).
type WebhookPayload struct {
	Source    string  `json:"source"`
	Event     string  `json:"event"`
	Timestamp int64   `json:"timestamp"`
	Message   Message `json:"message"`
	ChatID    string  `json:"chatId"`
	UserID    string  `json:"userId"`
}

// WebhookReply is an optional reply from a webhook handler.
type WebhookReply struct {
	Suggestions []Suggestion `json:"suggestions,omitempty"`
}

// WebhookHandlerFunc is the callback signature for handling webhook
// payloads.
type WebhookHandlerFunc func(payload *WebhookPayload) (*WebhookReply, error)

// VerifyWebhookSignature verifies a Meridian webhook signature using
// HMAC-SHA256. Uses constant-time comparison to prevent timing attacks.
func VerifyWebhookSignature(body, signature, secret string) bool {
	if body == "" || signature == "" || secret == "" {
		return false
	}

	sig := signature
	if strings.HasPrefix(sig, "sha256=") {
		sig = sig[7:]
	}
	if sig == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	expected := hex.EncodeToString(mac.Sum(nil))

	if len(sig) != len(expected) {
		return false
	}

	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// ParseWebhookPayload parses a raw webhook body into a typed
// WebhookPayload.
func ParseWebhookPayload(body string) (*WebhookPayload, error) {
	var payload WebhookPayload
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		return nil, fmt.Errorf("invalid JSON in webhook body: %w", err)
	}

	if payload.Source != "meridian_im" {
		return nil, fmt.Errorf("unknown webhook source: %s", payload.Source)
	}
	if payload.Event == "" {
		return nil, fmt.Errorf("missing event field in webhook payload")
	}
	if payload.Message.ID == "" || payload.Message.SenderID == "" || payload.ChatID == "" {
		return nil, fmt.Errorf("missing required fields in webhook payload (message, sender, chat)")
	}

	return &payload, nil
}

// Webhook handles Meridian webhook verification, parsing, and dispatch.
type Webhook struct {
	secret    string
	onMessage WebhookHandlerFunc
}

// NewWebhook creates a new webhook handler.
func NewWebhook(secret string, onMessage WebhookHandlerFunc) (*Webhook, error) {
	if secret == "" {
		return nil, fmt.Errorf("webhook secret is required")
	}
	return &Webhook{
		secret:    secret,
		onMessage: onMessage,
	}, nil
}

// Verify verifies an HMAC-SHA256 signature.
func (w *Webhook) Verify(body, signature string) bool {
	return VerifyWebhookSignature(body, signature, w.secret)
}

// Parse parses a raw body into a typed WebhookPayload.
func (w *Webhook) Parse(body string) (*WebhookPayload, error) {
	return ParseWebhookPayload(body)
}

// Handle processes a webhook request (verify + parse + call handler).
// Returns the status code and response body for the caller to write.
func (w *Webhook) Handle(body, signature string) (int, any) {
	if !w.Verify(body, signature) {
		return http.StatusUnauthorized, map[string]string{"error": "Invalid signature"}
	}

	payload, err := w.Parse(body)
	if err != nil {
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}

	reply, err := w.onMessage(payload)
	if err != nil {
		return http.StatusInternalServerError, map[string]string{"error": err.Error()}
	}

	if reply != nil {
		return http.StatusOK, reply
	}
	return http.StatusOK, map[string]bool{"ok": true}
}

// HTTPHandler returns an http.Handler that processes webhook requests.
//
// Example:
//
//	wh, _ := meridian.NewWebhook("secret", handler)
//	http.Handle("/webhook", wh.HTTPHandler())
func (w *Webhook) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			rw.Header().Set("Content-Type", "application/json")
			rw.WriteHeader(http.StatusMethodNotAllowed)
			json.NewEncoder(rw).Encode(map[string]string{"error": "Method not allowed"})
			return
		}

		bodyBytes, err := io.ReadAll(r.Body)
		if err != nil {
			rw.Header().Set("Content-Type", "application/json")
			rw.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(rw).Encode(map[string]string{"error": "Failed to read body"})
			return
		}
		defer r.Body.Close()

		body := string(bodyBytes)
		signature := r.Header.Get("X-Meridian-Signature")

		statusCode, data := w.Handle(body, signature)

		rw.Header().Set("Content-Type", "application/json")
		rw.WriteHeader(statusCode)
		json.NewEncoder(rw).Encode(data)
	})
}

// HTTPHandlerFunc returns an http.HandlerFunc for convenience.
func (w *Webhook) HTTPHandlerFunc() http.HandlerFunc {
	return w.HTTPHandler().ServeHTTP
}
