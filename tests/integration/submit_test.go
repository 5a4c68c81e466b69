//go:build integration

// Package integration provides end-to-end tests against a running Kestrel server.
//
// These tests drive the complete submission pipeline:
//
//	register → login → submit → classify → persist → admin review
//
// Run with:
//
//	kestrel serve &
//	kestrel admin create --email admin@example.com --password adminpass
//	go test -tags=integration -v ./tests/integration/...
//
// KESTREL_TEST_URL overrides the server address. KESTREL_TEST_ADMIN_EMAIL and
// KESTREL_TEST_ADMIN_PASSWORD enable the admin review tests.
package integration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"testing"
	"time"
)

type testConfig struct {
	BaseURL       string
	AdminEmail    string
	AdminPassword string
}

func getTestConfig() testConfig {
	baseURL := os.Getenv("KESTREL_TEST_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	return testConfig{
		BaseURL:       baseURL,
		AdminEmail:    os.Getenv("KESTREL_TEST_ADMIN_EMAIL"),
		AdminPassword: os.Getenv("KESTREL_TEST_ADMIN_PASSWORD"),
	}
}

type transaction struct {
	ID       string `json:"id"`
	UserID   string `json:"userId"`
	Amount   string `json:"amount"`
	Location string `json:"location"`
	Status   string `json:"status"`
	Reason   string `json:"reason"`
}

type client struct {
	t       *testing.T
	baseURL string
	token   string
}

func (c *client) call(method, path string, body any, headers map[string]string) (int, []byte) {
	c.t.Helper()

	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			c.t.Fatalf("failed to encode body: %v", err)
		}
		r = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, r)
	if err != nil {
		c.t.Fatalf("failed to build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := (&http.Client{Timeout: 10 * time.Second}).Do(req)
	if err != nil {
		c.t.Fatalf("request failed (is kestrel running at %s?): %v", c.baseURL, err)
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, data
}

func (c *client) login(email, password string) {
	c.t.Helper()
	code, body := c.call(http.MethodPost, "/api/auth/login", map[string]string{"email": email, "password": password}, nil)
	if code != http.StatusOK {
		c.t.Fatalf("login failed: %d %s", code, body)
	}
	var resp struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(body, &resp); err != nil || resp.Token == "" {
		c.t.Fatalf("login returned no token: %s", body)
	}
	c.token = resp.Token
}

// newUser registers a fresh account and returns a logged-in client.
func newUser(t *testing.T, cfg testConfig, country string) *client {
	t.Helper()
	c := &client{t: t, baseURL: cfg.BaseURL}
	email := fmt.Sprintf("it-%d@example.com", time.Now().UnixNano())

	code, body := c.call(http.MethodPost, "/api/auth/register", map[string]string{
		"email": email, "password": "secret123", "username": "integration", "country": country,
	}, nil)
	if code != http.StatusCreated {
		t.Fatalf("register failed: %d %s", code, body)
	}
	c.login(email, "secret123")
	return c
}

func (c *client) submit(amount, location string) transaction {
	c.t.Helper()
	code, body := c.call(http.MethodPost, "/api/transactions", map[string]string{"amount": amount, "location": location}, nil)
	if code != http.StatusCreated {
		c.t.Fatalf("submit failed: %d %s", code, body)
	}
	var tx transaction
	if err := json.Unmarshal(body, &tx); err != nil {
		c.t.Fatalf("failed to parse transaction: %v", err)
	}
	return tx
}

func TestHomeCountryPending(t *testing.T) {
	c := newUser(t, getTestConfig(), "India")

	tx := c.submit("250", "Mumbai, Bharat")
	if tx.Status != "pending" {
		t.Errorf("expected pending, got %s (%s)", tx.Status, tx.Reason)
	}
}

func TestThresholdBoundary(t *testing.T) {
	cfg := getTestConfig()

	exact := newUser(t, cfg, "USA").submit("5000", "Austin, USA")
	if exact.Status != "pending" {
		t.Errorf("5000 exactly: expected pending, got %s (%s)", exact.Status, exact.Reason)
	}

	above := newUser(t, cfg, "USA").submit("5000.01", "Austin, USA")
	if above.Status != "flagged" || above.Reason != "high_value" {
		t.Errorf("5000.01: expected flagged/high_value, got %s/%s", above.Status, above.Reason)
	}
}

func TestLocationVelocity(t *testing.T) {
	c := newUser(t, getTestConfig(), "UK")

	first := c.submit("20", "London, UK")
	if first.Status != "pending" {
		t.Fatalf("first: expected pending, got %s (%s)", first.Status, first.Reason)
	}

	second := c.submit("20", "Edinburgh, Scotland")
	if second.Status != "flagged" || second.Reason != "location_velocity" {
		t.Errorf("second: expected flagged/location_velocity, got %s/%s", second.Status, second.Reason)
	}
}

func TestForeignCountryFlagged(t *testing.T) {
	c := newUser(t, getTestConfig(), "Brazil")

	tx := c.submit("15", "Berlin, Germany")
	if tx.Status != "flagged" || tx.Reason != "foreign_country" {
		t.Errorf("expected flagged/foreign_country, got %s/%s", tx.Status, tx.Reason)
	}
}

func TestIdempotentReplay(t *testing.T) {
	c := newUser(t, getTestConfig(), "Canada")
	key := map[string]string{"Idempotency-Key": fmt.Sprintf("it-%d", time.Now().UnixNano())}
	body := map[string]string{"amount": "12.34", "location": "Toronto, Canada"}

	code1, b1 := c.call(http.MethodPost, "/api/transactions", body, key)
	code2, b2 := c.call(http.MethodPost, "/api/transactions", body, key)
	if code1 != http.StatusCreated || code2 != http.StatusOK {
		t.Fatalf("expected 201 then 200, got %d then %d", code1, code2)
	}

	var tx1, tx2 transaction
	json.Unmarshal(b1, &tx1)
	json.Unmarshal(b2, &tx2)
	if tx1.ID != tx2.ID {
		t.Errorf("expected the same transaction, got %s and %s", tx1.ID, tx2.ID)
	}
}

func TestAdminReview(t *testing.T) {
	cfg := getTestConfig()
	if cfg.AdminEmail == "" {
		t.Skip("KESTREL_TEST_ADMIN_EMAIL not set")
	}

	c := newUser(t, cfg, "Japan")
	tx := c.submit("9999", "Osaka, Japan")

	admin := &client{t: t, baseURL: cfg.BaseURL}
	admin.login(cfg.AdminEmail, cfg.AdminPassword)

	code, body := admin.call(http.MethodPatch, "/api/transactions/"+tx.ID+"/status", map[string]string{"status": "approved"}, nil)
	if code != http.StatusOK {
		t.Fatalf("status update failed: %d %s", code, body)
	}
	var updated transaction
	json.Unmarshal(body, &updated)
	if updated.Status != "approved" || updated.Reason != "admin_override" {
		t.Errorf("expected approved/admin_override, got %s/%s", updated.Status, updated.Reason)
	}

	if code, _ := c.call(http.MethodGet, "/api/transactions/all", nil, nil); code != http.StatusForbidden {
		t.Errorf("expected 403 for non-admin, got %d", code)
	}

	if code, _ := admin.call(http.MethodDelete, "/api/transactions/"+tx.ID, nil, nil); code != http.StatusOK {
		t.Errorf("delete failed: %d", code)
	}
}
