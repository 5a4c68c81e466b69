// Package replay submits recorded transactions from a CSV file to a running
// Kestrel server and tallies the classifier's verdicts.
//
// The CSV needs a header row with "amount" and "location" columns and may
// carry a "description" column. Rows are submitted in file order because
// the velocity rule depends on the order of a user's submissions.
package replay

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Row is one transaction read from the CSV.
type Row struct {
	Line        int
	Amount      decimal.Decimal
	Location    string
	Description string
}

// ReadCSV parses rows. Malformed rows fail the whole read with their line number.
func ReadCSV(r io.Reader) ([]Row, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	colIndex := make(map[string]int)
	for i, col := range header {
		colIndex[strings.ToLower(strings.TrimSpace(col))] = i
	}
	for _, required := range []string{"amount", "location"} {
		if _, ok := colIndex[required]; !ok {
			return nil, fmt.Errorf("missing %q column", required)
		}
	}
	descCol, hasDesc := colIndex["description"]

	var rows []Row
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("invalid CSV: %w", err)
		}
		line, _ := reader.FieldPos(0)

		amount, err := decimal.NewFromString(strings.TrimSpace(record[colIndex["amount"]]))
		if err != nil {
			return nil, fmt.Errorf("line %d: invalid amount: %w", line, err)
		}

		row := Row{
			Line:     line,
			Amount:   amount,
			Location: strings.TrimSpace(record[colIndex["location"]]),
		}
		if hasDesc {
			row.Description = strings.TrimSpace(record[descCol])
		}
		rows = append(rows, row)
	}

	return rows, nil
}

// Client talks to the Kestrel HTTP API with a bearer session token.
type Client struct {
	baseURL string
	http    *http.Client
	token   string
}

// NewClient creates a client. A nil httpClient uses a 30s timeout client.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
	}
}

// APIError is a non-success response from the server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

// Health checks that the server is reachable.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil, nil)
}

// Login starts a session used by later calls.
func (c *Client) Login(ctx context.Context, email, password string) error {
	var resp struct {
		Token string `json:"token"`
	}
	body := map[string]string{"email": email, "password": password}
	if err := c.do(ctx, http.MethodPost, "/api/auth/login", body, nil, &resp); err != nil {
		return err
	}
	if resp.Token == "" {
		return errors.New("login response carried no session token")
	}
	c.token = resp.Token
	return nil
}

// Submit creates one transaction. A non-empty idempotencyKey makes retries safe.
func (c *Client) Submit(ctx context.Context, row Row, idempotencyKey string) (*domain.Transaction, error) {
	body := map[string]string{
		"amount":      row.Amount.String(),
		"location":    row.Location,
		"description": row.Description,
	}
	var headers map[string]string
	if idempotencyKey != "" {
		headers = map[string]string{"Idempotency-Key": idempotencyKey}
	}

	var tx domain.Transaction
	if err := c.do(ctx, http.MethodPost, "/api/transactions", body, headers, &tx); err != nil {
		return nil, err
	}
	return &tx, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, headers map[string]string, out any) error {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(data, &e)
		if e.Error == "" {
			e.Error = http.StatusText(resp.StatusCode)
		}
		return &APIError{Status: resp.StatusCode, Message: e.Error}
	}

	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

// Summary tallies a replay.
type Summary struct {
	Submitted int            `json:"submitted"`
	Pending   int            `json:"pending"`
	Flagged   int            `json:"flagged"`
	Failed    int            `json:"failed"`
	Reasons   map[string]int `json:"reasons"`
	Errors    []string       `json:"errors,omitempty"`
	Duration  time.Duration  `json:"duration"`
}

// Run submits rows in order. keyPrefix, when set, derives a per-row
// Idempotency-Key so a second run of the same file creates nothing new.
// It stops early only when ctx is cancelled.
func Run(ctx context.Context, c *Client, rows []Row, keyPrefix string) Summary {
	start := time.Now()
	s := Summary{Reasons: make(map[string]int)}

	for _, row := range rows {
		if ctx.Err() != nil {
			break
		}

		var key string
		if keyPrefix != "" {
			key = fmt.Sprintf("%s-%d", keyPrefix, row.Line)
		}

		tx, err := c.Submit(ctx, row, key)
		if err != nil {
			s.Failed++
			s.Errors = append(s.Errors, fmt.Sprintf("line %d: %v", row.Line, err))
			continue
		}

		s.Submitted++
		s.Reasons[tx.Reason]++
		switch tx.Status {
		case domain.StatusPending:
			s.Pending++
		case domain.StatusFlagged:
			s.Flagged++
		}
	}

	s.Duration = time.Since(start)
	return s
}
