// Package hellonote is a client for the HelloNote EMR billing API.
package hellonote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
)

const (
	DefaultBaseURL            = "https://emr.apiv2.hellonote.com"
	DefaultOrganizationUnitID = 1236
	DefaultPageSize           = 25

	authenticatePath = "/api/TokenAuth/Authenticate"
	transactionsPath = "/api/services/app/BillingTransactions/GetAll"
	dateLayout       = "01/02/2006"
	tokenKey         = "access_token"
	tokenSafety      = 60 * time.Second
)

// ErrUnauthorized is returned when HelloNote rejects the credentials or the
// access token. A rejected token is dropped, so the next call logs in again.
var ErrUnauthorized = errors.New("hellonote: unauthorized")

// Config holds the connection settings for one HelloNote account.
type Config struct {
	BaseURL            string
	Email              string
	Password           string
	OrganizationUnitID int
	PageSize           int
	Timeout            time.Duration
}

// Query selects billing transactions. From and To are inclusive calendar days.
type Query struct {
	From              time.Time
	To                time.Time
	AllStatus         bool
	AllStatusWithHold bool
	FinalizedDate     bool
	NoteDate          bool
	Hold              bool
}

// Page is one page of BillingTransactions results.
type Page struct {
	TotalCount int              `json:"totalCount"`
	Items      []map[string]any `json:"items"`
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// Client talks to HelloNote. It is safe for concurrent use.
type Client struct {
	cfg    Config
	http   *http.Client
	tokens *cache.Cache
	logger zerolog.Logger
}

func New(cfg Config, opts ...Option) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.OrganizationUnitID == 0 {
		cfg.OrganizationUnitID = DefaultOrganizationUnitID
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	c := &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		tokens: cache.New(cache.NoExpiration, 0),
		logger: zerolog.Nop(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type authRequest struct {
	UserNameOrEmailAddress string  `json:"userNameOrEmailAddress"`
	Password               string  `json:"password"`
	RememberClient         bool    `json:"rememberClient"`
	SingleSignIn           bool    `json:"singleSignIn"`
	ReturnURL              *string `json:"returnUrl"`
	CaptchaResponse        *string `json:"captchaResponse"`
}

type authResponse struct {
	Success bool `json:"success"`
	Result  struct {
		AccessToken     string `json:"accessToken"`
		ExpireInSeconds int    `json:"expireInSeconds"`
		UserName        string `json:"userName"`
	} `json:"result"`
}

// Authenticate returns a valid access token, logging in when the cached one
// is missing or within a minute of expiry.
func (c *Client) Authenticate(ctx context.Context) (string, error) {
	if tok, ok := c.tokens.Get(tokenKey); ok {
		return tok.(string), nil
	}
	if c.cfg.Email == "" || c.cfg.Password == "" {
		return "", errors.New("hellonote: email and password are required")
	}

	var resp authResponse
	status, err := c.post(ctx, authenticatePath, "", authRequest{
		UserNameOrEmailAddress: c.cfg.Email,
		Password:               c.cfg.Password,
	}, &resp)
	if err != nil {
		return "", fmt.Errorf("hellonote login: %w", err)
	}
	if status != http.StatusOK || !resp.Success || resp.Result.AccessToken == "" {
		return "", fmt.Errorf("%w: login status %d", ErrUnauthorized, status)
	}

	ttl := time.Duration(resp.Result.ExpireInSeconds)*time.Second - tokenSafety
	if ttl > 0 {
		c.tokens.Set(tokenKey, resp.Result.AccessToken, ttl)
	}
	c.logger.Info().Str("user", resp.Result.UserName).Dur("valid_for", ttl).Msg("logged in to HelloNote")
	return resp.Result.AccessToken, nil
}

type transactionsRequest struct {
	OrganizationUnitID  int    `json:"organizationUnitId"`
	InsuranceID         *int   `json:"insuranceId"`
	TherapistID         *int   `json:"therapistId"`
	Discipline          string `json:"discipline"`
	IsAllStatus         bool   `json:"isAllStatus"`
	IsAllStatusWithHold bool   `json:"isAllStatusWithHold"`
	DateFrom            string `json:"dateFrom"`
	DateTo              string `json:"dateTo"`
	IsExcludeMedACases  bool   `json:"isExcludeMedACases"`
	IsFinalizedDate     bool   `json:"isFinalizedDate"`
	IsNoteDate          bool   `json:"isNoteDate"`
	IsHold              bool   `json:"isHold"`
	CaseTypeID          *int   `json:"caseTypeId"`
	Sorting             string `json:"sorting"`
	SkipCount           int    `json:"skipCount"`
	MaxResultCount      int    `json:"maxResultCount"`
}

func (c *Client) transactionsPayload(q Query, skip, amount int) transactionsRequest {
	return transactionsRequest{
		OrganizationUnitID:  c.cfg.OrganizationUnitID,
		IsAllStatus:         q.AllStatus,
		IsAllStatusWithHold: q.AllStatusWithHold,
		DateFrom:            q.From.Format(dateLayout),
		DateTo:              q.To.Format(dateLayout),
		IsExcludeMedACases:  true,
		IsFinalizedDate:     q.FinalizedDate,
		IsNoteDate:          q.NoteDate,
		IsHold:              q.Hold,
		SkipCount:           skip,
		MaxResultCount:      amount,
	}
}

// FetchPage returns up to amount transactions starting at skip.
func (c *Client) FetchPage(ctx context.Context, q Query, skip, amount int) (*Page, error) {
	token, err := c.Authenticate(ctx)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Result Page `json:"result"`
	}
	status, err := c.post(ctx, transactionsPath, token, c.transactionsPayload(q, skip, amount), &resp)
	if err != nil {
		return nil, fmt.Errorf("fetch transactions (skip=%d): %w", skip, err)
	}
	switch {
	case status == http.StatusUnauthorized:
		c.tokens.Delete(tokenKey)
		return nil, ErrUnauthorized
	case status < 200 || status >= 300:
		return nil, fmt.Errorf("fetch transactions (skip=%d): status %d", skip, status)
	}
	return &resp.Result, nil
}

// FetchAll reads the total with a one-row preview and then walks every page.
// Empty pages are skipped. A failed page aborts the whole fetch.
func (c *Client) FetchAll(ctx context.Context, q Query) ([]map[string]any, error) {
	preview, err := c.FetchPage(ctx, q, 0, 1)
	if err != nil {
		return nil, err
	}
	total := preview.TotalCount
	if total == 0 {
		return nil, nil
	}

	pages := PageCount(total, c.cfg.PageSize)
	c.logger.Debug().Int("total", total).Int("pages", pages).
		Str("from", q.From.Format(time.DateOnly)).Str("to", q.To.Format(time.DateOnly)).
		Msg("fetching HelloNote transactions")

	items := make([]map[string]any, 0, total)
	for p := 0; p < pages; p++ {
		page, err := c.FetchPage(ctx, q, p*c.cfg.PageSize, c.cfg.PageSize)
		if err != nil {
			return nil, fmt.Errorf("page %d/%d: %w", p+1, pages, err)
		}
		if len(page.Items) == 0 {
			c.logger.Warn().Int("page", p+1).Msg("empty HelloNote page")
			continue
		}
		items = append(items, page.Items...)
	}
	return items, nil
}

// PageCount is ceil(total/size).
func PageCount(total, size int) int {
	if total <= 0 || size <= 0 {
		return 0
	}
	return (total + size - 1) / size
}

// post sends body as JSON and decodes a JSON response into out when the
// status is 2xx. It returns the HTTP status for the caller to interpret.
func (c *Client) post(ctx context.Context, path, token string, body, out any) (int, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json-patch+json")
	req.Header.Set("Accept", "application/json, text/plain, */*")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("decode response: %w", err)
	}
	return resp.StatusCode, nil
}
