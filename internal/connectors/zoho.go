package connectors

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"go-crm-sync/internal/common/crmerrors"
	"go-crm-sync/internal/common/models"
	"go-crm-sync/internal/features/vault"
)

const (
	zohoAccountsURL = "https://accounts.zoho.com"
	zohoAPIDomain   = "https://www.zohoapis.com"
)

var zohoModules = map[models.EntityType]string{
	models.EntityLead:        "Leads",
	models.EntityOpportunity: "Deals",
	models.EntityActivity:    "Tasks",
}

// ZohoConnector refreshes access tokens from a long-lived refresh token.
type ZohoConnector struct {
	opts   Options
	client *apiClient

	mu        sync.RWMutex
	tokens    oauth2.TokenSource
	apiDomain string
}

type zohoPage struct {
	Data []map[string]any `json:"data"`
	Info struct {
		MoreRecords bool `json:"more_records"`
		Page        int  `json:"page"`
	} `json:"info"`
}

type zohoWriteResponse struct {
	Data []struct {
		Code    string `json:"code"`
		Status  string `json:"status"`
		Message string `json:"message"`
		Details struct {
			ID string `json:"id"`
		} `json:"details"`
	} `json:"data"`
}

func NewZohoConnector(creds vault.Credentials, opts Options) (Connector, error) {
	if missing := creds.Require("client_id", "client_secret", "refresh_token"); len(missing) > 0 {
		return nil, crmerrors.Configuration("zoho credentials missing %s", strings.Join(missing, ", "))
	}
	opts = opts.withDefaults()

	accounts := opts.AuthURL
	if accounts == "" {
		accounts = creds.Get("accounts_url")
	}
	if accounts == "" {
		accounts = zohoAccountsURL
	}
	cfg := &oauth2.Config{
		ClientID:     creds.Get("client_id"),
		ClientSecret: creds.Get("client_secret"),
		Endpoint: oauth2.Endpoint{
			TokenURL:  joinURL(accounts, "oauth/v2/token"),
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}

	// Token refreshes outlive any single call, so they run on a background
	// context that only carries the HTTP client.
	refreshCtx := context.WithValue(context.Background(), oauth2.HTTPClient, opts.HTTPClient)

	c := &ZohoConnector{
		opts:      opts,
		tokens:    cfg.TokenSource(refreshCtx, &oauth2.Token{RefreshToken: creds.Get("refresh_token")}),
		apiDomain: creds.Get("api_domain"),
	}
	if opts.BaseURL != "" {
		c.apiDomain = opts.BaseURL
	}
	c.client = newAPIClient(string(models.CRMZoho), string(models.CRMZoho)+":"+creds.Get("client_id"), opts)
	c.client.authorize = c.authorize
	return c, nil
}

func (c *ZohoConnector) Provider() string {
	return string(models.CRMZoho)
}

func (c *ZohoConnector) Authenticate(ctx context.Context) error {
	tok, err := c.tokens.Token()
	if err != nil {
		return tokenError(c.Provider(), err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.apiDomain == "" {
		c.apiDomain, _ = tok.Extra("api_domain").(string)
	}
	if c.apiDomain == "" {
		c.apiDomain = zohoAPIDomain
	}
	return nil
}

func (c *ZohoConnector) authorize(_ context.Context, req *http.Request) error {
	tok, err := c.tokens.Token()
	if err != nil {
		return tokenError(c.Provider(), err)
	}
	req.Header.Set("Authorization", "Zoho-oauthtoken "+tok.AccessToken)
	return nil
}

func (c *ZohoConnector) moduleURL(module string, parts ...string) string {
	c.mu.RLock()
	base := c.apiDomain
	c.mu.RUnlock()
	return joinURL(base, append([]string{"crm/v2", module}, parts...)...)
}

func (c *ZohoConnector) GetLeads(ctx context.Context, since *time.Time) ([]Record, error) {
	return c.fetch(ctx, models.EntityLead, since)
}

func (c *ZohoConnector) GetOpportunities(ctx context.Context, since *time.Time) ([]Record, error) {
	return c.fetch(ctx, models.EntityOpportunity, since)
}

func (c *ZohoConnector) GetActivities(ctx context.Context, since *time.Time) ([]Record, error) {
	return c.fetch(ctx, models.EntityActivity, since)
}

func (c *ZohoConnector) fetch(ctx context.Context, entity models.EntityType, since *time.Time) ([]Record, error) {
	module := zohoModules[entity]
	header := http.Header{}
	if since != nil {
		header.Set("If-Modified-Since", since.UTC().Format(time.RFC3339))
	}

	var records []Record
	for page := 1; ; page++ {
		q := url.Values{}
		q.Set("page", strconv.Itoa(page))
		q.Set("per_page", "200")
		if extra := c.opts.Fields[string(entity)]; len(extra) > 0 {
			q.Set("fields", strings.Join(extra, ","))
		}

		var out zohoPage
		status, err := c.client.do(ctx, http.MethodGet, c.moduleURL(module)+"?"+q.Encode(), header, nil, &out, http.StatusNoContent, http.StatusNotModified)
		if err != nil {
			return nil, fmt.Errorf("zoho list %s: %w", module, err)
		}
		if status == http.StatusNoContent || status == http.StatusNotModified {
			return records, nil
		}
		for _, raw := range out.Data {
			records = append(records, zohoRecord(raw))
		}
		if !out.Info.MoreRecords {
			return records, nil
		}
	}
}

func zohoRecord(raw map[string]any) Record {
	rec := Record{Fields: raw}
	rec.ExternalID, _ = raw["id"].(string)
	if s, ok := raw["Modified_Time"].(string); ok {
		rec.ModifiedAt, _ = time.Parse(time.RFC3339, s)
	}
	return rec
}

func (c *ZohoConnector) CreateLead(ctx context.Context, fields map[string]any) (string, error) {
	return c.write(ctx, http.MethodPost, "Leads", "", fields)
}

func (c *ZohoConnector) CreateOpportunity(ctx context.Context, fields map[string]any) (string, error) {
	return c.write(ctx, http.MethodPost, "Deals", "", fields)
}

func (c *ZohoConnector) UpdateLead(ctx context.Context, externalID string, fields map[string]any) error {
	_, err := c.write(ctx, http.MethodPut, "Leads", externalID, fields)
	return err
}

func (c *ZohoConnector) UpdateOpportunity(ctx context.Context, externalID string, fields map[string]any) error {
	_, err := c.write(ctx, http.MethodPut, "Deals", externalID, fields)
	return err
}

// write wraps fields in Zoho's data envelope and checks the per-row status.
func (c *ZohoConnector) write(ctx context.Context, method, module, externalID string, fields map[string]any) (string, error) {
	target := c.moduleURL(module)
	if externalID != "" {
		target = c.moduleURL(module, url.PathEscape(externalID))
	}

	var out zohoWriteResponse
	body := map[string]any{"data": []map[string]any{fields}}
	if _, err := c.client.do(ctx, method, target, nil, body, &out); err != nil {
		return "", fmt.Errorf("write zoho %s: %w", module, err)
	}
	if len(out.Data) == 0 {
		return "", crmerrors.Validation("zoho returned no result for %s", module)
	}
	row := out.Data[0]
	if row.Code != "SUCCESS" {
		return "", crmerrors.Validation("zoho rejected %s: %s %s", module, row.Code, row.Message)
	}
	return row.Details.ID, nil
}

func (c *ZohoConnector) FindLeadByEmail(ctx context.Context, email string) (*Record, error) {
	q := url.Values{}
	q.Set("email", email)
	return c.searchOne(ctx, "Leads", q)
}

func (c *ZohoConnector) FindOpportunityByName(ctx context.Context, name string) (*Record, error) {
	q := url.Values{}
	q.Set("criteria", "(Deal_Name:equals:"+escapeZohoCriteria(name)+")")
	return c.searchOne(ctx, "Deals", q)
}

func (c *ZohoConnector) searchOne(ctx context.Context, module string, q url.Values) (*Record, error) {
	q.Set("per_page", "1")
	var out zohoPage
	status, err := c.client.do(ctx, http.MethodGet, c.moduleURL(module, "search")+"?"+q.Encode(), nil, nil, &out, http.StatusNoContent)
	if err != nil {
		return nil, fmt.Errorf("zoho search %s: %w", module, err)
	}
	if status == http.StatusNoContent || len(out.Data) == 0 {
		return nil, nil
	}
	rec := zohoRecord(out.Data[0])
	return &rec, nil
}

func escapeZohoCriteria(s string) string {
	return strings.NewReplacer(`(`, `\(`, `)`, `\)`, `,`, `\,`).Replace(s)
}
