package connectors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"go-crm-sync/internal/common/crmerrors"
	"go-crm-sync/internal/common/models"
	"go-crm-sync/internal/features/vault"
)

const (
	salesforceLoginURL   = "https://login.salesforce.com"
	salesforceAPIVersion = "v58.0"
	salesforceTimeLayout = "2006-01-02T15:04:05.000-0700"
)

var salesforceFields = map[models.EntityType][]string{
	models.EntityLead:        {"Id", "FirstName", "LastName", "Email", "Phone", "Company", "Title", "LeadSource", "Status", "LastModifiedDate"},
	models.EntityOpportunity: {"Id", "Name", "Amount", "StageName", "CloseDate", "Probability", "Description", "LastModifiedDate"},
	models.EntityActivity:    {"Id", "Subject", "TaskSubtype", "ActivityDate", "Status", "Description", "LastModifiedDate"},
}

var salesforceObjects = map[models.EntityType]string{
	models.EntityLead:        "Lead",
	models.EntityOpportunity: "Opportunity",
	models.EntityActivity:    "Task",
}

// SalesforceConnector talks to the Salesforce REST API using a session from
// the OAuth2 username-password flow.
type SalesforceConnector struct {
	creds  vault.Credentials
	opts   Options
	client *apiClient
	oauth  *oauth2.Config

	mu          sync.RWMutex
	token       *oauth2.Token
	instanceURL string
}

type salesforceQueryResponse struct {
	TotalSize      int              `json:"totalSize"`
	Done           bool             `json:"done"`
	NextRecordsURL string           `json:"nextRecordsUrl"`
	Records        []map[string]any `json:"records"`
}

type salesforceCreateResponse struct {
	ID      string `json:"id"`
	Success bool   `json:"success"`
	Errors  []any  `json:"errors"`
}

func NewSalesforceConnector(creds vault.Credentials, opts Options) (Connector, error) {
	if missing := creds.Require("client_id", "client_secret", "username", "password"); len(missing) > 0 {
		return nil, crmerrors.Configuration("salesforce credentials missing %s", strings.Join(missing, ", "))
	}
	opts = opts.withDefaults()

	loginURL := opts.AuthURL
	if loginURL == "" {
		loginURL = creds.Get("login_url")
	}
	if loginURL == "" {
		loginURL = salesforceLoginURL
	}

	c := &SalesforceConnector{
		creds: creds,
		opts:  opts,
		oauth: &oauth2.Config{
			ClientID:     creds.Get("client_id"),
			ClientSecret: creds.Get("client_secret"),
			Endpoint: oauth2.Endpoint{
				TokenURL:  joinURL(loginURL, "services/oauth2/token"),
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
	}
	c.client = newAPIClient(string(models.CRMSalesforce), string(models.CRMSalesforce)+":"+creds.Get("username"), opts)
	c.client.authorize = c.authorize
	return c, nil
}

func (c *SalesforceConnector) Provider() string {
	return string(models.CRMSalesforce)
}

func (c *SalesforceConnector) Authenticate(ctx context.Context) error {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.opts.HTTPClient)
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	password := c.creds.Get("password") + c.creds.Get("security_token")
	tok, err := c.oauth.PasswordCredentialsToken(ctx, c.creds.Get("username"), password)
	if err != nil {
		return tokenError(c.Provider(), err)
	}

	instance, _ := tok.Extra("instance_url").(string)
	if c.opts.BaseURL != "" {
		instance = c.opts.BaseURL
	}
	if instance == "" {
		return crmerrors.Authentication("salesforce token response has no instance_url")
	}

	c.mu.Lock()
	c.token = tok
	c.instanceURL = instance
	c.mu.Unlock()
	return nil
}

func (c *SalesforceConnector) authorize(_ context.Context, req *http.Request) error {
	c.mu.RLock()
	tok := c.token
	c.mu.RUnlock()
	if tok == nil {
		return crmerrors.Authentication("salesforce session not established")
	}
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	return nil
}

func (c *SalesforceConnector) dataURL(parts ...string) string {
	c.mu.RLock()
	base := c.instanceURL
	c.mu.RUnlock()
	return joinURL(base, append([]string{"services/data", salesforceAPIVersion}, parts...)...)
}

func (c *SalesforceConnector) GetLeads(ctx context.Context, since *time.Time) ([]Record, error) {
	return c.fetch(ctx, models.EntityLead, since)
}

func (c *SalesforceConnector) GetOpportunities(ctx context.Context, since *time.Time) ([]Record, error) {
	return c.fetch(ctx, models.EntityOpportunity, since)
}

func (c *SalesforceConnector) GetActivities(ctx context.Context, since *time.Time) ([]Record, error) {
	return c.fetch(ctx, models.EntityActivity, since)
}

func (c *SalesforceConnector) fetch(ctx context.Context, entity models.EntityType, since *time.Time) ([]Record, error) {
	soql := c.selectClause(entity)
	if since != nil {
		soql += " WHERE LastModifiedDate > " + since.UTC().Format(time.RFC3339)
	}
	soql += " ORDER BY LastModifiedDate ASC"
	return c.query(ctx, soql)
}

// query runs SOQL and follows nextRecordsUrl until done.
func (c *SalesforceConnector) query(ctx context.Context, soql string) ([]Record, error) {
	next := c.dataURL("query") + "?q=" + url.QueryEscape(soql)
	var records []Record

	for next != "" {
		var page salesforceQueryResponse
		if _, err := c.client.do(ctx, http.MethodGet, next, nil, nil, &page); err != nil {
			return nil, fmt.Errorf("salesforce query: %w", err)
		}
		for _, raw := range page.Records {
			records = append(records, c.flatten(raw))
		}
		next = ""
		if !page.Done && page.NextRecordsURL != "" {
			c.mu.RLock()
			next = joinURL(c.instanceURL, page.NextRecordsURL)
			c.mu.RUnlock()
		}
	}
	return records, nil
}

func (c *SalesforceConnector) selectClause(entity models.EntityType) string {
	fields := append([]string{}, salesforceFields[entity]...)
	seen := make(map[string]bool, len(fields))
	for _, f := range fields {
		seen[f] = true
	}
	for _, f := range c.opts.Fields[string(entity)] {
		if !seen[f] && isSOQLIdentifier(f) {
			fields = append(fields, f)
			seen[f] = true
		}
	}
	return "SELECT " + strings.Join(fields, ", ") + " FROM " + salesforceObjects[entity]
}

func (c *SalesforceConnector) flatten(raw map[string]any) Record {
	fields := make(map[string]any, len(raw))
	for k, v := range raw {
		if k == "attributes" {
			continue
		}
		fields[k] = v
	}
	rec := Record{Fields: fields}
	rec.ExternalID, _ = raw["Id"].(string)
	if s, ok := raw["LastModifiedDate"].(string); ok {
		rec.ModifiedAt, _ = time.Parse(salesforceTimeLayout, s)
	}
	return rec
}

func (c *SalesforceConnector) CreateLead(ctx context.Context, fields map[string]any) (string, error) {
	return c.create(ctx, "Lead", fields)
}

func (c *SalesforceConnector) CreateOpportunity(ctx context.Context, fields map[string]any) (string, error) {
	return c.create(ctx, "Opportunity", fields)
}

func (c *SalesforceConnector) create(ctx context.Context, object string, fields map[string]any) (string, error) {
	var out salesforceCreateResponse
	if _, err := c.client.do(ctx, http.MethodPost, c.dataURL("sobjects", object), nil, fields, &out); err != nil {
		return "", fmt.Errorf("create salesforce %s: %w", object, err)
	}
	if !out.Success || out.ID == "" {
		return "", crmerrors.Validation("salesforce did not create %s: %v", object, out.Errors)
	}
	return out.ID, nil
}

func (c *SalesforceConnector) UpdateLead(ctx context.Context, externalID string, fields map[string]any) error {
	return c.update(ctx, "Lead", externalID, fields)
}

func (c *SalesforceConnector) UpdateOpportunity(ctx context.Context, externalID string, fields map[string]any) error {
	return c.update(ctx, "Opportunity", externalID, fields)
}

func (c *SalesforceConnector) update(ctx context.Context, object, externalID string, fields map[string]any) error {
	// Id is not writable on PATCH.
	body := make(map[string]any, len(fields))
	for k, v := range fields {
		if k != "Id" {
			body[k] = v
		}
	}
	if _, err := c.client.do(ctx, http.MethodPatch, c.dataURL("sobjects", object, url.PathEscape(externalID)), nil, body, nil); err != nil {
		return fmt.Errorf("update salesforce %s %s: %w", object, externalID, err)
	}
	return nil
}

func (c *SalesforceConnector) FindLeadByEmail(ctx context.Context, email string) (*Record, error) {
	return c.findOne(ctx, models.EntityLead, "Email", email)
}

func (c *SalesforceConnector) FindOpportunityByName(ctx context.Context, name string) (*Record, error) {
	return c.findOne(ctx, models.EntityOpportunity, "Name", name)
}

func (c *SalesforceConnector) findOne(ctx context.Context, entity models.EntityType, field, value string) (*Record, error) {
	soql := fmt.Sprintf("%s WHERE %s = '%s' ORDER BY LastModifiedDate DESC LIMIT 1", c.selectClause(entity), field, escapeSOQL(value))
	records, err := c.query(ctx, soql)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	return &records[0], nil
}

func escapeSOQL(s string) string {
	return strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(s)
}

func isSOQLIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !(r == '_' || r == '.' || r >= '0' && r <= '9' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z') {
			return false
		}
	}
	return true
}

// tokenError classifies an OAuth2 token endpoint failure.
func tokenError(provider string, err error) error {
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		status := 0
		if rerr.Response != nil {
			status = rerr.Response.StatusCode
		}
		if status == http.StatusTooManyRequests || status >= 500 {
			return crmerrors.Transient("%s token endpoint returned %d", provider, status)
		}
		code := rerr.ErrorCode
		if code == "" {
			code = "rejected"
		}
		return crmerrors.Authentication("%s token request failed: %s", provider, code)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return crmerrors.Transient("%s token request: %v", provider, stripURLError(err))
}
