package connectors

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"go-crm-sync/internal/common/crmerrors"
	"go-crm-sync/internal/common/models"
	"go-crm-sync/internal/features/vault"
)

const hubspotBaseURL = "https://api.hubapi.com"

type hubspotObject struct {
	path       string
	modifiedBy string
	properties []string
}

var hubspotObjects = map[models.EntityType]hubspotObject{
	models.EntityLead: {
		path:       "contacts",
		modifiedBy: "lastmodifieddate",
		properties: []string{"firstname", "lastname", "email", "phone", "company", "jobtitle", "hs_lead_status", "lastmodifieddate"},
	},
	models.EntityOpportunity: {
		path:       "deals",
		modifiedBy: "hs_lastmodifieddate",
		properties: []string{"dealname", "amount", "dealstage", "closedate", "description", "hs_lastmodifieddate"},
	},
	models.EntityActivity: {
		path:       "tasks",
		modifiedBy: "hs_lastmodifieddate",
		properties: []string{"hs_task_subject", "hs_task_type", "hs_timestamp", "hs_task_status", "hs_task_body", "hs_lastmodifieddate"},
	},
}

// HubSpotConnector authenticates with an OAuth app (refresh_token plus
// client credentials), a private app token, or the legacy hapikey query
// parameter, in that order of preference.
type HubSpotConnector struct {
	opts    Options
	client  *apiClient
	baseURL string
	tokens  oauth2.TokenSource
	token   string
	apiKey  string
}

type hubspotResult struct {
	ID         string         `json:"id"`
	Properties map[string]any `json:"properties"`
	UpdatedAt  time.Time      `json:"updatedAt"`
}

type hubspotPage struct {
	Results []hubspotResult `json:"results"`
	Paging  *struct {
		Next *struct {
			After string `json:"after"`
		} `json:"next"`
	} `json:"paging"`
}

func (p hubspotPage) after() string {
	if p.Paging == nil || p.Paging.Next == nil {
		return ""
	}
	return p.Paging.Next.After
}

type hubspotFilter struct {
	PropertyName string `json:"propertyName"`
	Operator     string `json:"operator"`
	Value        string `json:"value"`
}

type hubspotSearch struct {
	FilterGroups []map[string][]hubspotFilter `json:"filterGroups,omitempty"`
	Sorts        []map[string]string          `json:"sorts,omitempty"`
	Properties   []string                     `json:"properties"`
	Limit        int                          `json:"limit"`
	After        string                       `json:"after,omitempty"`
}

func NewHubSpotConnector(creds vault.Credentials, opts Options) (Connector, error) {
	token := creds.Get("access_token")
	apiKey := creds.Get("api_key")
	refresh := creds.Get("refresh_token")
	if token == "" && apiKey == "" && refresh == "" {
		return nil, crmerrors.Configuration("hubspot credentials need refresh_token, access_token or api_key")
	}
	opts = opts.withDefaults()

	c := &HubSpotConnector{opts: opts, token: token, apiKey: apiKey, baseURL: hubspotBaseURL}
	if opts.BaseURL != "" {
		c.baseURL = opts.BaseURL
	}
	account := c.accountKey()
	if refresh != "" {
		if missing := creds.Require("client_id", "client_secret"); len(missing) > 0 {
			return nil, crmerrors.Configuration("hubspot oauth credentials missing %s", strings.Join(missing, ", "))
		}
		authURL := opts.AuthURL
		if authURL == "" {
			authURL = hubspotBaseURL
		}
		cfg := &oauth2.Config{
			ClientID:     creds.Get("client_id"),
			ClientSecret: creds.Get("client_secret"),
			Endpoint: oauth2.Endpoint{
				TokenURL:  joinURL(authURL, "oauth/v1/token"),
				AuthStyle: oauth2.AuthStyleInParams,
			},
		}
		// A stored access token has no known expiry, so the first call
		// always refreshes.
		refreshCtx := context.WithValue(context.Background(), oauth2.HTTPClient, opts.HTTPClient)
		c.tokens = cfg.TokenSource(refreshCtx, &oauth2.Token{RefreshToken: refresh})
		account = creds.Get("client_id") + ":" + tail(refresh)
	}
	c.client = newAPIClient(string(models.CRMHubSpot), string(models.CRMHubSpot)+":"+account, opts)
	c.client.authorize = c.authorize
	return c, nil
}

func (c *HubSpotConnector) Provider() string {
	return string(models.CRMHubSpot)
}

// accountKey identifies the portal for rate limiting without exposing the secret.
func (c *HubSpotConnector) accountKey() string {
	secret := c.token
	if secret == "" {
		secret = c.apiKey
	}
	return tail(secret)
}

func tail(secret string) string {
	if len(secret) > 6 {
		return secret[len(secret)-6:]
	}
	return secret
}

func (c *HubSpotConnector) authorize(_ context.Context, req *http.Request) error {
	if c.tokens != nil {
		tok, err := c.tokens.Token()
		if err != nil {
			return tokenError(c.Provider(), err)
		}
		req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
		return nil
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
		return nil
	}
	q := req.URL.Query()
	q.Set("hapikey", c.apiKey)
	req.URL.RawQuery = q.Encode()
	return nil
}

func (c *HubSpotConnector) Authenticate(ctx context.Context) error {
	_, err := c.client.do(ctx, http.MethodGet, joinURL(c.baseURL, "crm/v3/objects/contacts")+"?limit=1", nil, nil, nil)
	if err != nil {
		return fmt.Errorf("hubspot authenticate: %w", err)
	}
	return nil
}

func (c *HubSpotConnector) GetLeads(ctx context.Context, since *time.Time) ([]Record, error) {
	return c.fetch(ctx, models.EntityLead, since)
}

func (c *HubSpotConnector) GetOpportunities(ctx context.Context, since *time.Time) ([]Record, error) {
	return c.fetch(ctx, models.EntityOpportunity, since)
}

func (c *HubSpotConnector) GetActivities(ctx context.Context, since *time.Time) ([]Record, error) {
	return c.fetch(ctx, models.EntityActivity, since)
}

func (c *HubSpotConnector) properties(entity models.EntityType) []string {
	props := append([]string{}, hubspotObjects[entity].properties...)
	for _, f := range c.opts.Fields[string(entity)] {
		if !containsString(props, f) {
			props = append(props, f)
		}
	}
	return props
}

// fetch lists the whole object for full syncs and uses the search endpoint
// with a modified-date filter for incremental ones.
func (c *HubSpotConnector) fetch(ctx context.Context, entity models.EntityType, since *time.Time) ([]Record, error) {
	obj := hubspotObjects[entity]
	if since == nil {
		return c.list(ctx, obj.path, c.properties(entity))
	}
	search := hubspotSearch{
		FilterGroups: []map[string][]hubspotFilter{{
			"filters": {{PropertyName: obj.modifiedBy, Operator: "GTE", Value: strconv.FormatInt(since.UnixMilli(), 10)}},
		}},
		Sorts:      []map[string]string{{"propertyName": obj.modifiedBy, "direction": "ASCENDING"}},
		Properties: c.properties(entity),
		Limit:      100,
	}
	return c.search(ctx, obj.path, search, 0)
}

func (c *HubSpotConnector) list(ctx context.Context, path string, props []string) ([]Record, error) {
	var records []Record
	after := ""
	for {
		q := url.Values{}
		q.Set("limit", "100")
		q.Set("properties", strings.Join(props, ","))
		if after != "" {
			q.Set("after", after)
		}
		var page hubspotPage
		if _, err := c.client.do(ctx, http.MethodGet, joinURL(c.baseURL, "crm/v3/objects", path)+"?"+q.Encode(), nil, nil, &page); err != nil {
			return nil, fmt.Errorf("hubspot list %s: %w", path, err)
		}
		records = appendHubSpot(records, page.Results)
		if after = page.after(); after == "" {
			return records, nil
		}
	}
}

// search pages through results. max > 0 stops after that many records.
func (c *HubSpotConnector) search(ctx context.Context, path string, body hubspotSearch, max int) ([]Record, error) {
	var records []Record
	for {
		var page hubspotPage
		if _, err := c.client.do(ctx, http.MethodPost, joinURL(c.baseURL, "crm/v3/objects", path, "search"), nil, body, &page); err != nil {
			return nil, fmt.Errorf("hubspot search %s: %w", path, err)
		}
		records = appendHubSpot(records, page.Results)
		if max > 0 && len(records) >= max {
			return records[:max], nil
		}
		if body.After = page.after(); body.After == "" {
			return records, nil
		}
	}
}

func appendHubSpot(records []Record, results []hubspotResult) []Record {
	for _, r := range results {
		fields := make(map[string]any, len(r.Properties)+1)
		for k, v := range r.Properties {
			fields[k] = v
		}
		fields["id"] = r.ID
		records = append(records, Record{ExternalID: r.ID, Fields: fields, ModifiedAt: r.UpdatedAt})
	}
	return records
}

func (c *HubSpotConnector) CreateLead(ctx context.Context, fields map[string]any) (string, error) {
	return c.create(ctx, "contacts", fields)
}

func (c *HubSpotConnector) CreateOpportunity(ctx context.Context, fields map[string]any) (string, error) {
	return c.create(ctx, "deals", fields)
}

func (c *HubSpotConnector) create(ctx context.Context, path string, fields map[string]any) (string, error) {
	var out hubspotResult
	body := map[string]any{"properties": fields}
	if _, err := c.client.do(ctx, http.MethodPost, joinURL(c.baseURL, "crm/v3/objects", path), nil, body, &out); err != nil {
		return "", fmt.Errorf("create hubspot %s: %w", path, err)
	}
	if out.ID == "" {
		return "", crmerrors.Validation("hubspot returned no id for new %s", path)
	}
	return out.ID, nil
}

func (c *HubSpotConnector) UpdateLead(ctx context.Context, externalID string, fields map[string]any) error {
	return c.update(ctx, "contacts", externalID, fields)
}

func (c *HubSpotConnector) UpdateOpportunity(ctx context.Context, externalID string, fields map[string]any) error {
	return c.update(ctx, "deals", externalID, fields)
}

func (c *HubSpotConnector) update(ctx context.Context, path, externalID string, fields map[string]any) error {
	body := map[string]any{"properties": fields}
	if _, err := c.client.do(ctx, http.MethodPatch, joinURL(c.baseURL, "crm/v3/objects", path, url.PathEscape(externalID)), nil, body, nil); err != nil {
		return fmt.Errorf("update hubspot %s %s: %w", path, externalID, err)
	}
	return nil
}

func (c *HubSpotConnector) FindLeadByEmail(ctx context.Context, email string) (*Record, error) {
	return c.findOne(ctx, models.EntityLead, "email", email)
}

func (c *HubSpotConnector) FindOpportunityByName(ctx context.Context, name string) (*Record, error) {
	return c.findOne(ctx, models.EntityOpportunity, "dealname", name)
}

func (c *HubSpotConnector) findOne(ctx context.Context, entity models.EntityType, property, value string) (*Record, error) {
	search := hubspotSearch{
		FilterGroups: []map[string][]hubspotFilter{{
			"filters": {{PropertyName: property, Operator: "EQ", Value: value}},
		}},
		Properties: c.properties(entity),
		Limit:      1,
	}
	records, err := c.search(ctx, hubspotObjects[entity].path, search, 1)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	return &records[0], nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
