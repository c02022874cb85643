package connectors

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go-crm-sync/internal/common/crmerrors"
	"go-crm-sync/internal/common/models"
	"go-crm-sync/internal/features/vault"
)

const pipedriveTimeLayout = "2006-01-02 15:04:05"

type pipedriveObject struct {
	path   string
	recent string
}

var pipedriveObjects = map[models.EntityType]pipedriveObject{
	models.EntityLead:        {path: "persons", recent: "person"},
	models.EntityOpportunity: {path: "deals", recent: "deal"},
	models.EntityActivity:    {path: "activities", recent: "activity"},
}

// PipedriveConnector authenticates every call with the api_token query
// parameter against the company domain.
type PipedriveConnector struct {
	client  *apiClient
	baseURL string
	token   string
}

type pipedrivePagination struct {
	MoreItems bool `json:"more_items_in_collection"`
	NextStart int  `json:"next_start"`
}

type pipedriveList struct {
	Success        bool              `json:"success"`
	Data           []json.RawMessage `json:"data"`
	AdditionalData struct {
		Pagination pipedrivePagination `json:"pagination"`
	} `json:"additional_data"`
}

type pipedriveRecent struct {
	Item string         `json:"item"`
	ID   json.Number    `json:"id"`
	Data map[string]any `json:"data"`
}

type pipedriveSingle struct {
	Success bool           `json:"success"`
	Data    map[string]any `json:"data"`
}

type pipedriveSearch struct {
	Data struct {
		Items []struct {
			Item struct {
				ID json.Number `json:"id"`
			} `json:"item"`
		} `json:"items"`
	} `json:"data"`
}

func NewPipedriveConnector(creds vault.Credentials, opts Options) (Connector, error) {
	token := creds.Get("api_token")
	if token == "" {
		return nil, crmerrors.Configuration("pipedrive credentials missing api_token")
	}
	opts = opts.withDefaults()

	base := "https://api.pipedrive.com/api/v1"
	if domain := creds.Get("company_domain"); domain != "" {
		base = "https://" + domain + ".pipedrive.com/api/v1"
	}
	if opts.BaseURL != "" {
		base = joinURL(opts.BaseURL, "api/v1")
	}

	c := &PipedriveConnector{baseURL: base, token: token}
	c.client = newAPIClient(string(models.CRMPipedrive), string(models.CRMPipedrive)+":"+creds.Get("company_domain"), opts)
	c.client.authorize = c.authorize
	return c, nil
}

func (c *PipedriveConnector) Provider() string {
	return string(models.CRMPipedrive)
}

func (c *PipedriveConnector) authorize(_ context.Context, req *http.Request) error {
	q := req.URL.Query()
	q.Set("api_token", c.token)
	req.URL.RawQuery = q.Encode()
	return nil
}

func (c *PipedriveConnector) Authenticate(ctx context.Context) error {
	if _, err := c.client.do(ctx, http.MethodGet, joinURL(c.baseURL, "users/me"), nil, nil, nil); err != nil {
		return fmt.Errorf("pipedrive authenticate: %w", err)
	}
	return nil
}

func (c *PipedriveConnector) GetLeads(ctx context.Context, since *time.Time) ([]Record, error) {
	return c.fetch(ctx, models.EntityLead, since)
}

func (c *PipedriveConnector) GetOpportunities(ctx context.Context, since *time.Time) ([]Record, error) {
	return c.fetch(ctx, models.EntityOpportunity, since)
}

func (c *PipedriveConnector) GetActivities(ctx context.Context, since *time.Time) ([]Record, error) {
	return c.fetch(ctx, models.EntityActivity, since)
}

// fetch pages through the object list, or through /recents when since is set.
func (c *PipedriveConnector) fetch(ctx context.Context, entity models.EntityType, since *time.Time) ([]Record, error) {
	obj := pipedriveObjects[entity]
	var records []Record
	start := 0

	for {
		q := url.Values{}
		q.Set("start", strconv.Itoa(start))
		q.Set("limit", "100")
		target := joinURL(c.baseURL, obj.path)
		if since != nil {
			q.Set("since_timestamp", since.UTC().Format(pipedriveTimeLayout))
			q.Set("items", obj.recent)
			target = joinURL(c.baseURL, "recents")
		}

		var page pipedriveList
		if _, err := c.client.do(ctx, http.MethodGet, target+"?"+q.Encode(), nil, nil, &page); err != nil {
			return nil, fmt.Errorf("pipedrive list %s: %w", obj.path, err)
		}

		for _, raw := range page.Data {
			rec, err := decodePipedrive(raw, since != nil)
			if err != nil {
				return nil, crmerrors.Validation("decode pipedrive %s: %v", obj.path, err)
			}
			if rec != nil {
				records = append(records, *rec)
			}
		}

		p := page.AdditionalData.Pagination
		if !p.MoreItems {
			return records, nil
		}
		start = p.NextStart
	}
}

func decodePipedrive(raw json.RawMessage, recent bool) (*Record, error) {
	if recent {
		var r pipedriveRecent
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, err
		}
		if r.Data == nil {
			return nil, nil
		}
		rec := pipedriveRecord(r.Data)
		return &rec, nil
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	rec := pipedriveRecord(fields)
	return &rec, nil
}

// pipedriveRecord flattens multi-value email and phone lists to their
// primary entry.
func pipedriveRecord(data map[string]any) Record {
	fields := make(map[string]any, len(data))
	for k, v := range data {
		fields[k] = v
	}
	for _, key := range []string{"email", "phone"} {
		if list, ok := data[key].([]any); ok {
			fields[key] = primaryValue(list)
		}
	}
	if org, ok := data["org_id"].(map[string]any); ok {
		if name, ok := org["name"].(string); ok && fields["org_name"] == nil {
			fields["org_name"] = name
		}
	}

	rec := Record{Fields: fields}
	switch id := data["id"].(type) {
	case float64:
		rec.ExternalID = strconv.FormatInt(int64(id), 10)
	case string:
		rec.ExternalID = id
	}
	if s, ok := data["update_time"].(string); ok {
		rec.ModifiedAt, _ = time.Parse(pipedriveTimeLayout, s)
	}
	return rec
}

func primaryValue(list []any) any {
	var first any
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if first == nil {
			first = m["value"]
		}
		if primary, _ := m["primary"].(bool); primary {
			return m["value"]
		}
	}
	return first
}

func (c *PipedriveConnector) CreateLead(ctx context.Context, fields map[string]any) (string, error) {
	return c.create(ctx, "persons", personPayload(fields))
}

func (c *PipedriveConnector) CreateOpportunity(ctx context.Context, fields map[string]any) (string, error) {
	return c.create(ctx, "deals", fields)
}

// personPayload fills the mandatory name from first and last name.
func personPayload(fields map[string]any) map[string]any {
	body := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		body[k] = v
	}
	if _, ok := body["name"]; !ok {
		first, _ := fields["first_name"].(string)
		last, _ := fields["last_name"].(string)
		if name := strings.TrimSpace(first + " " + last); name != "" {
			body["name"] = name
		}
	}
	return body
}

func (c *PipedriveConnector) create(ctx context.Context, path string, fields map[string]any) (string, error) {
	var out pipedriveSingle
	if _, err := c.client.do(ctx, http.MethodPost, joinURL(c.baseURL, path), nil, fields, &out); err != nil {
		return "", fmt.Errorf("create pipedrive %s: %w", path, err)
	}
	rec := pipedriveRecord(out.Data)
	if !out.Success || rec.ExternalID == "" {
		return "", crmerrors.Validation("pipedrive did not create %s", path)
	}
	return rec.ExternalID, nil
}

func (c *PipedriveConnector) UpdateLead(ctx context.Context, externalID string, fields map[string]any) error {
	return c.update(ctx, "persons", externalID, fields)
}

func (c *PipedriveConnector) UpdateOpportunity(ctx context.Context, externalID string, fields map[string]any) error {
	return c.update(ctx, "deals", externalID, fields)
}

func (c *PipedriveConnector) update(ctx context.Context, path, externalID string, fields map[string]any) error {
	if _, err := c.client.do(ctx, http.MethodPut, joinURL(c.baseURL, path, url.PathEscape(externalID)), nil, fields, nil); err != nil {
		return fmt.Errorf("update pipedrive %s %s: %w", path, externalID, err)
	}
	return nil
}

func (c *PipedriveConnector) FindLeadByEmail(ctx context.Context, email string) (*Record, error) {
	return c.findOne(ctx, "persons", "email", email)
}

func (c *PipedriveConnector) FindOpportunityByName(ctx context.Context, name string) (*Record, error) {
	return c.findOne(ctx, "deals", "title", name)
}

// findOne resolves the search hit to the full object.
func (c *PipedriveConnector) findOne(ctx context.Context, path, field, term string) (*Record, error) {
	q := url.Values{}
	q.Set("term", term)
	q.Set("fields", field)
	q.Set("exact_match", "true")
	q.Set("limit", "1")

	var hits pipedriveSearch
	if _, err := c.client.do(ctx, http.MethodGet, joinURL(c.baseURL, path, "search")+"?"+q.Encode(), nil, nil, &hits); err != nil {
		return nil, fmt.Errorf("pipedrive search %s: %w", path, err)
	}
	if len(hits.Data.Items) == 0 {
		return nil, nil
	}

	var out pipedriveSingle
	id := hits.Data.Items[0].Item.ID.String()
	if _, err := c.client.do(ctx, http.MethodGet, joinURL(c.baseURL, path, id), nil, nil, &out); err != nil {
		return nil, fmt.Errorf("pipedrive get %s %s: %w", path, id, err)
	}
	rec := pipedriveRecord(out.Data)
	return &rec, nil
}
