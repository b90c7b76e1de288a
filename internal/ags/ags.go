package ags

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/mind-engage/ltibridge/internal/connector"
)

// IMS AGS scopes.
const (
	ScopeLineItem     = "https://purl.imsglobal.org/spec/lti-ags/scope/lineitem"
	ScopeLineItemRead = "https://purl.imsglobal.org/spec/lti-ags/scope/lineitem.readonly"
	ScopeScore        = "https://purl.imsglobal.org/spec/lti-ags/scope/score"
	ScopeResultRead   = "https://purl.imsglobal.org/spec/lti-ags/scope/result.readonly"
)

const (
	mediaLineItem          = "application/vnd.ims.lis.v2.lineitem+json"
	mediaLineItemContainer = "application/vnd.ims.lis.v2.lineitemcontainer+json"
	mediaScore             = "application/vnd.ims.lis.v1.score+json"
	mediaResultContainer   = "application/vnd.ims.lis.v2.resultcontainer+json"
)

// Models per IMS AGS 2.0, trimmed to what this tool uses.

type LineItem struct {
	ID             string  `json:"id,omitempty"` // absolute URL for this line item
	ScoreMaximum   float64 `json:"scoreMaximum,omitempty"`
	Label          string  `json:"label,omitempty"`
	ResourceID     string  `json:"resourceId,omitempty"`     // tool-defined grouping
	ResourceLinkID string  `json:"resourceLinkId,omitempty"` // from launch claim
	Tag            string  `json:"tag,omitempty"`
}

type Score struct {
	UserID           string   `json:"userId"`
	Timestamp        string   `json:"timestamp"` // RFC3339
	ScoreGiven       *float64 `json:"scoreGiven,omitempty"`
	ScoreMaximum     *float64 `json:"scoreMaximum,omitempty"`
	ActivityProgress string   `json:"activityProgress"` // Initialized|InProgress|Submitted|Completed
	GradingProgress  string   `json:"gradingProgress"`  // NotReady|Pending|Failed|PendingManual|FullyGraded
	Comment          string   `json:"comment,omitempty"`
}

type Result struct {
	ID            string   `json:"id,omitempty"`
	UserID        string   `json:"userId,omitempty"`
	ResultScore   *float64 `json:"resultScore,omitempty"`
	ResultMaximum *float64 `json:"resultMaximum,omitempty"`
	Comment       string   `json:"comment,omitempty"`
	Timestamp     string   `json:"timestamp,omitempty"`
}

// Client talks to one platform's AGS endpoints through a Connector.
// Scopes are the grants from the launch's AGS endpoint claim; requests use
// the narrowest granted scope that covers the operation.
type Client struct {
	Conn   *connector.Connector
	Scopes []string

	Now func() time.Time
}

func NewClient(conn *connector.Connector, grantedScopes []string) *Client {
	return &Client{Conn: conn, Scopes: grantedScopes}
}

// ListLineItems returns one page and a next-page cursor (empty on the last
// page). Pass a cursor from a previous call as pageURL to continue.
func (c *Client) ListLineItems(ctx context.Context, lineItemsURL string, filter url.Values, pageURL string) ([]LineItem, string, error) {
	u := pageURL
	if u == "" {
		parsed, err := url.Parse(lineItemsURL)
		if err != nil {
			return nil, "", err
		}
		q := parsed.Query()
		for k, vs := range filter {
			for _, v := range vs {
				q.Set(k, v)
			}
		}
		parsed.RawQuery = q.Encode()
		u = parsed.String()
	}
	var items []LineItem
	next, err := c.Conn.GetJSON(ctx, u, c.scopesFor(ScopeLineItemRead, ScopeLineItem), mediaLineItemContainer, &items)
	if err != nil {
		return nil, "", err
	}
	return items, next, nil
}

// FindLineItem walks all pages looking for a line item matching the
// resource link and tag/resource id of want.
func (c *Client) FindLineItem(ctx context.Context, lineItemsURL string, want LineItem) (LineItem, bool, error) {
	filter := url.Values{}
	if want.ResourceLinkID != "" {
		filter.Set("resource_link_id", want.ResourceLinkID)
	}
	if want.ResourceID != "" {
		filter.Set("resource_id", want.ResourceID)
	}
	page := ""
	for {
		items, next, err := c.ListLineItems(ctx, lineItemsURL, filter, page)
		if err != nil {
			return LineItem{}, false, err
		}
		for _, it := range items {
			if matches(it, want) {
				return it, true, nil
			}
		}
		if next == "" {
			return LineItem{}, false, nil
		}
		page = next
	}
}

func matches(it, want LineItem) bool {
	if want.ResourceLinkID != "" && it.ResourceLinkID != want.ResourceLinkID {
		return false
	}
	if want.Tag != "" && it.Tag != want.Tag {
		return false
	}
	if want.ResourceID != "" && it.ResourceID != want.ResourceID {
		return false
	}
	return true
}

// GetOrCreateLineItem looks the line item up before creating it, so
// repeated syncs of the same assignment converge on one gradebook column.
func (c *Client) GetOrCreateLineItem(ctx context.Context, lineItemsURL string, want LineItem) (LineItem, error) {
	if lineItemsURL == "" {
		return LineItem{}, errors.New("ags: missing line items URL")
	}
	if found, ok, err := c.FindLineItem(ctx, lineItemsURL, want); err == nil && ok {
		return found, nil
	}
	if want.ScoreMaximum <= 0 {
		return LineItem{}, errors.New("ags: scoreMaximum required and > 0")
	}
	var created LineItem
	if err := c.Conn.PostJSON(ctx, lineItemsURL, c.scopesFor(ScopeLineItem), mediaLineItem, want, &created); err != nil {
		return LineItem{}, err
	}
	return created, nil
}

// PostScore upserts a score into the line item's scores sub-resource. The
// platform keeps the authoritative value; this only reports.
func (c *Client) PostScore(ctx context.Context, lineItemURL string, s Score) error {
	if lineItemURL == "" {
		return errors.New("ags: line item URL required")
	}
	if s.UserID == "" {
		return errors.New("ags: score userId required")
	}
	if s.Timestamp == "" {
		s.Timestamp = c.now().Format(time.RFC3339Nano)
	}
	if s.ActivityProgress == "" {
		s.ActivityProgress = "Completed"
	}
	if s.GradingProgress == "" {
		s.GradingProgress = "FullyGraded"
	}
	return c.Conn.PostJSON(ctx, scoresURL(lineItemURL), c.scopesFor(ScopeScore), mediaScore, s, nil)
}

// Results reads back results for a line item, following pagination.
func (c *Client) Results(ctx context.Context, lineItemURL, userID string) ([]Result, error) {
	u, err := url.Parse(strings.TrimRight(lineItemURL, "/") + "/results")
	if err != nil {
		return nil, err
	}
	if userID != "" {
		q := u.Query()
		q.Set("user_id", userID)
		u.RawQuery = q.Encode()
	}
	var all []Result
	page := u.String()
	for page != "" {
		var batch []Result
		next, err := c.Conn.GetJSON(ctx, page, c.scopesFor(ScopeResultRead), mediaResultContainer, &batch)
		if err != nil {
			return nil, err
		}
		all = append(all, batch...)
		page = next
	}
	return all, nil
}

// scopesFor returns the granted scopes from preferred, or all preferred
// when the grant list is empty (some platforms omit the scope list).
func (c *Client) scopesFor(preferred ...string) []string {
	if len(c.Scopes) == 0 {
		return preferred
	}
	granted := make(map[string]struct{}, len(c.Scopes))
	for _, s := range c.Scopes {
		granted[s] = struct{}{}
	}
	var out []string
	for _, want := range preferred {
		if _, ok := granted[want]; ok {
			out = append(out, want)
		}
	}
	if len(out) == 0 {
		return preferred
	}
	return out
}

// scoresURL appends the scores sub-resource, preserving any query string
// (Canvas keeps its type hints there).
func scoresURL(lineItemURL string) string {
	base, query, found := strings.Cut(lineItemURL, "?")
	out := strings.TrimRight(base, "/") + "/scores"
	if found {
		out += "?" + query
	}
	return out
}

func (c *Client) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now().UTC()
}
