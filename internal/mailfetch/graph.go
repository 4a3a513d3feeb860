package mailfetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ostrenko/mailpool/internal/msauth"
	"github.com/ostrenko/mailpool/pkg/models"
)

const defaultGraphBaseURL = "https://graph.microsoft.com/v1.0"

// Well-known Graph folder names. Unknown aliases fall back to the inbox;
// "trash" is an alias for deleteditems.
var graphFolders = map[string]string{
	"inbox":        "inbox",
	"junkemail":    "junkemail",
	"deleteditems": "deleteditems",
	"trash":        "deleteditems",
}

// GraphFetcher retrieves mail through the Microsoft Graph API.
type GraphFetcher struct {
	tokens     *msauth.Client
	baseURL    string
	httpClient *http.Client
}

// NewGraphFetcher creates a Graph API fetcher
func NewGraphFetcher(tokens *msauth.Client, baseURL string, timeout time.Duration) *GraphFetcher {
	if baseURL == "" {
		baseURL = defaultGraphBaseURL
	}
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &GraphFetcher{
		tokens:     tokens,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (f *GraphFetcher) Name() string   { return "graph" }
func (f *GraphFetcher) Method() string { return "Graph API" }

type graphAddress struct {
	EmailAddress struct {
		Name    string `json:"name"`
		Address string `json:"address"`
	} `json:"emailAddress"`
}

func (a graphAddress) String() string { return a.EmailAddress.Address }

type graphMessage struct {
	ID               string         `json:"id"`
	Subject          string         `json:"subject"`
	From             *graphAddress  `json:"from"`
	ToRecipients     []graphAddress `json:"toRecipients"`
	CcRecipients     []graphAddress `json:"ccRecipients"`
	ReceivedDateTime string         `json:"receivedDateTime"`
	IsRead           bool           `json:"isRead"`
	HasAttachments   bool           `json:"hasAttachments"`
	BodyPreview      string         `json:"bodyPreview"`
	Body             *struct {
		ContentType string `json:"contentType"`
		Content     string `json:"content"`
	} `json:"body"`
}

// List fetches one folder page ordered newest first. HasMore is set when the
// page came back full, meaning another $skip step may yield more.
func (f *GraphFetcher) List(ctx context.Context, creds *models.Credentials, q Query) (*models.MessageList, error) {
	token, err := f.tokens.RefreshGraphToken(ctx, creds.ClientID, creds.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("failed to get access token: %w", err)
	}

	folder, ok := graphFolders[strings.ToLower(q.Folder)]
	if !ok {
		folder = "inbox"
	}

	params := url.Values{
		"$top":     {strconv.Itoa(q.Top)},
		"$skip":    {strconv.Itoa(q.Skip)},
		"$select":  {"id,subject,from,receivedDateTime,isRead,hasAttachments,bodyPreview"},
		"$orderby": {"receivedDateTime desc"},
	}
	endpoint := fmt.Sprintf("%s/me/mailFolders/%s/messages?%s", f.baseURL, folder, params.Encode())

	var payload struct {
		Value []graphMessage `json:"value"`
	}
	if err := f.get(ctx, endpoint, token.AccessToken, "outlook.body-content-type='text'", &payload); err != nil {
		return nil, err
	}

	messages := make([]models.MessageSummary, 0, len(payload.Value))
	for _, m := range payload.Value {
		summary := models.MessageSummary{
			ID:             m.ID,
			Subject:        m.Subject,
			Date:           m.ReceivedDateTime,
			IsRead:         m.IsRead,
			HasAttachments: m.HasAttachments,
			BodyPreview:    m.BodyPreview,
		}
		if m.From != nil {
			summary.From = m.From.String()
		}
		messages = append(messages, summary)
	}

	return &models.MessageList{
		Messages: messages,
		HasMore:  len(messages) >= q.Top,
	}, nil
}

// Detail fetches one message with its full body.
func (f *GraphFetcher) Detail(ctx context.Context, creds *models.Credentials, messageID, folder string) (*models.MessageDetail, error) {
	token, err := f.tokens.RefreshGraphToken(ctx, creds.ClientID, creds.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("failed to get access token: %w", err)
	}

	params := url.Values{
		"$select": {"id,subject,from,toRecipients,ccRecipients,receivedDateTime,isRead,hasAttachments,body,bodyPreview"},
	}
	endpoint := fmt.Sprintf("%s/me/messages/%s?%s", f.baseURL, url.PathEscape(messageID), params.Encode())

	var m graphMessage
	if err := f.get(ctx, endpoint, token.AccessToken, "outlook.body-content-type='html'", &m); err != nil {
		return nil, err
	}

	detail := &models.MessageDetail{
		ID:       m.ID,
		Subject:  m.Subject,
		To:       joinAddresses(m.ToRecipients),
		CC:       joinAddresses(m.CcRecipients),
		Date:     m.ReceivedDateTime,
		BodyType: models.BodyTypeText,
	}
	if m.From != nil {
		detail.From = m.From.String()
	}
	if m.Body != nil {
		detail.Body = m.Body.Content
		if strings.EqualFold(m.Body.ContentType, "html") {
			detail.BodyType = models.BodyTypeHTML
		}
	}
	return detail, nil
}

func (f *GraphFetcher) get(ctx context.Context, endpoint, accessToken, prefer string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Prefer", prefer)

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("graph api returned %d: %s", resp.StatusCode, graphErrorMessage(body))
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func graphErrorMessage(body []byte) string {
	var payload struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &payload) == nil && payload.Error.Code != "" {
		return payload.Error.Code + ": " + payload.Error.Message
	}
	return strings.TrimSpace(string(body))
}

func joinAddresses(addrs []graphAddress) string {
	parts := make([]string, 0, len(addrs))
	for _, a := range addrs {
		parts = append(parts, a.String())
	}
	return strings.Join(parts, ", ")
}
