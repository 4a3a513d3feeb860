package mailfetch

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message/mail"

	"github.com/ostrenko/mailpool/internal/msauth"
	"github.com/ostrenko/mailpool/pkg/models"
)

// Candidate mailbox names per folder alias. Outlook servers disagree on the
// exact names, so each candidate is tried in order until one selects.
var imapFolders = map[string][]string{
	"inbox":        {"INBOX"},
	"junkemail":    {"Junk", "Junk Email"},
	"deleteditems": {"Deleted", "Deleted Items", "Trash"},
	"trash":        {"Deleted", "Deleted Items", "Trash"},
}

// IMAPFetcher retrieves mail over IMAP with XOAUTH2 bearer auth. Message IDs
// are mailbox sequence numbers, valid only within the session's view of the
// folder.
type IMAPFetcher struct {
	tokens      *msauth.Client
	server      string
	name        string
	method      string
	dialTimeout time.Duration
}

// NewIMAPFetcher creates an IMAP fetcher for one server.
func NewIMAPFetcher(tokens *msauth.Client, server, name, method string, dialTimeout time.Duration) *IMAPFetcher {
	if dialTimeout == 0 {
		dialTimeout = 30 * time.Second
	}
	return &IMAPFetcher{
		tokens:      tokens,
		server:      server,
		name:        name,
		method:      method,
		dialTimeout: dialTimeout,
	}
}

func (f *IMAPFetcher) Name() string   { return f.name }
func (f *IMAPFetcher) Method() string { return f.method }

// connect dials the server and authenticates. The caller owns the returned
// client and must Logout.
func (f *IMAPFetcher) connect(ctx context.Context, creds *models.Credentials) (*client.Client, error) {
	token, err := f.tokens.RefreshIMAPToken(ctx, creds.ClientID, creds.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("failed to get access token: %w", err)
	}

	dialer := &net.Dialer{Timeout: f.dialTimeout}
	c, err := client.DialWithDialerTLS(dialer, f.server, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", f.server, err)
	}

	if err := c.Authenticate(NewXOAuth2(creds.Email, token.AccessToken)); err != nil {
		c.Logout()
		return nil, fmt.Errorf("failed to authenticate: %w", err)
	}
	return c, nil
}

// selectFolder selects the first candidate mailbox that exists, read-only.
func (f *IMAPFetcher) selectFolder(c *client.Client, folder string) (*imap.MailboxStatus, error) {
	candidates, ok := imapFolders[strings.ToLower(folder)]
	if !ok {
		candidates = imapFolders["inbox"]
	}

	var lastErr error
	for _, name := range candidates {
		mbox, err := c.Select(name, true)
		if err == nil {
			return mbox, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("failed to select folder %q (tried %s): %w", folder, strings.Join(candidates, ", "), lastErr)
}

// List fetches a folder page newest first. HasMore is always false: IMAP
// sequence pagination cannot cheaply answer whether another page exists, so
// the contract reports none.
func (f *IMAPFetcher) List(ctx context.Context, creds *models.Credentials, q Query) (*models.MessageList, error) {
	c, err := f.connect(ctx, creds)
	if err != nil {
		return nil, err
	}
	defer c.Logout()

	mbox, err := f.selectFolder(c, q.Folder)
	if err != nil {
		return nil, err
	}

	start, end, ok := sequenceWindow(int(mbox.Messages), q.Skip, q.Top)
	if !ok {
		return &models.MessageList{Messages: []models.MessageSummary{}}, nil
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddRange(uint32(start), uint32(end))

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchEnvelope, imap.FetchFlags, section.FetchItem()}

	messages := make(chan *imap.Message, q.Top)
	done := make(chan error, 1)
	go func() {
		done <- c.Fetch(seqSet, items, messages)
	}()

	summaries := make([]models.MessageSummary, 0, end-start+1)
	for msg := range messages {
		summaries = append(summaries, f.summarize(msg, section))
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to fetch: %w", err)
	}

	return assemblePage(summaries), nil
}

// sequenceWindow maps a skip/top page onto a mailbox sequence range.
// Sequence numbers grow oldest to newest, so the page counts back from the
// end of the mailbox. ok is false when the page lies entirely past the
// oldest message.
func sequenceWindow(total, skip, top int) (start, end int, ok bool) {
	end = total - skip
	if end < 1 {
		return 0, 0, false
	}
	start = end - top + 1
	if start < 1 {
		start = 1
	}
	return start, end, true
}

// assemblePage orders fetched summaries newest first. HasMore stays false:
// sequence pagination cannot cheaply answer whether an older page exists.
func assemblePage(summaries []models.MessageSummary) *models.MessageList {
	for i, j := 0, len(summaries)-1; i < j; i, j = i+1, j-1 {
		summaries[i], summaries[j] = summaries[j], summaries[i]
	}
	return &models.MessageList{Messages: summaries}
}

// Detail fetches one message by sequence number with its full body.
func (f *IMAPFetcher) Detail(ctx context.Context, creds *models.Credentials, messageID, folder string) (*models.MessageDetail, error) {
	seq, err := strconv.ParseUint(messageID, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("message id %q is not an IMAP sequence number", messageID)
	}

	c, err := f.connect(ctx, creds)
	if err != nil {
		return nil, err
	}
	defer c.Logout()

	if _, err := f.selectFolder(c, folder); err != nil {
		return nil, err
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uint32(seq))

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchEnvelope, imap.FetchFlags, section.FetchItem()}

	messages := make(chan *imap.Message, 1)
	done := make(chan error, 1)
	go func() {
		done <- c.Fetch(seqSet, items, messages)
	}()

	var msg *imap.Message
	for m := range messages {
		msg = m
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to fetch: %w", err)
	}
	if msg == nil {
		return nil, fmt.Errorf("message %s not found", messageID)
	}

	bodyText, bodyHTML := parseBody(msg, section)
	detail := &models.MessageDetail{
		ID:       messageID,
		Body:     bodyText,
		BodyType: models.BodyTypeText,
	}
	if bodyHTML != "" {
		detail.Body = bodyHTML
		detail.BodyType = models.BodyTypeHTML
	}

	if env := msg.Envelope; env != nil {
		detail.Subject = env.Subject
		detail.From = formatAddresses(env.From)
		detail.To = formatAddresses(env.To)
		detail.CC = formatAddresses(env.Cc)
		if !env.Date.IsZero() {
			detail.Date = env.Date.Format(time.RFC1123Z)
		}
	}
	return detail, nil
}

// summarize converts a fetched message into the normalized list entry.
func (f *IMAPFetcher) summarize(msg *imap.Message, section *imap.BodySectionName) models.MessageSummary {
	summary := models.MessageSummary{
		ID: strconv.FormatUint(uint64(msg.SeqNum), 10),
	}

	for _, flag := range msg.Flags {
		if flag == imap.SeenFlag {
			summary.IsRead = true
			break
		}
	}

	if env := msg.Envelope; env != nil {
		summary.Subject = env.Subject
		summary.From = formatAddresses(env.From)
		if !env.Date.IsZero() {
			summary.Date = env.Date.Format(time.RFC1123Z)
		}
	}

	bodyText, bodyHTML := parseBody(msg, section)
	if bodyText == "" && bodyHTML != "" {
		bodyText = htmlToText(bodyHTML)
	}
	summary.BodyPreview = preview(bodyText)

	return summary
}

// parseBody extracts the text and HTML parts of a fetched message.
func parseBody(msg *imap.Message, section *imap.BodySectionName) (bodyText, bodyHTML string) {
	bodyReader := msg.GetBody(section)
	if bodyReader == nil {
		return "", ""
	}

	mr, err := mail.CreateReader(bodyReader)
	if err != nil {
		return "", ""
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			ct, _, _ := h.ContentType()
			body, err := io.ReadAll(part.Body)
			if err != nil {
				continue
			}
			if strings.HasPrefix(ct, "text/html") {
				bodyHTML = string(body)
			} else if strings.HasPrefix(ct, "text/plain") {
				bodyText = string(body)
			}
		}
	}
	return bodyText, bodyHTML
}

func formatAddresses(addrs []*imap.Address) string {
	parts := make([]string, 0, len(addrs))
	for _, a := range addrs {
		parts = append(parts, a.Address())
	}
	return strings.Join(parts, ", ")
}
