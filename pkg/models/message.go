package models

// Body type tags for MessageDetail.
const (
	BodyTypeText = "text"
	BodyTypeHTML = "html"
)

// MessageSummary is the normalized envelope produced by every retrieval
// protocol.
type MessageSummary struct {
	ID             string `json:"id"`
	Subject        string `json:"subject"`
	From           string `json:"from"`
	Date           string `json:"date"`
	IsRead         bool   `json:"is_read"`
	HasAttachments bool   `json:"has_attachments"`
	BodyPreview    string `json:"body_preview"`
}

// MessageList is the result of listing a folder. Method names the protocol
// that produced the result. HasMore is only meaningful for the Graph
// protocol; the IMAP protocols always report false.
type MessageList struct {
	Messages []MessageSummary `json:"emails"`
	Method   string           `json:"method"`
	HasMore  bool             `json:"has_more"`
}

// MessageDetail is a single fetched message.
type MessageDetail struct {
	ID       string `json:"id"`
	Subject  string `json:"subject"`
	From     string `json:"from"`
	To       string `json:"to"`
	CC       string `json:"cc"`
	Date     string `json:"date"`
	Body     string `json:"body"`
	BodyType string `json:"body_type"`
	Method   string `json:"method"`
}
