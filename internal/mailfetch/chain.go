package mailfetch

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/ostrenko/mailpool/internal/msauth"
	"github.com/ostrenko/mailpool/pkg/models"
)

// Outlook IMAP servers. Consumer accounts migrated to the live.com endpoint;
// older tenants still answer on office365.com, so both stay in the chain.
const (
	IMAPServerNew = "outlook.live.com:993"
	IMAPServerOld = "outlook.office365.com:993"
)

// Query selects a folder page. Folder is one of the aliases in folderAliases;
// unknown values fall back to the inbox.
type Query struct {
	Folder string
	Skip   int
	Top    int
}

// Fetcher retrieves mail over one protocol. Name keys the chain's error map;
// Method is the human-readable protocol tag stamped on successful results.
type Fetcher interface {
	Name() string
	Method() string
	List(ctx context.Context, creds *models.Credentials, q Query) (*models.MessageList, error)
	Detail(ctx context.Context, creds *models.Credentials, messageID, folder string) (*models.MessageDetail, error)
}

// ChainError aggregates the failure of every protocol in the chain, keyed by
// fetcher name. It is returned only when no protocol succeeded.
type ChainError struct {
	Causes map[string]string
}

func (e *ChainError) Error() string {
	names := make([]string, 0, len(e.Causes))
	for name := range e.Causes {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s: %s", name, e.Causes[name]))
	}
	return "all retrieval protocols failed: " + strings.Join(parts, "; ")
}

// Config for the default chain. Zero values fall back to production servers
// and a 30 second dial timeout.
type Config struct {
	GraphBaseURL  string
	IMAPServerNew string
	IMAPServerOld string
	HTTPTimeout   time.Duration
	DialTimeout   time.Duration
}

// Chain tries each protocol in order and returns the first success. The
// order is fixed: Graph API, then IMAP against the new server, then IMAP
// against the old one.
type Chain struct {
	fetchers []Fetcher
	logger   *slog.Logger
}

// NewChain builds the default protocol chain.
func NewChain(tokens *msauth.Client, cfg Config, logger *slog.Logger) *Chain {
	if cfg.IMAPServerNew == "" {
		cfg.IMAPServerNew = IMAPServerNew
	}
	if cfg.IMAPServerOld == "" {
		cfg.IMAPServerOld = IMAPServerOld
	}
	return NewChainWith(logger,
		NewGraphFetcher(tokens, cfg.GraphBaseURL, cfg.HTTPTimeout),
		NewIMAPFetcher(tokens, cfg.IMAPServerNew, "imap_new", "IMAP (New)", cfg.DialTimeout),
		NewIMAPFetcher(tokens, cfg.IMAPServerOld, "imap_old", "IMAP (Old)", cfg.DialTimeout),
	)
}

// NewChainWith builds a chain over explicit fetchers.
func NewChainWith(logger *slog.Logger, fetchers ...Fetcher) *Chain {
	return &Chain{
		fetchers: fetchers,
		logger:   logger.With("component", "mail_chain"),
	}
}

// List fetches a folder page, falling through the protocol chain. The result
// carries the method tag of the protocol that produced it; if every protocol
// fails the returned error is a *ChainError with one cause per protocol.
func (c *Chain) List(ctx context.Context, creds *models.Credentials, q Query) (*models.MessageList, error) {
	if q.Top <= 0 {
		q.Top = 20
	}

	causes := make(map[string]string, len(c.fetchers))
	for _, f := range c.fetchers {
		list, err := f.List(ctx, creds, q)
		if err == nil {
			list.Method = f.Method()
			if list.Messages == nil {
				list.Messages = []models.MessageSummary{}
			}
			return list, nil
		}
		causes[f.Name()] = err.Error()
		c.logger.Warn("retrieval protocol failed",
			"protocol", f.Name(),
			"email", creds.Email,
			"folder", q.Folder,
			"error", err,
		)
		if ctx.Err() != nil {
			break
		}
	}
	return nil, &ChainError{Causes: causes}
}

// Detail fetches one message, falling through the protocol chain.
func (c *Chain) Detail(ctx context.Context, creds *models.Credentials, messageID, folder string) (*models.MessageDetail, error) {
	causes := make(map[string]string, len(c.fetchers))
	for _, f := range c.fetchers {
		detail, err := f.Detail(ctx, creds, messageID, folder)
		if err == nil {
			detail.Method = f.Method()
			return detail, nil
		}
		causes[f.Name()] = err.Error()
		c.logger.Warn("detail retrieval failed",
			"protocol", f.Name(),
			"email", creds.Email,
			"error", err,
		)
		if ctx.Err() != nil {
			break
		}
	}
	return nil, &ChainError{Causes: causes}
}
