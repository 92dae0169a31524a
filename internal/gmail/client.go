// Package gmail implements the Mailbox collaborator on top of the Gmail API.
package gmail

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"
	gmail "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/mkeller/mailtriage/internal/logging"
	"github.com/mkeller/mailtriage/internal/triage"
)

const (
	inboxQuery = "in:inbox"

	// listPageSize is the Gmail API page cap for message lists.
	listPageSize = 100

	// fetchConcurrency bounds parallel per-message detail fetches.
	fetchConcurrency = 10

	maxAttempts = 4
)

// Client wraps the Gmail Users service for one account. It implements
// triage.Mailbox.
type Client struct {
	svc       *gmail.UsersService
	account   string
	batchSize int
	logger    *slog.Logger
}

// NewClient builds a Client from an authenticated HTTP client.
// archiveBatchSize caps the IDs sent per BatchModify call.
func NewClient(ctx context.Context, httpClient *http.Client, account string, archiveBatchSize int, logger *slog.Logger) (*Client, error) {
	svc, err := gmail.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("create gmail service for %s: %w", account, err)
	}
	if archiveBatchSize <= 0 || archiveBatchSize > 1000 {
		archiveBatchSize = 1000
	}
	return &Client{
		svc:       svc.Users,
		account:   account,
		batchSize: archiveBatchSize,
		logger:    logger,
	}, nil
}

// Account returns the account name this client is associated with.
func (c *Client) Account() string {
	return c.account
}

// FetchInbox lists inbox messages and fetches their full metadata. IDs come
// back in mailbox order; details are fetched concurrently but results keep
// the listing order. max <= 0 fetches the whole inbox. A message whose
// detail fetch fails after retries is logged and skipped; one bad ID never
// fails the batch.
func (c *Client) FetchInbox(ctx context.Context, max int) ([]*triage.Record, error) {
	ids, err := c.listInboxIDs(ctx, max)
	if err != nil {
		return nil, fmt.Errorf("list inbox: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	records := make([]*triage.Record, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchConcurrency)

	for i, id := range ids {
		g.Go(func() error {
			msg, err := c.getMessage(gctx, id)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				c.logger.Warn("skipping unfetchable message",
					logging.Account(c.account), logging.RecordID(id), logging.Err(err))
				return nil
			}
			records[i] = toRecord(msg, c.account)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	fetched := records[:0]
	for _, rec := range records {
		if rec != nil {
			fetched = append(fetched, rec)
		}
	}
	records = fetched

	c.logger.Debug("fetched inbox",
		logging.Account(c.account), logging.Count(len(records)))
	return records, nil
}

func (c *Client) listInboxIDs(ctx context.Context, max int) ([]string, error) {
	var ids []string
	pageToken := ""

	for {
		pageSize := int64(listPageSize)
		if max > 0 {
			remaining := int64(max - len(ids))
			if remaining <= 0 {
				break
			}
			if remaining < pageSize {
				pageSize = remaining
			}
		}

		req := c.svc.Messages.List("me").Q(inboxQuery).MaxResults(pageSize).Context(ctx)
		if pageToken != "" {
			req = req.PageToken(pageToken)
		}
		res, err := retry(ctx, func() (*gmail.ListMessagesResponse, error) {
			return req.Do()
		})
		if err != nil {
			return nil, err
		}

		for _, m := range res.Messages {
			ids = append(ids, m.Id)
		}
		if res.NextPageToken == "" {
			break
		}
		pageToken = res.NextPageToken
	}

	if max > 0 && len(ids) > max {
		ids = ids[:max]
	}
	return ids, nil
}

func (c *Client) getMessage(ctx context.Context, id string) (*gmail.Message, error) {
	return retry(ctx, func() (*gmail.Message, error) {
		return c.svc.Messages.Get("me", id).Format("full").Context(ctx).Do()
	})
}

// ArchiveBatch archives message IDs by removing the INBOX and UNREAD labels,
// chunked to the API batch limit. A failed chunk is logged and skipped so
// one bad ID cannot strand the rest of the batch in the inbox.
func (c *Client) ArchiveBatch(ctx context.Context, ids []string) error {
	for start := 0; start < len(ids); start += c.batchSize {
		end := min(start+c.batchSize, len(ids))
		chunk := ids[start:end]

		_, err := retry(ctx, func() (struct{}, error) {
			return struct{}{}, c.svc.Messages.BatchModify("me", &gmail.BatchModifyMessagesRequest{
				Ids:            chunk,
				RemoveLabelIds: []string{"INBOX", "UNREAD"},
			}).Context(ctx).Do()
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Warn("archive chunk failed",
				logging.Account(c.account), logging.Count(len(chunk)), logging.Err(err))
			continue
		}
		c.logger.Debug("archived chunk",
			logging.Account(c.account), logging.Count(len(chunk)))
	}
	return nil
}

// Archive archives a single message.
func (c *Client) Archive(ctx context.Context, id string) error {
	_, err := retry(ctx, func() (*gmail.Message, error) {
		return c.svc.Messages.Modify("me", id, &gmail.ModifyMessageRequest{
			RemoveLabelIds: []string{"INBOX", "UNREAD"},
		}).Context(ctx).Do()
	})
	if err != nil {
		return fmt.Errorf("archive message %s: %w", id, err)
	}
	return nil
}

// MessageBody fetches and extracts the full body text for a message,
// preferring text/plain over text/html.
func (c *Client) MessageBody(ctx context.Context, id string) (string, error) {
	msg, err := c.getMessage(ctx, id)
	if err != nil {
		return "", fmt.Errorf("fetch message %s: %w", id, err)
	}
	return extractBody(msg.Payload), nil
}

// CountInbox reports the inbox total and global unread estimate.
func (c *Client) CountInbox(ctx context.Context) (triage.InboxCount, error) {
	total, err := c.estimate(ctx, inboxQuery)
	if err != nil {
		return triage.InboxCount{}, fmt.Errorf("count inbox: %w", err)
	}
	unread, err := c.estimate(ctx, "is:unread")
	if err != nil {
		return triage.InboxCount{}, fmt.Errorf("count unread: %w", err)
	}
	return triage.InboxCount{Total: total, Unread: unread}, nil
}

func (c *Client) estimate(ctx context.Context, query string) (int64, error) {
	res, err := retry(ctx, func() (*gmail.ListMessagesResponse, error) {
		return c.svc.Messages.List("me").Q(query).MaxResults(1).Context(ctx).Do()
	})
	if err != nil {
		return 0, err
	}
	return res.ResultSizeEstimate, nil
}

// retry wraps an API call with exponential backoff for transient failures.
// Client errors other than rate limiting are permanent and not retried.
func retry[T any](ctx context.Context, op func() (T, error)) (T, error) {
	return backoff.Retry(ctx, func() (T, error) {
		v, err := op()
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) && apiErr.Code >= 400 && apiErr.Code < 500 && apiErr.Code != 429 {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(maxAttempts))
}
