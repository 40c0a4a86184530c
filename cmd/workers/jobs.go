package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/shelfmark/shelfmark/internal/queue"
	"github.com/shelfmark/shelfmark/pkg/logging"
)

// Job payloads for the product's three background queues. The scheduling
// envelope stays generic; these types are the contract between the web
// app (producer) and this process (consumer).

// CrawlPayload asks the crawler to fetch metadata for a saved bookmark
type CrawlPayload struct {
	BookmarkID string `json:"bookmark_id" validate:"required"`
	URL        string `json:"url" validate:"required,url"`
}

// TagPayload asks for automatic tag suggestions for a bookmark
type TagPayload struct {
	BookmarkID string `json:"bookmark_id" validate:"required"`
	Title      string `json:"title" validate:"required"`
}

// WebhookPayload delivers an outbound event to a subscriber endpoint
type WebhookPayload struct {
	Endpoint string          `json:"endpoint" validate:"required,url"`
	Event    string          `json:"event" validate:"required"`
	Body     json.RawMessage `json:"body"`
}

var httpClient = &http.Client{Timeout: 15 * time.Second}

func crawlerCallbacks(logger *logging.Logger) queue.Callbacks {
	return queue.Callbacks{
		Run: func(ctx context.Context, job *queue.Job) error {
			payload, err := queue.UnmarshalPayload[CrawlPayload](job)
			if err != nil {
				return err
			}

			req, err := http.NewRequestWithContext(ctx, http.MethodHead, payload.URL, nil)
			if err != nil {
				return err
			}
			resp, err := httpClient.Do(req)
			if err != nil {
				return err
			}
			resp.Body.Close()

			logger.WithFields(logrus.Fields{
				"bookmark_id":  payload.BookmarkID,
				"status":       resp.StatusCode,
				"content_type": resp.Header.Get("Content-Type"),
			}).Info("Crawled bookmark")
			return nil
		},
		OnError: logFailure(logger, queue.QueueCrawler),
	}
}

func taggingCallbacks(logger *logging.Logger) queue.Callbacks {
	return queue.Callbacks{
		Run: func(ctx context.Context, job *queue.Job) error {
			payload, err := queue.UnmarshalPayload[TagPayload](job)
			if err != nil {
				return err
			}

			tags := suggestTags(payload.Title)
			logger.WithFields(logrus.Fields{
				"bookmark_id": payload.BookmarkID,
				"tags":        tags,
			}).Info("Suggested tags")
			return nil
		},
		OnError: logFailure(logger, queue.QueueTagging),
	}
}

func webhookCallbacks(logger *logging.Logger) queue.Callbacks {
	return queue.Callbacks{
		Run: func(ctx context.Context, job *queue.Job) error {
			payload, err := queue.UnmarshalPayload[WebhookPayload](job)
			if err != nil {
				return err
			}

			req, err := http.NewRequestWithContext(ctx, http.MethodPost, payload.Endpoint, bytes.NewReader(payload.Body))
			if err != nil {
				return err
			}
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("X-Shelfmark-Event", payload.Event)

			resp, err := httpClient.Do(req)
			if err != nil {
				return err
			}
			resp.Body.Close()

			if resp.StatusCode >= http.StatusBadRequest {
				return &webhookStatusError{status: resp.StatusCode}
			}
			return nil
		},
		OnError: logFailure(logger, queue.QueueWebhooks),
	}
}

type webhookStatusError struct {
	status int
}

func (e *webhookStatusError) Error() string {
	return "webhook endpoint returned status " + http.StatusText(e.status)
}

// suggestTags is a stopgap keyword heuristic until the tagging service
// grows a real model.
func suggestTags(title string) []string {
	var tags []string
	for _, word := range strings.Fields(strings.ToLower(title)) {
		word = strings.Trim(word, ".,;:!?\"'()[]")
		if len(word) >= 5 {
			tags = append(tags, word)
		}
	}
	if len(tags) > 5 {
		tags = tags[:5]
	}
	return tags
}

func logFailure(logger *logging.Logger, queueName string) func(ctx context.Context, jobErr *queue.JobError) {
	return func(ctx context.Context, jobErr *queue.JobError) {
		logger.WithError(jobErr.Err).WithFields(logrus.Fields{
			"queue":        queueName,
			"job_id":       jobErr.ID,
			"run_number":   jobErr.RunNumber,
			"retries_left": jobErr.RetriesLeft,
		}).Warn("Job attempt failed")
	}
}
