// Package puller pulls a named model into an Ollama instance, fanning
// out newline-delimited upstream progress records to a subscriber
// channel (spec.md §4.7).
package puller

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/google/uuid"
	"github.com/ollama/ollama/api"
	"github.com/rs/zerolog/log"

	"github.com/ddunford/vllmmanager/internal/store"
	"github.com/ddunford/vllmmanager/internal/types"
)

// Progress is one structured event emitted to a subscriber during a
// pull.
type Progress struct {
	Status    string
	Completed int64
	Total     int64
	Done      bool
	Err       error
}

// progressChannelCapacity bounds the producer's channel (spec.md §9's
// "producer task pushes to a bounded channel" redesign note). Once it
// is full the producer waits for the reader, so the channel must be
// drained to the end for the pull to complete.
const progressChannelCapacity = 64

// Puller drives model pulls against one Ollama instance's HTTP
// endpoint.
type Puller struct {
	db store.Store
}

// New constructs a Puller.
func New(db store.Store) *Puller {
	return &Puller{db: db}
}

// Pull inserts a downloading Model Record, opens the upstream stream,
// and returns a channel of progress events. The channel is closed
// when the pull reaches a terminal state (success or failure); the
// caller is responsible for draining it.
func (p *Puller) Pull(ctx context.Context, instanceID uuid.UUID, baseURL, modelName string) (<-chan Progress, error) {
	if modelName == "" {
		return nil, fmt.Errorf("puller: model name is required")
	}

	if err := p.db.UpsertModel(ctx, &types.OllamaModel{
		InstanceID: instanceID,
		Name:       modelName,
		Status:     types.ModelDownloading,
	}); err != nil {
		return nil, fmt.Errorf("puller: record pull start: %w", err)
	}

	client, err := newOllamaClient(baseURL)
	if err != nil {
		return nil, fmt.Errorf("puller: %w", err)
	}

	events := make(chan Progress, progressChannelCapacity)

	go func() {
		defer close(events)

		var lastStatus string
		var completed, total int64
		succeeded := false

		err := client.Pull(ctx, &api.PullRequest{Model: modelName}, func(progress api.ProgressResponse) error {
			lastStatus = progress.Status
			completed = progress.Completed
			total = progress.Total
			if progress.Status == "success" {
				succeeded = true
			}
			select {
			case events <- Progress{Status: progress.Status, Completed: progress.Completed, Total: progress.Total}:
			case <-ctx.Done():
				return ctx.Err()
			}
			return nil
		})

		if err != nil || !succeeded {
			failErr := err
			if failErr == nil {
				failErr = fmt.Errorf("pull stream ended without a success record (last status %q)", lastStatus)
			}
			if updateErr := p.db.UpsertModel(context.Background(), &types.OllamaModel{
				InstanceID: instanceID,
				Name:       modelName,
				Status:     types.ModelFailed,
			}); updateErr != nil {
				log.Error().Err(updateErr).Msg("failed to record model pull failure")
			}
			events <- Progress{Status: lastStatus, Completed: completed, Total: total, Done: true, Err: failErr}
			return
		}

		if updateErr := p.db.UpsertModel(context.Background(), &types.OllamaModel{
			InstanceID: instanceID,
			Name:       modelName,
			Status:     types.ModelReady,
			Size:       total,
		}); updateErr != nil {
			log.Error().Err(updateErr).Msg("failed to record model pull success")
		}
		events <- Progress{Status: "success", Completed: completed, Total: total, Done: true}
	}()

	return events, nil
}

// DeleteModel deletes modelName from the Ollama instance and removes
// its Model Record.
func (p *Puller) DeleteModel(ctx context.Context, instanceID uuid.UUID, baseURL, modelName string) error {
	client, err := newOllamaClient(baseURL)
	if err != nil {
		return fmt.Errorf("puller: %w", err)
	}

	if err := client.Delete(ctx, &api.DeleteRequest{Model: modelName}); err != nil {
		return fmt.Errorf("puller: delete upstream model: %w", err)
	}

	return p.db.DeleteModel(ctx, instanceID, modelName)
}

func newOllamaClient(baseURL string) (*api.Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse ollama base url: %w", err)
	}
	return api.NewClient(u, http.DefaultClient), nil
}
