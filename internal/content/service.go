// Package content guards generation behind the quota gate and keeps the
// generated items in a history.
package content

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rcourtman/quillboard/internal/entitlements"
	"github.com/rcourtman/quillboard/internal/reconcile"
	"github.com/rcourtman/quillboard/pkg/plans"
	"github.com/rs/zerolog/log"
)

// Kind of generated content.
type Kind string

const (
	KindText  Kind = "text"
	KindImage Kind = "image"
)

var ErrEmptyPrompt = errors.New("prompt is empty")

// ParseKind resolves a kind name. Empty means text.
func ParseKind(raw string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(raw))) {
	case "", KindText:
		return KindText, nil
	case KindImage:
		return KindImage, nil
	}
	return "", fmt.Errorf("unknown content kind %q", raw)
}

func (k Kind) capability() string {
	if k == KindImage {
		return plans.CapImageGeneration
	}
	return plans.CapTextGeneration
}

// Item is one generated piece of content.
type Item struct {
	ID         string    `json:"id"`
	IdentityID string    `json:"identityId"`
	Kind       Kind      `json:"kind"`
	Prompt     string    `json:"prompt"`
	Output     string    `json:"output"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Generator produces content for a prompt.
type Generator interface {
	Generate(ctx context.Context, kind Kind, prompt string) (string, error)
}

// History persists generated items.
type History interface {
	SaveItem(ctx context.Context, item Item) error
	ListItems(ctx context.Context, identityID string) ([]Item, error)
}

// UsageRecorder counts consumed units.
type UsageRecorder interface {
	RecordUsage(ctx context.Context, n int) *reconcile.Attempt
}

// Service runs quota-gated generation.
type Service struct {
	generator Generator
	history   History
	usage     UsageRecorder
	store     *entitlements.Store
	gate      *entitlements.Gate
	nowFn     func() time.Time
}

func NewService(generator Generator, history History, usage UsageRecorder, store *entitlements.Store) *Service {
	return &Service{
		generator: generator,
		history:   history,
		usage:     usage,
		store:     store,
		gate:      entitlements.NewGate(store),
		nowFn:     time.Now,
	}
}

// Generate checks capability and quota, generates, saves the item and then
// records one unit of usage. Nothing is consumed when generation fails.
func (s *Service) Generate(ctx context.Context, kind Kind, prompt string) (Item, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return Item{}, ErrEmptyPrompt
	}
	if err := s.gate.RequireCapability(kind.capability()); err != nil {
		return Item{}, err
	}
	if err := s.gate.Check(); err != nil {
		return Item{}, err
	}

	output, err := s.generator.Generate(ctx, kind, prompt)
	if err != nil {
		return Item{}, fmt.Errorf("generate %s: %w", kind, err)
	}

	item := Item{
		ID:         ulid.Make().String(),
		IdentityID: s.store.Get().Identity.ID,
		Kind:       kind,
		Prompt:     prompt,
		Output:     output,
		CreatedAt:  s.nowFn().UTC(),
	}
	if err := s.history.SaveItem(ctx, item); err != nil {
		log.Warn().Err(err).Str("item_id", item.ID).Msg("Failed to save generated item")
	}

	s.usage.RecordUsage(ctx, 1)
	return item, nil
}

// History lists the items of the active identity, newest first.
func (s *Service) History(ctx context.Context) ([]Item, error) {
	return s.history.ListItems(ctx, s.store.Get().Identity.ID)
}

// TemplateGenerator is an offline generator that fills a fixed template.
type TemplateGenerator struct{}

func (TemplateGenerator) Generate(ctx context.Context, kind Kind, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if kind == KindImage {
		return fmt.Sprintf("[image] %s", prompt), nil
	}
	return fmt.Sprintf("Draft: %s", prompt), nil
}
