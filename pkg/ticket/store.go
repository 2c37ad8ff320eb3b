package ticket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"wonder-craft/tickets/ticket-presence-server/pkg/config"
	"wonder-craft/tickets/ticket-presence-server/pkg/infra"
	"wonder-craft/tickets/ticket-presence-server/pkg/msg"

	"github.com/go-redis/redis/v8"
	"github.com/imroc/req/v3"
	"go.uber.org/zap"
)

var (
	ErrStoreUnavailable = errors.New("ticket store unavailable")
)

// Store is read only access to ticket summaries, newest last.
type Store interface {
	ListAll(ctx context.Context) ([]msg.TicketSummary, error)
}

func ProvideStore(cfg *config.Config, httpClient *req.Client, redisClient *redis.Client, loggerFactory *infra.LoggerFactory) (Store, error) {
	switch cfg.Tickets.Source {
	case "http":
		return NewHttpStore(httpClient, cfg.Tickets.Http.BaseUrl, cfg.Tickets.Http.ApiKey, loggerFactory), nil
	case "redis":
		return NewRedisStore(redisClient, cfg.Redis.TicketsKey, loggerFactory), nil
	}
	return nil, fmt.Errorf("%w: %q", config.ErrInvalidTicketSource, cfg.Tickets.Source)
}

// HttpStore reads tickets from the dashboard backend.
type HttpStore struct {
	httpClient *req.Client
	url        string
	apiKey     string
	logger     *zap.SugaredLogger
}

func NewHttpStore(httpClient *req.Client, baseUrl string, apiKey string, loggerFactory *infra.LoggerFactory) *HttpStore {
	return &HttpStore{
		httpClient: httpClient,
		url:        strings.TrimSuffix(baseUrl, "/") + "/tickets",
		apiKey:     apiKey,
		logger:     loggerFactory.Create("HttpStore").Sugar(),
	}
}

func (s *HttpStore) ListAll(ctx context.Context) ([]msg.TicketSummary, error) {
	result := &struct {
		Data []msg.TicketSummary `json:"data"`
	}{}

	resp, err := s.httpClient.R().
		SetContext(ctx).
		SetHeader("x-api-key", s.apiKey).
		SetResult(result).
		Get(s.url)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("%w: status[%v]", ErrStoreUnavailable, resp.Status)
	}

	s.logger.Debugf("retrieved tickets[%v]", len(result.Data))
	return result.Data, nil
}

// RedisStore reads tickets from a hash of ticketId -> ticket summary json.
type RedisStore struct {
	redisClient *redis.Client
	key         string
	logger      *zap.SugaredLogger
}

func NewRedisStore(redisClient *redis.Client, key string, loggerFactory *infra.LoggerFactory) *RedisStore {
	return &RedisStore{
		redisClient: redisClient,
		key:         key,
		logger:      loggerFactory.Create("RedisStore").Sugar(),
	}
}

func (s *RedisStore) ListAll(ctx context.Context) ([]msg.TicketSummary, error) {
	values, err := s.redisClient.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	return s.decode(values), nil
}

// decode turns hash entries into summaries, oldest first. Entries that are
// not valid json are skipped, a missing ticketId is taken from the field.
func (s *RedisStore) decode(values map[string]string) []msg.TicketSummary {
	tickets := make([]msg.TicketSummary, 0, len(values))
	for ticketId, value := range values {
		summary := msg.TicketSummary{}
		if err := json.Unmarshal([]byte(value), &summary); err != nil {
			s.logger.Warnf("skip malformed ticket ticketId[%v] %v", ticketId, err)
			continue
		}
		if summary.TicketId == "" {
			summary.TicketId = ticketId
		}
		tickets = append(tickets, summary)
	}

	SortByCreation(tickets)
	return tickets
}

// SortByCreation orders tickets oldest first, ties broken by id.
func SortByCreation(tickets []msg.TicketSummary) {
	sort.SliceStable(tickets, func(i, j int) bool {
		if !tickets[i].CreatedAt.Equal(tickets[j].CreatedAt) {
			return tickets[i].CreatedAt.Before(tickets[j].CreatedAt)
		}
		return tickets[i].TicketId < tickets[j].TicketId
	})
}
