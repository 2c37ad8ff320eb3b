package infra

import (
	"time"

	"wonder-craft/tickets/ticket-presence-server/pkg/config"

	"github.com/imroc/req/v3"
)

func ProvideHttpClient(cfg *config.Config) *req.Client {
	return req.C(). // Use C() to create a client and set with chainable client settings.
			SetTimeout(cfg.Tickets.Http.Timeout).
			SetCommonRetryCount(2).
			SetCommonRetryFixedInterval(time.Second).
			SetCommonHeader("Accept", "application/json")
}
