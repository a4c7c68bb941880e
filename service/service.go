package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/zlnvch/veiltrade/groupcrypt"
	"github.com/zlnvch/veiltrade/models"
	"github.com/zlnvch/veiltrade/relay"
	"github.com/zlnvch/veiltrade/session"
	"github.com/zlnvch/veiltrade/store"
	"github.com/zlnvch/veiltrade/whitelist"
	"github.com/zlnvch/veiltrade/worker"
)

var (
	ErrNotMember      = errors.New("not a member of this channel")
	ErrNotAdmin       = errors.New("only the channel admin can do this")
	ErrNotParticipant = errors.New("not a participant of this deal")
	ErrOfferNotFound  = errors.New("offer not found")
	ErrUnknownGroup   = errors.New("group not joined in this session")
)

type Options struct {
	Relays  []string
	KeyMode groupcrypt.Mode
	// Every selection notice of one batch is padded to at least this size.
	NotificationPadSize int
	// Upper bound in seconds of the random delay before each notice.
	NotifyMaxDelay float64
	SessionTTL     time.Duration
}

type Service struct {
	Relay      relay.Client
	Secrets    session.SecretStore
	Deals      store.DealStore
	Whitelist  *whitelist.Gate
	Dispatcher worker.Dispatcher
	JWTSecret  []byte

	Relays              []string
	KeyMode             groupcrypt.Mode
	NotificationPadSize int
	NotifyMaxDelay      float64
	SessionTTL          time.Duration
}

func NewService(
	relayClient relay.Client,
	secrets session.SecretStore,
	deals store.DealStore,
	dispatcher worker.Dispatcher,
	jwtSecret []byte,
	opts Options,
) (*Service, error) {
	relays, err := relay.ValidateURLs(opts.Relays)
	if err != nil {
		return nil, err
	}
	if len(jwtSecret) == 0 {
		return nil, fmt.Errorf("%w: empty jwt secret", models.ErrValidation)
	}
	if opts.NotifyMaxDelay < 0 {
		return nil, fmt.Errorf("%w: negative notification delay", models.ErrValidation)
	}
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = 24 * time.Hour
	}

	return &Service{
		Relay:               relayClient,
		Secrets:             secrets,
		Deals:               deals,
		Whitelist:           whitelist.NewGate(relayClient),
		Dispatcher:          dispatcher,
		JWTSecret:           jwtSecret,
		Relays:              relays,
		KeyMode:             opts.KeyMode,
		NotificationPadSize: opts.NotificationPadSize,
		NotifyMaxDelay:      opts.NotifyMaxDelay,
		SessionTTL:          opts.SessionTTL,
	}, nil
}
