package storygen

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ChangeHandler receives validated change events from the feed.
type ChangeHandler func(ev ChangeEvent)

type ChangeFeedOptions struct {
	URL           string
	TokenProvider AccessTokenProvider
	Handler       ChangeHandler
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
	Logger        *zap.Logger
}

// ChangeFeed subscribes to the story service's change stream over a
// websocket. Malformed frames are logged and dropped; the connection is
// re-dialed with backoff until Close.
type ChangeFeed struct {
	url           string
	tokenProvider AccessTokenProvider
	handler       ChangeHandler
	reconnectBase time.Duration
	reconnectMax  time.Duration
	logger        *zap.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

func NewChangeFeed(opts ChangeFeedOptions) (*ChangeFeed, error) {
	url := strings.TrimSpace(opts.URL)
	if url == "" {
		return nil, ErrInvalidInput
	}
	if opts.Handler == nil {
		return nil, ErrInvalidInput
	}
	reconnectBase := opts.ReconnectBase
	if reconnectBase <= 0 {
		reconnectBase = time.Second
	}
	reconnectMax := opts.ReconnectMax
	if reconnectMax <= 0 {
		reconnectMax = 30 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChangeFeed{
		url:           url,
		tokenProvider: opts.TokenProvider,
		handler:       opts.Handler,
		reconnectBase: reconnectBase,
		reconnectMax:  reconnectMax,
		logger:        logger,
	}, nil
}

// Start begins the subscribe loop in the background.
func (f *ChangeFeed) Start(ctx context.Context) {
	if f == nil || f.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	f.cancel = cancel
	f.done = make(chan struct{})
	go f.run(ctx)
}

// Close stops the feed and waits for the subscribe loop to exit.
func (f *ChangeFeed) Close() error {
	if f == nil || f.cancel == nil {
		return nil
	}
	f.cancel()
	<-f.done
	return nil
}

func (f *ChangeFeed) run(ctx context.Context) {
	defer close(f.done)
	delay := f.reconnectBase
	for {
		if ctx.Err() != nil {
			return
		}
		err := f.subscribeOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		f.logger.Warn("change feed disconnected",
			zap.String("url", f.url),
			zap.Duration("reconnectIn", delay),
			zap.Error(err),
		)
		if sleepErr := sleepContext(ctx, delay); sleepErr != nil {
			return
		}
		delay *= 2
		if delay > f.reconnectMax {
			delay = f.reconnectMax
		}
	}
}

func (f *ChangeFeed) subscribeOnce(ctx context.Context) error {
	opts := &websocket.DialOptions{}
	if f.tokenProvider != nil {
		token, err := f.tokenProvider(ctx)
		if err != nil {
			return err
		}
		opts.HTTPHeader = map[string][]string{
			"Authorization": {"Bearer " + strings.TrimSpace(token)},
		}
	}
	conn, _, err := websocket.Dial(ctx, f.url, opts)
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	f.logger.Info("change feed connected", zap.String("url", f.url))
	for {
		msgType, payload, err := conn.Read(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		if msgType != websocket.MessageText {
			continue
		}
		ev, parseErr := ParseChangeEvent(payload)
		if parseErr != nil {
			f.logger.Warn("dropping malformed change event", zap.Error(parseErr))
			continue
		}
		f.handler(ev)
	}
}
