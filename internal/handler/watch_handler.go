package handler

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-grader/internal/dto"
	"github.com/noah-isme/gema-grader/internal/middleware"
	"github.com/noah-isme/gema-grader/internal/observability"
	"github.com/noah-isme/gema-grader/internal/service"
)

const (
	defaultWatchTimeout = 10 * time.Minute
	watchRequesterKey   = "watch_requester"
	watchContextKey     = "request_ctx"
)

// WatchHandler pushes the final state of a submission over a websocket.
type WatchHandler struct {
	queries service.SubmissionQueryService
	watcher service.SubmissionWatcher
	timeout time.Duration
	logger  zerolog.Logger
}

// NewWatchHandler creates a watch handler. A zero timeout uses the default.
func NewWatchHandler(queries service.SubmissionQueryService, watcher service.SubmissionWatcher, timeout time.Duration, logger zerolog.Logger) *WatchHandler {
	if timeout <= 0 {
		timeout = defaultWatchTimeout
	}
	return &WatchHandler{
		queries: queries,
		watcher: watcher,
		timeout: timeout,
		logger:  logger.With().Str("component", "watch_handler").Logger(),
	}
}

// Register binds the websocket route under the submissions group.
func (h *WatchHandler) Register(router fiber.Router) {
	router.Get("/:id/watch", h.upgrade, websocket.New(h.handleConnection))
}

func (h *WatchHandler) upgrade(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}

	requester, ok := requesterFromContext(c)
	if !ok {
		return fiber.ErrUnauthorized
	}
	if _, err := h.queries.Get(c.UserContext(), c.Params("id"), requester); err != nil {
		return sendServiceError(c, h.logger, err)
	}

	ctx := middleware.ContextWithCorrelation(context.Background(), middleware.GetCorrelationID(c))
	c.Locals(watchRequesterKey, requester)
	c.Locals(watchContextKey, ctx)
	return c.Next()
}

func (h *WatchHandler) handleConnection(conn *websocket.Conn) {
	defer conn.Close()

	requester, _ := conn.Locals(watchRequesterKey).(service.Requester)
	ctx, _ := conn.Locals(watchContextKey).(context.Context)
	if ctx == nil {
		ctx = context.Background()
	}
	id := conn.Params("id")
	logger := h.logger.With().Str("submission_id", id).Str("username", requester.Username).Logger()

	observability.SubmissionWatchers().Inc()
	defer observability.SubmissionWatchers().Dec()

	updates, cancel := h.watcher.Watch(id)
	defer cancel()

	submission, err := h.queries.Get(ctx, id, requester)
	if err != nil {
		logger.Warn().Err(err).Msg("submission vanished before watch started")
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "submission unavailable"))
		return
	}

	if !submission.IsFinished() {
		if err := conn.WriteJSON(dto.NewSubmissionResponse(submission, nil)); err != nil {
			logger.Debug().Err(err).Msg("watch write failed")
			return
		}

		disconnected := make(chan struct{})
		go func() {
			defer close(disconnected)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		select {
		case submission = <-updates:
		case <-disconnected:
			logger.Debug().Msg("watcher disconnected")
			return
		case <-time.After(h.timeout):
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "watch timed out"))
			return
		}
	}

	feedback := h.queries.Feedback(submission, requester.Staff)
	if err := conn.WriteJSON(dto.NewSubmissionResponse(submission, &feedback)); err != nil {
		logger.Debug().Err(err).Msg("watch write failed")
		return
	}
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "submission finished"))
}
