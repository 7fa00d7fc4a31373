package websocket

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/aescanero/valset/pkg/domain"
	"github.com/aescanero/valset/pkg/ports"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait    = 10 * time.Second
	listenerSize = 16
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// SetReader loads the current state of a set
type SetReader interface {
	GetSet(ctx context.Context, setID string) (*domain.ValidationSet, error)
}

// Handler fans set events out to the websocket clients watching each set
type Handler struct {
	eventBus ports.EventBus
	sets     SetReader
	logger   *zap.Logger

	mu        sync.RWMutex
	listeners map[string]map[chan domain.Event]struct{}
}

// NewHandler creates a new WebSocket handler
func NewHandler(eventBus ports.EventBus, sets SetReader, logger *zap.Logger) *Handler {
	return &Handler{
		eventBus:  eventBus,
		sets:      sets,
		logger:    logger,
		listeners: make(map[string]map[chan domain.Event]struct{}),
	}
}

// Start subscribes to set lifecycle and outcome events until ctx is done
func (h *Handler) Start(ctx context.Context) error {
	for _, topic := range []string{domain.TopicSets, domain.TopicOutcomes} {
		if err := h.eventBus.Subscribe(ctx, topic, h.dispatch); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) dispatch(ctx context.Context, event domain.Event) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for ch := range h.listeners[event.SetID] {
		select {
		case ch <- event:
		default:
			h.logger.Warn("event channel full, dropping event",
				zap.String("set_id", event.SetID),
				zap.String("event_type", string(event.Type)))
		}
	}
	return nil
}

func (h *Handler) listen(setID string) chan domain.Event {
	ch := make(chan domain.Event, listenerSize)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.listeners[setID] == nil {
		h.listeners[setID] = make(map[chan domain.Event]struct{})
	}
	h.listeners[setID][ch] = struct{}{}
	return ch
}

func (h *Handler) unlisten(setID string, ch chan domain.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.listeners[setID], ch)
	if len(h.listeners[setID]) == 0 {
		delete(h.listeners, setID)
	}
}

// HandleSetStream streams the events of one validation set
func (h *Handler) HandleSetStream(c *gin.Context) {
	setID := c.Param("id")

	// Listen before the snapshot so no transition falls in between.
	events := h.listen(setID)
	defer h.unlisten(setID, events)

	set, err := h.sets.GetSet(c.Request.Context(), setID)
	if err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, domain.ErrNotFound) {
			code = http.StatusNotFound
		}
		c.JSON(code, gin.H{"error": gin.H{"code": http.StatusText(code), "message": err.Error()}})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade connection", zap.Error(err))
		return
	}
	defer func() { _ = conn.Close() }()

	h.logger.Info("WebSocket connection established",
		zap.String("set_id", setID),
		zap.String("client", c.ClientIP()))

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	go h.readLoop(conn, cancel)

	if err := h.write(conn, snapshot(set)); err != nil {
		return
	}
	if set.OverallStatus.IsTerminal() {
		outcome := domain.NewOutcome(set)
		if err := h.write(conn, domain.Event{
			ID:        uuid.NewString(),
			Type:      domain.EventTypeSetCompleted,
			Timestamp: time.Now(),
			SetID:     set.ID,
			Artifact:  set.Artifact,
			Status:    set.OverallStatus,
			Outcome:   &outcome,
		}); err == nil {
			h.close(conn)
		}
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event := <-events:
			if err := h.write(conn, event); err != nil {
				return
			}
			if event.Outcome != nil {
				h.close(conn)
				return
			}
		}
	}
}

func (h *Handler) write(conn *websocket.Conn, event domain.Event) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(event); err != nil {
		h.logger.Error("failed to write message",
			zap.String("set_id", event.SetID),
			zap.Error(err))
		return err
	}
	return nil
}

func (h *Handler) close(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "outcome delivered")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}

// readLoop drains client frames so control messages are handled and a
// closed client ends the stream
func (h *Handler) readLoop(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}

func snapshot(set *domain.ValidationSet) domain.Event {
	return domain.Event{
		ID:        uuid.NewString(),
		Type:      domain.EventTypeSetUpdated,
		Timestamp: set.UpdatedAt,
		SetID:     set.ID,
		Artifact:  set.Artifact,
		Status:    set.OverallStatus,
	}
}
