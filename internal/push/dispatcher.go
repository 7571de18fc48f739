// Package push gates and delivers vendor push notifications for offline
// recipients. Gating runs synchronously at the call site; vendor I/O runs on
// a worker pool.
package push

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	cache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"

	"github.com/axiona25/securechat-sub000/internal/bus"
	"github.com/axiona25/securechat-sub000/internal/config"
	"github.com/axiona25/securechat-sub000/internal/metrics"
	"github.com/axiona25/securechat-sub000/internal/store"
)

// Request is one push to evaluate. TargetType/TargetID feed the mute-rule
// gate; SourceType/SourceID feed the throttle key and the Notification row.
type Request struct {
	RecipientID  int64
	SenderID     int64 // 0 for system-originated pushes
	Type         string
	Title        string
	Body         string
	Data         map[string]string
	SourceType   string
	SourceID     string
	TargetType   string
	TargetID     string
	HighPriority bool
}

// Delivery is one accepted push waiting for vendor I/O.
type Delivery struct {
	Notification *store.Notification
	Title        string
	Body         string
	Data         map[string]string
	HighPriority bool
	Sound        bool
}

// Sender performs the vendor call for one delivery. Invalid lists tokens the
// vendor rejected permanently; Err is the transient failure, if any.
type Sender interface {
	Send(ctx context.Context, d *Delivery, tokens []string, badge int) (messageID string, invalid []string, err error)
}

var retryBackoff = []time.Duration{10 * time.Second, 20 * time.Second, 40 * time.Second}

// Dispatcher applies the gate sequence and fans accepted pushes out through
// the Sender on a bounded worker pool.
type Dispatcher struct {
	store    *store.Store
	bus      *bus.Bus
	sender   Sender
	metrics  *metrics.Registry
	logger   zerolog.Logger
	throttle *cache.Cache
	window   time.Duration

	queue  chan *Delivery
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New builds a dispatcher. A nil sender disables vendor delivery but keeps
// gating and Notification persistence intact.
func New(cfg config.PushConfig, st *store.Store, b *bus.Bus, sender Sender, m *metrics.Registry, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		store:    st,
		bus:      b,
		sender:   sender,
		metrics:  m,
		logger:   logger.With().Str("component", "push").Logger(),
		throttle: cache.New(cfg.ThrottleWindow, 5*time.Minute),
		window:   cfg.ThrottleWindow,
		queue:    make(chan *Delivery, cfg.QueueCapacity),
	}
}

// Start launches the worker pool.
func (d *Dispatcher) Start(ctx context.Context, workers int) {
	ctx, d.cancel = context.WithCancel(ctx)
	if workers < 1 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx)
	}
}

// Close stops the workers after draining in-flight deliveries.
func (d *Dispatcher) Close() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
}

// Send runs the gate sequence and, when every gate passes, persists a
// Notification and enqueues vendor delivery. A gated push is not an error.
func (d *Dispatcher) Send(ctx context.Context, req Request) error {
	if req.SenderID != 0 && req.SenderID == req.RecipientID {
		d.gated("self")
		return nil
	}

	pref, err := d.store.PreferenceFor(ctx, req.RecipientID)
	if err != nil {
		return fmt.Errorf("push: load preference: %w", err)
	}
	if !pref.TypeEnabled(req.Type) {
		d.gated("preference")
		return nil
	}
	if !req.HighPriority && pref.DNDEnabled && dndCovers(time.Now(), pref.DNDStart, pref.DNDEnd) {
		d.gated("dnd")
		return nil
	}
	if !req.HighPriority && req.TargetType != "" {
		muted, err := d.store.ActiveMuteRule(ctx, req.RecipientID, req.TargetType, req.TargetID)
		if err != nil {
			return fmt.Errorf("push: mute lookup: %w", err)
		}
		if muted {
			d.gated("mute")
			return nil
		}
	}
	key := throttleKey(req.RecipientID, req.Type, req.SourceType, req.SourceID)
	if !req.HighPriority {
		if _, seen := d.throttle.Get(key); seen {
			d.gated("throttle")
			return nil
		}
	}
	d.throttle.Set(key, struct{}{}, d.window)

	data := make(map[string]string, len(req.Data)+4)
	for k, v := range req.Data {
		data[k] = v
	}
	data["type"] = req.Type
	data["show_preview"] = strconv.FormatBool(pref.ShowPreview)
	data["sound"] = strconv.FormatBool(pref.SoundEnabled)
	data["vibration"] = strconv.FormatBool(pref.Vibration)

	body := req.Body
	if !pref.ShowPreview {
		body = "New message"
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("push: marshal data: %w", err)
	}
	n := &store.Notification{
		ID:          uuid.New(),
		RecipientID: req.RecipientID,
		Type:        req.Type,
		Title:       req.Title,
		Body:        body,
		Data:        raw,
		SourceType:  req.SourceType,
		SourceID:    req.SourceID,
	}
	if req.SenderID != 0 {
		n.SenderID.Int64, n.SenderID.Valid = req.SenderID, true
	}
	if err := d.store.InsertNotification(ctx, n); err != nil {
		return fmt.Errorf("push: persist notification: %w", err)
	}

	d.bus.Publish(bus.UserTopic(req.RecipientID), bus.Event{
		Type: bus.EventNotification,
		Data: map[string]any{
			"id":    n.ID.String(),
			"type":  n.Type,
			"title": n.Title,
			"body":  n.Body,
		},
	})

	delivery := &Delivery{
		Notification: n,
		Title:        n.Title,
		Body:         n.Body,
		Data:         data,
		HighPriority: req.HighPriority,
		Sound:        pref.SoundEnabled,
	}
	select {
	case d.queue <- delivery:
		d.metrics.PushQueueSize.Inc()
	default:
		d.metrics.PushFailed.Inc()
		d.logger.Warn().Int64("recipient", req.RecipientID).Msg("push queue full, delivery dropped")
	}
	return nil
}

func (d *Dispatcher) gated(gate string) {
	d.metrics.PushGated.WithLabelValues(gate).Inc()
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case delivery := <-d.queue:
			d.metrics.PushQueueSize.Dec()
			d.deliver(ctx, delivery)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, delivery *Delivery) {
	n := delivery.Notification
	logger := d.logger.With().Stringer("notification", n.ID).Int64("recipient", n.RecipientID).Logger()

	if d.sender == nil {
		return
	}

	tokens, err := d.store.ActiveDeviceTokens(ctx, n.RecipientID)
	if err != nil {
		logger.Error().Err(err).Msg("token lookup failed")
		d.stamp(ctx, n.ID, false, "", "token lookup failed")
		return
	}
	if len(tokens) == 0 {
		d.stamp(ctx, n.ID, false, "", "no active device tokens")
		return
	}
	raw := make([]string, len(tokens))
	for i, t := range tokens {
		raw[i] = t.Token
	}

	badge, err := d.store.UnreadNotificationCount(ctx, n.RecipientID)
	if err != nil {
		logger.Warn().Err(err).Msg("badge count failed")
	}

	var messageID string
	var invalid []string
	for attempt := 0; ; attempt++ {
		messageID, invalid, err = d.sender.Send(ctx, delivery, raw, badge)
		if err == nil || attempt >= len(retryBackoff) {
			break
		}
		logger.Warn().Err(err).Int("attempt", attempt+1).Msg("vendor push failed, retrying")
		select {
		case <-ctx.Done():
			return
		case <-time.After(retryBackoff[attempt]):
		}
	}

	for _, token := range invalid {
		if err := d.store.DeactivateDeviceToken(ctx, token); err != nil {
			logger.Warn().Err(err).Msg("token reap failed")
		}
	}

	if err != nil {
		d.metrics.PushFailed.Inc()
		logger.Error().Err(err).Msg("vendor push gave up")
		d.stamp(ctx, n.ID, false, "", err.Error())
		return
	}
	d.metrics.PushSent.Inc()
	d.stamp(ctx, n.ID, true, messageID, "")
}

func (d *Dispatcher) stamp(ctx context.Context, id uuid.UUID, sent bool, messageID, errMsg string) {
	if err := d.store.StampNotificationResult(ctx, id, sent, messageID, errMsg); err != nil {
		d.logger.Warn().Err(err).Stringer("notification", id).Msg("result stamp failed")
	}
}

// SweepThrottle evicts expired throttle entries eagerly, ahead of the
// cache's own background cleanup.
func (d *Dispatcher) SweepThrottle() {
	d.throttle.DeleteExpired()
}

// throttleKey collapses repeat pushes about one source into a single cache
// entry per recipient.
func throttleKey(recipientID int64, notifType, sourceType, sourceID string) string {
	sum := md5.Sum([]byte(fmt.Sprintf("%d:%s:%s:%s", recipientID, notifType, sourceType, sourceID)))
	return hex.EncodeToString(sum[:])
}

// dndCovers reports whether the local clock time falls inside the window.
// Windows may wrap past midnight (22:00 to 07:00).
func dndCovers(now time.Time, start, end string) bool {
	s, okS := parseClock(start)
	e, okE := parseClock(end)
	if !okS || !okE || s == e {
		return false
	}
	t := now.Hour()*60 + now.Minute()
	if s < e {
		return t >= s && t < e
	}
	return t >= s || t < e
}

func parseClock(v string) (int, bool) {
	t, err := time.Parse("15:04", v)
	if err != nil {
		return 0, false
	}
	return t.Hour()*60 + t.Minute(), true
}
