// Package offline buffers delivery captures made while a field user has no
// usable connection and replays them once the user is back online.
//
// Entries live in a per-user list in the key-value backend. When the backend
// cannot be written the entry goes to a per-user JSON file instead, so a
// capture is never dropped because of queue infrastructure. Draining merges
// both tiers and writes the surviving entries back to the backend when it is
// reachable.
package offline

import (
	"context"
	"sync"
	"time"

	"github.com/Omer1970/ShippingAPP-sub001/config"
	"github.com/Omer1970/ShippingAPP-sub001/internal/apperrors"
	"github.com/Omer1970/ShippingAPP-sub001/internal/cache"
	"github.com/Omer1970/ShippingAPP-sub001/internal/metrics"
	"github.com/Omer1970/ShippingAPP-sub001/internal/models"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Durability tiers
const (
	TierBackend = "backend"
	TierFile    = "file"
)

// Backend is the key-value store holding queues and call timestamps
type Backend interface {
	Get(ctx context.Context, key string, dst interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

// Replayer runs a buffered capture through the online confirmation path
type Replayer interface {
	Replay(ctx context.Context, userID string, payload models.CapturePayload) error
}

// ReplayerFunc adapts a function to Replayer
type ReplayerFunc func(ctx context.Context, userID string, payload models.CapturePayload) error

// Replay implements Replayer
func (f ReplayerFunc) Replay(ctx context.Context, userID string, payload models.CapturePayload) error {
	return f(ctx, userID, payload)
}

// Connectivity is the outcome of each offline check
type Connectivity struct {
	Network      bool       `json:"network"`
	Health       bool       `json:"health"`
	Recent       bool       `json:"recent"`
	LastCallAt   *time.Time `json:"last_call_at,omitempty"`
	Offline      bool       `json:"offline"`
	CheckedAt    time.Time  `json:"checked_at"`
	FailedChecks []string   `json:"failed_checks,omitempty"`
}

// DrainResult summarises one drain pass
type DrainResult struct {
	Replayed int  `json:"replayed"`
	Failed   int  `json:"failed"`
	Deferred int  `json:"deferred"`
	Held     int  `json:"held"`
	Busy     bool `json:"busy"`
}

type userLocks struct {
	mu    sync.Mutex // guards read-modify-write of the user's queue
	drain sync.Mutex // one drain pass at a time
}

// Queue is the offline capture queue
type Queue struct {
	cfg      config.OfflineConfig
	backend  Backend
	files    *FileStore
	prober   ConnectivityProber
	replayer Replayer
	metrics  *metrics.Metrics
	now      func() time.Time

	locks    sync.Map // user id -> *userLocks
	lastCall sync.Map // user id -> time.Time
	offline  sync.Map // user id -> struct{}
}

// NewQueue creates an offline queue. m may be nil.
func NewQueue(cfg config.OfflineConfig, backend Backend, files *FileStore, prober ConnectivityProber, replayer Replayer, m *metrics.Metrics) *Queue {
	return &Queue{
		cfg:      cfg,
		backend:  backend,
		files:    files,
		prober:   prober,
		replayer: replayer,
		metrics:  m,
		now:      time.Now,
	}
}

// SetClock replaces the time source
func (q *Queue) SetClock(now func() time.Time) {
	q.now = now
}

func (q *Queue) lockFor(userID string) *userLocks {
	l, _ := q.locks.LoadOrStore(userID, &userLocks{})
	return l.(*userLocks)
}

func (q *Queue) count(name string) {
	if q.metrics != nil {
		q.metrics.IncrementCounter(name)
	}
}

// Check runs every connectivity check for the user. All of them must pass
// for the user to be online.
func (q *Queue) Check(ctx context.Context, userID string) Connectivity {
	now := q.now()
	c := Connectivity{CheckedAt: now}

	if err := q.prober.ProbeNetwork(ctx); err != nil {
		c.FailedChecks = append(c.FailedChecks, err.Error())
	} else {
		c.Network = true
	}

	if err := q.prober.ProbeHealth(ctx); err != nil {
		c.FailedChecks = append(c.FailedChecks, err.Error())
	} else {
		c.Health = true
	}

	last, known := q.lastSuccessfulCall(ctx, userID)
	switch {
	case !known:
		// a user without any recorded call is judged on the probes alone
		c.Recent = true
	case now.Sub(last) <= q.cfg.RecencyWindow:
		c.Recent = true
		c.LastCallAt = &last
	default:
		c.LastCallAt = &last
		c.FailedChecks = append(c.FailedChecks, "last successful call is older than the recency window")
	}

	c.Offline = !(c.Network && c.Health && c.Recent)
	if c.Offline {
		q.markOffline(ctx, userID)
	}
	return c
}

// IsOffline reports whether any connectivity check fails for the user
func (q *Queue) IsOffline(ctx context.Context, userID string) bool {
	c := q.Check(ctx, userID)
	if c.Offline {
		log.Info().
			Str("user_id", userID).
			Strs("failed_checks", c.FailedChecks).
			Msg("User classified offline")
	}
	return c.Offline
}

func (q *Queue) lastSuccessfulCall(ctx context.Context, userID string) (time.Time, bool) {
	var last time.Time
	known := false
	if v, ok := q.lastCall.Load(userID); ok {
		last, known = v.(time.Time), true
	}

	var stored time.Time
	if err := q.backend.Get(ctx, cache.LastSuccessfulCallKey(userID), &stored); err == nil {
		if !known || stored.After(last) {
			last, known = stored, true
		}
	} else if !cache.IsMiss(err) {
		log.Debug().Err(err).Str("user_id", userID).Msg("Failed to read last successful call")
	}
	return last, known
}

func (q *Queue) markOffline(ctx context.Context, userID string) {
	q.offline.Store(userID, struct{}{})
	if err := q.backend.Set(ctx, cache.RecentlyOfflineKey(userID), true, q.cfg.Retention); err != nil {
		log.Debug().Err(err).Str("user_id", userID).Msg("Failed to persist offline flag")
	}
}

func (q *Queue) wasOffline(ctx context.Context, userID string) bool {
	if _, ok := q.offline.Load(userID); ok {
		return true
	}
	var flag bool
	if err := q.backend.Get(ctx, cache.RecentlyOfflineKey(userID), &flag); err == nil {
		return flag
	}
	return false
}

func (q *Queue) clearOffline(ctx context.Context, userID string) {
	q.offline.Delete(userID)
	if err := q.backend.Set(ctx, cache.RecentlyOfflineKey(userID), false, time.Minute); err != nil {
		log.Debug().Err(err).Str("user_id", userID).Msg("Failed to clear offline flag")
	}
}

// RecordSuccessfulCall refreshes the user's recency timestamp. When the
// user was recently offline it drains the user's queue and returns the
// result; otherwise the result is nil.
func (q *Queue) RecordSuccessfulCall(ctx context.Context, userID string) (*DrainResult, error) {
	now := q.now().UTC()
	q.lastCall.Store(userID, now)
	if err := q.backend.Set(ctx, cache.LastSuccessfulCallKey(userID), now, 24*time.Hour); err != nil {
		log.Debug().Err(err).Str("user_id", userID).Msg("Failed to persist last successful call")
	}

	if !q.wasOffline(ctx, userID) {
		return nil, nil
	}
	q.clearOffline(ctx, userID)

	log.Info().Str("user_id", userID).Msg("User reconnected, draining offline queue")
	result, err := q.Drain(ctx, userID)
	if err != nil {
		return nil, err
	}

	// anything left over needs another reconnect trigger
	if result.Deferred > 0 || result.Failed > 0 {
		q.markOffline(ctx, userID)
	}
	return &result, nil
}

// Enqueue buffers a capture for the user and returns the stored entry. A
// backend failure routes the entry to the file tier; only a failure of both
// tiers is returned, as a DurabilityError.
func (q *Queue) Enqueue(ctx context.Context, userID string, payload models.CapturePayload) (models.OfflineQueueEntry, error) {
	tempID := uuid.NewString()
	if payload.ClientReference == "" {
		payload.ClientReference = tempID
	}
	entry := models.OfflineQueueEntry{
		Payload: payload,
		Meta: models.QueueMeta{
			QueuedAt:    q.now().UTC(),
			UserID:      userID,
			Attempts:    0,
			Status:      models.QueueStatusQueued,
			TemporaryID: tempID,
		},
	}

	l := q.lockFor(userID)
	l.mu.Lock()
	defer l.mu.Unlock()

	q.markOffline(ctx, userID)

	if err := q.appendBackend(ctx, userID, entry); err != nil {
		log.Warn().
			Err(&apperrors.DurabilityError{Tier: TierBackend, UserID: userID, Err: err, At: q.now()}).
			Str("temporary_id", tempID).
			Msg("Offline queue backend unavailable, using file fallback")

		if ferr := q.files.Append(userID, entry); ferr != nil {
			log.Error().Err(ferr).Str("user_id", userID).Str("temporary_id", tempID).
				Msg("Offline queue file fallback failed")
			return entry, &apperrors.DurabilityError{Tier: TierFile, UserID: userID, Err: ferr, At: q.now()}
		}
		q.count(metrics.OfflineFallback)
	}

	q.count(metrics.OfflineEnqueued)
	log.Info().
		Str("user_id", userID).
		Str("temporary_id", tempID).
		Str("shipment_ref", payload.ShipmentRef).
		Msg("Capture buffered in offline queue")
	return entry, nil
}

func (q *Queue) appendBackend(ctx context.Context, userID string, entry models.OfflineQueueEntry) error {
	var entries []models.OfflineQueueEntry
	if err := q.backend.Get(ctx, cache.OfflineQueueKey(userID), &entries); err != nil && !cache.IsMiss(err) {
		return err
	}
	entries = append(entries, entry)
	return q.backend.Set(ctx, cache.OfflineQueueKey(userID), entries, q.cfg.Retention)
}

// load merges both tiers, dropping entries past retention. backendOK is
// false when the backend could not be read, in which case its contents are
// unknown and must not be overwritten.
func (q *Queue) load(ctx context.Context, userID string) (entries []models.OfflineQueueEntry, backendOK bool) {
	var fromBackend []models.OfflineQueueEntry
	err := q.backend.Get(ctx, cache.OfflineQueueKey(userID), &fromBackend)
	backendOK = err == nil || cache.IsMiss(err)
	if !backendOK {
		log.Warn().
			Err(&apperrors.DurabilityError{Tier: TierBackend, UserID: userID, Err: err, At: q.now()}).
			Msg("Failed to load offline queue from backend")
	}

	fromFile, ferr := q.files.Load(userID)
	if ferr != nil {
		log.Error().
			Err(&apperrors.DurabilityError{Tier: TierFile, UserID: userID, Err: ferr, At: q.now()}).
			Msg("Failed to load offline queue file")
	}

	now := q.now()
	seen := make(map[string]bool, len(fromBackend)+len(fromFile))
	for _, e := range append(fromBackend, fromFile...) {
		if seen[e.Meta.TemporaryID] {
			continue
		}
		seen[e.Meta.TemporaryID] = true
		if q.cfg.Retention > 0 && now.Sub(e.Meta.QueuedAt) > q.cfg.Retention {
			log.Warn().
				Str("user_id", userID).
				Str("temporary_id", e.Meta.TemporaryID).
				Time("queued_at", e.Meta.QueuedAt).
				Msg("Dropping offline queue entry past retention")
			continue
		}
		entries = append(entries, e)
	}
	return entries, backendOK
}

// save writes the full queue to the backend and clears the file tier, or
// keeps it in the file tier when the backend is unusable
func (q *Queue) save(ctx context.Context, userID string, entries []models.OfflineQueueEntry, backendOK bool) error {
	if backendOK {
		if entries == nil {
			entries = []models.OfflineQueueEntry{}
		}
		err := q.backend.Set(ctx, cache.OfflineQueueKey(userID), entries, q.cfg.Retention)
		if err == nil {
			if ferr := q.files.Save(userID, nil); ferr != nil {
				log.Warn().Err(ferr).Str("user_id", userID).Msg("Failed to clear offline queue file")
			}
			return nil
		}
		log.Warn().
			Err(&apperrors.DurabilityError{Tier: TierBackend, UserID: userID, Err: err, At: q.now()}).
			Msg("Failed to rewrite offline queue in backend, using file fallback")
	}

	if err := q.files.Save(userID, entries); err != nil {
		return &apperrors.DurabilityError{Tier: TierFile, UserID: userID, Err: err, At: q.now()}
	}
	return nil
}

// List returns the user's buffered entries
func (q *Queue) List(ctx context.Context, userID string) []models.OfflineQueueEntry {
	l := q.lockFor(userID)
	l.mu.Lock()
	defer l.mu.Unlock()

	entries, _ := q.load(ctx, userID)
	return entries
}

// commit applies a drain's outcome to the current queue, keeping entries
// enqueued while the drain was running
func (q *Queue) commit(ctx context.Context, userID string, updated map[string]models.OfflineQueueEntry, removed map[string]bool) error {
	l := q.lockFor(userID)
	l.mu.Lock()
	defer l.mu.Unlock()

	current, backendOK := q.load(ctx, userID)
	next := make([]models.OfflineQueueEntry, 0, len(current))
	for _, e := range current {
		id := e.Meta.TemporaryID
		if removed[id] {
			continue
		}
		if u, ok := updated[id]; ok {
			e = u
		}
		next = append(next, e)
	}
	return q.save(ctx, userID, next, backendOK)
}

// eligible reports whether the entry may be replayed now
func (q *Queue) eligible(e models.OfflineQueueEntry, now time.Time) (ok bool, deferred bool) {
	if now.Sub(e.Meta.QueuedAt) < q.cfg.SkipWindow {
		return false, true
	}
	if e.Meta.Status == models.QueueStatusSyncFailed && e.Meta.Attempts >= q.cfg.MaxAutoReplays {
		return false, false
	}
	return true, false
}

// Drain replays the user's buffered captures. Entries younger than the skip
// window are left alone, succeeded entries are removed and failed entries
// are kept as sync_failed with their error. Failed entries are retried on
// later drains until they reach the automatic replay limit. A concurrent
// drain for the same user returns immediately with Busy set.
func (q *Queue) Drain(ctx context.Context, userID string) (DrainResult, error) {
	var result DrainResult

	l := q.lockFor(userID)
	if !l.drain.TryLock() {
		result.Busy = true
		return result, nil
	}
	defer l.drain.Unlock()

	l.mu.Lock()
	entries, backendOK := q.load(ctx, userID)
	l.mu.Unlock()

	now := q.now()
	var batch []models.OfflineQueueEntry
	syncing := make(map[string]models.OfflineQueueEntry)
	for _, e := range entries {
		ok, deferred := q.eligible(e, now)
		switch {
		case deferred:
			result.Deferred++
		case !ok:
			result.Held++
		default:
			e.Meta.Status = models.QueueStatusSyncing
			syncing[e.Meta.TemporaryID] = e
			batch = append(batch, e)
		}
	}
	if len(batch) == 0 {
		if !backendOK {
			return result, nil
		}
		// expired entries are pruned and the file tier moves back to the backend
		if err := q.commit(ctx, userID, nil, nil); err != nil {
			return result, errors.Wrap(err, "failed to rewrite offline queue")
		}
		return result, nil
	}

	// entries interrupted mid-replay stay visible as syncing
	if err := q.commit(ctx, userID, syncing, nil); err != nil {
		return result, errors.Wrap(err, "failed to mark offline entries as syncing")
	}

	updated := make(map[string]models.OfflineQueueEntry, len(batch))
	removed := make(map[string]bool, len(batch))
	for _, e := range batch {
		if ctx.Err() != nil {
			// leave the rest for the next pass
			e.Meta.Status = models.QueueStatusQueued
			updated[e.Meta.TemporaryID] = e
			continue
		}

		err := q.replayer.Replay(ctx, userID, e.Payload)
		tried := q.now().UTC()
		if err == nil {
			removed[e.Meta.TemporaryID] = true
			result.Replayed++
			q.count(metrics.OfflineReplayed)
			log.Info().Str("user_id", userID).Str("temporary_id", e.Meta.TemporaryID).Msg("Offline capture replayed")
			continue
		}

		e.Meta.Attempts++
		if apperrors.IsValidation(err) && e.Meta.Attempts < q.cfg.MaxAutoReplays {
			// a rejected payload will not pass on a later replay
			e.Meta.Attempts = q.cfg.MaxAutoReplays
		}
		e.Meta.Status = models.QueueStatusSyncFailed
		e.Meta.LastError = err.Error()
		e.Meta.LastTriedAt = &tried
		updated[e.Meta.TemporaryID] = e
		result.Failed++
		q.count(metrics.OfflineReplayFailed)
		log.Warn().
			Err(err).
			Str("user_id", userID).
			Str("temporary_id", e.Meta.TemporaryID).
			Int("attempts", e.Meta.Attempts).
			Msg("Offline capture replay failed")
	}

	if err := q.commit(ctx, userID, updated, removed); err != nil {
		return result, errors.Wrap(err, "failed to rewrite offline queue")
	}
	return result, nil
}

// Requeue moves a sync_failed entry back to queued with a fresh automatic
// replay budget
func (q *Queue) Requeue(ctx context.Context, userID, temporaryID string) (models.OfflineQueueEntry, error) {
	l := q.lockFor(userID)
	l.mu.Lock()
	defer l.mu.Unlock()

	entries, backendOK := q.load(ctx, userID)
	for i := range entries {
		e := &entries[i]
		if e.Meta.TemporaryID != temporaryID {
			continue
		}
		if e.Meta.Status != models.QueueStatusSyncFailed {
			return *e, errors.Wrapf(apperrors.ErrInvalidTransition, "entry is %s", e.Meta.Status)
		}
		e.Meta.Status = models.QueueStatusQueued
		e.Meta.Attempts = 0
		if err := q.save(ctx, userID, entries, backendOK); err != nil {
			return *e, err
		}
		q.markOffline(ctx, userID)
		return *e, nil
	}
	return models.OfflineQueueEntry{}, apperrors.ErrQueueEntryMissing
}
