// SPDX-License-Identifier: MIT

// Package svcconfig owns the mapping from a service name to its ordered
// list of camera subscriptions, stored as one JSON blob per service.
//
// Every mutation goes through the kv store's optimistic transaction; two
// callers changing the same service's list concurrently are linearized by
// the retry loop, never lost.
package svcconfig

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/camfleet/visibility/internal/metrics"
	"github.com/camfleet/visibility/internal/model"
	"github.com/camfleet/visibility/internal/store/kv"
)

// Subscription entry fields.
const (
	FieldInputCameraID        = "input_camera_id"
	FieldVisibilityCameraInfo = "visibility_camera_info"
	FieldVisibilityCameraID   = "camera_id_from_visibility_server"
)

var (
	// ErrNoIdentity marks an entry whose camera identity cannot be derived
	// from either identity field.
	ErrNoIdentity = errors.New("subscription entry carries no camera identity")
	// ErrCorruptList marks a stored blob that is not a JSON array. The
	// affected key is treated as empty by callers; corruption is logged
	// loudly, never propagated as a parse panic.
	ErrCorruptList = errors.New("stored service list is not a JSON array")
	// ErrEntryNotFound marks a delete whose identity matched nothing.
	ErrEntryNotFound = errors.New("subscription entry not found")
)

// Registry manages per-service camera subscription lists.
type Registry struct {
	store  *kv.Store
	prefix string
	logger zerolog.Logger
}

// New creates a Registry over the given blob store. Keys are
// "<prefix>:<service name>".
func New(store *kv.Store, prefix string, logger zerolog.Logger) *Registry {
	return &Registry{store: store, prefix: prefix, logger: logger}
}

// Key returns the storage key for a service name.
func (r *Registry) Key(service string) string {
	return r.prefix + ":" + service
}

// ServiceName recovers the service name from a storage key.
func (r *Registry) ServiceName(key string) string {
	if len(key) > len(r.prefix)+1 && key[:len(r.prefix)+1] == r.prefix+":" {
		return key[len(r.prefix)+1:]
	}
	return key
}

// EntryIdentity derives the camera identity of a subscription entry:
// input_camera_id, falling back to the visibility server's id nested under
// visibility_camera_info. The same rule is used for matching on add, update,
// delete and cleanup; both identity forms are legal and may coexist across
// services.
func EntryIdentity(entry model.Document) (string, bool) {
	if id := entry.String(FieldInputCameraID); id != "" {
		return id, true
	}
	if info := entry.Map(FieldVisibilityCameraInfo); info != nil {
		if id := info.String(FieldVisibilityCameraID); id != "" {
			return id, true
		}
	}
	return "", false
}

func decodeList(raw []byte) ([]model.Document, error) {
	if raw == nil {
		return nil, nil
	}
	var list []model.Document
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptList, err)
	}
	return list, nil
}

// GetList returns the service's subscription list. A missing key yields an
// empty list; a corrupt blob yields ErrCorruptList so callers can tell
// "empty" from "broken" for observability.
func (r *Registry) GetList(ctx context.Context, service string) ([]model.Document, error) {
	raw, ok, err := r.store.Get(ctx, r.Key(service))
	if err != nil {
		return nil, err
	}
	if !ok {
		return []model.Document{}, nil
	}
	list, err := decodeList(raw)
	if err != nil {
		r.logger.Error().
			Str("event", "svcconfig.corrupt_list").
			Str("service", service).
			Msg("stored service list is not a JSON array")
		return nil, err
	}
	return list, nil
}

// Services enumerates every service name with a stored list.
func (r *Registry) Services(ctx context.Context) ([]string, error) {
	keys, err := r.store.Keys(ctx, r.prefix+":")
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(keys))
	for _, k := range keys {
		names = append(names, r.ServiceName(k))
	}
	return names, nil
}

// AddOrUpdate inserts the entry into the service's list, or replaces the
// existing entry with the same camera identity in place (position
// preserved). At most one entry per identity ever exists.
func (r *Registry) AddOrUpdate(ctx context.Context, service string, entry model.Document) error {
	identity, ok := EntryIdentity(entry)
	if !ok {
		return ErrNoIdentity
	}

	return r.store.Transact(ctx, r.Key(service), func(current []byte) ([]byte, kv.Outcome, error) {
		list, err := decodeList(current)
		if err != nil {
			// A corrupt blob is reset rather than propagated: the new entry
			// becomes the whole list.
			r.logger.Error().
				Str("event", "svcconfig.corrupt_list_reset").
				Str("service", service).
				Msg("overwriting corrupt service list")
			list = nil
		}

		replaced := false
		for i, existing := range list {
			if existingID, ok := EntryIdentity(existing); ok && existingID == identity {
				list[i] = entry
				replaced = true
				break
			}
		}
		if !replaced {
			list = append(list, entry)
		}

		next, err := json.Marshal(list)
		if err != nil {
			return nil, kv.OutcomeNone, fmt.Errorf("marshal service list %q: %w", service, err)
		}

		r.logger.Info().
			Str("event", "svcconfig.entry_saved").
			Str("service", service).
			Str("camera_identity", identity).
			Bool("replaced", replaced).
			Msg("camera subscription saved")
		return next, kv.OutcomeWrite, nil
	})
}

// Delete removes the entry with the given camera identity from the
// service's list. When the list empties, the key is deleted entirely so the
// key space stays proportional to active services. Returns ErrEntryNotFound
// when nothing matched.
func (r *Registry) Delete(ctx context.Context, service, identity string) error {
	return r.store.Transact(ctx, r.Key(service), func(current []byte) ([]byte, kv.Outcome, error) {
		if current == nil {
			return nil, kv.OutcomeNone, fmt.Errorf("%w: %q in service %q", ErrEntryNotFound, identity, service)
		}
		list, err := decodeList(current)
		if err != nil {
			return nil, kv.OutcomeNone, err
		}

		filtered := make([]model.Document, 0, len(list))
		removed := false
		for _, entry := range list {
			if id, ok := EntryIdentity(entry); ok && id == identity {
				removed = true
				continue
			}
			filtered = append(filtered, entry)
		}
		if !removed {
			return nil, kv.OutcomeNone, fmt.Errorf("%w: %q in service %q", ErrEntryNotFound, identity, service)
		}

		if len(filtered) == 0 {
			r.logger.Info().
				Str("event", "svcconfig.key_deleted").
				Str("service", service).
				Msg("service list empty, deleting key")
			return nil, kv.OutcomeDelete, nil
		}
		next, err := json.Marshal(filtered)
		if err != nil {
			return nil, kv.OutcomeNone, fmt.Errorf("marshal service list %q: %w", service, err)
		}
		return next, kv.OutcomeWrite, nil
	})
}

// Prune removes every entry whose camera identity is resolvable but not
// accepted by valid. Entries whose identity cannot be determined are kept
// conservatively. Returns the removed identities; when nothing is removed,
// no write occurs.
func (r *Registry) Prune(ctx context.Context, service string, valid func(identity string) bool) ([]string, error) {
	var removed []string
	err := r.store.Transact(ctx, r.Key(service), func(current []byte) ([]byte, kv.Outcome, error) {
		removed = removed[:0] // fn may run more than once
		if current == nil {
			return nil, kv.OutcomeNone, nil
		}
		list, err := decodeList(current)
		if err != nil {
			return nil, kv.OutcomeNone, err
		}

		kept := make([]model.Document, 0, len(list))
		for _, entry := range list {
			identity, ok := EntryIdentity(entry)
			if !ok {
				r.logger.Warn().
					Str("event", "svcconfig.unresolvable_identity").
					Str("service", service).
					Msg("keeping subscription with undeterminable camera identity")
				kept = append(kept, entry)
				continue
			}
			if valid(identity) {
				kept = append(kept, entry)
				continue
			}
			r.logger.Warn().
				Str("event", "svcconfig.stale_subscription").
				Str("service", service).
				Str("camera_identity", identity).
				Msg("removing subscription for non-operational camera")
			removed = append(removed, identity)
		}

		if len(removed) == 0 {
			return nil, kv.OutcomeNone, nil
		}
		if len(kept) == 0 {
			return nil, kv.OutcomeDelete, nil
		}
		next, err := json.Marshal(kept)
		if err != nil {
			return nil, kv.OutcomeNone, fmt.Errorf("marshal service list %q: %w", service, err)
		}
		return next, kv.OutcomeWrite, nil
	})
	if err != nil {
		return nil, err
	}
	for range removed {
		metrics.SubscriptionsPrunedTotal.Inc()
	}
	return removed, nil
}
