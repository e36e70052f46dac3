package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/ruteri/cloud-evidence-backend/interfaces"
)

// MultiRecordStore writes every record to all available stores and reads
// from the first store holding an intact copy.
type MultiRecordStore struct {
	stores []interfaces.RecordStore
	log    *slog.Logger
}

// NewMultiRecordStore creates a store fanning out to stores.
func NewMultiRecordStore(stores []interfaces.RecordStore, log *slog.Logger) *MultiRecordStore {
	if log == nil {
		log = slog.Default()
	}

	return &MultiRecordStore{
		stores: stores,
		log:    log,
	}
}

// Fetch tries each available store in order. A corrupted copy in one store
// does not prevent reading an intact copy from another. Returns
// ErrContentNotFound only if no store reported anything but absence.
func (m *MultiRecordStore) Fetch(ctx context.Context, id interfaces.ContentID, recordType interfaces.RecordType) ([]byte, error) {
	start := time.Now()
	var result *multierror.Error
	notFound := 0

	for _, store := range m.stores {
		if !store.Available(ctx) {
			m.log.Debug("Record store unavailable",
				slog.String("store", store.Name()),
				slog.String("contentID", id.String()))
			result = multierror.Append(result, fmt.Errorf("%s: %w", store.Name(), interfaces.ErrBackendUnavailable))
			continue
		}

		data, err := store.Fetch(ctx, id, recordType)
		if err == nil {
			m.log.Debug("Fetched record",
				slog.String("store", store.Name()),
				slog.String("contentID", id.String()),
				slog.Duration("duration", time.Since(start)))
			return data, nil
		}

		if errors.Is(err, interfaces.ErrContentNotFound) {
			notFound++
		}
		result = multierror.Append(result, fmt.Errorf("%s: %w", store.Name(), err))
		m.log.Debug("Failed to fetch from record store",
			slog.String("store", store.Name()),
			slog.String("contentID", id.String()),
			"err", err)
	}

	if len(m.stores) > 0 && notFound == len(m.stores) {
		return nil, interfaces.ErrContentNotFound
	}

	m.log.Error("All record stores failed to fetch record",
		slog.String("contentID", id.String()),
		slog.Int("stores", len(m.stores)),
		slog.Duration("duration", time.Since(start)))

	if result == nil {
		return nil, interfaces.ErrBackendUnavailable
	}
	return nil, fmt.Errorf("all record stores failed to fetch %s: %w", id, result.ErrorOrNil())
}

// Store saves data to all available stores. It succeeds if at least one
// store accepted the record.
func (m *MultiRecordStore) Store(ctx context.Context, data []byte, recordType interfaces.RecordType) (interfaces.ContentID, error) {
	start := time.Now()
	id := interfaces.ComputeID(data)
	var result *multierror.Error
	stored := 0

	for _, store := range m.stores {
		if !store.Available(ctx) {
			m.log.Debug("Record store unavailable", slog.String("store", store.Name()))
			continue
		}

		got, err := store.Store(ctx, data, recordType)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", store.Name(), err))
			m.log.Warn("Failed to store record",
				slog.String("store", store.Name()),
				"err", err)
			continue
		}
		if got != id {
			m.log.Warn("Record store returned an unexpected content ID",
				slog.String("store", store.Name()),
				slog.String("expected", id.String()),
				slog.String("actual", got.String()))
		}
		stored++
	}

	if stored == 0 {
		m.log.Error("All record stores failed to store record",
			slog.Int("failed", len(m.stores)),
			slog.Duration("duration", time.Since(start)))
		if result == nil {
			return interfaces.ContentID{}, interfaces.ErrBackendUnavailable
		}
		return interfaces.ContentID{}, fmt.Errorf("all record stores failed to store record: %w", result.ErrorOrNil())
	}

	m.log.Info("Stored custody record",
		slog.String("type", recordType.String()),
		slog.String("contentID", id.String()),
		slog.Int("stores", stored),
		slog.Duration("duration", time.Since(start)))

	return id, nil
}

// Available checks if any store is available.
func (m *MultiRecordStore) Available(ctx context.Context) bool {
	for _, store := range m.stores {
		if store.Available(ctx) {
			return true
		}
	}
	return false
}

func (m *MultiRecordStore) Name() string {
	return "multi-store"
}

func (m *MultiRecordStore) LocationURI() string {
	locations := make([]string, 0, len(m.stores))
	for _, store := range m.stores {
		locations = append(locations, store.LocationURI())
	}
	return "multi:[" + strings.Join(locations, ",") + "]"
}
