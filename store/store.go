// Package store persists drone video records and the bitrate metrics their
// relays report. Two backends share the Store interface: Badger for
// deployments and Memory for tests and throwaway runs.
package store

import (
	"context"
	"errors"
	"math"
	"sort"
	"strings"
	"time"
)

var (
	ErrNotFound      = errors.New("record not found")
	ErrMissingID     = errors.New("record id is required")
	ErrMissingSource = errors.New("record rtmp_url is required")
	ErrClosed        = errors.New("store is closed")
)

// Record is one registered drone video source.
type Record struct {
	ID             string `json:"id"`
	Title          string `json:"title"`
	RTMPURL        string `json:"rtmp_url"`
	DestinationURL string `json:"destination_url,omitempty"`
	WSURL          string `json:"ws_url,omitempty"`
	Thumbnail      string `json:"thumbnail"`
	CreatedAt      string `json:"created_at"`
}

// HasTelemetry reports whether the record carries a usable ws_url.
func (r Record) HasTelemetry() bool {
	return strings.TrimSpace(r.WSURL) != ""
}

// Metric is one bitrate reading taken from a relay's progress output.
type Metric struct {
	DroneID    string    `json:"drone_id"`
	Bitrate    int       `json:"bitrate"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Analytics summarises the stored metrics of one drone.
type Analytics struct {
	DroneID        string     `json:"drone_id"`
	Samples        int        `json:"samples"`
	AverageBitrate float64    `json:"average_bitrate"`
	MinBitrate     int        `json:"min_bitrate"`
	MaxBitrate     int        `json:"max_bitrate"`
	LatestBitrate  int        `json:"latest_bitrate"`
	FirstSeen      *time.Time `json:"first_seen,omitempty"`
	LastSeen       *time.Time `json:"last_seen,omitempty"`
}

// Store is the persistence sink shared by the API and the relays.
type Store interface {
	GetRecord(ctx context.Context, id string) (Record, error)
	AddRecord(ctx context.Context, rec Record) (Record, error)
	DeleteRecord(ctx context.Context, id string) (bool, error)
	ListRecords(ctx context.Context) ([]Record, error)
	AppendMetric(ctx context.Context, id string, bitrate int) error
	ListMetrics(ctx context.Context, id string, limit int) ([]Metric, error)
	Close() error
}

// Summarize computes Analytics from metrics in recording order.
func Summarize(droneID string, metrics []Metric) Analytics {
	a := Analytics{DroneID: droneID, Samples: len(metrics)}
	if len(metrics) == 0 {
		return a
	}

	sorted := make([]Metric, len(metrics))
	copy(sorted, metrics)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].RecordedAt.Before(sorted[j].RecordedAt)
	})

	a.MinBitrate = math.MaxInt
	total := 0
	for _, m := range sorted {
		total += m.Bitrate
		if m.Bitrate < a.MinBitrate {
			a.MinBitrate = m.Bitrate
		}
		if m.Bitrate > a.MaxBitrate {
			a.MaxBitrate = m.Bitrate
		}
	}
	a.AverageBitrate = float64(total) / float64(len(sorted))
	a.LatestBitrate = sorted[len(sorted)-1].Bitrate
	first, last := sorted[0].RecordedAt, sorted[len(sorted)-1].RecordedAt
	a.FirstSeen, a.LastSeen = &first, &last
	return a
}

// Analyze loads every metric of id from s and summarises them.
func Analyze(ctx context.Context, s Store, id string) (Analytics, error) {
	if _, err := s.GetRecord(ctx, id); err != nil {
		return Analytics{}, err
	}
	metrics, err := s.ListMetrics(ctx, id, 0)
	if err != nil {
		return Analytics{}, err
	}
	return Summarize(id, metrics), nil
}

func prepareRecord(rec Record, now time.Time) (Record, error) {
	if rec.ID == "" {
		return Record{}, ErrMissingID
	}
	if strings.TrimSpace(rec.RTMPURL) == "" {
		return Record{}, ErrMissingSource
	}
	if rec.CreatedAt == "" {
		rec.CreatedAt = now.UTC().Format(time.RFC3339)
	}
	return rec, nil
}

func sortRecords(records []Record) {
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].CreatedAt == records[j].CreatedAt {
			return records[i].ID < records[j].ID
		}
		return records[i].CreatedAt > records[j].CreatedAt
	})
}
