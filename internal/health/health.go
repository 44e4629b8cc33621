// Package health persists full-sync campaign history and can derive an
// aggregate health value from it. It's a BoltDB key-value store,
// repurposed from a generic peer cache to a campaign audit log.
package health

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
)

const campaignBucket = "campaigns"

// Status is the outcome of a full-sync campaign.
type Status string

const (
	InProgress Status = "InProgress"
	Completed  Status = "Completed"
	Failed     Status = "Failed"
)

// Value is the aggregate health this daemon reports on its control
// surface: Ok unless the most recent campaign failed.
type Value string

const (
	Ok       Value = "Ok"
	Critical Value = "Critical"
)

// CampaignRecord is one full-sync campaign's audit trail.
type CampaignRecord struct {
	ID        string
	Started   time.Time
	Ended     time.Time
	Status    Status
	ErrSummary string
}

// Store is a BoltDB-backed campaign audit log.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if necessary) the campaign store at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("health: failed to open %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(campaignBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("health: failed to create bucket: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Clear removes every recorded campaign, for the daemon's --reset flag.
func (s *Store) Clear() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket([]byte(campaignBucket)); err != nil {
			return err
		}
		_, err := tx.CreateBucket([]byte(campaignBucket))
		return err
	})
}

// Put persists (or overwrites, by ID) a campaign record.
func (s *Store) Put(rec CampaignRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("health: failed to encode campaign %s: %w", rec.ID, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(campaignBucket))
		return b.Put([]byte(rec.ID), data)
	})
}

// Get returns one campaign record by ID.
func (s *Store) Get(id string) (CampaignRecord, bool, error) {
	var rec CampaignRecord
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(campaignBucket))
		v := b.Get([]byte(id))
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &rec)
	})
	return rec, found, err
}

// List returns every recorded campaign, most recently started first.
func (s *Store) List() ([]CampaignRecord, error) {
	var out []CampaignRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(campaignBucket))
		return b.ForEach(func(_, v []byte) error {
			var rec CampaignRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Started.After(out[j].Started) })
	return out, nil
}

// Aggregate derives the overall health value from the most recent
// terminal campaign. A daemon that has never run a full sync, or whose
// last campaign is still in progress, reports Ok.
func (s *Store) Aggregate() (Value, error) {
	records, err := s.List()
	if err != nil {
		return Critical, err
	}
	for _, rec := range records {
		if rec.Status == InProgress {
			continue
		}
		if rec.Status == Failed {
			return Critical, nil
		}
		return Ok, nil
	}
	return Ok, nil
}
