/*
Copyright 2020 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package storage

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/boltdb/bolt"
	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"
)

// historyBucket is the bolt bucket holding history records keyed by uuid
var historyBucket = []byte("history")

// BoltConfig is the history store configuration
type BoltConfig struct {
	// Path is the path to the database file
	Path string
	// Timeout bounds waiting on the database file lock
	Timeout time.Duration
}

// CheckAndSetDefaults validates this configuration and sets defaults
func (b *BoltConfig) CheckAndSetDefaults() error {
	if b.Path == "" {
		return trace.BadParameter("missing Path parameter")
	}
	if b.Timeout == 0 {
		b.Timeout = 5 * time.Second
	}
	return nil
}

// NewBolt returns a BoltDB-backed history store
func NewBolt(config BoltConfig) (HistoryStore, error) {
	if err := config.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := os.MkdirAll(filepath.Dir(config.Path), 0755); err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	db, err := bolt.Open(config.Path, 0600, &bolt.Options{Timeout: config.Timeout})
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(historyBucket)
		return trace.Wrap(err)
	})
	if err != nil {
		db.Close()
		return nil, trace.Wrap(err)
	}
	return &boltStore{
		FieldLogger: logrus.WithField(trace.Component, "fleetadm:history"),
		db:          db,
	}, nil
}

type boltStore struct {
	logrus.FieldLogger
	db *bolt.DB
}

// SaveHistory creates a new history record
func (b *boltStore) SaveHistory(record HistoryRecord) error {
	if err := record.Check(); err != nil {
		return trace.Wrap(err)
	}
	return b.put(record, false)
}

// UpdateHistory updates an existing history record
func (b *boltStore) UpdateHistory(record HistoryRecord) error {
	if err := record.Check(); err != nil {
		return trace.Wrap(err)
	}
	return b.put(record, true)
}

func (b *boltStore) put(record HistoryRecord, mustExist bool) error {
	data, err := json.Marshal(record)
	if err != nil {
		return trace.Wrap(err)
	}
	err = b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(historyBucket)
		existing := bucket.Get([]byte(record.UUID))
		if mustExist && existing == nil {
			return trace.NotFound("history record %v not found", record.UUID)
		}
		if !mustExist && existing != nil {
			return trace.AlreadyExists("history record %v already exists", record.UUID)
		}
		return trace.Wrap(bucket.Put([]byte(record.UUID), data))
	})
	return trace.Wrap(err)
}

// GetHistory returns the record with the specified id
func (b *boltStore) GetHistory(uuid string) (*HistoryRecord, error) {
	var record *HistoryRecord
	err := b.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(historyBucket).Get([]byte(uuid))
		if data == nil {
			return trace.NotFound("history record %v not found", uuid)
		}
		record = &HistoryRecord{}
		return trace.Wrap(json.Unmarshal(data, record))
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return record, nil
}

// ListHistory returns all records, most recent first
func (b *boltStore) ListHistory() ([]HistoryRecord, error) {
	var records []HistoryRecord
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(historyBucket).ForEach(func(k, v []byte) error {
			var record HistoryRecord
			if err := json.Unmarshal(v, &record); err != nil {
				b.WithError(err).Warnf("Skipping malformed history record %s.", k)
				return nil
			}
			records = append(records, record)
			return nil
		})
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].StartedAt.After(records[j].StartedAt)
	})
	return records, nil
}

// Close releases the underlying database
func (b *boltStore) Close() error {
	return trace.Wrap(b.db.Close())
}
