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
	"time"

	"github.com/gravitational/trace"
)

// HistoryRecord describes one planning/execution event
type HistoryRecord struct {
	// UUID is the record identifier
	UUID string `json:"uuid"`
	// Changes is the set of changes the event planned or executed
	Changes []Change `json:"changes"`
	// StartedAt is when the event began
	StartedAt time.Time `json:"started"`
	// FinishedAt is when the event completed, zero while in progress
	FinishedAt time.Time `json:"finished,omitempty"`
	// Error is the failure diagnostic if the event did not complete
	Error string `json:"error,omitempty"`
}

// Check validates this history record
func (r HistoryRecord) Check() error {
	if r.UUID == "" {
		return trace.BadParameter("missing history record UUID")
	}
	if r.StartedAt.IsZero() {
		return trace.BadParameter("history record %v is missing StartedAt", r.UUID)
	}
	return nil
}

// HistoryStore persists history records
type HistoryStore interface {
	// SaveHistory creates a new history record
	SaveHistory(HistoryRecord) error
	// UpdateHistory updates an existing history record
	UpdateHistory(HistoryRecord) error
	// GetHistory returns the record with the specified id
	GetHistory(uuid string) (*HistoryRecord, error)
	// ListHistory returns all records, most recent first
	ListHistory() ([]HistoryRecord, error)
	// Close releases the underlying resources
	Close() error
}
