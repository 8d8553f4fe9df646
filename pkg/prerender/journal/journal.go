/*
Copyright 2025 The Kubernetes Authors.

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

// Package journal persists registry events to an append-only LevelDB log.
//
// Keys are `ev:<registry id>:<sequence>` with a zero-padded sequence, so a prefix scan returns one registry's events in
// emission order.
package journal

import (
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/prerender-dev/prerender/pkg/common/observability/logging"
	"github.com/prerender-dev/prerender/pkg/prerender/types"
)

const keyPrefix = "ev:"

// Record is the stored form of a `types.Event`. Enumerations are kept as their string names.
type Record struct {
	Seq              uint64    `json:"seq"`
	Kind             string    `json:"kind"`
	Time             time.Time `json:"time"`
	CandidateID      int64     `json:"candidateId"`
	URL              string    `json:"url,omitempty"`
	TriggerType      string    `json:"triggerType"`
	Created          bool      `json:"created,omitempty"`
	OldState         string    `json:"oldState,omitempty"`
	NewState         string    `json:"newState,omitempty"`
	FinalStatus      string    `json:"finalStatus,omitempty"`
	HeaderWaitReason string    `json:"headerWaitReason,omitempty"`
	Interface        string    `json:"interface,omitempty"`
}

func recordOf(seq uint64, ev types.Event) Record {
	r := Record{
		Seq:         seq,
		Kind:        ev.Kind.String(),
		Time:        ev.Time,
		CandidateID: int64(ev.CandidateID),
		URL:         ev.URL,
		TriggerType: ev.TriggerType.String(),
		Created:     ev.Created,
		Interface:   ev.Interface,
	}
	if ev.Kind == types.EventStateChanged {
		r.OldState = ev.OldState.String()
		r.NewState = ev.NewState.String()
	}
	if ev.FinalStatus != types.FinalStatusUnspecified {
		r.FinalStatus = ev.FinalStatus.String()
	}
	if ev.HeaderWaitReason != types.HeaderWaitReasonNone {
		r.HeaderWaitReason = ev.HeaderWaitReason.String()
	}
	return r
}

// Journal is an event store shared by any number of registries.
type Journal struct {
	db     *leveldb.DB
	logger logr.Logger

	mu  sync.Mutex
	seq map[string]uint64
}

// Open opens (or creates) a journal at path.
func Open(path string, logger logr.Logger) (*Journal, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal at %s - %w", path, err)
	}
	return newJournal(db, logger), nil
}

// OpenInMemory returns a journal that lives only as long as the process.
func OpenInMemory(logger logr.Logger) (*Journal, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory journal - %w", err)
	}
	return newJournal(db, logger), nil
}

func newJournal(db *leveldb.DB, logger logr.Logger) *Journal {
	return &Journal{db: db, logger: logger.WithName("journal"), seq: make(map[string]uint64)}
}

// Close releases the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}

func prefix(registryID string) []byte {
	return []byte(keyPrefix + registryID + ":")
}

func key(registryID string, seq uint64) []byte {
	return fmt.Appendf(prefix(registryID), "%020d", seq)
}

// Append stores ev under registryID and returns the assigned sequence number.
func (j *Journal) Append(registryID string, ev types.Event) (uint64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	seq, ok := j.seq[registryID]
	if !ok {
		last, err := j.lastSeq(registryID)
		if err != nil {
			return 0, err
		}
		seq = last
	}
	seq++

	value, err := json.Marshal(recordOf(seq, ev))
	if err != nil {
		return 0, fmt.Errorf("failed to encode event - %w", err)
	}
	if err := j.db.Put(key(registryID, seq), value, nil); err != nil {
		return 0, fmt.Errorf("failed to append event - %w", err)
	}
	j.seq[registryID] = seq
	return seq, nil
}

func (j *Journal) lastSeq(registryID string) (uint64, error) {
	it := j.db.NewIterator(util.BytesPrefix(prefix(registryID)), nil)
	defer it.Release()
	var seq uint64
	if it.Last() {
		var r Record
		if err := json.Unmarshal(it.Value(), &r); err != nil {
			return 0, fmt.Errorf("corrupt journal entry %q - %w", it.Key(), err)
		}
		seq = r.Seq
	}
	return seq, it.Error()
}

// List returns the events of registryID with a sequence greater than after, oldest first. A limit of zero or less
// means no limit.
func (j *Journal) List(registryID string, after uint64, limit int) ([]Record, error) {
	if after == math.MaxUint64 {
		return nil, nil
	}
	it := j.db.NewIterator(util.BytesPrefix(prefix(registryID)), nil)
	defer it.Release()

	var out []Record
	for ok := it.Seek(key(registryID, after+1)); ok; ok = it.Next() {
		var r Record
		if err := json.Unmarshal(it.Value(), &r); err != nil {
			return nil, fmt.Errorf("corrupt journal entry %q - %w", it.Key(), err)
		}
		out = append(out, r)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, it.Error()
}

// Delete drops every event of registryID.
func (j *Journal) Delete(registryID string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	it := j.db.NewIterator(util.BytesPrefix(prefix(registryID)), nil)
	batch := new(leveldb.Batch)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return err
	}
	delete(j.seq, registryID)
	return j.db.Write(batch, nil)
}

// Observer returns a registry observer that appends every event under registryID. Write failures are logged, never
// surfaced to the registry.
func (j *Journal) Observer(registryID string) *Observer {
	return &Observer{journal: j, registryID: registryID}
}

// Observer adapts a Journal to contracts.Observer for one registry.
type Observer struct {
	journal    *Journal
	registryID string
}

// OnEvent implements contracts.Observer.
func (o *Observer) OnEvent(ev types.Event) {
	seq, err := o.journal.Append(o.registryID, ev)
	if err != nil {
		o.journal.logger.Error(err, "Failed to journal event", "registryID", o.registryID, "kind", ev.Kind)
		return
	}
	o.journal.logger.V(logging.TRACE).Info("Event journaled", "registryID", o.registryID, "seq", seq)
}
