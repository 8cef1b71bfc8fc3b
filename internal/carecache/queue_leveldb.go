package carecache

import (
	"encoding/json"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

func queuePrefix(kind QueueKind) []byte { return []byte(prefixQueue + string(kind) + ":") }

func (s *LevelDB) Enqueue(kind QueueKind, payload json.RawMessage) (Operation, error) {
	op, err := newOperation(kind, payload)
	if err != nil {
		return Operation{}, err
	}
	b, err := json.Marshal(op)
	if err != nil {
		return Operation{}, err
	}
	s.qmu.Lock()
	defer s.qmu.Unlock()
	if s.isClosed() {
		return Operation{}, ErrStoreClosed
	}
	if err := s.db.Put(append(queuePrefix(kind), op.ID...), b, nil); err != nil {
		return Operation{}, err
	}
	return op, nil
}

func (s *LevelDB) Pending(kind QueueKind) ([]Operation, error) {
	if _, err := ParseQueueKind(string(kind)); err != nil {
		return nil, err
	}
	if s.isClosed() {
		return nil, ErrStoreClosed
	}
	it := s.db.NewIterator(util.BytesPrefix(queuePrefix(kind)), nil)
	defer it.Release()

	var out []Operation
	for it.Next() {
		var op Operation
		if err := json.Unmarshal(it.Value(), &op); err != nil {
			continue
		}
		out = append(out, op)
	}
	return out, it.Error()
}

func (s *LevelDB) Remove(kind QueueKind, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	batch := new(leveldb.Batch)
	for _, id := range ids {
		batch.Delete(append(queuePrefix(kind), id...))
	}
	s.qmu.Lock()
	defer s.qmu.Unlock()
	if s.isClosed() {
		return ErrStoreClosed
	}
	return s.db.Write(batch, nil)
}
