package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
)

var badgerLabelPrefix = []byte("label:")

type badgerLabelStore struct {
	db *badger.DB
}

func openBadgerStore(dir string) (*badgerLabelStore, error) {
	return newBadgerLabelStore(badger.DefaultOptions(dir))
}

func newBadgerLabelStore(opts badger.Options) (*badgerLabelStore, error) {
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &badgerLabelStore{db: db}, nil
}

func badgerLabelKey(filename string) []byte {
	return append(append([]byte{}, badgerLabelPrefix...), filename...)
}

func (s *badgerLabelStore) Close() error {
	return s.db.Close()
}

func (s *badgerLabelStore) SaveLabels(_ context.Context, filename string, tags []string) error {
	if len(tags) == 0 {
		return errEmptyLabels
	}
	val, err := json.Marshal(tags)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(badgerLabelKey(filename), val)
	})
}

func (s *badgerLabelStore) ListLabeledFilenames(_ context.Context) (map[string]struct{}, error) {
	result := make(map[string]struct{})
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = badgerLabelPrefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(badgerLabelPrefix); it.ValidForPrefix(badgerLabelPrefix); it.Next() {
			key := it.Item().Key()
			result[string(key[len(badgerLabelPrefix):])] = struct{}{}
		}
		return nil
	})
	return result, err
}

func (s *badgerLabelStore) LabelsFor(_ context.Context, filename string) ([]string, error) {
	var tags []string
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerLabelKey(filename))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &tags)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	return tags, err
}
