// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package store implements the durable deployment registry on BadgerDB.
//
// BadgerDB gives us an embedded, transactional KV store with ~100µs
// access and no external service to operate. Records are stored as
// canonical JSON under "deployment:<name>" with a secondary index
// "dir:<owner>/<name>" -> name for path lookups.
//
// # Thread Safety
//
// All methods are safe for concurrent use. Writes to the same name are
// serialized by Badger's SSI transactions; conflicting commits are
// retried internally.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/dgraph-io/badger/v4"
)

const (
	deploymentPrefix = "deployment:"
	dirPrefix        = "dir:"

	// txnRetries bounds retry of Badger commit conflicts.
	txnRetries = 5
)

// Config holds configuration for the deployment store.
type Config struct {
	// Path is the directory for BadgerDB files. Required unless
	// InMemory is true.
	Path string

	// InMemory enables in-memory mode (no disk persistence).
	// Useful for testing.
	InMemory bool

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool

	// Logger receives BadgerDB's internal log output. If nil,
	// Badger's logging is disabled.
	Logger *slog.Logger
}

// DefaultConfig returns production defaults: durable writes, logging
// disabled until a logger is attached.
func DefaultConfig() Config {
	return Config{SyncWrites: true}
}

// Store is the deployment registry.
type Store struct {
	db     *badger.DB
	logger *slog.Logger
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Open creates and opens a deployment store with the given configuration.
func Open(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent store")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create store directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites)
	opts = opts.WithNumVersionsToKeep(1)

	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open deployment store: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger}, nil
}

// OpenInMemory opens an in-memory store for testing. Data is lost on
// Close.
func OpenInMemory() (*Store, error) {
	return Open(Config{InMemory: true})
}

// Close releases the underlying database. Callers must not use the
// store afterwards.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close deployment store: %w", err)
	}
	return nil
}

// Get returns the record for name, or ErrNotFound.
func (s *Store) Get(name string) (*Deployment, error) {
	var dep *Deployment
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		dep, err = getDeployment(txn, name)
		return err
	})
	if err != nil {
		return nil, err
	}
	return dep, nil
}

// GetByDir returns the record whose submission directory (relative to
// the submission root) is dir, or ErrNotFound.
func (s *Store) GetByDir(dir string) (*Deployment, error) {
	var dep *Deployment
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(dirPrefix + dir))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("dir %s: %w", dir, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("read dir index %s: %w", dir, err)
		}
		name, err := item.ValueCopy(nil)
		if err != nil {
			return fmt.Errorf("read dir index %s: %w", dir, err)
		}
		dep, err = getDeployment(txn, string(name))
		return err
	})
	if err != nil {
		return nil, err
	}
	return dep, nil
}

// List returns all records matching the filter, ordered by name.
func (s *Store) List(f Filter) ([]*Deployment, error) {
	var out []*Deployment
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(deploymentPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var dep Deployment
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &dep)
			})
			if err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			if f.matches(&dep) {
				d := dep
				out = append(out, &d)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Create inserts a new record. Returns ErrConflict when the name is
// already registered.
func (s *Store) Create(d *Deployment) error {
	return s.update(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(deploymentPrefix + d.Name))
		if err == nil {
			return fmt.Errorf("create %s: %w", d.Name, ErrConflict)
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("create %s: %w", d.Name, err)
		}
		return putDeployment(txn, d)
	})
}

// Upsert inserts or replaces the record and maintains the directory
// index. A directory index entry pointing at a different name is a
// conflict: two owners cannot claim the same deployment name, and one
// directory cannot hold two deployments.
func (s *Store) Upsert(d *Deployment) error {
	return s.update(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(dirPrefix + d.DeploymentDir))
		if err == nil {
			existing, err := item.ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("upsert %s: %w", d.Name, err)
			}
			if string(existing) != d.Name {
				return fmt.Errorf("upsert %s: dir %s owned by %s: %w",
					d.Name, d.DeploymentDir, existing, ErrConflict)
			}
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("upsert %s: %w", d.Name, err)
		}
		return putDeployment(txn, d)
	})
}

// Delete removes the record and its directory index entry. Returns
// ErrNotFound when no record exists.
func (s *Store) Delete(name string) error {
	return s.update(func(txn *badger.Txn) error {
		dep, err := getDeployment(txn, name)
		if err != nil {
			return err
		}
		if err := txn.Delete([]byte(deploymentPrefix + name)); err != nil {
			return fmt.Errorf("delete %s: %w", name, err)
		}
		if err := txn.Delete([]byte(dirPrefix + dep.DeploymentDir)); err != nil {
			return fmt.Errorf("delete dir index %s: %w", dep.DeploymentDir, err)
		}
		return nil
	})
}

// CountByOperator returns deployment counts keyed by operator display
// name. Records without an operator fall back to the owner username.
func (s *Store) CountByOperator() (map[string]int, error) {
	deps, err := s.List(Filter{})
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int)
	for _, d := range deps {
		op := d.Operator
		if strings.TrimSpace(op) == "" {
			op = d.Username
		}
		counts[op]++
	}
	return counts, nil
}

// CountByOwner returns deployment counts keyed by owner username.
func (s *Store) CountByOwner() (map[string]int, error) {
	deps, err := s.List(Filter{})
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int)
	for _, d := range deps {
		counts[d.Username]++
	}
	return counts, nil
}

// update runs fn in a read-write transaction, retrying commit
// conflicts from concurrent writers.
func (s *Store) update(fn func(txn *badger.Txn) error) error {
	var err error
	for i := 0; i < txnRetries; i++ {
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return fmt.Errorf("transaction conflict persisted after %d retries: %w", txnRetries, err)
}

func getDeployment(txn *badger.Txn, name string) (*Deployment, error) {
	item, err := txn.Get([]byte(deploymentPrefix + name))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("deployment %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read deployment %s: %w", name, err)
	}
	var dep Deployment
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &dep)
	})
	if err != nil {
		return nil, fmt.Errorf("decode deployment %s: %w", name, err)
	}
	return &dep, nil
}

func putDeployment(txn *badger.Txn, d *Deployment) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode deployment %s: %w", d.Name, err)
	}
	if err := txn.Set([]byte(deploymentPrefix+d.Name), data); err != nil {
		return fmt.Errorf("write deployment %s: %w", d.Name, err)
	}
	if err := txn.Set([]byte(dirPrefix+d.DeploymentDir), []byte(d.Name)); err != nil {
		return fmt.Errorf("write dir index %s: %w", d.DeploymentDir, err)
	}
	return nil
}
