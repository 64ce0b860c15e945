package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"go.etcd.io/bbolt"
)

const (
	// configBucket stores platform configurations (enabled/disabled)
	configBucket = "_config"

	// dataBucket stores component-specific data
	dataBucket = "_data"

	// historyBucket stores per-line snapshot history
	historyBucket = "_history"
)

// BoltStorage is a bbolt implementation of the Storage interface
type BoltStorage struct {
	db *bbolt.DB
}

// NewBoltStorage creates a new BoltStorage instance
// The database file will be created if it doesn't exist
func NewBoltStorage(path string) (*BoltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{configBucket, dataBucket, historyBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("failed to create %s bucket: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStorage{db: db}, nil
}

// Platform Configuration Methods

// EnablePlatform enables a platform by name
func (s *BoltStorage) EnablePlatform(name string) error {
	return s.updatePlatformEnabled(name, true)
}

// DisablePlatform disables a platform by name
func (s *BoltStorage) DisablePlatform(name string) error {
	return s.updatePlatformEnabled(name, false)
}

func (s *BoltStorage) updatePlatformEnabled(name string, enabled bool) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(configBucket))
		if bucket == nil {
			return fmt.Errorf("config bucket not found")
		}

		var cfg PlatformConfig
		if data := bucket.Get([]byte(name)); data != nil {
			if err := json.Unmarshal(data, &cfg); err != nil {
				return fmt.Errorf("failed to unmarshal platform config: %w", err)
			}
		} else {
			cfg.Name = name
		}

		cfg.Enabled = enabled

		newData, err := json.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("failed to marshal platform config: %w", err)
		}

		return bucket.Put([]byte(name), newData)
	})
}

// IsPlatformEnabled checks if a platform is enabled
func (s *BoltStorage) IsPlatformEnabled(name string) (bool, error) {
	cfg, err := s.GetPlatformConfig(name)
	if err == ErrPlatformNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return cfg.Enabled, nil
}

// GetPlatformConfig returns the configuration for a platform
func (s *BoltStorage) GetPlatformConfig(name string) (*PlatformConfig, error) {
	var cfg *PlatformConfig
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(configBucket))
		if bucket == nil {
			return fmt.Errorf("config bucket not found")
		}

		data := bucket.Get([]byte(name))
		if data == nil {
			return ErrPlatformNotFound
		}

		cfg = &PlatformConfig{}
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to unmarshal platform config: %w", err)
		}
		return nil
	})

	return cfg, err
}

// ListPlatforms returns all platform configurations
func (s *BoltStorage) ListPlatforms() (map[string]*PlatformConfig, error) {
	configs := make(map[string]*PlatformConfig)
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(configBucket))
		if bucket == nil {
			return fmt.Errorf("config bucket not found")
		}

		return bucket.ForEach(func(k, v []byte) error {
			var cfg PlatformConfig
			if err := json.Unmarshal(v, &cfg); err != nil {
				return fmt.Errorf("failed to unmarshal platform config: %w", err)
			}
			configs[string(k)] = &cfg
			return nil
		})
	})

	return configs, err
}

// Component Data Methods

// Get retrieves data for a component by key
func (s *BoltStorage) Get(component, key string) ([]byte, error) {
	var value []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(dataBucket))
		if bucket == nil {
			return fmt.Errorf("data bucket not found")
		}

		componentBucket := bucket.Bucket([]byte(component))
		if componentBucket == nil {
			return ErrNotFound
		}

		data := componentBucket.Get([]byte(key))
		if data == nil {
			return ErrNotFound
		}

		value = make([]byte, len(data))
		copy(value, data)
		return nil
	})

	return value, err
}

// GetString retrieves string data for a component by key
func (s *BoltStorage) GetString(component, key string) (string, error) {
	data, err := s.Get(component, key)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// GetInt retrieves int data for a component by key
func (s *BoltStorage) GetInt(component, key string) (int, error) {
	data, err := s.Get(component, key)
	if err != nil {
		return 0, err
	}

	value, err := strconv.Atoi(string(data))
	if err != nil {
		return 0, fmt.Errorf("failed to parse int: %w", err)
	}
	return value, nil
}

// GetBool retrieves bool data for a component by key
func (s *BoltStorage) GetBool(component, key string) (bool, error) {
	data, err := s.Get(component, key)
	if err != nil {
		return false, err
	}

	value, err := strconv.ParseBool(string(data))
	if err != nil {
		return false, fmt.Errorf("failed to parse bool: %w", err)
	}
	return value, nil
}

// GetJSON retrieves and unmarshals JSON data for a component by key
func (s *BoltStorage) GetJSON(component, key string, v interface{}) error {
	data, err := s.Get(component, key)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal JSON: %w", err)
	}
	return nil
}

// Set stores data for a component by key
func (s *BoltStorage) Set(component, key string, value []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(dataBucket))
		if bucket == nil {
			return fmt.Errorf("data bucket not found")
		}

		componentBucket, err := bucket.CreateBucketIfNotExists([]byte(component))
		if err != nil {
			return fmt.Errorf("failed to create component bucket: %w", err)
		}

		return componentBucket.Put([]byte(key), value)
	})
}

// SetString stores string data for a component by key
func (s *BoltStorage) SetString(component, key string, value string) error {
	return s.Set(component, key, []byte(value))
}

// SetInt stores int data for a component by key
func (s *BoltStorage) SetInt(component, key string, value int) error {
	return s.Set(component, key, []byte(strconv.Itoa(value)))
}

// SetBool stores bool data for a component by key
func (s *BoltStorage) SetBool(component, key string, value bool) error {
	return s.Set(component, key, []byte(strconv.FormatBool(value)))
}

// SetJSON marshals and stores JSON data for a component by key
func (s *BoltStorage) SetJSON(component, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return s.Set(component, key, data)
}

// Delete removes data for a component by key
func (s *BoltStorage) Delete(component, key string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(dataBucket))
		if bucket == nil {
			return fmt.Errorf("data bucket not found")
		}

		componentBucket := bucket.Bucket([]byte(component))
		if componentBucket == nil {
			return ErrNotFound
		}

		return componentBucket.Delete([]byte(key))
	})
}

// List returns all keys and values for a component
func (s *BoltStorage) List(component string) (map[string][]byte, error) {
	result := make(map[string][]byte)
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(dataBucket))
		if bucket == nil {
			return fmt.Errorf("data bucket not found")
		}

		componentBucket := bucket.Bucket([]byte(component))
		if componentBucket == nil {
			return nil
		}

		return componentBucket.ForEach(func(k, v []byte) error {
			value := make([]byte, len(v))
			copy(value, v)
			result[string(k)] = value
			return nil
		})
	})

	return result, err
}

// DeleteAll removes all data for a component
func (s *BoltStorage) DeleteAll(component string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(dataBucket))
		if bucket == nil {
			return fmt.Errorf("data bucket not found")
		}

		err := bucket.DeleteBucket([]byte(component))
		if err == bbolt.ErrBucketNotFound {
			return nil
		}
		return err
	})
}

// Line History Methods

// SaveSnapshot appends a snapshot to the line's history
func (s *BoltStorage) SaveSnapshot(line string, timestamp time.Time, data []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(historyBucket))
		if bucket == nil {
			return fmt.Errorf("history bucket not found")
		}

		lineBucket, err := bucket.CreateBucketIfNotExists([]byte(line))
		if err != nil {
			return fmt.Errorf("failed to create line bucket: %w", err)
		}

		// Skip if nothing changed since the previous poll
		if _, last := lineBucket.Cursor().Last(); last != nil {
			var prev SnapshotEntry
			if err := json.Unmarshal(last, &prev); err == nil && bytes.Equal(prev.Data, data) {
				return nil
			}
		}

		entry := SnapshotEntry{
			Line:      line,
			Timestamp: timestamp,
			Data:      json.RawMessage(data),
		}

		encoded, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("failed to marshal snapshot: %w", err)
		}

		// Unix nano key keeps the bucket sorted by time
		key := []byte(fmt.Sprintf("%020d", timestamp.UnixNano()))
		return lineBucket.Put(key, encoded)
	})
}

// GetSnapshots returns the last limit snapshots of a line, oldest first
func (s *BoltStorage) GetSnapshots(line string, limit int) ([]SnapshotEntry, error) {
	var entries []SnapshotEntry

	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(historyBucket))
		if bucket == nil {
			return fmt.Errorf("history bucket not found")
		}

		lineBucket := bucket.Bucket([]byte(line))
		if lineBucket == nil {
			return nil
		}

		// Walk backwards from the newest entry
		cursor := lineBucket.Cursor()
		for k, v := cursor.Last(); k != nil && (limit <= 0 || len(entries) < limit); k, v = cursor.Prev() {
			var entry SnapshotEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				continue // Skip corrupted entries
			}
			entries = append(entries, entry)
		}
		return nil
	})

	// Reverse to oldest first
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}

	return entries, err
}

// GetLastSnapshot returns the most recent snapshot of a line
func (s *BoltStorage) GetLastSnapshot(line string) (*SnapshotEntry, error) {
	entries, err := s.GetSnapshots(line, 1)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, ErrNotFound
	}
	return &entries[0], nil
}

// TrimSnapshots keeps only the last maxEntries snapshots of a line
func (s *BoltStorage) TrimSnapshots(line string, maxEntries int) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(historyBucket))
		if bucket == nil {
			return fmt.Errorf("history bucket not found")
		}

		lineBucket := bucket.Bucket([]byte(line))
		if lineBucket == nil {
			return nil
		}

		var count int
		c := lineBucket.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			count++
		}
		if count <= maxEntries {
			return nil
		}

		// Collect first, deleting while iterating skips keys
		toDelete := make([][]byte, 0, count-maxEntries)
		cursor := lineBucket.Cursor()
		for k, _ := cursor.First(); k != nil && len(toDelete) < count-maxEntries; k, _ = cursor.Next() {
			key := make([]byte, len(k))
			copy(key, k)
			toDelete = append(toDelete, key)
		}

		for _, k := range toDelete {
			if err := lineBucket.Delete(k); err != nil {
				return fmt.Errorf("failed to delete old snapshot: %w", err)
			}
		}
		return nil
	})
}

// Close closes the storage
func (s *BoltStorage) Close() error {
	return s.db.Close()
}
