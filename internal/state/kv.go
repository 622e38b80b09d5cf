package state

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/nats-io/nats.go"
)

const kvMaxAttempts = 20

// KVStore keeps branch state in a NATS JetStream key-value bucket so several
// orchestrator and dashboard processes can share it.
type KVStore struct {
	kv  nats.KeyValue
	now func() time.Time
}

// NewKVStore binds to bucket, creating it when it does not exist yet.
func NewKVStore(nc *nats.Conn, bucket string) (*KVStore, error) {
	if nc == nil {
		return nil, errors.New("nats connection is required")
	}
	if bucket == "" {
		return nil, errors.New("bucket is required")
	}
	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("failed to open jetstream: %w", err)
	}
	kv, err := js.KeyValue(bucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:      bucket,
			Description: "tmuxagent branch state",
			History:     5,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to bind bucket %q: %w", bucket, err)
	}
	return &KVStore{kv: kv, now: time.Now}, nil
}

// encodeKey maps a branch name onto the KV key alphabet.
func encodeKey(branch string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(branch))
}

func decodeKey(key string) (string, error) {
	b, err := base64.RawURLEncoding.DecodeString(key)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (s *KVStore) get(branch string) (*BranchState, uint64, error) {
	entry, err := s.kv.Get(encodeKey(branch))
	if errors.Is(err, nats.ErrKeyNotFound) {
		return nil, 0, ErrNotFound
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read %q: %w", branch, err)
	}
	var st BranchState
	if err := json.Unmarshal(entry.Value(), &st); err != nil {
		return nil, 0, fmt.Errorf("%w: %q: %v", ErrStoreCorrupted, branch, err)
	}
	st.Branch = branch
	return &st, entry.Revision(), nil
}

func (s *KVStore) Get(_ context.Context, branch string) (*BranchState, error) {
	st, _, err := s.get(branch)
	return st, err
}

func (s *KVStore) List(_ context.Context) ([]*BranchState, error) {
	keys, err := s.kv.Keys()
	if errors.Is(err, nats.ErrNoKeysFound) {
		return []*BranchState{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	out := make([]*BranchState, 0, len(keys))
	for _, key := range keys {
		branch, err := decodeKey(key)
		if err != nil {
			continue
		}
		st, _, err := s.get(branch)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Branch < out[j].Branch })
	return out, nil
}

// Update retries on revision conflicts until the write lands on the
// revision it read.
func (s *KVStore) Update(ctx context.Context, branch string, fn UpdateFunc) (*BranchState, error) {
	if branch == "" {
		return nil, errors.New("branch is required")
	}
	key := encodeKey(branch)
	var lastErr error
	for attempt := 0; attempt < kvMaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		cur, rev, err := s.get(branch)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		next, write, err := applyUpdate(branch, cur, fn)
		if err != nil || !write {
			return next, err
		}
		next.UpdatedAt = s.now().UTC()
		data, err := json.Marshal(next)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %q: %w", branch, err)
		}
		if rev == 0 {
			_, err = s.kv.Create(key, data)
		} else {
			_, err = s.kv.Update(key, data, rev)
		}
		if err == nil {
			return next, nil
		}
		if !isConflict(err) {
			return nil, fmt.Errorf("failed to write %q: %w", branch, err)
		}
		lastErr = err
		time.Sleep(time.Duration(attempt+1) * 2 * time.Millisecond)
	}
	return nil, fmt.Errorf("failed to write %q after %d attempts: %w", branch, kvMaxAttempts, lastErr)
}

func isConflict(err error) bool {
	if errors.Is(err, nats.ErrKeyExists) {
		return true
	}
	var apiErr *nats.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == nats.JSErrCodeStreamWrongLastSequence
}

func (s *KVStore) Delete(_ context.Context, branch string) error {
	if _, _, err := s.get(branch); err != nil {
		return err
	}
	if err := s.kv.Delete(encodeKey(branch)); err != nil {
		return fmt.Errorf("failed to delete %q: %w", branch, err)
	}
	return nil
}

// Close is a no-op; the connection belongs to the caller.
func (s *KVStore) Close() error { return nil }
