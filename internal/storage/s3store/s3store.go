// Package s3store keeps leases and actions as JSON objects in an S3
// compatible bucket. Conditional writes use If-Match on the object ETag, and
// If-None-Match "*" when creating, so the bucket provides the compare-and-swap.
package s3store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"relaybot/internal/storage"
	"relaybot/pkg/logx"
)

var errCASMismatch = errors.New("s3: precondition failed")

type Store struct {
	client *minio.Client
	bucket string
	prefix string
	log    logx.Logger
}

func Open(ctx context.Context, cfg storage.Config, log logx.Logger) (storage.Store, error) {
	st, err := New(cfg, log)
	if err != nil {
		return nil, err
	}
	ok, err := st.client.BucketExists(ctx, st.bucket)
	if err != nil {
		return nil, fmt.Errorf("bucket check: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("bucket %q does not exist", st.bucket)
	}
	return st, nil
}

func New(cfg storage.Config, log logx.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.New("s3 bucket is required")
	}
	endpoint := strings.TrimSpace(cfg.Endpoint)
	custom := endpoint != ""
	if !custom {
		if cfg.Region != "" {
			endpoint = fmt.Sprintf("s3.%s.amazonaws.com", cfg.Region)
		} else {
			endpoint = "s3.amazonaws.com"
		}
	}
	var creds *credentials.Credentials
	if cfg.AccessKey != "" {
		creds = credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, "")
	} else {
		creds = credentials.NewChainCredentials([]credentials.Provider{
			&credentials.EnvAWS{},
			&credentials.EnvMinio{},
			&credentials.FileAWSCredentials{},
			&credentials.IAM{},
		})
	}
	opts := &minio.Options{
		Creds:  creds,
		Secure: !cfg.Insecure,
		Region: cfg.Region,
	}
	if custom {
		opts.BucketLookup = minio.BucketLookupPath
	}
	client, err := minio.New(endpoint, opts)
	if err != nil {
		return nil, fmt.Errorf("create client: %w", err)
	}
	return &Store{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
		log:    log.Or(),
	}, nil
}

func (s *Store) Close() error { return nil }

func (s *Store) key(parts ...string) string {
	k := strings.Join(parts, "/")
	if s.prefix == "" {
		return k
	}
	return s.prefix + "/" + k
}

func (s *Store) leaseKey(id string) string { return s.key("leases", url.PathEscape(id)+".json") }

func (s *Store) actionDir(lockID string) string { return s.key("actions", url.PathEscape(lockID)) + "/" }

// actionKey sorts lexically in request order.
func (s *Store) actionKey(a storage.Action) string {
	return fmt.Sprintf("%s%020d-%s.json", s.actionDir(a.LockID), a.RequestedAt.UnixMilli(), url.PathEscape(a.ID))
}

func (s *Store) getJSON(ctx context.Context, key string, v any) (string, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return "", storage.ErrNotFound
		}
		return "", err
	}
	defer obj.Close()
	payload, err := io.ReadAll(io.LimitReader(obj, 1<<20))
	if err != nil {
		if isNotFound(err) {
			return "", storage.ErrNotFound
		}
		return "", err
	}
	info, err := obj.Stat()
	if err != nil {
		if isNotFound(err) {
			return "", storage.ErrNotFound
		}
		return "", err
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return "", fmt.Errorf("decode %s: %w", key, err)
	}
	return stripETag(info.ETag), nil
}

// putJSON writes v. An empty etag means create-only.
func (s *Store) putJSON(ctx context.Context, key string, v any, etag string) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	opts := minio.PutObjectOptions{ContentType: "application/json"}
	if etag != "" {
		opts.SetMatchETag(etag)
	} else {
		opts.SetMatchETagExcept("*")
	}
	_, err = s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(payload), int64(len(payload)), opts)
	if err != nil && isPreconditionFailed(err) {
		return errCASMismatch
	}
	return err
}

func (s *Store) ClaimLease(ctx context.Context, c storage.LeaseClaim) (bool, error) {
	key := s.leaseKey(c.ID)
	var cur storage.Lease
	etag, err := s.getJSON(ctx, key, &cur)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		etag = ""
	case err != nil:
		return false, err
	case !c.Claimable(cur):
		return false, nil
	}
	err = s.putJSON(ctx, key, c.Record(), etag)
	if errors.Is(err, errCASMismatch) {
		return false, nil
	}
	return err == nil, err
}

// casRetries covers a heartbeat racing a state write from the same holder.
const casRetries = 3

func (s *Store) UpdateLease(ctx context.Context, id, holderID string, u storage.LeaseUpdate) (int64, error) {
	key := s.leaseKey(id)
	for i := 0; i < casRetries; i++ {
		var cur storage.Lease
		etag, err := s.getJSON(ctx, key, &cur)
		if errors.Is(err, storage.ErrNotFound) {
			return 0, nil
		}
		if err != nil {
			return 0, err
		}
		if cur.HolderID != holderID {
			return 0, nil
		}
		u.Apply(&cur)
		err = s.putJSON(ctx, key, cur, etag)
		if errors.Is(err, errCASMismatch) {
			continue
		}
		if err != nil {
			return 0, err
		}
		return 1, nil
	}
	return 0, nil
}

func (s *Store) DeleteLease(ctx context.Context, id, holderID string) (int64, error) {
	key := s.leaseKey(id)
	var cur storage.Lease
	if _, err := s.getJSON(ctx, key, &cur); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}
	if holderID != "" && cur.HolderID != holderID {
		return 0, nil
	}
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		if isNotFound(err) {
			return 0, nil
		}
		return 0, err
	}
	return 1, nil
}

func (s *Store) ReadLease(ctx context.Context, id string) (storage.Lease, error) {
	var l storage.Lease
	if _, err := s.getJSON(ctx, s.leaseKey(id), &l); err != nil {
		return storage.Lease{}, err
	}
	return l, nil
}

func (s *Store) InsertAction(ctx context.Context, a storage.Action) error {
	err := s.putJSON(ctx, s.actionKey(a), a, "")
	if errors.Is(err, errCASMismatch) {
		return fmt.Errorf("action %s already exists", a.ID)
	}
	return err
}

func (s *Store) listKeys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, obj.Err
		}
		keys = append(keys, obj.Key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *Store) ClaimAction(ctx context.Context, lockID, claimant string, now time.Time) (storage.Action, bool, error) {
	keys, err := s.listKeys(ctx, s.actionDir(lockID))
	if err != nil {
		return storage.Action{}, false, err
	}
	for _, key := range keys {
		var a storage.Action
		etag, err := s.getJSON(ctx, key, &a)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return storage.Action{}, false, err
		}
		if !a.Pending() {
			continue
		}
		a.DoneAt = now
		a.DoneBy = claimant
		err = s.putJSON(ctx, key, a, etag)
		if errors.Is(err, errCASMismatch) {
			continue
		}
		if err != nil {
			return storage.Action{}, false, err
		}
		return a, true, nil
	}
	return storage.Action{}, false, nil
}

func (s *Store) MarkAction(ctx context.Context, id, result string) error {
	keys, err := s.listKeys(ctx, s.key("actions")+"/")
	if err != nil {
		return err
	}
	suffix := "-" + url.PathEscape(id) + ".json"
	for _, key := range keys {
		if !strings.HasSuffix(key, suffix) {
			continue
		}
		for i := 0; i < casRetries; i++ {
			var a storage.Action
			etag, err := s.getJSON(ctx, key, &a)
			if err != nil {
				return err
			}
			if a.ID != id {
				break
			}
			a.Result = result
			err = s.putJSON(ctx, key, a, etag)
			if errors.Is(err, errCASMismatch) {
				continue
			}
			return err
		}
	}
	return storage.ErrNotFound
}

func (s *Store) ListActions(ctx context.Context, lockID string, limit int) ([]storage.Action, error) {
	keys, err := s.listKeys(ctx, s.actionDir(lockID))
	if err != nil {
		return nil, err
	}
	n := storage.ClampLimit(limit)
	out := make([]storage.Action, 0, min(n, len(keys)))
	for i := len(keys) - 1; i >= 0 && len(out) < n; i-- {
		var a storage.Action
		if _, err := s.getJSON(ctx, keys[i], &a); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func stripETag(etag string) string { return strings.Trim(etag, "\"") }

func isNotFound(err error) bool {
	var resp minio.ErrorResponse
	if errors.As(err, &resp) {
		return resp.StatusCode == http.StatusNotFound || resp.Code == "NoSuchKey"
	}
	return false
}

func isPreconditionFailed(err error) bool {
	var resp minio.ErrorResponse
	if !errors.As(err, &resp) {
		return false
	}
	if resp.StatusCode == http.StatusPreconditionFailed {
		return true
	}
	return resp.StatusCode == http.StatusConflict &&
		(resp.Code == "ConditionalRequestConflict" || resp.Code == "OperationAborted")
}
