package boltdb

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Asort97/wgVpnBot/clients/models"
	"go.etcd.io/bbolt"
)

var (
	ErrNotFound      = models.ErrSubscriptionNotFound
	ErrAddressInUse  = errors.New("private ip already assigned")
	subscriptionsKey = []byte("subscriptions")
	addressesKey     = []byte("addresses")
)

// Store keeps subscriptions as JSON values keyed by the big-endian client
// id. The addresses bucket maps private_ip to its owner so the address stays
// unique like the sqlite column.
type Store struct {
	db  *bbolt.DB
	now func() time.Time
}

func New(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{subscriptionsKey, addressesKey} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(context.Context) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		if tx.Bucket(subscriptionsKey) == nil {
			return errors.New("subscriptions bucket missing")
		}
		return nil
	})
}

func idKey(id int64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(id))
	return k
}

func (s *Store) Get(_ context.Context, clientID int64) (models.Subscription, error) {
	var sub models.Subscription
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(subscriptionsKey).Get(idKey(clientID))
		if data == nil {
			return fmt.Errorf("%w: user %d", ErrNotFound, clientID)
		}
		return json.Unmarshal(data, &sub)
	})
	return sub, err
}

func (s *Store) Save(_ context.Context, sub models.Subscription) error {
	if sub.Lang == "" {
		sub.Lang = "ru"
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		subs := tx.Bucket(subscriptionsKey)
		addrs := tx.Bucket(addressesKey)
		key := idKey(sub.ClientID)

		now := s.now().UTC()
		sub.UpdatedAt = now
		sub.CreatedAt = now
		if prev := subs.Get(key); prev != nil {
			var old models.Subscription
			if err := json.Unmarshal(prev, &old); err != nil {
				return fmt.Errorf("decode user %d: %w", sub.ClientID, err)
			}
			sub.CreatedAt = old.CreatedAt
			if old.PrivateIP != "" && old.PrivateIP != sub.PrivateIP {
				if err := addrs.Delete([]byte(old.PrivateIP)); err != nil {
					return err
				}
			}
		}

		if sub.PrivateIP != "" {
			if owner := addrs.Get([]byte(sub.PrivateIP)); owner != nil && string(owner) != string(key) {
				return fmt.Errorf("save user %d: %w: %s", sub.ClientID, ErrAddressInUse, sub.PrivateIP)
			}
			if err := addrs.Put([]byte(sub.PrivateIP), key); err != nil {
				return err
			}
		}

		data, err := json.Marshal(sub)
		if err != nil {
			return fmt.Errorf("encode user %d: %w", sub.ClientID, err)
		}
		return subs.Put(key, data)
	})
}

func (s *Store) ListWithDueDateAndKey(_ context.Context) ([]models.Subscription, error) {
	var out []models.Subscription
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(subscriptionsKey).ForEach(func(k, v []byte) error {
			var sub models.Subscription
			if err := json.Unmarshal(v, &sub); err != nil {
				return fmt.Errorf("decode user %d: %w", int64(binary.BigEndian.Uint64(k)), err)
			}
			if sub.Eligible() {
				out = append(out, sub)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	return out, nil
}
