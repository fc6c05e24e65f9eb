// Package store persists swarms, onion paths and the snode pool in a bbolt
// database.
//
// Swarm and path rows reference snodes by (address, port); the snode bucket
// holds the public keys for each. A RouteSet is always replaced inside a
// single write transaction, so readers either see the previous set or the new
// one, never a mix.
package store

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/go-i2p/go-onionreq/lib/snode"
	"github.com/go-i2p/logger"
	"github.com/samber/oops"
	bolt "go.etcd.io/bbolt"
)

// ErrStore wraps every persistence failure.
var ErrStore = errors.New("route store failure")

const (
	snodeBucket     = "snode"
	swarmBucket     = "swarm"
	pathBucket      = "path"
	snodePoolBucket = "snode_pool"
	metadataBucket  = "metadata"

	versionKey         = "version"
	poolRefreshedAtKey = "pool_refreshed_at"
	savedAtPrefix      = "saved_at/"

	schemaVersion = 1

	keySeparator = 0x00
)

// RouteStore is the repository the swarm cache and path pool persist through.
type RouteStore interface {
	Save(ctx context.Context, rs snode.RouteSet) error
	SavePaths(ctx context.Context, paths []snode.RouteSet) error
	Fetch(ctx context.Context, key string) (snode.RouteSet, bool, error)
	SavedAt(ctx context.Context, key string) (time.Time, bool, error)
	FetchAllWithPrefix(ctx context.Context, prefix string) ([]snode.RouteSet, error)
	Clear(ctx context.Context, prefix string) error
	Delete(ctx context.Context, key string) error
	SaveSnodePool(ctx context.Context, pool []snode.Snode, refreshedAt time.Time) error
	LoadSnodePool(ctx context.Context) ([]snode.Snode, time.Time, error)
	Close() error
}

type snodeRow struct {
	X25519  []byte `cbor:"1,keyasint"`
	Ed25519 []byte `cbor:"2,keyasint"`
}

type routeRow struct {
	Address string `cbor:"1,keyasint"`
	Port    uint16 `cbor:"2,keyasint"`
}

// BoltStore is the bbolt implementation of RouteStore.
type BoltStore struct {
	db  *bolt.DB
	enc cbor.EncMode
}

var _ RouteStore = (*BoltStore)(nil)

// Open creates or loads the database at path.
func Open(path string) (*BoltStore, error) {
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		return nil, storeError(err, "building cbor encoder")
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, storeError(err, "opening %s", path)
	}

	if err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{snodeBucket, swarmBucket, pathBucket, snodePoolBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		meta, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return err
		}
		if v := meta.Get([]byte(versionKey)); v != nil {
			if len(v) != 1 || v[0] != schemaVersion {
				return fmt.Errorf("incompatible schema version %v", v)
			}
			return nil
		}
		return meta.Put([]byte(versionKey), []byte{schemaVersion})
	}); err != nil {
		db.Close()
		return nil, storeError(err, "initializing %s", path)
	}

	log.WithFields(logger.Fields{
		"at":   "Open",
		"path": path,
	}).Debug("route store opened")

	return &BoltStore{db: db, enc: enc}, nil
}

// Close syncs and closes the database.
func (s *BoltStore) Close() error {
	if err := s.db.Sync(); err != nil {
		log.WithError(err).Warn("route store sync failed")
	}
	if err := s.db.Close(); err != nil {
		return storeError(err, "closing route store")
	}
	return nil
}

// Save replaces every row for rs.Key with rs.Nodes.
func (s *BoltStore) Save(ctx context.Context, rs snode.RouteSet) error {
	if err := checkKey(rs); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return storeError(err, "save %s", rs.Key)
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		if err := s.replace(tx, rs); err != nil {
			return err
		}
		return putTime(tx.Bucket([]byte(metadataBucket)), savedAtPrefix+rs.Key, time.Now())
	})
	if err != nil {
		return storeError(err, "save %s", rs.Key)
	}
	log.WithFields(logger.Fields{
		"at":    "(BoltStore) Save",
		"key":   rs.Key,
		"nodes": len(rs.Nodes),
	}).Debug("saved route set")
	return nil
}

// SavePaths clears all onion paths and writes the given ones in one
// transaction.
func (s *BoltStore) SavePaths(ctx context.Context, paths []snode.RouteSet) error {
	for _, rs := range paths {
		if err := checkKey(rs); err != nil {
			return err
		}
		if !strings.HasPrefix(rs.Key, snode.PathKeyPrefix) {
			return storeError(fmt.Errorf("key %q is not a path key", rs.Key), "save paths")
		}
	}
	if err := ctx.Err(); err != nil {
		return storeError(err, "save paths")
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		if err := clearPrefix(tx.Bucket([]byte(pathBucket)), snode.PathKeyPrefix); err != nil {
			return err
		}
		for _, rs := range paths {
			if err := s.replace(tx, rs); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return storeError(err, "save paths")
	}
	log.WithFields(logger.Fields{
		"at":    "(BoltStore) SavePaths",
		"paths": len(paths),
	}).Debug("replaced onion paths")
	return nil
}

// Fetch reads one RouteSet ordered by index. The boolean is false when no
// rows exist for key.
func (s *BoltStore) Fetch(ctx context.Context, key string) (snode.RouteSet, bool, error) {
	if err := ctx.Err(); err != nil {
		return snode.RouteSet{}, false, storeError(err, "fetch %s", key)
	}
	var rs snode.RouteSet
	err := s.db.View(func(tx *bolt.Tx) error {
		groups, err := readPrefix(tx, bucketFor(key), key, true)
		if err != nil {
			return err
		}
		if g, ok := groups[key]; ok {
			rs = g
		}
		return nil
	})
	if err != nil {
		return snode.RouteSet{}, false, storeError(err, "fetch %s", key)
	}
	if len(rs.Nodes) == 0 {
		return snode.RouteSet{}, false, nil
	}
	return rs.Sorted(), true, nil
}

// SavedAt reports when key was last written by Save. The boolean is false
// for keys saved before save times were recorded or never saved.
func (s *BoltStore) SavedAt(ctx context.Context, key string) (time.Time, bool, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, false, storeError(err, "saved at %s", key)
	}
	var (
		at    time.Time
		found bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		at, found = getTime(tx.Bucket([]byte(metadataBucket)), savedAtPrefix+key)
		return nil
	})
	if err != nil {
		return time.Time{}, false, storeError(err, "saved at %s", key)
	}
	return at, found, nil
}

// FetchAllWithPrefix returns every non-empty RouteSet whose key starts with
// prefix, sorted by key.
func (s *BoltStore) FetchAllWithPrefix(ctx context.Context, prefix string) ([]snode.RouteSet, error) {
	if err := ctx.Err(); err != nil {
		return nil, storeError(err, "fetch prefix %s", prefix)
	}
	var out []snode.RouteSet
	err := s.db.View(func(tx *bolt.Tx) error {
		for _, name := range bucketsFor(prefix) {
			groups, err := readPrefix(tx, name, prefix, false)
			if err != nil {
				return err
			}
			for _, g := range groups {
				if len(g.Nodes) > 0 {
					out = append(out, g.Sorted())
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, storeError(err, "fetch prefix %s", prefix)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Clear deletes every row whose key starts with prefix.
func (s *BoltStore) Clear(ctx context.Context, prefix string) error {
	if err := ctx.Err(); err != nil {
		return storeError(err, "clear %s", prefix)
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range bucketsFor(prefix) {
			if err := clearPrefix(tx.Bucket([]byte(name)), prefix); err != nil {
				return err
			}
		}
		return clearPrefix(tx.Bucket([]byte(metadataBucket)), savedAtPrefix+prefix)
	})
	if err != nil {
		return storeError(err, "clear %s", prefix)
	}
	log.WithFields(logger.Fields{
		"at":     "(BoltStore) Clear",
		"prefix": prefix,
	}).Debug("cleared route sets")
	return nil
}

// Delete removes the RouteSet stored under exactly key.
func (s *BoltStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return storeError(err, "delete %s", key)
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		if err := deleteKey(tx.Bucket([]byte(bucketFor(key))), key); err != nil {
			return err
		}
		return tx.Bucket([]byte(metadataBucket)).Delete([]byte(savedAtPrefix + key))
	})
	if err != nil {
		return storeError(err, "delete %s", key)
	}
	return nil
}

// SaveSnodePool replaces the persisted snode pool.
func (s *BoltStore) SaveSnodePool(ctx context.Context, pool []snode.Snode, refreshedAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return storeError(err, "save snode pool")
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(snodePoolBucket))
		if err := clearPrefix(bkt, ""); err != nil {
			return err
		}
		for _, n := range pool {
			if err := s.putSnode(tx, n); err != nil {
				return err
			}
			if err := bkt.Put(snodeKey(n.Address, n.Port), []byte{}); err != nil {
				return err
			}
		}
		return putTime(tx.Bucket([]byte(metadataBucket)), poolRefreshedAtKey, refreshedAt)
	})
	if err != nil {
		return storeError(err, "save snode pool")
	}
	log.WithFields(logger.Fields{
		"at":   "(BoltStore) SaveSnodePool",
		"size": len(pool),
	}).Debug("persisted snode pool")
	return nil
}

// LoadSnodePool returns the persisted pool and when it was last refreshed.
func (s *BoltStore) LoadSnodePool(ctx context.Context) ([]snode.Snode, time.Time, error) {
	if err := ctx.Err(); err != nil {
		return nil, time.Time{}, storeError(err, "load snode pool")
	}
	var (
		pool        []snode.Snode
		refreshedAt time.Time
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		refreshedAt, _ = getTime(tx.Bucket([]byte(metadataBucket)), poolRefreshedAtKey)
		return tx.Bucket([]byte(snodePoolBucket)).ForEach(func(k, _ []byte) error {
			address, port, err := splitSnodeKey(k)
			if err != nil {
				return err
			}
			n, err := getSnode(tx, address, port)
			if err != nil {
				return err
			}
			pool = append(pool, n)
			return nil
		})
	})
	if err != nil {
		return nil, time.Time{}, storeError(err, "load snode pool")
	}
	return pool, refreshedAt, nil
}

func (s *BoltStore) replace(tx *bolt.Tx, rs snode.RouteSet) error {
	bkt := tx.Bucket([]byte(bucketFor(rs.Key)))
	if err := deleteKey(bkt, rs.Key); err != nil {
		return err
	}
	for _, n := range rs.Nodes {
		if err := s.putSnode(tx, n.Snode); err != nil {
			return err
		}
		row, err := s.enc.Marshal(routeRow{Address: n.Snode.Address, Port: n.Snode.Port})
		if err != nil {
			return err
		}
		if err := bkt.Put(routeKey(rs.Key, n.Index), row); err != nil {
			return err
		}
	}
	return nil
}

func (s *BoltStore) putSnode(tx *bolt.Tx, n snode.Snode) error {
	row, err := s.enc.Marshal(snodeRow{X25519: n.X25519PublicKey[:], Ed25519: n.Ed25519PublicKey[:]})
	if err != nil {
		return err
	}
	return tx.Bucket([]byte(snodeBucket)).Put(snodeKey(n.Address, n.Port), row)
}

func getSnode(tx *bolt.Tx, address string, port uint16) (snode.Snode, error) {
	raw := tx.Bucket([]byte(snodeBucket)).Get(snodeKey(address, port))
	if raw == nil {
		return snode.Snode{}, fmt.Errorf("no snode row for %s:%d", address, port)
	}
	var row snodeRow
	if err := cbor.Unmarshal(raw, &row); err != nil {
		return snode.Snode{}, err
	}
	if len(row.X25519) != snode.KeySize || len(row.Ed25519) != snode.KeySize {
		return snode.Snode{}, fmt.Errorf("corrupt snode row for %s:%d", address, port)
	}
	n := snode.Snode{Address: address, Port: port}
	copy(n.X25519PublicKey[:], row.X25519)
	copy(n.Ed25519PublicKey[:], row.Ed25519)
	return n, nil
}

// readPrefix groups rows of bucket name whose route key starts with prefix
// (or equals it when exact is set).
func readPrefix(tx *bolt.Tx, name, prefix string, exact bool) (map[string]snode.RouteSet, error) {
	groups := make(map[string]snode.RouteSet)
	seek := []byte(prefix)
	if exact {
		seek = append(seek, keySeparator)
	}
	c := tx.Bucket([]byte(name)).Cursor()
	for k, v := c.Seek(seek); k != nil && hasPrefix(k, seek); k, v = c.Next() {
		key, index, err := splitRouteKey(k)
		if err != nil {
			return nil, err
		}
		var row routeRow
		if err := cbor.Unmarshal(v, &row); err != nil {
			return nil, err
		}
		n, err := getSnode(tx, row.Address, row.Port)
		if err != nil {
			return nil, err
		}
		g := groups[key]
		g.Key = key
		g.Nodes = append(g.Nodes, snode.IndexedSnode{Index: index, Snode: n})
		groups[key] = g
	}
	return groups, nil
}

func putTime(bkt *bolt.Bucket, key string, t time.Time) error {
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(t.UnixNano()))
	return bkt.Put([]byte(key), ts[:])
}

func getTime(bkt *bolt.Bucket, key string) (time.Time, bool) {
	ts := bkt.Get([]byte(key))
	if len(ts) != 8 {
		return time.Time{}, false
	}
	return time.Unix(0, int64(binary.BigEndian.Uint64(ts))), true
}

func deleteKey(bkt *bolt.Bucket, key string) error {
	return deleteSeek(bkt, append([]byte(key), keySeparator))
}

func clearPrefix(bkt *bolt.Bucket, prefix string) error {
	return deleteSeek(bkt, []byte(prefix))
}

func deleteSeek(bkt *bolt.Bucket, seek []byte) error {
	var doomed [][]byte
	c := bkt.Cursor()
	for k, _ := c.Seek(seek); k != nil && hasPrefix(k, seek); k, _ = c.Next() {
		doomed = append(doomed, append([]byte(nil), k...))
	}
	for _, k := range doomed {
		if err := bkt.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func routeKey(key string, index uint32) []byte {
	out := make([]byte, 0, len(key)+5)
	out = append(out, key...)
	out = append(out, keySeparator)
	return binary.BigEndian.AppendUint32(out, index)
}

func splitRouteKey(k []byte) (string, uint32, error) {
	if len(k) < 5 || k[len(k)-5] != keySeparator {
		return "", 0, fmt.Errorf("malformed route key %x", k)
	}
	return string(k[:len(k)-5]), binary.BigEndian.Uint32(k[len(k)-4:]), nil
}

func snodeKey(address string, port uint16) []byte {
	return []byte(address + "|" + strconv.Itoa(int(port)))
}

func splitSnodeKey(k []byte) (string, uint16, error) {
	s := string(k)
	i := strings.LastIndexByte(s, '|')
	if i < 0 {
		return "", 0, fmt.Errorf("malformed snode key %q", s)
	}
	port, err := strconv.ParseUint(s[i+1:], 10, 16)
	if err != nil {
		return "", 0, fmt.Errorf("malformed snode key %q: %w", s, err)
	}
	return s[:i], uint16(port), nil
}

func bucketFor(key string) string {
	if strings.HasPrefix(key, snode.PathKeyPrefix) {
		return pathBucket
	}
	return swarmBucket
}

// bucketsFor lists the route buckets a prefix can match rows in.
func bucketsFor(prefix string) []string {
	if strings.HasPrefix(prefix, snode.PathKeyPrefix) {
		return []string{pathBucket}
	}
	if strings.HasPrefix(snode.PathKeyPrefix, prefix) {
		return []string{swarmBucket, pathBucket}
	}
	return []string{swarmBucket}
}

func hasPrefix(k, prefix []byte) bool {
	return len(k) >= len(prefix) && string(k[:len(prefix)]) == string(prefix)
}

func checkKey(rs snode.RouteSet) error {
	if err := rs.Validate(); err != nil {
		return storeError(err, "invalid route set")
	}
	if strings.IndexByte(rs.Key, keySeparator) >= 0 {
		return storeError(fmt.Errorf("key contains NUL"), "invalid route set")
	}
	return nil
}

func storeError(err error, format string, args ...any) error {
	return oops.Wrapf(fmt.Errorf("%w: %w", ErrStore, err), format, args...)
}
