package feed

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/jackc/pglogrepl"
	bolt "go.etcd.io/bbolt"
)

var (
	checkpointBucket = []byte("checkpoint")
	metadataBucket   = []byte("metadata")

	lsnKey   = []byte("last_lsn")
	blockKey = []byte("block_height")
)

// Checkpoint persists the replication position and the last handed-out
// block number locally, so a restart resumes the stream and block
// numbering instead of starting over.
type Checkpoint struct {
	db *bolt.DB
}

func OpenCheckpoint(path string) (*Checkpoint, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{checkpointBucket, metadataBucket} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Checkpoint{db: db}, nil
}

func (c *Checkpoint) Close() error {
	return c.db.Close()
}

func (c *Checkpoint) SaveLSN(lsn pglogrepl.LSN) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(lsn))
		return tx.Bucket(checkpointBucket).Put(lsnKey, buf)
	})
}

// LSN returns the last persisted replication position, or zero when the
// stream has never checkpointed.
func (c *Checkpoint) LSN() (pglogrepl.LSN, error) {
	var lsn pglogrepl.LSN
	err := c.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(checkpointBucket).Get(lsnKey)
		if data != nil {
			lsn = pglogrepl.LSN(binary.BigEndian.Uint64(data))
		}
		return nil
	})
	return lsn, err
}

func (c *Checkpoint) SaveBlockHeight(height int64) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(height))
		return tx.Bucket(metadataBucket).Put(blockKey, buf)
	})
}

func (c *Checkpoint) BlockHeight() (int64, error) {
	var height int64
	err := c.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(metadataBucket).Get(blockKey)
		if data != nil {
			height = int64(binary.BigEndian.Uint64(data))
		}
		return nil
	})
	return height, err
}
