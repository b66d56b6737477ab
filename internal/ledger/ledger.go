package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	bbolt "go.etcd.io/bbolt"
)

var bucketFailures = []byte("failures")

// Entry is the failure history of one message.
type Entry struct {
	Mailbox   string    `json:"mailbox"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// Ledger counts consecutive processing failures per message so that a
// message that can never succeed is eventually quarantined.
type Ledger struct {
	db          *bbolt.DB
	maxAttempts int
	now         func() time.Time
}

// Open opens or creates the ledger file at path. maxAttempts <= 0 never
// reports a message as exhausted.
func Open(path string, maxAttempts int) (*Ledger, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("ledger: open %s: %w", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketFailures)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger: create buckets: %w", err)
	}

	return &Ledger{db: db, maxAttempts: maxAttempts, now: time.Now}, nil
}

// Close closes the underlying bbolt database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// key identifies a message by content, since source ids are not stable
// across protocols or runs.
func key(mailbox string, raw []byte) []byte {
	sum := sha256.Sum256(raw)
	return []byte(mailbox + "/" + hex.EncodeToString(sum[:]))
}

// RecordFailure notes one more failed attempt for the message. exhausted is
// true once the attempts reach the configured maximum.
func (l *Ledger) RecordFailure(mailbox string, raw []byte, cause error) (attempts int, exhausted bool, err error) {
	k := key(mailbox, raw)
	now := l.now().UTC()

	err = l.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketFailures)

		entry := Entry{Mailbox: mailbox, FirstSeen: now}
		if data := b.Get(k); data != nil {
			if err := json.Unmarshal(data, &entry); err != nil {
				return fmt.Errorf("decode entry: %w", err)
			}
		}

		entry.Attempts++
		entry.LastSeen = now
		if cause != nil {
			entry.LastError = cause.Error()
		}
		attempts = entry.Attempts

		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("encode entry: %w", err)
		}
		return b.Put(k, data)
	})
	if err != nil {
		return 0, false, fmt.Errorf("ledger: record failure: %w", err)
	}

	return attempts, l.maxAttempts > 0 && attempts >= l.maxAttempts, nil
}

// Clear forgets the message, after it succeeded or was quarantined.
func (l *Ledger) Clear(mailbox string, raw []byte) error {
	err := l.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketFailures).Delete(key(mailbox, raw))
	})
	if err != nil {
		return fmt.Errorf("ledger: clear: %w", err)
	}
	return nil
}

// Entries returns every message with recorded failures.
func (l *Ledger) Entries() ([]Entry, error) {
	var out []Entry
	err := l.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketFailures).ForEach(func(_, v []byte) error {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			out = append(out, e)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("ledger: list entries: %w", err)
	}
	return out, nil
}
