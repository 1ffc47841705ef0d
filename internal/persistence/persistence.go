// Package persistence implements the record encoding and two-generation
// backup-swap file writer described in spec §6 and §5: retained
// publications and durable subscriptions are the only records exchanged
// with the core, written to `<name>.rms` after rotating the current
// file to `<name>.1ms` and the previous backup to `<name>.2ms`. A write
// error rolls the backups back and leaves the broker running (§7).
//
// There is no teacher equivalent for a binary record store in the
// retrieval pack (the teacher persists nothing); the record shapes
// below are grounded directly in spec §6, and the backup-swap mechanics
// follow the same encoding/io idiom the teacher uses for its own
// length-prefixed wire records (internal/wire/mqtt).
package persistence

import (
	"encoding/binary"
	"io"
	"os"

	"github.com/nilsen/cindermq/internal/model"
	"github.com/nilsen/cindermq/pkg/er"
)

// RetainedRecord mirrors the on-disk retained-publication record:
// {payload_len u32, payload, qos u32, topic_len u32, topic}.
type RetainedRecord struct {
	Payload []byte
	QoS     model.QoS
	Topic   string
}

// SubscriptionRecord mirrors the on-disk durable-subscription record:
// {client_id_len u32, client_id, no_local u32, qos u32, topic_len u32,
// topic}.
type SubscriptionRecord struct {
	ClientID string
	NoLocal  bool
	QoS      model.QoS
	Topic    string
}

// Snapshot is everything written to disk on a save.
type Snapshot struct {
	Retained      []RetainedRecord
	Subscriptions []SubscriptionRecord
}

func writeU32(w io.Writer, v uint32) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func readU32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func writeRetained(w io.Writer, rec RetainedRecord) error {
	if err := writeU32(w, uint32(len(rec.Payload))); err != nil {
		return err
	}
	if _, err := w.Write(rec.Payload); err != nil {
		return err
	}
	if err := writeU32(w, uint32(rec.QoS)); err != nil {
		return err
	}
	if err := writeU32(w, uint32(len(rec.Topic))); err != nil {
		return err
	}
	_, err := io.WriteString(w, rec.Topic)
	return err
}

func readRetained(r io.Reader) (RetainedRecord, error) {
	var rec RetainedRecord
	n, err := readU32(r)
	if err != nil {
		return rec, err
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return rec, err
	}
	qos, err := readU32(r)
	if err != nil {
		return rec, err
	}
	tn, err := readU32(r)
	if err != nil {
		return rec, err
	}
	topic := make([]byte, tn)
	if _, err := io.ReadFull(r, topic); err != nil {
		return rec, err
	}
	rec.Payload = payload
	rec.QoS = model.QoS(qos)
	rec.Topic = string(topic)
	return rec, nil
}

func writeSubscription(w io.Writer, rec SubscriptionRecord) error {
	if err := writeU32(w, uint32(len(rec.ClientID))); err != nil {
		return err
	}
	if _, err := io.WriteString(w, rec.ClientID); err != nil {
		return err
	}
	noLocal := uint32(0)
	if rec.NoLocal {
		noLocal = 1
	}
	if err := writeU32(w, noLocal); err != nil {
		return err
	}
	if err := writeU32(w, uint32(rec.QoS)); err != nil {
		return err
	}
	if err := writeU32(w, uint32(len(rec.Topic))); err != nil {
		return err
	}
	_, err := io.WriteString(w, rec.Topic)
	return err
}

func readSubscription(r io.Reader) (SubscriptionRecord, error) {
	var rec SubscriptionRecord
	n, err := readU32(r)
	if err != nil {
		return rec, err
	}
	cid := make([]byte, n)
	if _, err := io.ReadFull(r, cid); err != nil {
		return rec, err
	}
	noLocal, err := readU32(r)
	if err != nil {
		return rec, err
	}
	qos, err := readU32(r)
	if err != nil {
		return rec, err
	}
	tn, err := readU32(r)
	if err != nil {
		return rec, err
	}
	topic := make([]byte, tn)
	if _, err := io.ReadFull(r, topic); err != nil {
		return rec, err
	}
	rec.ClientID = string(cid)
	rec.NoLocal = noLocal != 0
	rec.QoS = model.QoS(qos)
	rec.Topic = string(topic)
	return rec, nil
}

// Store is a backup-swapped pair of files rooted at a base path, e.g.
// base="broker" writes broker.rms/broker.1ms/broker.2ms.
type Store struct {
	base string
}

// New creates a Store rooted at base (without extension).
func New(base string) *Store {
	return &Store{base: base}
}

func (s *Store) primary() string { return s.base + ".rms" }
func (s *Store) gen1() string    { return s.base + ".1ms" }
func (s *Store) gen2() string    { return s.base + ".2ms" }

// Save writes snap to the primary file, rotating backups first. On any
// write error the backups are rolled back to their prior state and the
// error is returned (§7 "Persistence write error": caller keeps running
// and retries on the next autosave). The oldest .2ms generation, which
// the rotation removes, is not restored by the rollback.
func (s *Store) Save(snap Snapshot) error {
	hadPrimary, err := fileExists(s.primary())
	if err != nil {
		return &er.Err{Context: "persistence.Save", Message: err}
	}
	hadGen1, err := fileExists(s.gen1())
	if err != nil {
		return &er.Err{Context: "persistence.Save", Message: err}
	}
	hadGen2, err := fileExists(s.gen2())
	if err != nil {
		return &er.Err{Context: "persistence.Save", Message: err}
	}

	if hadGen1 {
		if hadGen2 {
			os.Remove(s.gen2())
		}
		os.Rename(s.gen1(), s.gen2())
	}
	if hadPrimary {
		os.Rename(s.primary(), s.gen1())
	}

	if err := s.writePrimary(snap); err != nil {
		s.rollback(hadPrimary, hadGen1)
		return &er.Err{Context: "persistence.Save", Message: er.ErrPersistenceBackupRollback}
	}
	return nil
}

func (s *Store) rollback(hadPrimary, hadGen1 bool) {
	os.Remove(s.primary())
	if hadPrimary {
		os.Rename(s.gen1(), s.primary())
	}
	if hadGen1 {
		os.Rename(s.gen2(), s.gen1())
	}
}

func (s *Store) writePrimary(snap Snapshot) error {
	f, err := os.Create(s.primary())
	if err != nil {
		return err
	}
	defer f.Close()

	if err := writeU32(f, uint32(len(snap.Retained))); err != nil {
		return err
	}
	for _, r := range snap.Retained {
		if err := writeRetained(f, r); err != nil {
			return err
		}
	}
	if err := writeU32(f, uint32(len(snap.Subscriptions))); err != nil {
		return err
	}
	for _, r := range snap.Subscriptions {
		if err := writeSubscription(f, r); err != nil {
			return err
		}
	}
	return f.Sync()
}

// Load reads the primary file, falling back to gen1 then gen2 if the
// primary is missing or corrupt — the mirror image of Save's rotation.
func (s *Store) Load() (Snapshot, error) {
	for _, path := range []string{s.primary(), s.gen1(), s.gen2()} {
		if ok, _ := fileExists(path); !ok {
			continue
		}
		snap, err := s.readFile(path)
		if err == nil {
			return snap, nil
		}
	}
	return Snapshot{}, nil
}

func (s *Store) readFile(path string) (Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return Snapshot{}, &er.Err{Context: "persistence.readFile", Message: err}
	}
	defer f.Close()

	var snap Snapshot
	rn, err := readU32(f)
	if err != nil {
		return Snapshot{}, &er.Err{Context: "persistence.readFile", Message: er.ErrPersistenceRead}
	}
	for i := uint32(0); i < rn; i++ {
		rec, err := readRetained(f)
		if err != nil {
			return Snapshot{}, &er.Err{Context: "persistence.readFile", Message: er.ErrPersistenceRead}
		}
		snap.Retained = append(snap.Retained, rec)
	}
	sn, err := readU32(f)
	if err != nil {
		return Snapshot{}, &er.Err{Context: "persistence.readFile", Message: er.ErrPersistenceRead}
	}
	for i := uint32(0); i < sn; i++ {
		rec, err := readSubscription(f)
		if err != nil {
			return Snapshot{}, &er.Err{Context: "persistence.readFile", Message: er.ErrPersistenceRead}
		}
		snap.Subscriptions = append(snap.Subscriptions, rec)
	}
	return snap, nil
}

func fileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}
