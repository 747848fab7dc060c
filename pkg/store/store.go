// Package store is the embedded top-level facade named in component 6's
// external interface: mount/mkfs/umount, queue_transactions, and the
// read-side API, wiring Journal, KVStore, ObjectStore, and OpPipeline
// together the way a collaborator embedding this module would use it.
package store

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/coldshard/objectcore/internal/base"
	"github.com/coldshard/objectcore/internal/ocerr"
	"github.com/coldshard/objectcore/pkg/config"
	"github.com/coldshard/objectcore/pkg/journal"
	"github.com/coldshard/objectcore/pkg/kvstore"
	"github.com/coldshard/objectcore/pkg/objectstore"
	"github.com/coldshard/objectcore/pkg/pipeline"
)

const currentDirName = "current"
const journalFileName = "journal"
const kvDirName = "kv"

// Store is the mounted, ready-to-use engine.
type Store struct {
	dir    string
	fsidF  *os.File
	kv     *kvstore.BadgerBackend
	jrn    *journal.Journal
	objs   *objectstore.Store
	Pipe   *pipeline.Pipeline
	cfg    config.StoreConfig
	log    *logrus.Entry

	syncStop chan struct{}
	syncWG   sync.WaitGroup
}

// Mkfs lays out a fresh store at dir: an fsid file, an empty object
// tree, a KVStore directory, and a journal ring file sized per cfg.
func Mkfs(dir string, cfg config.StoreConfig) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return ocerr.Wrap("store.Mkfs", ocerr.Io, err)
	}
	id := uuid.New()
	if err := os.WriteFile(filepath.Join(dir, "fsid"), id[:], 0644); err != nil {
		return ocerr.Wrap("store.Mkfs", ocerr.Io, err)
	}
	if err := objectstore.Mkfs(filepath.Join(dir, currentDirName)); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Join(dir, kvDirName), 0755); err != nil {
		return ocerr.Wrap("store.Mkfs", ocerr.Io, err)
	}
	return journal.Mkfs(filepath.Join(dir, journalFileName), cfg.JournalCapacityBytes, cfg.JournalIOMode)
}

// Mount opens a store previously laid out by Mkfs, replays any journal
// entries not yet reflected on disk, and starts the pipeline's worker
// pool and background sync thread.
func Mount(dir string, cfg config.StoreConfig) (*Store, error) {
	fsidF, err := os.OpenFile(filepath.Join(dir, "fsid"), os.O_RDWR, 0644)
	if err != nil {
		return nil, ocerr.Wrap("store.Mount", ocerr.Io, err)
	}
	if err := unix.Flock(int(fsidF.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		fsidF.Close()
		return nil, ocerr.Wrap("store.Mount", ocerr.Busy, err)
	}

	kv, err := kvstore.OpenBadger(filepath.Join(dir, kvDirName))
	if err != nil {
		fsidF.Close()
		return nil, err
	}

	objs, err := objectstore.Mount(filepath.Join(dir, currentDirName), kv, cfg)
	if err != nil {
		kv.Close()
		fsidF.Close()
		return nil, err
	}

	jrn, err := journal.Open(filepath.Join(dir, journalFileName), cfg.JournalIOMode)
	if err != nil {
		objs.Umount()
		kv.Close()
		fsidF.Close()
		return nil, err
	}

	pipe := pipeline.New(jrn, objs, cfg)

	commitSeq, err := objs.ReadCommitSeq()
	if err != nil {
		jrn.Close()
		objs.Umount()
		kv.Close()
		fsidF.Close()
		return nil, err
	}
	if err := pipe.Replay(uint64(commitSeq)); err != nil {
		jrn.Close()
		objs.Umount()
		kv.Close()
		fsidF.Close()
		return nil, err
	}

	s := &Store{
		dir:      dir,
		fsidF:    fsidF,
		kv:       kv,
		jrn:      jrn,
		objs:     objs,
		Pipe:     pipe,
		cfg:      cfg,
		log:      logrus.WithField("component", "store"),
		syncStop: make(chan struct{}),
	}
	s.syncWG.Add(1)
	go s.syncLoop()
	return s, nil
}

// Umount quiesces the pipeline, stops the sync thread, and closes the
// journal and KVStore, releasing the fsid lock last.
func (s *Store) Umount() error {
	s.Pipe.Shutdown()

	close(s.syncStop)
	s.syncWG.Wait()

	if err := s.doSync(); err != nil {
		s.log.WithError(err).Warn("final sync before umount failed")
	}

	var result *multierror.Error
	result = multierror.Append(result, s.jrn.Close())
	result = multierror.Append(result, s.objs.Umount())
	result = multierror.Append(result, s.kv.Close())
	result = multierror.Append(result, unix.Flock(int(s.fsidF.Fd()), unix.LOCK_UN))
	result = multierror.Append(result, s.fsidF.Close())
	return result.ErrorOrNil()
}

// QueueTransactions is the facade's queue_transactions entry point.
func (s *Store) QueueTransactions(sequencerID string, txs []objectstore.Transaction, cb pipeline.Callbacks) (base.SeqNum, error) {
	return s.Pipe.QueueTransactions(sequencerID, txs, cb)
}

// Read-side delegation: every method below simply forwards to the
// mounted ObjectStore, which is safe for concurrent use alongside the
// pipeline's applies.

func (s *Store) Exists(coll objectstore.CollID, oid objectstore.OID) bool {
	return s.objs.Exists(coll, oid)
}

func (s *Store) Stat(coll objectstore.CollID, oid objectstore.OID) (objectstore.Stat, error) {
	return s.objs.Stat(coll, oid)
}

func (s *Store) Read(coll objectstore.CollID, oid objectstore.OID, offset, length int64) ([]byte, error) {
	return s.objs.Read(coll, oid, offset, length)
}

func (s *Store) GetAttr(coll objectstore.CollID, oid objectstore.OID, name string) ([]byte, error) {
	return s.objs.GetAttr(coll, oid, name)
}

func (s *Store) GetAttrs(coll objectstore.CollID, oid objectstore.OID) (map[string][]byte, error) {
	return s.objs.GetAttrs(coll, oid)
}

func (s *Store) ListCollections() ([]objectstore.CollID, error) {
	return s.objs.ListCollections()
}

func (s *Store) CollectionListPartial(coll objectstore.CollID, marker string, min, max int) ([]string, string, error) {
	return s.objs.CollectionListPartial(coll, marker, min, max)
}
