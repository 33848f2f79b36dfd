//  _ _ _                           _
// | (_) |__   ___ ___  _   _  ___| |__
// | | | '_ \ / __/ _ \| | | |/ __| '_ \
// | | | |_) | (_| (_) | |_| | (__| | | |
// |_|_|_.__/ \___\___/ \__,_|\___|_| |_|
//
//  Copyright © 2012 - 2026 The libcouch Authors. All rights reserved.
//
//  CONTACT: hello@libcouch.org
//

// Package db implements the write path of a libcouch database: a
// single-writer updater actor owning the file and its three trees, plus
// the background compactor that rewrites the file while writes continue.
package db

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/chinnucsk/libcouch/btree"
	"github.com/chinnucsk/libcouch/couchfile"
)

// ErrClosed is returned for operations against a terminated updater.
var ErrClosed = errors.New("db: updater closed")

type message interface{}

type getDBMsg struct{ reply chan *Database }

type fullCommitMsg struct{ reply chan fullCommitResult }

type fullCommitResult struct {
	startTime int64
	err       error
}

type updateDocsMsg struct {
	groups         [][]docUpdate
	locals         []docUpdate
	mergeConflicts bool
	fullCommit     bool
	events         chan<- writeEvent
}

type incrementSeqMsg struct{ reply chan incrementSeqResult }

type incrementSeqResult struct {
	seq uint64
	err error
}

type setRevsLimitMsg struct {
	limit int
	reply chan error
}

type setSecurityMsg struct {
	blob  []byte
	reply chan error
}

type purgeMsg struct {
	reqs  []PurgeRequest
	reply chan purgeResult
}

type purgeResult struct {
	purgeSeq uint64
	purged   []PurgeRequest
	err      error
}

type startCompactMsg struct{ reply chan error }

type cancelCompactMsg struct{ reply chan error }

type waitCompactMsg struct{ reply chan error }

type compactDoneMsg struct {
	from *compactor
	path string
}

type compactErrMsg struct {
	from *compactor
	err  error
}

type delayedCommitMsg struct{}

type closeMsg struct{ reply chan error }

// Updater is the long-lived actor that owns a database. All mutations are
// linearized through its message loop; public methods are safe for
// concurrent use.
type Updater struct {
	name string
	db   *Database

	msgs     chan message
	pending  []message
	quit     chan struct{}
	loopDone chan struct{}

	compactor      *compactor
	compactWaiters []chan error
	commitTimer    *time.Timer

	logger        logrus.FieldLogger
	metrics       *Metrics
	notifier      EventNotifier
	sink          StateSink
	fsyncOpts     FsyncOptions
	compactionCfg CompactionConfig
	revsLimit     int
}

// Option configures an Updater at open time.
type Option func(*Updater) error

// WithLogger installs the logger; a discarding logger is the default.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(u *Updater) error {
		u.logger = logger
		return nil
	}
}

// WithMetrics installs a per-database metric set.
func WithMetrics(m *Metrics) Option {
	return func(u *Updater) error {
		u.metrics = m
		return nil
	}
}

// WithNotifier installs the database event notifier.
func WithNotifier(n EventNotifier) Option {
	return func(u *Updater) error {
		u.notifier = n
		return nil
	}
}

// WithStateSink installs the server-side observer of state changes.
func WithStateSink(s StateSink) Option {
	return func(u *Updater) error {
		u.sink = s
		return nil
	}
}

// WithFsyncOptions overrides the fsync points honored by this database.
func WithFsyncOptions(o FsyncOptions) Option {
	return func(u *Updater) error {
		u.fsyncOpts = o
		return nil
	}
}

// WithCompactionConfig overrides the compactor's buffer sizing.
func WithCompactionConfig(cfg CompactionConfig) Option {
	return func(u *Updater) error {
		if cfg.DocBufferSize <= 0 {
			return errors.Errorf("doc buffer size %d", cfg.DocBufferSize)
		}
		if cfg.CheckpointAfter <= 0 {
			cfg.CheckpointAfter = cfg.DocBufferSize * 10
		}
		u.compactionCfg = cfg
		return nil
	}
}

// WithRevsLimit overrides the revision-tree depth limit at open.
func WithRevsLimit(limit int) Option {
	return func(u *Updater) error {
		if limit < 1 {
			return errors.Errorf("revs limit %d", limit)
		}
		u.revsLimit = limit
		return nil
	}
}

// Open opens (or with create, initializes) the database at path and
// starts its updater actor.
func Open(name, path string, create bool, opts ...Option) (*Updater, error) {
	u := &Updater{
		name:          name,
		msgs:          make(chan message, 64),
		quit:          make(chan struct{}),
		loopDone:      make(chan struct{}),
		logger:        discardLogger(),
		notifier:      noopNotifier{},
		sink:          noopSink{},
		fsyncOpts:     DefaultFsyncOptions,
		compactionCfg: DefaultCompactionConfig,
	}
	for _, opt := range opts {
		if err := opt(u); err != nil {
			return nil, err
		}
	}

	file, hdr, err := openDatabaseFile(path, create, u.fsyncOpts)
	if err != nil {
		return nil, err
	}
	d, err := initDB(name, path, file, hdr, u.fsyncOpts)
	if err != nil {
		file.Close()
		return nil, err
	}
	if u.revsLimit > 0 {
		d.revsLimit = u.revsLimit
	}
	u.db = d

	u.logger.WithField("action", "db_open").
		WithField("database", name).
		WithField("path", path).
		WithField("update_seq", d.updateSeq).
		Info("database opened")

	u.sink.DBUpdated(d.snapshot())
	go u.loop()
	return u, nil
}

func discardLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	l.SetLevel(logrus.PanicLevel)
	return l
}

// enqueue posts an internal message without blocking the caller. Used by
// the delayed-commit timer and the compactor; client calls send directly
// to preserve their FIFO order.
func (u *Updater) enqueue(m message) {
	go func() {
		select {
		case u.msgs <- m:
		case <-u.quit:
		}
	}()
}

func (u *Updater) send(m message) error {
	select {
	case u.msgs <- m:
		return nil
	case <-u.quit:
		return ErrClosed
	}
}

func (u *Updater) loop() {
	defer close(u.loopDone)
	for {
		var m message
		if len(u.pending) > 0 {
			m = u.pending[0]
			u.pending = u.pending[1:]
		} else {
			select {
			case m = <-u.msgs:
			case <-u.quit:
				return
			}
		}
		stop, err := u.handle(m)
		if err != nil {
			u.logger.WithField("action", "db_updater_fatal").
				WithField("database", u.name).
				WithError(err).
				Error("updater terminating")
			u.terminate()
			return
		}
		if stop {
			return
		}
	}
}

func (u *Updater) handle(m message) (bool, error) {
	switch msg := m.(type) {
	case getDBMsg:
		msg.reply <- u.db.snapshot()

	case fullCommitMsg:
		var err error
		if u.commitTimer != nil {
			err = u.commitData(false)
		}
		msg.reply <- fullCommitResult{startTime: u.db.instanceStartTime, err: err}
		if err != nil {
			return false, err
		}

	case updateDocsMsg:
		batch := &updateBatch{
			groups:         msg.groups,
			locals:         msg.locals,
			mergeConflicts: msg.mergeConflicts,
			fullCommit:     msg.fullCommit,
			clients:        []chan<- writeEvent{msg.events},
		}
		if len(batch.locals) == 0 {
			u.coalesce(batch)
		}
		if err := u.processBatch(batch); err != nil {
			return false, err
		}

	case incrementSeqMsg:
		u.db.updateSeq++
		err := u.commitData(false)
		if err == nil {
			u.sink.DBUpdated(u.db.snapshot())
		}
		msg.reply <- incrementSeqResult{seq: u.db.updateSeq, err: err}
		if err != nil {
			return false, err
		}

	case setRevsLimitMsg:
		u.db.revsLimit = msg.limit
		u.db.updateSeq++
		err := u.commitData(false)
		if err == nil {
			u.sink.DBUpdated(u.db.snapshot())
		}
		msg.reply <- err
		if err != nil {
			return false, err
		}

	case setSecurityMsg:
		err := u.setSecurity(msg.blob)
		msg.reply <- err
		if err != nil {
			return false, err
		}

	case purgeMsg:
		seq, purged, err := u.purgeDocs(msg.reqs)
		msg.reply <- purgeResult{purgeSeq: seq, purged: purged, err: err}
		if err != nil && !errors.Is(err, ErrPurgeDuringCompaction) {
			return false, err
		}

	case startCompactMsg:
		if u.compactor == nil {
			u.compactor = u.startCompactor()
		}
		msg.reply <- nil

	case cancelCompactMsg:
		u.cancelCompactor()
		u.notifyCompactWaiters(context.Canceled)
		msg.reply <- nil

	case waitCompactMsg:
		if u.compactor == nil {
			msg.reply <- nil
		} else {
			u.compactWaiters = append(u.compactWaiters, msg.reply)
		}

	case compactDoneMsg:
		if msg.from != u.compactor {
			return false, nil // stale hand-off from a cancelled task
		}
		if err := u.handleCompactDone(msg.path); err != nil {
			return false, err
		}

	case compactErrMsg:
		if msg.from != u.compactor {
			return false, nil
		}
		u.logger.WithField("action", "db_compact").
			WithField("database", u.name).
			WithError(msg.err).
			Error("compaction failed")
		u.metrics.compactionEnded()
		u.compactor = nil
		u.notifyCompactWaiters(msg.err)

	case delayedCommitMsg:
		if err := u.handleDelayedCommit(); err != nil {
			return false, err
		}

	case closeMsg:
		msg.reply <- u.terminate()
		return true, nil

	default:
		// strict, to surface protocol bugs
		return false, errors.Errorf("db: unexpected message %T", m)
	}
	return false, nil
}

// coalesce drains already-queued update batches that are compatible with
// this one and merges them in, leaving everything else queued in order.
func (u *Updater) coalesce(batch *updateBatch) {
	var keep []message
	for _, m := range u.pending {
		if other, ok := u.asCoalescible(batch, m); ok {
			batch.merge(other)
			continue
		}
		keep = append(keep, m)
	}
	u.pending = keep
	for {
		select {
		case m := <-u.msgs:
			if other, ok := u.asCoalescible(batch, m); ok {
				batch.merge(other)
				continue
			}
			u.pending = append(u.pending, m)
		default:
			return
		}
	}
}

func (u *Updater) asCoalescible(batch *updateBatch, m message) (*updateBatch, bool) {
	msg, ok := m.(updateDocsMsg)
	if !ok {
		return nil, false
	}
	other := &updateBatch{
		groups:         msg.groups,
		locals:         msg.locals,
		mergeConflicts: msg.mergeConflicts,
		fullCommit:     msg.fullCommit,
		clients:        []chan<- writeEvent{msg.events},
	}
	if !batch.coalescible(other) {
		return nil, false
	}
	return other, true
}

func (u *Updater) setSecurity(blob []byte) error {
	d := u.db
	ptr, _, err := d.file.AppendTerm(blob)
	if err != nil {
		return errors.Wrap(err, "append security blob")
	}
	d.security = blob
	d.securityPtr = ptr
	d.updateSeq++
	if err := u.commitData(false); err != nil {
		return err
	}
	u.sink.DBUpdated(d.snapshot())
	return nil
}

// handleCompactDone checks whether the compaction target caught the live
// sequence. If it did, local docs are carried over and the files swap; if
// writes got ahead meanwhile, the compactor respawns and continues from
// the target's sequence.
func (u *Updater) handleCompactDone(path string) error {
	d := u.db
	file, err := couchfile.Open(path)
	if err != nil {
		return errors.Wrap(err, "open compaction target")
	}
	data, err := file.ReadHeader()
	if err != nil {
		file.Close()
		return errors.Wrap(err, "read compaction target header")
	}
	hdr, err := decodeHeader(data)
	if err != nil {
		file.Close()
		return err
	}
	target, err := initDB(d.name, path, file, hdr, d.fsync)
	if err != nil {
		file.Close()
		return err
	}

	if target.updateSeq != d.updateSeq {
		u.logger.WithField("action", "db_compact").
			WithField("database", d.name).
			WithField("target_seq", target.updateSeq).
			WithField("update_seq", d.updateSeq).
			Info("compaction target fell behind, respawning")
		file.Close()
		u.metrics.compactionRestarted()
		u.compactor = u.startCompactor()
		return nil
	}

	// carry the local docs, which live outside the by-seq index
	var localKVs []btree.KV
	err = d.localTree.Foldl(func(kv btree.KV) (bool, error) {
		localKVs = append(localKVs, kv)
		return false, nil
	})
	if err != nil {
		file.Close()
		return errors.Wrap(err, "dump local docs")
	}
	if err := target.localTree.Add(localKVs); err != nil {
		file.Close()
		return errors.Wrap(err, "copy local docs")
	}
	target.revsLimit = d.revsLimit
	target.instanceStartTime = d.instanceStartTime
	target.security = d.security
	if err := commitTarget(target); err != nil {
		file.Close()
		return err
	}

	if err := target.file.Rename(d.path); err != nil {
		file.Close()
		return err
	}
	target.path = d.path
	if err := d.file.Close(); err != nil {
		u.logger.WithField("action", "db_compact").
			WithError(err).
			Warn("closing pre-compaction file")
	}

	u.logger.WithField("action", "db_compact").
		WithField("database", d.name).
		WithField("update_seq", target.updateSeq).
		Info("compaction complete, file swapped")

	u.db = target
	u.compactor = nil
	u.stopCommitTimer()
	u.metrics.compactionEnded()
	u.notifier.Notify(Event{Kind: EventCompacted, Name: target.name})
	u.sink.DBUpdated(target.snapshot())
	u.notifyCompactWaiters(nil)
	return nil
}

func (u *Updater) cancelCompactor() {
	if u.compactor == nil {
		return
	}
	c := u.compactor
	c.cancel()
	<-c.done
	_ = os.Remove(c.targetPath)
	u.compactor = nil
	u.metrics.compactionEnded()
}

func (u *Updater) notifyCompactWaiters(err error) {
	for _, w := range u.compactWaiters {
		w <- err
	}
	u.compactWaiters = nil
}

// terminate shuts the actor down: the compactor is cancelled, a pending
// delayed commit is flushed, and the file is closed.
func (u *Updater) terminate() error {
	var result *multierror.Error
	u.cancelCompactor()
	u.notifyCompactWaiters(ErrClosed)
	if u.commitTimer != nil {
		if err := u.commitData(false); err != nil {
			result = multierror.Append(result, err)
		}
	}
	u.stopCommitTimer()
	if err := u.db.file.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	close(u.quit)
	return result.ErrorOrNil()
}

// --- public API ---

// DB returns a read snapshot of the current state.
func (u *Updater) DB() (*Database, error) {
	reply := make(chan *Database, 1)
	if err := u.send(getDBMsg{reply: reply}); err != nil {
		return nil, err
	}
	select {
	case d := <-reply:
		return d, nil
	case <-u.loopDone:
		return nil, ErrClosed
	}
}

// FullCommit forces a pending delayed commit out and returns the instance
// start time, which clients compare to detect restarts.
func (u *Updater) FullCommit() (int64, error) {
	reply := make(chan fullCommitResult, 1)
	if err := u.send(fullCommitMsg{reply: reply}); err != nil {
		return 0, err
	}
	select {
	case res := <-reply:
		return res.startTime, res.err
	case <-u.loopDone:
		return 0, ErrClosed
	}
}

// IncrementUpdateSeq bumps the sequence by one and commits the header.
func (u *Updater) IncrementUpdateSeq() (uint64, error) {
	reply := make(chan incrementSeqResult, 1)
	if err := u.send(incrementSeqMsg{reply: reply}); err != nil {
		return 0, err
	}
	select {
	case res := <-reply:
		return res.seq, res.err
	case <-u.loopDone:
		return 0, ErrClosed
	}
}

// SetRevsLimit stores a new revision-tree depth limit and commits.
func (u *Updater) SetRevsLimit(limit int) error {
	if limit < 1 {
		return errors.Errorf("revs limit %d", limit)
	}
	reply := make(chan error, 1)
	if err := u.send(setRevsLimitMsg{limit: limit, reply: reply}); err != nil {
		return err
	}
	return u.await(reply)
}

// SetSecurity stores a new opaque security blob and commits.
func (u *Updater) SetSecurity(blob []byte) error {
	reply := make(chan error, 1)
	if err := u.send(setSecurityMsg{blob: blob, reply: reply}); err != nil {
		return err
	}
	return u.await(reply)
}

// PurgeDocs removes the given revisions outright. Refused while a
// compaction is running.
func (u *Updater) PurgeDocs(reqs []PurgeRequest) (uint64, []PurgeRequest, error) {
	reply := make(chan purgeResult, 1)
	if err := u.send(purgeMsg{reqs: reqs, reply: reply}); err != nil {
		return 0, nil, err
	}
	select {
	case res := <-reply:
		return res.purgeSeq, res.purged, res.err
	case <-u.loopDone:
		return 0, nil, ErrClosed
	}
}

// StartCompact spawns a compactor unless one is already running.
func (u *Updater) StartCompact() error {
	reply := make(chan error, 1)
	if err := u.send(startCompactMsg{reply: reply}); err != nil {
		return err
	}
	return u.await(reply)
}

// CancelCompact terminates a running compactor and deletes its partial
// output.
func (u *Updater) CancelCompact() error {
	reply := make(chan error, 1)
	if err := u.send(cancelCompactMsg{reply: reply}); err != nil {
		return err
	}
	return u.await(reply)
}

// WaitForCompaction blocks until the currently running compaction cycle
// finishes (including any catch-up respawns), or returns immediately when
// none is running.
func (u *Updater) WaitForCompaction() error {
	reply := make(chan error, 1)
	if err := u.send(waitCompactMsg{reply: reply}); err != nil {
		return err
	}
	return u.await(reply)
}

// Close shuts the updater down, cancelling any compaction and flushing a
// pending delayed commit.
func (u *Updater) Close() error {
	reply := make(chan error, 1)
	if err := u.send(closeMsg{reply: reply}); err != nil {
		return ErrClosed
	}
	select {
	case err := <-reply:
		return err
	case <-u.loopDone:
		return nil
	}
}

func (u *Updater) await(reply chan error) error {
	select {
	case err := <-reply:
		return err
	case <-u.loopDone:
		return ErrClosed
	}
}
