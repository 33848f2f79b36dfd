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

package db

import (
	"bytes"
	"time"

	"github.com/pkg/errors"
)

// delayedCommitInterval is how long small writes may ride before their
// header is forced out.
const delayedCommitInterval = time.Second

// commitData writes the header for the current state. With delayed=true it
// only arms the one-second timer (at most one is ever armed) and returns;
// the actual write happens when the timer message arrives or a forced
// commit overtakes it.
func (u *Updater) commitData(delayed bool) error {
	if delayed {
		if u.commitTimer == nil {
			u.commitTimer = time.AfterFunc(delayedCommitInterval, func() {
				u.enqueue(delayedCommitMsg{})
			})
		}
		return nil
	}
	u.stopCommitTimer()

	d := u.db
	hdr := d.makeHeader()
	data, err := hdr.encode()
	if err != nil {
		return err
	}
	current, err := d.hdr.encode()
	if err != nil {
		return err
	}
	if bytes.Equal(data, current) {
		return nil
	}

	start := time.Now()
	if d.fsync.BeforeHeader {
		if err := d.file.Sync(); err != nil {
			return errors.Wrap(err, "fsync before header")
		}
	}
	if err := d.file.WriteHeader(data); err != nil {
		return err
	}
	if d.fsync.AfterHeader {
		if err := d.file.Sync(); err != nil {
			return errors.Wrap(err, "fsync after header")
		}
	}
	u.metrics.observeCommit(time.Since(start))

	d.hdr = hdr
	d.committedUpdateSeq = d.updateSeq
	return nil
}

func (u *Updater) stopCommitTimer() {
	if u.commitTimer != nil {
		u.commitTimer.Stop()
		u.commitTimer = nil
	}
}

// handleDelayedCommit runs when the armed timer fires. The timer may have
// been overtaken by a forced commit, in which case the header comparison
// makes this a no-op.
func (u *Updater) handleDelayedCommit() error {
	u.commitTimer = nil
	u.metrics.delayedFlush()
	return u.commitData(false)
}
