// Package freshness models the refresh policies the seed and render
// engines apply before overwriting a stored tile (spec section 4.9).
package freshness

import (
	"time"
)

// Kind discriminates which freshness rule a Policy carries.
type Kind int

const (
	// Never means no policy: always fetch and write.
	Never Kind = iota
	// RefreshBefore skips a tile whose stored.created is at or after a
	// fixed timestamp.
	RefreshBefore
	// OlderThan skips a tile whose stored.created is at or after
	// now-days.
	OlderThan
	// ByMD5 always downloads, but skips the write if the downloaded
	// bytes hash to the same MD5 as what is already stored.
	ByMD5
)

// Policy is a small sum type over the four freshness rules spec section
// 4.9 defines.
type Policy struct {
	kind Kind
	date time.Time
	days int
}

// NeverPolicy always fetches and writes, ignoring any stored tile.
func NeverPolicy() Policy {
	return Policy{kind: Never}
}

// RefreshBeforePolicy skips a tile whose stored created time is at or
// after refreshTs.
func RefreshBeforePolicy(refreshTs time.Time) Policy {
	return Policy{kind: RefreshBefore, date: refreshTs}
}

// OlderThanPolicy skips a tile whose stored created time is at or after
// now-days*24h.
func OlderThanPolicy(days int) Policy {
	return Policy{kind: OlderThan, days: days}
}

// ByMD5Policy always downloads, but the caller should skip the write
// when the downloaded payload's MD5 matches the stored hash.
func ByMD5Policy() Policy {
	return Policy{kind: ByMD5}
}

// Kind reports which rule this policy applies.
func (p Policy) Kind() Kind {
	return p.kind
}

// RefreshThreshold returns the timestamp below which a stored tile is
// considered stale, for RefreshBefore and OlderThan policies. It is
// meaningless for Never and ByMD5.
func (p Policy) RefreshThreshold(now time.Time) time.Time {
	switch p.kind {
	case RefreshBefore:
		return p.date
	case OlderThan:
		return now.Add(-time.Duration(p.days) * 24 * time.Hour)
	default:
		return time.Time{}
	}
}

// SkipBeforeDownload reports whether, given a stored tile's created
// time, the seed/render engine should skip this tile without ever
// downloading it. ByMD5 always requires a download to compare hashes,
// so it is never skipped here.
func (p Policy) SkipBeforeDownload(now time.Time, storedCreated time.Time, hasStored bool) bool {
	if !hasStored {
		return false
	}
	switch p.kind {
	case RefreshBefore, OlderThan:
		return !storedCreated.Before(p.RefreshThreshold(now))
	default:
		return false
	}
}

// SkipWriteAfterDownload reports whether, given the downloaded payload's
// MD5 and the stored tile's hash, the write should be skipped because
// the content has not changed. Only meaningful for ByMD5; other
// policies never skip here (they already decided before downloading,
// or have no policy at all).
func (p Policy) SkipWriteAfterDownload(downloadedMD5, storedHash string, hasStored bool) bool {
	if p.kind != ByMD5 || !hasStored {
		return false
	}
	return downloadedMD5 == storedHash
}
