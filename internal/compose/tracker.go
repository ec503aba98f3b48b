package compose

import (
	"fmt"
	"log/slog"
	"regexp"
	"strconv"

	"github.com/lisadonlon/RegulatoryKB/internal/database"
)

var (
	fullIDPattern  = regexp.MustCompile(`^(\d{8})-(\d{1,3})$`)
	shortIDPattern = regexp.MustCompile(`^\d{1,3}$`)
)

// DigestContext identifies the digest a reply refers to, from the reply's
// threading headers. Message-IDs are given without angle brackets.
type DigestContext struct {
	InReplyTo  []string
	References []string
}

// Tracker resolves entry identifiers quoted back from delivered digests.
type Tracker struct {
	db     *database.DB
	logger *slog.Logger
}

func NewTracker(db *database.DB, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{db: db, logger: logger}
}

// Lookup returns the delivered entry for id, or nil when id does not name an
// entry of a sent digest.
//
// A full id (20260310-07, or 20260310-7) is looked up directly. A short id
// (07) is read against the digest the reply threads to, or failing that the
// most recently sent digest, and must match exactly one of its entries.
func (t *Tracker) Lookup(id string, dc DigestContext) (*database.DigestEntry, error) {
	if m := fullIDPattern.FindStringSubmatch(id); m != nil {
		seq, _ := strconv.Atoi(m[2])
		return t.db.LookupDeliveredEntry(fmt.Sprintf("%s-%02d", m[1], seq))
	}
	if !shortIDPattern.MatchString(id) {
		return nil, nil
	}
	seq, _ := strconv.Atoi(id)

	d, err := t.contextDigest(dc)
	if err != nil || d == nil {
		return nil, err
	}
	entries, err := t.db.DigestEntriesFor(d.ID)
	if err != nil {
		return nil, err
	}

	var sameDate, other []database.DigestEntry
	for _, e := range entries {
		if e.Seq != seq {
			continue
		}
		if e.DigestDate == d.Date {
			sameDate = append(sameDate, e)
		} else {
			other = append(other, e)
		}
	}
	switch {
	case len(sameDate) == 1:
		return &sameDate[0], nil
	case len(sameDate) == 0 && len(other) == 1:
		return &other[0], nil
	case len(sameDate)+len(other) > 1:
		t.logger.Warn("ambiguous short entry id", "id", id, "digest", d.ID)
	}
	return nil, nil
}

// contextDigest finds the sent digest a reply belongs to. In-Reply-To wins,
// then References from newest to oldest, then the latest sent digest.
func (t *Tracker) contextDigest(dc DigestContext) (*database.Digest, error) {
	candidates := append([]string{}, dc.InReplyTo...)
	for i := len(dc.References) - 1; i >= 0; i-- {
		candidates = append(candidates, dc.References[i])
	}
	for _, msgID := range candidates {
		d, err := t.db.GetSentDigestByMessageID(trimAngles(msgID))
		if err != nil {
			return nil, err
		}
		if d != nil {
			return d, nil
		}
	}
	return t.db.LatestSentDigest()
}

func trimAngles(s string) string {
	if len(s) >= 2 && s[0] == '<' && s[len(s)-1] == '>' {
		return s[1 : len(s)-1]
	}
	return s
}
