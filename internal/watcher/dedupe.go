package watcher

import (
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/crypto/blake2b"

	"github.com/jsherman999/crmrealtime/internal/store"
)

type signature [blake2b.Size256]byte

// signatures remembers the last emitted signature per job id. It is a pure
// memo: losing it only causes one redundant event per job.
type signatures struct {
	m *xsync.MapOf[uuid.UUID, signature]
}

func newSignatures() *signatures {
	return &signatures{m: xsync.NewMapOf[uuid.UUID, signature]()}
}

// changed stores sig for id and reports whether it differs from the cached one.
func (s *signatures) changed(id uuid.UUID, sig signature) bool {
	var changed bool
	s.m.Compute(id, func(old signature, loaded bool) (signature, bool) {
		changed = !loaded || old != sig
		return sig, false
	})
	return changed
}

// retain drops every id not in keep and returns how many were dropped.
func (s *signatures) retain(keep map[uuid.UUID]struct{}) int {
	dropped := 0
	s.m.Range(func(id uuid.UUID, _ signature) bool {
		if _, ok := keep[id]; !ok {
			s.m.Delete(id)
			dropped++
		}
		return true
	})
	return dropped
}

func (s *signatures) len() int { return s.m.Size() }

// jobSignature digests the fields a client can see change.
func jobSignature(j store.ImportJob) signature {
	var b strings.Builder
	b.WriteString(j.Status)
	b.WriteByte('|')
	b.WriteString(strconv.Itoa(j.TotalRows))
	b.WriteByte('|')
	b.WriteString(strconv.Itoa(j.Imported))
	b.WriteByte('|')
	b.WriteString(strconv.Itoa(j.Skipped))
	b.WriteByte('|')
	if j.CompletedAt != nil {
		b.WriteString(strconv.FormatInt(j.CompletedAt.UnixNano(), 10))
	}
	b.WriteByte('|')
	if j.ErrorMessage != nil {
		b.WriteString(*j.ErrorMessage)
	}
	return blake2b.Sum256([]byte(b.String()))
}
