package ids

import (
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// New returns a lexicographically sortable identifier suitable for storage keys.
func New() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// Entity constructors prefix the ULID so an identifier is self-describing in
// logs and audit trails.
func NewLease() string          { return "lse_" + New() }
func NewSigner() string         { return "sgn_" + New() }
func NewAmendment() string      { return "amd_" + New() }
func NewInspection() string     { return "edl_" + New() }
func NewInspectionItem() string { return "itm_" + New() }
func NewEvent() string          { return "evt_" + New() }
