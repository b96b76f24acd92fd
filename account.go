package creditgate

import "time"

// AccountKind distinguishes guest identities from signed-in users.
type AccountKind string

const (
	KindAnonymous     AccountKind = "anonymous"
	KindAuthenticated AccountKind = "authenticated"
)

// Valid reports whether k is a known account kind.
func (k AccountKind) Valid() bool {
	return k == KindAnonymous || k == KindAuthenticated
}

// Account identifies a quota holder.
type Account struct {
	ID   string
	Kind AccountKind
}

// QuotaRecord is the stored balance for one account.
type QuotaRecord struct {
	AccountID string
	Balance   int64
	Version   int64
	UpdatedAt time.Time
}
