package provider

import "context"

// ID identifies an independently failing now-playing source.
type ID string

const (
	// CloudPoll is the REST polling source for the primary cloud account.
	CloudPoll ID = "cloud-poll"
	// CloudPushA is the push channel for the primary cloud household.
	CloudPushA ID = "cloud-push-a"
	// CloudPushB is the push channel for the secondary cloud household.
	CloudPushB ID = "cloud-push-b"
	// LocalNetwork is the local device-discovery source.
	LocalNetwork ID = "local-network"
)

// CredentialSet names the stored credential a provider depends on.
// Providers sharing a credential set fail together when that credential
// goes bad, which the pause-cycling sweep takes into account.
type CredentialSet string

const (
	CredentialNone      CredentialSet = ""
	CredentialPrimary   CredentialSet = "primary-account"
	CredentialSecondary CredentialSet = "secondary-account"
)

// Descriptor declares the static capabilities of a provider.
type Descriptor struct {
	ID          ID
	Credential  CredentialSet
	CloudHosted bool // health is partially server-reported
	PushDriven  bool // event stream with no natural poll cadence; no data timeout
}

var descriptors = []Descriptor{
	{ID: CloudPoll, Credential: CredentialPrimary, CloudHosted: true},
	{ID: CloudPushA, Credential: CredentialPrimary, CloudHosted: true, PushDriven: true},
	{ID: CloudPushB, Credential: CredentialSecondary, CloudHosted: true, PushDriven: true},
	{ID: LocalNetwork},
}

// Descriptors returns the static descriptor table.
func Descriptors() []Descriptor {
	out := make([]Descriptor, len(descriptors))
	copy(out, descriptors)
	return out
}

// Describe returns the descriptor for a provider.
func Describe(id ID) (Descriptor, bool) {
	for _, d := range descriptors {
		if d.ID == id {
			return d, true
		}
	}
	return Descriptor{}, false
}

// DefaultOrder is the built-in priority order, highest first.
func DefaultOrder() []ID {
	return []ID{CloudPoll, CloudPushA, CloudPushB, LocalNetwork}
}

// SharesCredential reports whether two distinct providers depend on the
// same credential set.
func SharesCredential(a, b ID) bool {
	if a == b {
		return false
	}
	da, okA := Describe(a)
	db, okB := Describe(b)
	if !okA || !okB {
		return false
	}
	return da.Credential != CredentialNone && da.Credential == db.Credential
}

// Source is the contract every now-playing source implements. The events
// channel is owned by the source, stays open for the source's lifetime,
// and carries exactly one of payload, error, or status per event.
type Source interface {
	ID() ID
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Probe(ctx context.Context) (bool, error)
	Events() <-chan Event
}
