// Package conflict decides precedence between concurrent operations and
// records the losing side. Both the device sync engine and the authority use
// the same detector, so a conflicting pair is named identically everywhere.
package conflict

import (
	"math"

	"github.com/vellumnotes/vellum/internal/oplog"
)

// Outcome names one resolved conflicting pair. Accepted reports whether the
// incoming operation outranks the prior one.
type Outcome struct {
	EntityType string
	EntityID   string
	WinnerOpID string
	LoserOpID  string
	Accepted   bool
	Fields     []string
}

// Concurrent reports whether two operations were created without knowledge
// of each other. BasedOnSeq witnesses what the writing device had seen: an
// operation knew another only if the other's server sequence was already
// assigned and visible at write time.
func Concurrent(a, b oplog.Operation) bool {
	if a.EntityID != b.EntityID {
		return false
	}
	if a.DeviceID == b.DeviceID {
		return false
	}
	return !knew(a, b) && !knew(b, a)
}

func knew(observer, observed oplog.Operation) bool {
	if observed.ServerSeq == nil {
		return false
	}
	return observer.BasedOnSeq >= *observed.ServerSeq
}

// Overlap reports whether two operations touch intersecting state: a shared
// affected field, or either side addressing the entity as a whole.
func Overlap(a, b oplog.Operation) bool {
	if a.Type.WholeEntity() || b.Type.WholeEntity() {
		return true
	}
	fields := overlappingFields(a, b)
	return len(fields) > 0
}

func overlappingFields(a, b oplog.Operation) []string {
	bFields := make(map[string]struct{})
	for _, field := range b.AffectedFields() {
		bFields[field] = struct{}{}
	}
	var shared []string
	for _, field := range a.AffectedFields() {
		if _, ok := bFields[field]; ok {
			shared = append(shared, field)
		}
	}
	return shared
}

// Resolve applies last-write-wins by server sequence. An operation without
// an assigned sequence outranks any assigned one: when it reaches the
// authority it will receive a later sequence than everything already known.
func Resolve(incoming, prior oplog.Operation) Outcome {
	outcome := Outcome{
		EntityType: incoming.EntityType,
		EntityID:   incoming.EntityID,
		Fields:     overlappingFields(incoming, prior),
		Accepted:   precedence(incoming) > precedence(prior),
	}
	if outcome.Accepted {
		outcome.WinnerOpID = incoming.OpID
		outcome.LoserOpID = prior.OpID
	} else {
		outcome.WinnerOpID = prior.OpID
		outcome.LoserOpID = incoming.OpID
	}
	return outcome
}

func precedence(op oplog.Operation) int64 {
	if op.ServerSeq == nil {
		return math.MaxInt64
	}
	return *op.ServerSeq
}

// Detect resolves the incoming operation against every prior operation it
// conflicts with. Disjoint field sets are clean merges and produce nothing.
func Detect(incoming oplog.Operation, prior []oplog.Operation) []Outcome {
	var outcomes []Outcome
	for _, candidate := range prior {
		if candidate.OpID == incoming.OpID {
			continue
		}
		if !Concurrent(incoming, candidate) {
			continue
		}
		if !Overlap(incoming, candidate) {
			continue
		}
		outcomes = append(outcomes, Resolve(incoming, candidate))
	}
	return outcomes
}
