package core

import (
	"time"

	"cryocore/pkg/domain"
)

// Rule names.
const (
	RuleRecordIntegrity = "record_integrity"
	RuleSlotOccupancy   = "slot_occupancy"
	RuleBoxCapacity     = "box_capacity"
)

// NewDefaultRulesEngine builds the engine every commit runs: record field
// integrity and slot occupancy block, capacity only warns.
func NewDefaultRulesEngine() *domain.RulesEngine {
	return NewRulesEngineWithClock(time.Now)
}

// NewRulesEngineWithClock is NewDefaultRulesEngine with an explicit clock for
// the future-date checks.
func NewRulesEngineWithClock(now func() time.Time) *domain.RulesEngine {
	engine := domain.NewRulesEngine()
	engine.Register(NewRecordIntegrityRule(now))
	engine.Register(NewSlotOccupancyRule())
	engine.Register(NewBoxCapacityRule(DefaultBoxEmptyThreshold, DefaultTotalEmptyThreshold))
	return engine
}

func blockf(rule string, recordID int, msg string) domain.Violation {
	return domain.Violation{Rule: rule, Severity: domain.SeverityBlock, Message: msg, RecordID: recordID}
}
